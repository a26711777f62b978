package repo

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Result is the minimal interface needed from a neo4j result.
type Result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

// Runner is the minimal interface needed from a neo4j session.
type Runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (Result, error)
	Close(ctx context.Context) error
}

// SessionFunc opens a Runner. Tests substitute one backed by a fake.
type SessionFunc func(ctx context.Context) Runner

// DriverSessions opens default-database sessions on driver.
func DriverSessions(driver neo4j.DriverWithContext) SessionFunc {
	return func(ctx context.Context) Runner {
		return &neo4jSessionAdapter{sess: driver.NewSession(ctx, neo4j.SessionConfig{})}
	}
}

// Neo4jRepo is a generic Neo4j-backed repository.
type Neo4jRepo[T any, ID comparable] struct {
	label      string
	idKey      string
	toMap      func(T) map[string]any
	fromRecord func(*neo4j.Record) (T, error)
	sessions   SessionFunc
}

// Neo4jOption configures a Neo4jRepo.
type Neo4jOption[T any, ID comparable] func(*Neo4jRepo[T, ID])

// WithSessions replaces the driver-backed session factory.
func WithSessions[T any, ID comparable](f SessionFunc) Neo4jOption[T, ID] {
	return func(r *Neo4jRepo[T, ID]) { r.sessions = f }
}

// NewNeo4jRepo creates a new Neo4j-backed repository. driver may be nil
// when WithSessions is given.
func NewNeo4jRepo[T any, ID comparable](
	driver neo4j.DriverWithContext,
	label string,
	toMap func(T) map[string]any,
	fromRecord func(*neo4j.Record) (T, error),
	opts ...Neo4jOption[T, ID],
) *Neo4jRepo[T, ID] {
	r := &Neo4jRepo[T, ID]{
		label:      label,
		idKey:      "id",
		toMap:      toMap,
		fromRecord: fromRecord,
	}
	if driver != nil {
		r.sessions = DriverSessions(driver)
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Compile-time interface check.
var _ Repository[any, string] = (*Neo4jRepo[any, string])(nil)

// neo4jSessionAdapter adapts neo4j.SessionWithContext to the Runner interface.
type neo4jSessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

func (r *Neo4jRepo[T, ID]) Get(ctx context.Context, id ID) (T, error) {
	var zero T
	sess := r.sessions(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) RETURN n", r.label, r.idKey)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return zero, err
	}
	if !result.Next(ctx) {
		return zero, fmt.Errorf("%s %v: %w", r.label, id, ErrNotFound)
	}
	return r.fromRecord(result.Record())
}

func (r *Neo4jRepo[T, ID]) List(ctx context.Context, opts ListOpts) ([]T, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	where, params, err := whereClause(opts.Filter)
	if err != nil {
		return nil, err
	}
	order, err := orderClause(opts)
	if err != nil {
		return nil, err
	}
	params["offset"], params["limit"] = opts.Offset, limit
	cypher := fmt.Sprintf("MATCH (n:%s)%s RETURN n%s SKIP $offset LIMIT $limit", r.label, where, order)
	return r.collect(ctx, cypher, params)
}

// FindBy returns up to limit nodes whose property prop equals value.
func (r *Neo4jRepo[T, ID]) FindBy(ctx context.Context, prop string, value any, limit int) ([]T, error) {
	return r.List(ctx, ListOpts{Limit: limit, Filter: map[string]any{prop: value}})
}

var propRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// whereClause turns equality filters into a WHERE clause. Property names
// are interpolated, so they must be plain identifiers.
func whereClause(filter map[string]any) (string, map[string]any, error) {
	params := make(map[string]any, len(filter)+2)
	if len(filter) == 0 {
		return "", params, nil
	}
	conds := make([]string, 0, len(filter))
	for i, k := range slices.Sorted(maps.Keys(filter)) {
		if !propRe.MatchString(k) {
			return "", nil, fmt.Errorf("repo: invalid filter property %q", k)
		}
		p := fmt.Sprintf("f%d", i)
		conds = append(conds, fmt.Sprintf("n.%s = $%s", k, p))
		params[p] = filter[k]
	}
	return " WHERE " + strings.Join(conds, " AND "), params, nil
}

func orderClause(opts ListOpts) (string, error) {
	if opts.OrderBy == "" {
		return "", nil
	}
	if !propRe.MatchString(opts.OrderBy) {
		return "", fmt.Errorf("repo: invalid order property %q", opts.OrderBy)
	}
	if opts.Desc {
		return " ORDER BY n." + opts.OrderBy + " DESC", nil
	}
	return " ORDER BY n." + opts.OrderBy, nil
}

func (r *Neo4jRepo[T, ID]) collect(ctx context.Context, cypher string, params map[string]any) ([]T, error) {
	sess := r.sessions(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	var items []T
	for result.Next(ctx) {
		item, err := r.fromRecord(result.Record())
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *Neo4jRepo[T, ID]) Create(ctx context.Context, entity T) (T, error) {
	cypher := fmt.Sprintf("CREATE (n:%s $props) RETURN n", r.label)
	return r.one(ctx, cypher, map[string]any{"props": r.toMap(entity)}, "failed to create "+r.label)
}

// Upsert merges entity on its ID property.
func (r *Neo4jRepo[T, ID]) Upsert(ctx context.Context, entity T) (T, error) {
	props := r.toMap(entity)
	cypher := fmt.Sprintf("MERGE (n:%s {%s: $id}) SET n += $props RETURN n", r.label, r.idKey)
	return r.one(ctx, cypher, map[string]any{"id": props[r.idKey], "props": props}, "failed to upsert "+r.label)
}

func (r *Neo4jRepo[T, ID]) Update(ctx context.Context, entity T) (T, error) {
	props := r.toMap(entity)
	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) SET n += $props RETURN n", r.label, r.idKey)
	return r.one(ctx, cypher, map[string]any{"id": props[r.idKey], "props": props}, "")
}

func (r *Neo4jRepo[T, ID]) one(ctx context.Context, cypher string, params map[string]any, failure string) (T, error) {
	var zero T
	sess := r.sessions(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return zero, err
	}
	if !result.Next(ctx) {
		if failure != "" {
			return zero, errors.New(failure)
		}
		return zero, fmt.Errorf("%s %v: %w", r.label, params["id"], ErrNotFound)
	}
	return r.fromRecord(result.Record())
}

func (r *Neo4jRepo[T, ID]) Delete(ctx context.Context, id ID) error {
	sess := r.sessions(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) DETACH DELETE n", r.label, r.idKey)
	_, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	return err
}
