package store

import (
	"context"
	"errors"
	"maps"
	"regexp"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResult struct {
	records []*neo4j.Record
	i       int
}

func (r *fakeResult) Next(context.Context) bool {
	if r.i < len(r.records) {
		r.i++
		return true
	}
	return false
}

func (r *fakeResult) Record() *neo4j.Record { return r.records[r.i-1] }

var filterRe = regexp.MustCompile(`n\.(\w+) = \$(f\d+)`)

// fakeGraph keeps lead nodes by id and records every statement.
type fakeGraph struct {
	nodes   map[string]map[string]any
	rows    []*neo4j.Record
	err     error
	cyphers []string
	params  []map[string]any
}

func newFakeGraph() *fakeGraph { return &fakeGraph{nodes: map[string]map[string]any{}} }

func (g *fakeGraph) sessions() repo.SessionFunc {
	return func(context.Context) repo.Runner { return g }
}

func nodeRecord(props map[string]any) *neo4j.Record {
	return &neo4j.Record{Keys: []string{"n"}, Values: []any{dbtype.Node{Labels: []string{LeadLabel}, Props: props}}}
}

func (g *fakeGraph) Run(_ context.Context, cypher string, params map[string]any) (repo.Result, error) {
	g.cyphers = append(g.cyphers, cypher)
	g.params = append(g.params, params)
	if g.err != nil {
		return nil, g.err
	}
	switch {
	case strings.HasPrefix(cypher, "CREATE"):
		props := maps.Clone(params["props"].(map[string]any))
		g.nodes[props["id"].(string)] = props
		return &fakeResult{records: []*neo4j.Record{nodeRecord(props)}}, nil
	case strings.Contains(cypher, "SET n += $props"):
		n, ok := g.nodes[params["id"].(string)]
		if !ok {
			return &fakeResult{}, nil
		}
		maps.Copy(n, params["props"].(map[string]any))
		return &fakeResult{records: []*neo4j.Record{nodeRecord(n)}}, nil
	case strings.Contains(cypher, "{id: $id}) RETURN n"):
		n, ok := g.nodes[params["id"].(string)]
		if !ok {
			return &fakeResult{}, nil
		}
		return &fakeResult{records: []*neo4j.Record{nodeRecord(n)}}, nil
	case strings.HasPrefix(cypher, "MATCH (n:"+LeadLabel+")"):
		var recs []*neo4j.Record
		for _, id := range slices.Sorted(maps.Keys(g.nodes)) {
			n := g.nodes[id]
			match := true
			for _, m := range filterRe.FindAllStringSubmatch(cypher, -1) {
				if n[m[1]] != params[m[2]] {
					match = false
				}
			}
			if match {
				recs = append(recs, nodeRecord(n))
			}
		}
		return &fakeResult{records: recs}, nil
	}
	return &fakeResult{records: g.rows}, nil
}

func (g *fakeGraph) Close(context.Context) error { return nil }

func swift() domain.VehicleSpec {
	return domain.VehicleSpec{
		Make: "Maruti Suzuki", Model: "Swift", Variant: "VXI",
		VehicleType: "Hatchback", FuelType: "Petrol", Price: decimal.NewFromInt(650000),
		FrontTyreSize: "185/65 R15", RearTyreSize: "185/65 R15",
	}
}

func TestVehicleStore_SaveAllBatches(t *testing.T) {
	g := newFakeGraph()
	s := NewVehicleStoreWithSessions(g.sessions(), nil)

	specs := make([]domain.VehicleSpec, batchSize+3)
	for i := range specs {
		specs[i] = swift()
	}
	n, err := s.SaveAll(context.Background(), slices.Values(specs))
	require.NoError(t, err)
	assert.Equal(t, len(specs), n)
	require.Len(t, g.params, 2)
	assert.Len(t, g.params[0]["rows"], batchSize)
	assert.Len(t, g.params[1]["rows"], 3)

	row := g.params[1]["rows"].([]map[string]any)[0]
	assert.Equal(t, "maruti suzuki", row["make_id"])
	assert.Equal(t, "maruti suzuki|swift", row["model_id"])
	assert.Equal(t, "maruti suzuki|swift|vxi|petrol|hatchback", row["id"])
	assert.Equal(t, "650000", row["price"])
	assert.Contains(t, g.cyphers[0], "MERGE (md)-[:HAS_VARIANT]->(v)")
}

func TestVehicleStore_SaveError(t *testing.T) {
	g := newFakeGraph()
	g.err = errors.New("connection refused")
	s := NewVehicleStoreWithSessions(g.sessions(), nil)

	n, err := s.SaveAll(context.Background(), slices.Values([]domain.VehicleSpec{swift()}))
	assert.Zero(t, n)
	assert.ErrorContains(t, err, "connection refused")
	assert.Error(t, s.SaveVehicle(context.Background(), swift()))
}

func TestVehicleStore_FindVehicles(t *testing.T) {
	g := newFakeGraph()
	g.rows = []*neo4j.Record{{
		Keys:   []string{"make", "model", "variant", "vehicle_type", "fuel_type", "price", "front", "rear"},
		Values: []any{"Maruti Suzuki", "Swift", "VXI", "Hatchback", "Petrol", "650000", "185/65 R15", "185/65 R15"},
	}}
	s := NewVehicleStoreWithSessions(g.sessions(), nil)

	got, err := s.FindVehicles(context.Background(), "  MARUTI suzuki ", "Swift", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, swift().Key(), got[0].Key())
	assert.True(t, got[0].Price.Equal(decimal.NewFromInt(650000)))
	assert.Equal(t, "maruti suzuki", g.params[0]["make_id"])
	assert.Equal(t, "maruti suzuki|swift", g.params[0]["model_id"])
	assert.Equal(t, 100, g.params[0]["limit"])

	_, err = s.FindVehicles(context.Background(), "Maruti Suzuki", "", 5)
	require.NoError(t, err)
	assert.Equal(t, "", g.params[1]["model_id"])

	g.rows = []*neo4j.Record{{Keys: []string{"make"}, Values: []any{"Tata"}}}
	_, err = s.FindVehicles(context.Background(), "Tata", "", 5)
	assert.ErrorContains(t, err, "incomplete vehicle record")
}

func TestLeadStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	g := newFakeGraph()
	s := NewLeadStoreWithSessions(g.sessions(), nil)
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	first, err := s.Create(ctx, domain.Lead{
		Phone:    "+91 98765-43210",
		Name:     "Asha",
		Vehicle:  swift().Key(),
		TyreSize: "185/65 R15",
		Tier:     domain.TierMid,
		Source:   "chat",
		Status:   domain.LeadClosed,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "+919876543210", first.Phone)
	assert.Equal(t, domain.LeadNew, first.Status)
	assert.Equal(t, swift().Key(), first.Vehicle)
	assert.True(t, first.CreatedAt.Equal(clock))

	clock = clock.Add(time.Hour)
	second, err := s.Create(ctx, domain.Lead{Phone: "+919876543210", Source: "api"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	latest, err := s.GetByPhone(ctx, "+91 98765 43210")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	clock = clock.Add(time.Hour)
	updated, err := s.UpdateStatus(ctx, first.ID, domain.LeadContacted)
	require.NoError(t, err)
	assert.Equal(t, domain.LeadContacted, updated.Status)
	assert.True(t, updated.UpdatedAt.Equal(clock))
	assert.Equal(t, "Asha", updated.Name)

	contacted, err := s.List(ctx, domain.LeadContacted, 0, 10)
	require.NoError(t, err)
	require.Len(t, contacted, 1)
	assert.Equal(t, first.ID, contacted[0].ID)

	all, err := s.List(ctx, "", 0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLeadStore_Errors(t *testing.T) {
	ctx := context.Background()
	g := newFakeGraph()
	s := NewLeadStoreWithSessions(g.sessions(), nil)

	_, err := s.Create(ctx, domain.Lead{Phone: "12345"})
	assert.ErrorIs(t, err, domain.ErrInvalidPhone)

	_, err = s.GetByPhone(ctx, "9876543210")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = s.UpdateStatus(ctx, "missing", domain.LeadConverted)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = s.UpdateStatus(ctx, "missing", "archived")
	assert.ErrorIs(t, err, domain.ErrInvalidQuery)

	g.err = errors.New("unavailable")
	_, err = s.Create(ctx, domain.Lead{Phone: "9876543210"})
	assert.ErrorContains(t, err, "create lead")
}
