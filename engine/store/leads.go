package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/pkg/repo"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// LeadLabel is the node label of stored leads.
const LeadLabel = "Lead"

// LeadStore records customers who asked for a callback.
type LeadStore struct {
	repo   repo.Repository[domain.Lead, string]
	now    func() time.Time
	logger *slog.Logger
}

// NewLeadStore creates a store on driver.
func NewLeadStore(driver neo4j.DriverWithContext, logger *slog.Logger) *LeadStore {
	return newLeadStore(repo.NewNeo4jRepo[domain.Lead, string](driver, LeadLabel, leadToMap, leadFromRecord), logger)
}

// NewLeadStoreWithSessions creates a store on an explicit session factory.
func NewLeadStoreWithSessions(f repo.SessionFunc, logger *slog.Logger) *LeadStore {
	return newLeadStore(repo.NewNeo4jRepo[domain.Lead, string](nil, LeadLabel, leadToMap, leadFromRecord,
		repo.WithSessions[domain.Lead, string](f)), logger)
}

func newLeadStore(r repo.Repository[domain.Lead, string], logger *slog.Logger) *LeadStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeadStore{repo: r, now: time.Now, logger: logger}
}

// Create normalizes the phone number, assigns an ID and stores a new lead.
func (s *LeadStore) Create(ctx context.Context, l domain.Lead) (domain.Lead, error) {
	phone, err := domain.NormalizePhone(l.Phone)
	if err != nil {
		return domain.Lead{}, err
	}
	now := s.now().UTC()
	l.ID = uuid.NewString()
	l.Phone = phone
	l.Status = domain.LeadNew
	l.CreatedAt, l.UpdatedAt = now, now

	out, err := s.repo.Create(ctx, l)
	if err != nil {
		return domain.Lead{}, fmt.Errorf("store: create lead: %w", err)
	}
	s.logger.Info("lead created", "id", out.ID, "source", out.Source, "tyre_size", out.TyreSize)
	return out, nil
}

// GetByPhone returns the most recent lead for phone, or repo.ErrNotFound.
func (s *LeadStore) GetByPhone(ctx context.Context, phone string) (domain.Lead, error) {
	norm, err := domain.NormalizePhone(phone)
	if err != nil {
		return domain.Lead{}, err
	}
	leads, err := s.repo.FindBy(ctx, "phone", norm, 50)
	if err != nil {
		return domain.Lead{}, fmt.Errorf("store: leads by phone: %w", err)
	}
	if len(leads) == 0 {
		return domain.Lead{}, fmt.Errorf("lead for %s: %w", norm, repo.ErrNotFound)
	}
	return slices.MaxFunc(leads, func(a, b domain.Lead) int { return a.CreatedAt.Compare(b.CreatedAt) }), nil
}

// Get returns the lead with id.
func (s *LeadStore) Get(ctx context.Context, id string) (domain.Lead, error) {
	return s.repo.Get(ctx, id)
}

// UpdateStatus moves a lead to status.
func (s *LeadStore) UpdateStatus(ctx context.Context, id string, status domain.LeadStatus) (domain.Lead, error) {
	if _, err := domain.ParseLeadStatus(string(status)); err != nil {
		return domain.Lead{}, err
	}
	l, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Lead{}, err
	}
	l.Status = status
	l.UpdatedAt = s.now().UTC()
	return s.repo.Update(ctx, l)
}

// List pages through leads newest first, optionally filtered by status.
func (s *LeadStore) List(ctx context.Context, status domain.LeadStatus, offset, limit int) ([]domain.Lead, error) {
	opts := repo.ListOpts{Offset: offset, Limit: limit, OrderBy: "created_at", Desc: true}
	if status != "" {
		opts.Filter = map[string]any{"status": string(status)}
	}
	return s.repo.List(ctx, opts)
}

func leadToMap(l domain.Lead) map[string]any {
	return map[string]any{
		"id":              l.ID,
		"phone":           l.Phone,
		"name":            l.Name,
		"vehicle_make":    l.Vehicle.Make,
		"vehicle_model":   l.Vehicle.Model,
		"vehicle_variant": l.Vehicle.Variant,
		"tyre_size":       l.TyreSize,
		"budget_tier":     string(l.Tier),
		"status":          string(l.Status),
		"source":          l.Source,
		"note":            l.Note,
		"created_at":      l.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      l.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func leadFromRecord(rec *neo4j.Record) (domain.Lead, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return domain.Lead{}, fmt.Errorf("store: lead record: %w", err)
	}
	str := func(k string) string {
		s, _ := node.Props[k].(string)
		return s
	}
	ts := func(k string) time.Time {
		t, _ := time.Parse(time.RFC3339Nano, str(k))
		return t
	}
	return domain.Lead{
		ID:    str("id"),
		Phone: str("phone"),
		Name:  str("name"),
		Vehicle: domain.VehicleKey{
			Make:    str("vehicle_make"),
			Model:   str("vehicle_model"),
			Variant: str("vehicle_variant"),
		},
		TyreSize:  str("tyre_size"),
		Tier:      domain.BudgetTier(str("budget_tier")),
		Status:    domain.LeadStatus(str("status")),
		Source:    str("source"),
		Note:      str("note"),
		CreatedAt: ts("created_at"),
		UpdatedAt: ts("updated_at"),
	}, nil
}
