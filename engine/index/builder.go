// Package index builds and serves the exact-match lookup structures: the
// vehicle index (VehicleKey -> specs), the tyre catalogue (size -> offerings,
// price sorted) and the brand catalogue. A Builder is single-use; Finalize
// produces an immutable Index that many goroutines may read at once.
package index

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/engine/ingest"
	"github.com/google/uuid"
)

// Builder accumulates records. It is not safe for concurrent use.
type Builder struct {
	vehicles  map[domain.VehicleKey][]domain.VehicleSpec
	keyOrder  []domain.VehicleKey
	catalog   map[string][]domain.TyreOffering
	specs     map[string]domain.TyreSpec
	records   int
	finalized bool
	now       func() time.Time
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		vehicles: make(map[domain.VehicleKey][]domain.VehicleSpec),
		catalog:  make(map[string][]domain.TyreOffering),
		specs:    make(map[string]domain.TyreSpec),
		now:      time.Now,
	}
}

// Ingest drains src through the normalizer into the builder. Only structural
// failures (unreadable source, cancellation) are returned as errors; bad rows
// are counted in the report.
func (b *Builder) Ingest(ctx context.Context, src ingest.Source, opts ingest.Options, extra ...ingest.Sink) (ingest.Report, error) {
	if b.finalized {
		return ingest.Report{}, domain.ErrIndexFinalized
	}
	return ingest.Run(ctx, src, opts, append([]ingest.Sink{b}, extra...)...)
}

// Accept implements ingest.Sink.
func (b *Builder) Accept(rec ingest.Record) error { return b.Add(rec) }

// Add appends one validated record. Specs that differ under one key
// accumulate; a spec equal to one already held (the same vehicle on another
// offering row) is not stored twice, though its offerings still are.
func (b *Builder) Add(rec ingest.Record) error {
	if b.finalized {
		return domain.ErrIndexFinalized
	}
	key := rec.Spec.Key()
	held, ok := b.vehicles[key]
	if !ok {
		b.keyOrder = append(b.keyOrder, key)
	}
	if !slices.ContainsFunc(held, func(s domain.VehicleSpec) bool { return sameSpec(s, rec.Spec) }) {
		b.vehicles[key] = append(held, rec.Spec)
	}

	b.addSpec(rec.Spec.FrontTyreSize, rec.Front)
	b.addSpec(rec.Spec.RearTyreSize, rec.Rear)
	for _, off := range rec.Offerings {
		b.catalog[off.Size] = append(b.catalog[off.Size], off)
	}
	b.records++
	return nil
}

// sameSpec compares specs the way lookups see them: text folded, price by
// value.
func sameSpec(a, b domain.VehicleSpec) bool {
	return domain.FoldText(a.VehicleType) == domain.FoldText(b.VehicleType) &&
		domain.FoldText(a.FuelType) == domain.FoldText(b.FuelType) &&
		a.FrontTyreSize == b.FrontTyreSize &&
		a.RearTyreSize == b.RearTyreSize &&
		a.Price.Equal(b.Price)
}

func (b *Builder) addSpec(size string, spec domain.TyreSpec) {
	if size == "" {
		return
	}
	if _, ok := b.specs[size]; ok {
		return
	}
	// The size string is authoritative; dims may come from a different column.
	if parsed, err := domain.ParseTyreSize(size); err == nil {
		parsed.TubeType = spec.TubeType
		spec = parsed
	}
	b.specs[size] = spec
}

// Finalize sorts every size's offerings by ascending price (stable), builds
// the brand index in one pass over the sorted catalogue and returns the
// immutable Index. The builder cannot be used afterwards.
func (b *Builder) Finalize() (*Index, error) {
	if b.finalized {
		return nil, domain.ErrIndexFinalized
	}
	b.finalized = true

	for _, offs := range b.catalog {
		slices.SortStableFunc(offs, func(x, y domain.TyreOffering) int {
			return x.Price.Cmp(y.Price)
		})
	}
	idx := &Index{
		version:  uuid.NewString(),
		builtAt:  b.now().UTC(),
		vehicles: b.vehicles,
		keyOrder: b.keyOrder,
		catalog:  b.catalog,
		specs:    b.specs,
		records:  b.records,
	}
	idx.buildSecondary()

	b.vehicles, b.catalog, b.specs, b.keyOrder = nil, nil, nil, nil
	return idx, nil
}

// Build ingests src into a fresh builder and finalizes it.
func Build(ctx context.Context, src ingest.Source, opts ingest.Options, extra ...ingest.Sink) (*Index, ingest.Report, error) {
	b := NewBuilder()
	rep, err := b.Ingest(ctx, src, opts, extra...)
	if err != nil {
		return nil, rep, fmt.Errorf("index: build: %w", err)
	}
	idx, err := b.Finalize()
	return idx, rep, err
}
