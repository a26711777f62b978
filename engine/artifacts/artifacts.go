// Package artifacts owns the published artifact set: the finalized index
// and the trained estimators, loaded together, checked together and swapped
// in as one immutable value.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/engine/estimator"
	"github.com/WessleyAI/tyrefit/engine/index"
)

// Set is one consistent, read-only generation of the index and estimators.
// Nothing reachable from a Set is modified after NewSet returns.
type Set struct {
	version    string
	idx        *index.Index
	estimators map[estimator.Kind]*estimator.Artifact
	loadedAt   time.Time
}

// NewSet bundles an index with validated estimators.
func NewSet(idx *index.Index, arts map[estimator.Kind]*estimator.Artifact) (*Set, error) {
	if idx == nil {
		return nil, fmt.Errorf("artifacts: %w", domain.ErrNoIndex)
	}
	s := &Set{idx: idx, estimators: make(map[estimator.Kind]*estimator.Artifact, len(arts)), loadedAt: time.Now().UTC()}
	parts := []string{short(idx.Version())}
	for _, k := range slices.Sorted(maps.Keys(arts)) {
		a := arts[k]
		if a == nil {
			continue
		}
		if a.Kind != k {
			return nil, &domain.ArtifactError{Kind: string(k), Wrapped: fmt.Errorf("%w: holds a %q artifact", domain.ErrArtifactCorrupt, a.Kind)}
		}
		s.estimators[k] = a
		parts = append(parts, string(k)+":"+short(a.ID))
	}
	s.version = strings.Join(parts, "+")
	return s, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Version identifies the set; it changes whenever the index or any
// estimator changes.
func (s *Set) Version() string { return s.version }

// Index returns the finalized index.
func (s *Set) Index() *index.Index { return s.idx }

// LoadedAt is when the set was assembled.
func (s *Set) LoadedAt() time.Time { return s.loadedAt }

// Has reports whether the estimator of kind k is present.
func (s *Set) Has(k estimator.Kind) bool {
	_, ok := s.estimators[k]
	return ok
}

// Estimator returns the artifact of kind k, or an ArtifactError wrapping
// domain.ErrEstimatorUnavailable naming the missing estimator.
func (s *Set) Estimator(k estimator.Kind) (*estimator.Artifact, error) {
	if a, ok := s.estimators[k]; ok {
		return a, nil
	}
	return nil, &domain.ArtifactError{Kind: string(k), Wrapped: domain.ErrEstimatorUnavailable}
}

// Kinds lists the estimators present, sorted.
func (s *Set) Kinds() []estimator.Kind {
	return slices.Sorted(maps.Keys(s.estimators))
}

// Summary describes a set for status endpoints.
type Summary struct {
	Version    string                  `json:"version"`
	LoadedAt   time.Time               `json:"loaded_at"`
	Index      index.Stats             `json:"index"`
	IndexID    string                  `json:"index_id"`
	Estimators map[string]EstimatorRef `json:"estimators"`
}

// EstimatorRef is the identity and validation metrics of one estimator.
type EstimatorRef struct {
	ID        string            `json:"id"`
	TrainedAt time.Time         `json:"trained_at"`
	Metrics   estimator.Metrics `json:"metrics"`
}

// Summary returns a status description of s.
func (s *Set) Summary() Summary {
	sum := Summary{
		Version:    s.version,
		LoadedAt:   s.loadedAt,
		Index:      s.idx.Stats(),
		IndexID:    s.idx.Version(),
		Estimators: make(map[string]EstimatorRef, len(s.estimators)),
	}
	for k, a := range s.estimators {
		sum.Estimators[string(k)] = EstimatorRef{ID: a.ID, TrainedAt: a.TrainedAt, Metrics: a.Metrics}
	}
	return sum
}

// Holder publishes the current Set. Readers call Current once per request
// and use that Set throughout, so a concurrent Swap never mixes generations.
type Holder struct {
	p atomic.Pointer[Set]
}

// NewHolder returns a Holder publishing s (which may be nil).
func NewHolder(s *Set) *Holder {
	h := &Holder{}
	if s != nil {
		h.p.Store(s)
	}
	return h
}

// Current returns the published set, or domain.ErrNoIndex before the first
// publish.
func (h *Holder) Current() (*Set, error) {
	s := h.p.Load()
	if s == nil {
		return nil, domain.ErrNoIndex
	}
	return s, nil
}

// Swap publishes s and returns the previous set.
func (h *Holder) Swap(s *Set) *Set { return h.p.Swap(s) }

// LoadOptions says where a set comes from and which estimators it needs.
type LoadOptions struct {
	ArtifactDir string
	// Required estimators must load; any failure is fatal. Nil means every
	// kind.
	Required []estimator.Kind
	// Optional estimators are skipped when absent but still fatal when
	// present and corrupt or incompatible.
	Optional []estimator.Kind

	// Index, when set, is used as is. Otherwise the index is read from
	// Snapshots (SnapshotID, or the latest). With no Snapshots, the store at
	// SnapshotDir is opened for the duration of the load only, so a builder
	// can write to it between reloads.
	Index       *index.Index
	Snapshots   *index.SnapshotStore
	SnapshotDir string
	SnapshotID  string

	Logger *slog.Logger
}

// Load assembles a Set, refusing to return one when an expected estimator is
// missing or its codec does not fit the current schema. All failures are
// reported together.
func Load(ctx context.Context, opts LoadOptions) (*Set, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	idx := opts.Index
	if idx == nil {
		var err error
		idx, err = loadIndex(ctx, opts, log)
		if err != nil {
			return nil, err
		}
	}

	required := opts.Required
	if required == nil {
		required = estimator.Kinds
	}
	arts := make(map[estimator.Kind]*estimator.Artifact)
	var errs []error
	for _, k := range required {
		a, err := estimator.Load(opts.ArtifactDir, k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		arts[k] = a
	}
	for _, k := range opts.Optional {
		if _, done := arts[k]; done {
			continue
		}
		a, err := estimator.Load(opts.ArtifactDir, k)
		if errors.Is(err, domain.ErrArtifactMissing) {
			log.Warn("optional estimator absent", "kind", k, "dir", opts.ArtifactDir)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		arts[k] = a
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("artifacts: refusing to load set: %w", errors.Join(errs...))
	}

	s, err := NewSet(idx, arts)
	if err != nil {
		return nil, err
	}
	log.Info("artifact set loaded", "version", s.Version(), "estimators", s.Kinds(), "index", idx.Version())
	return s, nil
}

func loadIndex(ctx context.Context, opts LoadOptions, log *slog.Logger) (*index.Index, error) {
	snaps := opts.Snapshots
	if snaps == nil {
		if opts.SnapshotDir == "" {
			return nil, fmt.Errorf("artifacts: no index source: %w", domain.ErrNoIndex)
		}
		s, db, err := index.OpenSnapshotStore(opts.SnapshotDir, log)
		if err != nil {
			return nil, fmt.Errorf("artifacts: %w", err)
		}
		defer db.Close()
		snaps = s
	}
	var (
		idx *index.Index
		err error
	)
	if opts.SnapshotID != "" {
		idx, _, err = snaps.Load(ctx, opts.SnapshotID)
	} else {
		idx, _, err = snaps.Latest(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: load index: %w", err)
	}
	return idx, nil
}
