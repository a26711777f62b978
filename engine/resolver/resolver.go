// Package resolver answers "which tyre size fits this vehicle": exact index
// lookup first, then fuzzy search over the catalogue, then the size
// estimator gated by a confidence threshold.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/tyrefit/engine/artifacts"
	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/engine/estimator"
	"github.com/WessleyAI/tyrefit/engine/index"
	"github.com/WessleyAI/tyrefit/pkg/fn"
	"github.com/WessleyAI/tyrefit/pkg/metrics"
	"github.com/WessleyAI/tyrefit/pkg/resilience"
	"github.com/shopspring/decimal"
)

// DefaultThreshold is the minimum size-estimator probability for a
// non-low-confidence answer.
const DefaultThreshold = 0.6

// Query is one vehicle to resolve. Hints are optional and only feed the
// estimator.
type Query struct {
	Make        string          `json:"make" validate:"required,max=128"`
	Model       string          `json:"model" validate:"required,max=128"`
	Variant     string          `json:"variant" validate:"max=128"`
	VehicleType string          `json:"vehicle_type,omitempty" validate:"max=64"`
	FuelType    string          `json:"fuel_type,omitempty" validate:"max=64"`
	Price       decimal.Decimal `json:"price,omitempty"`
}

// Key returns the folded lookup key, built exactly as ingestion builds it.
func (q Query) Key() domain.VehicleKey { return domain.NewVehicleKey(q.Make, q.Model, q.Variant) }

// Searcher finds catalogue vehicles close to a key that missed the index.
type Searcher interface {
	Match(ctx context.Context, key domain.VehicleKey, limit int) ([]domain.SearchHit, error)
}

// Options configures a Resolver.
type Options struct {
	// Threshold is the minimum size-estimator probability for an unflagged
	// prediction. Zero uses DefaultThreshold.
	Threshold float64
	// Searcher is consulted after an exact miss; nil disables search.
	Searcher       Searcher
	SearchMinScore float64
	SearchTimeout  time.Duration
	SearchLimit    int
	// Breaker guards Searcher. Nil gets a breaker with default options.
	Breaker *resilience.Breaker
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.SearchMinScore <= 0 {
		o.SearchMinScore = 0.8
	}
	if o.SearchTimeout <= 0 {
		o.SearchTimeout = 300 * time.Millisecond
	}
	if o.SearchLimit <= 0 {
		o.SearchLimit = 5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Breaker == nil {
		o.Breaker = resilience.NewBreaker(breakerOpts(o.Logger, o.Metrics))
	}
	return o
}

func breakerOpts(logger *slog.Logger, reg *metrics.Registry) resilience.BreakerOpts {
	opts := resilience.DefaultBreakerOpts
	opts.OnStateChange = func(from, to resilience.State) {
		logger.Warn("vehicle search breaker changed state", "from", from.String(), "to", to.String())
		if reg != nil {
			reg.Gauge("tyrefit_search_breaker_state", "Vehicle search breaker state (0 closed, 1 open, 2 half-open)").Set(int64(to))
		}
	}
	return opts
}

// Resolver is safe for concurrent use. Each call reads the artifact set
// current at its start and uses only that set.
type Resolver struct {
	holder *artifacts.Holder
	opts   Options
	// match is the breaker-guarded search call; nil without a Searcher.
	match fn.Stage[domain.VehicleKey, []domain.SearchHit]
}

// New returns a Resolver over the sets published in h.
func New(h *artifacts.Holder, opts Options) *Resolver {
	r := &Resolver{holder: h, opts: opts.withDefaults()}
	if s := r.opts.Searcher; s != nil {
		r.match = resilience.BreakerStage(r.opts.Breaker, func(ctx context.Context, key domain.VehicleKey) fn.Result[[]domain.SearchHit] {
			ctx, cancel := context.WithTimeout(ctx, r.opts.SearchTimeout)
			defer cancel()
			return fn.FromPair(s.Match(ctx, key, r.opts.SearchLimit))
		})
	}
	return r
}

// Threshold returns the configured confidence threshold.
func (r *Resolver) Threshold() float64 { return r.opts.Threshold }

// Resolve returns the tyre size for q. Errors are reserved for invalid
// queries and a missing artifact set; ambiguity, low confidence and an
// unavailable estimator are reported on the result.
func (r *Resolver) Resolve(ctx context.Context, q Query) (domain.ResolutionResult, error) {
	set, err := r.holder.Current()
	if err != nil {
		return domain.ResolutionResult{}, fmt.Errorf("resolver: %w", err)
	}
	return r.ResolveIn(ctx, set, q)
}

// ResolveIn resolves q against an explicit artifact set, for callers that
// combine several lookups and must see one generation.
func (r *Resolver) ResolveIn(ctx context.Context, set *artifacts.Set, q Query) (domain.ResolutionResult, error) {
	if err := domain.ValidateVehicleQuery(q.Make, q.Model, q.Variant); err != nil {
		return domain.ResolutionResult{}, err
	}
	start := time.Now()
	res := r.resolve(ctx, set, q)
	r.observe(res, start)
	r.opts.Logger.Debug("resolved vehicle",
		"key", res.Query.String(), "source", res.Source, "via", res.Via,
		"ambiguous", res.Ambiguous, "low_confidence", res.LowConfidence, "declined", res.Declined)
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, set *artifacts.Set, q Query) domain.ResolutionResult {
	idx := set.Index()
	key := q.Key()

	if matches := idx.Lookup(key); len(matches) > 0 {
		return exact(idx, key, matches)
	}
	if res, ok := r.search(ctx, idx, key); ok {
		return res
	}
	return r.predict(set, q)
}

func exact(idx *index.Index, key domain.VehicleKey, matches []domain.VehicleSpec) domain.ResolutionResult {
	res := domain.ResolutionResult{Query: key, Via: domain.ViaIndex}
	if len(matches) == 1 {
		s := matches[0]
		res.Source = domain.SourceExact
		res.Confidence = domain.Confidence(1)
		res.TyreSize, res.RearTyreSize = s.FrontTyreSize, s.RearTyreSize
		res.Candidates = idx.Offerings(s.FrontTyreSize)
		return res
	}
	res.Ambiguous = true
	res.Matches = matches
	if front, rear, ok := agreedSizes(matches); ok {
		res.Source = domain.SourceExact
		res.Confidence = domain.Confidence(1)
		res.TyreSize, res.RearTyreSize = front, rear
		res.Candidates = idx.Offerings(front)
	}
	return res
}

// agreedSizes returns the sizes shared by every spec, if they all agree.
func agreedSizes(specs []domain.VehicleSpec) (front, rear string, ok bool) {
	front, rear = specs[0].FrontTyreSize, specs[0].RearTyreSize
	for _, s := range specs[1:] {
		if s.FrontTyreSize != front || s.RearTyreSize != rear {
			return "", "", false
		}
	}
	return front, rear, true
}

func (r *Resolver) search(ctx context.Context, idx *index.Index, key domain.VehicleKey) (domain.ResolutionResult, bool) {
	if r.match == nil {
		return domain.ResolutionResult{}, false
	}
	hits, err := r.match(ctx, key).Unwrap()
	if err != nil {
		r.count("tyrefit_search_failures_total", "Search collaborator failures", "reason", searchFailure(err))
		r.opts.Logger.Warn("vehicle search failed, falling back to estimator", "error", err, "key", key.String())
		return domain.ResolutionResult{}, false
	}
	for _, h := range hits {
		if h.Score < r.opts.SearchMinScore {
			continue
		}
		specs := idx.Lookup(h.Key)
		if len(specs) == 0 {
			continue
		}
		front, rear, ok := agreedSizes(specs)
		if !ok {
			continue
		}
		matched := h.Key
		return domain.ResolutionResult{
			Query:        key,
			TyreSize:     front,
			RearTyreSize: rear,
			Source:       domain.SourcePredicted,
			Confidence:   domain.Confidence(h.Score),
			Via:          domain.ViaSearch,
			MatchedKey:   &matched,
			Candidates:   idx.Offerings(front),
		}, true
	}
	return domain.ResolutionResult{}, false
}

func searchFailure(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "error"
}

func (r *Resolver) predict(set *artifacts.Set, q Query) domain.ResolutionResult {
	res := domain.ResolutionResult{Query: q.Key(), Via: domain.ViaEstimator}
	est, err := set.Estimator(estimator.KindSize)
	if err != nil {
		res.Declined = true
		res.Reason = err.Error()
		return res
	}
	p, err := est.PredictClass(EstimatorInput(set.Index(), q))
	if err != nil {
		res.Declined = true
		res.Reason = fmt.Sprintf("size estimator failed: %v", err)
		return res
	}
	res.Source = domain.SourcePredicted
	res.Confidence = domain.Confidence(p.Probability)
	res.TyreSize, res.RearTyreSize = p.Label, p.Label
	if p.Probability < r.opts.Threshold {
		res.LowConfidence = true
		return res
	}
	res.Candidates = set.Index().Offerings(p.Label)
	return res
}

// EstimatorInput builds the estimator input for q, filling absent hints from
// other variants of the same make and model when the catalogue has them.
func EstimatorInput(idx *index.Index, q Query) estimator.Input {
	in := estimator.Input{
		Make:        domain.CleanText(q.Make),
		Model:       domain.CleanText(q.Model),
		Variant:     domain.CleanText(q.Variant),
		VehicleType: domain.CleanText(q.VehicleType),
		FuelType:    domain.CleanText(q.FuelType),
	}
	in.VehiclePrice, _ = q.Price.Float64()

	siblings := idx.Variants(q.Make, q.Model)
	if len(siblings) == 0 {
		return in
	}
	if in.VehicleType == "" {
		in.VehicleType = siblings[0].VehicleType
	}
	if in.FuelType == "" {
		in.FuelType = siblings[0].FuelType
	}
	if in.VehiclePrice <= 0 {
		sum, n := decimal.Zero, 0
		for _, s := range siblings {
			if s.Price.IsPositive() {
				sum = sum.Add(s.Price)
				n++
			}
		}
		if n > 0 {
			in.VehiclePrice, _ = sum.Div(decimal.NewFromInt(int64(n))).Float64()
		}
	}
	return in
}

func (r *Resolver) observe(res domain.ResolutionResult, start time.Time) {
	if r.opts.Metrics == nil {
		return
	}
	source := string(res.Source)
	switch {
	case res.Declined:
		source = "declined"
	case source == "":
		source = "none"
	}
	r.count("tyrefit_resolutions_total", "Vehicle resolutions", "source", source, "via", res.Via)
	if res.Ambiguous {
		r.count("tyrefit_resolutions_ambiguous_total", "Resolutions with more than one catalogue match")
	}
	if res.LowConfidence {
		r.count("tyrefit_resolutions_low_confidence_total", "Predictions below the confidence threshold")
	}
	r.opts.Metrics.Histogram("tyrefit_resolve_duration_seconds", "Resolution latency", metrics.DefaultBuckets).Since(start)
}

func (r *Resolver) count(name, help string, labels ...string) {
	if r.opts.Metrics == nil {
		return
	}
	r.opts.Metrics.Counter(metrics.WithLabels(name, labels...), help).Inc()
}
