// Package ranker selects the offerings to recommend for a resolved tyre
// size. Budget tiers are relative price bands of the size's own catalogue.
package ranker

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/WessleyAI/tyrefit/engine/artifacts"
	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/pkg/fn"
	"github.com/WessleyAI/tyrefit/pkg/metrics"
	"github.com/shopspring/decimal"
)

// DefaultLimit is the number of offerings returned when a query sets none.
const DefaultLimit = 3

// DefaultBoundaries split the price range into equal-width terciles.
var DefaultBoundaries = [2]decimal.Decimal{
	decimal.NewFromInt(1).Div(decimal.NewFromInt(3)),
	decimal.NewFromInt(2).Div(decimal.NewFromInt(3)),
}

// Query asks for recommendations for one size.
type Query struct {
	TyreSize string            `json:"tyre_size" validate:"required"`
	Tier     domain.BudgetTier `json:"budget_tier,omitempty"`
	Limit    int               `json:"limit,omitempty" validate:"gte=0,lte=50"`
	// Usage moves offerings whose features mention it to the front of the
	// selected band. It never removes an offering.
	Usage string `json:"usage,omitempty" validate:"max=64"`
}

// Item is one recommended offering.
type Item struct {
	Rank     int               `json:"rank"`
	Brand    string            `json:"brand"`
	Model    string            `json:"model,omitempty"`
	Variant  string            `json:"variant,omitempty"`
	Size     string            `json:"size"`
	Price    decimal.Decimal   `json:"price"`
	MRP      decimal.Decimal   `json:"mrp"`
	Discount decimal.Decimal   `json:"discount"`
	TubeType string            `json:"tube_type,omitempty"`
	Features []string          `json:"features,omitempty"`
	Tier     domain.BudgetTier `json:"tier"`
}

// Ranking is the answer to a Query.
type Ranking struct {
	Size string            `json:"tyre_size"`
	Tier domain.BudgetTier `json:"budget_tier,omitempty"`
	// FellBack is set when the requested tier had no offerings and the
	// whole catalogue for the size was used instead.
	FellBack bool   `json:"fell_back"`
	Items    []Item `json:"items"`
}

// Options configures a Ranker.
type Options struct {
	DefaultLimit int
	// Boundaries are the budget/mid and mid/premium cuts as fractions of the
	// size's price range. Both must lie in (0,1) and increase.
	Boundaries [2]decimal.Decimal
	// Dedupe keeps only the cheapest listing of each brand/model/variant.
	Dedupe  bool
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// DefaultOptions returns terciles, a limit of 3 and deduplication on.
func DefaultOptions() Options {
	return Options{DefaultLimit: DefaultLimit, Boundaries: DefaultBoundaries, Dedupe: true}
}

// Validate checks the boundaries.
func (o Options) Validate() error {
	lo, hi := o.Boundaries[0], o.Boundaries[1]
	if !lo.IsPositive() || !hi.LessThan(decimal.NewFromInt(1)) || !lo.LessThan(hi) {
		return fmt.Errorf("ranker: tier boundaries must satisfy 0 < %s < %s < 1", lo, hi)
	}
	if o.DefaultLimit < 0 {
		return fmt.Errorf("ranker: default limit %d is negative", o.DefaultLimit)
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.DefaultLimit == 0 {
		o.DefaultLimit = DefaultLimit
	}
	if o.Boundaries[0].IsZero() && o.Boundaries[1].IsZero() {
		o.Boundaries = DefaultBoundaries
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Ranker reads offerings from the current artifact set.
type Ranker struct {
	holder *artifacts.Holder
	opts   Options
}

// New validates opts and returns a Ranker.
func New(h *artifacts.Holder, opts Options) (*Ranker, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Ranker{holder: h, opts: opts}, nil
}

// Rank recommends offerings for q.TyreSize from the current catalogue.
func (r *Ranker) Rank(q Query) (Ranking, error) {
	set, err := r.holder.Current()
	if err != nil {
		return Ranking{}, fmt.Errorf("ranker: %w", err)
	}
	return r.RankIn(set, q)
}

// RankIn ranks against an explicit artifact set.
func (r *Ranker) RankIn(set *artifacts.Set, q Query) (Ranking, error) {
	start := time.Now()
	out, err := RankOfferings(set.Index().Offerings(q.TyreSize), q, r.opts)
	if err != nil {
		return Ranking{}, err
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.Histogram("tyrefit_rank_duration_seconds", "Ranking latency", metrics.DefaultBuckets).Since(start)
		if out.FellBack {
			r.opts.Metrics.Counter(metrics.WithLabels("tyrefit_rank_fallbacks_total", "tier", string(q.Tier)), "Tier selections that fell back to the full list").Inc()
		}
	}
	r.opts.Logger.Debug("ranked offerings", "size", out.Size, "tier", q.Tier, "items", len(out.Items), "fell_back", out.FellBack)
	return out, nil
}

// RankOfferings applies the ranking to an explicit offering list, which must
// be sorted by ascending price. Offerings of any other size are dropped.
func RankOfferings(offs []domain.TyreOffering, q Query, opts Options) (Ranking, error) {
	opts = opts.withDefaults()
	size, err := domain.CanonicalTyreSize(q.TyreSize)
	if err != nil {
		return Ranking{}, err
	}
	if q.Limit < 0 {
		return Ranking{}, domain.NewValidationError("limit", fmt.Sprint(q.Limit), domain.ErrInvalidQuery)
	}
	limit := q.Limit
	if limit == 0 {
		limit = opts.DefaultLimit
	}

	pool := fn.Filter(offs, func(o domain.TyreOffering) bool { return sameSize(o.Size, size) })
	if opts.Dedupe {
		// offs is price sorted, so the first of each identity is the cheapest.
		pool = fn.UniqueBy(pool, domain.TyreOffering.IdentityKey)
	}

	tiers := Partition(pool, opts.Boundaries)
	out := Ranking{Size: size, Tier: q.Tier}
	selected := pool
	if q.Tier != domain.TierNone {
		selected = nil
		for i, o := range pool {
			if tiers[i] == q.Tier {
				selected = append(selected, o)
			}
		}
		if len(selected) == 0 {
			selected, out.FellBack = pool, true
		}
	}
	order := preferUsage(selected, q.Usage)
	for i, o := range order {
		if i == limit {
			break
		}
		out.Items = append(out.Items, Item{
			Rank:     i + 1,
			Brand:    o.Brand,
			Model:    o.Model,
			Variant:  o.Variant,
			Size:     o.Size,
			Price:    o.Price,
			MRP:      o.MRP,
			Discount: o.MRP.Sub(o.Price),
			TubeType: o.TubeType,
			Features: slices.Clone(o.Features),
			Tier:     tierOf(o, pool, tiers),
		})
	}
	return out, nil
}

func sameSize(size, want string) bool {
	got, err := domain.CanonicalTyreSize(size)
	return err == nil && got == want
}

// Partition assigns each offering of a price-sorted list to a tier by where
// its price falls in the list's price range. A list with a single price is
// entirely budget.
func Partition(offs []domain.TyreOffering, bounds [2]decimal.Decimal) []domain.BudgetTier {
	tiers := make([]domain.BudgetTier, len(offs))
	if len(offs) == 0 {
		return tiers
	}
	lo, hi := offs[0].Price, offs[0].Price
	for _, o := range offs[1:] {
		lo, hi = decimal.Min(lo, o.Price), decimal.Max(hi, o.Price)
	}
	span := hi.Sub(lo)
	for i, o := range offs {
		if !span.IsPositive() {
			tiers[i] = domain.TierBudget
			continue
		}
		frac := o.Price.Sub(lo).Div(span)
		switch {
		case frac.LessThan(bounds[0]):
			tiers[i] = domain.TierBudget
		case frac.LessThan(bounds[1]):
			tiers[i] = domain.TierMid
		default:
			tiers[i] = domain.TierPremium
		}
	}
	return tiers
}

func tierOf(o domain.TyreOffering, pool []domain.TyreOffering, tiers []domain.BudgetTier) domain.BudgetTier {
	for i, p := range pool {
		if p.IdentityKey() == o.IdentityKey() && p.Price.Equal(o.Price) {
			return tiers[i]
		}
	}
	return domain.TierNone
}

// preferUsage stable-partitions offs so those with a feature mentioning
// usage come first.
func preferUsage(offs []domain.TyreOffering, usage string) []domain.TyreOffering {
	usage = domain.FoldText(usage)
	if usage == "" {
		return offs
	}
	var hit, rest []domain.TyreOffering
	for _, o := range offs {
		if mentions(o, usage) {
			hit = append(hit, o)
		} else {
			rest = append(rest, o)
		}
	}
	return append(hit, rest...)
}

func mentions(o domain.TyreOffering, usage string) bool {
	for _, f := range o.Features {
		if strings.Contains(domain.FoldText(f), usage) {
			return true
		}
	}
	return false
}
