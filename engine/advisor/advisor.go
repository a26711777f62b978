// Package advisor combines resolution, ranking and the estimator bank into a
// complete tyre recommendation, and serves the conversational intents on top
// of it.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/WessleyAI/tyrefit/engine/artifacts"
	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/engine/estimator"
	"github.com/WessleyAI/tyrefit/engine/ranker"
	"github.com/WessleyAI/tyrefit/engine/resolver"
	"github.com/WessleyAI/tyrefit/pkg/metrics"
	"github.com/WessleyAI/tyrefit/pkg/vehiclenlp"
	"github.com/shopspring/decimal"
)

// Defaults for Options.
const (
	DefaultBrandTopK = 3
	DefaultPriceBand = 0.10
)

// Request asks for a complete recommendation for one vehicle.
type Request struct {
	Vehicle resolver.Query    `json:"vehicle" validate:"required"`
	Tier    domain.BudgetTier `json:"budget_tier,omitempty"`
	Limit   int               `json:"limit,omitempty" validate:"gte=0,lte=50"`
	Usage   string            `json:"usage,omitempty" validate:"max=64"`
}

// PriceRange is a regressor estimate widened by the configured band.
type PriceRange struct {
	Low      decimal.Decimal `json:"low"`
	Estimate decimal.Decimal `json:"estimate"`
	High     decimal.Decimal `json:"high"`
}

// BrandSuggestion is a brand the estimator bank expects for a size that has
// no catalogue offerings.
type BrandSuggestion struct {
	Brand       string      `json:"brand"`
	Probability float64     `json:"probability"`
	Price       *PriceRange `json:"price_range,omitempty"`
}

// Recommendation is the answer to a Request. Exactly one of Ranking and
// Predicted is populated when the vehicle resolved; neither when it did not.
type Recommendation struct {
	Version    string                  `json:"artifact_version"`
	Resolution domain.ResolutionResult `json:"resolution"`
	Ranking    *ranker.Ranking         `json:"ranking,omitempty"`
	Predicted  []BrandSuggestion       `json:"predicted_brands,omitempty"`
	Message    string                  `json:"message"`
}

// Options configures an Advisor.
type Options struct {
	BrandTopK int
	// PriceBand widens price estimates to [estimate*(1-band), estimate*(1+band)].
	PriceBand float64
	Logger    *slog.Logger
	Metrics   *metrics.Registry
}

func (o Options) withDefaults() Options {
	if o.BrandTopK <= 0 {
		o.BrandTopK = DefaultBrandTopK
	}
	if o.PriceBand <= 0 || o.PriceBand >= 1 {
		o.PriceBand = DefaultPriceBand
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Advisor is safe for concurrent use.
type Advisor struct {
	holder   *artifacts.Holder
	resolver *resolver.Resolver
	ranker   *ranker.Ranker
	opts     Options

	mu        sync.Mutex
	nlp       *vehiclenlp.Extractor
	nlpForVer string
}

// New returns an Advisor reading artifact sets from h.
func New(h *artifacts.Holder, res *resolver.Resolver, rk *ranker.Ranker, opts Options) *Advisor {
	return &Advisor{holder: h, resolver: res, ranker: rk, opts: opts.withDefaults()}
}

// Recommend resolves the vehicle and ranks its catalogue offerings. When the
// catalogue has none for the resolved size, brands and prices come from the
// estimator bank instead. Every step reads the same artifact set.
func (a *Advisor) Recommend(ctx context.Context, req Request) (Recommendation, error) {
	set, err := a.holder.Current()
	if err != nil {
		return Recommendation{}, fmt.Errorf("advisor: %w", err)
	}
	return a.RecommendIn(ctx, set, req)
}

// RecommendIn is Recommend against an explicit artifact set.
func (a *Advisor) RecommendIn(ctx context.Context, set *artifacts.Set, req Request) (Recommendation, error) {
	res, err := a.resolver.ResolveIn(ctx, set, req.Vehicle)
	if err != nil {
		return Recommendation{}, err
	}
	rec := Recommendation{Version: set.Version(), Resolution: res}
	if !res.Resolved() {
		rec.Message = unresolvedMessage(res)
		a.count("unresolved")
		return rec, nil
	}

	ranking, err := a.ranker.RankIn(set, ranker.Query{TyreSize: res.TyreSize, Tier: req.Tier, Limit: req.Limit, Usage: req.Usage})
	if err != nil {
		return Recommendation{}, err
	}
	if len(ranking.Items) > 0 {
		rec.Ranking = &ranking
		rec.Message = fmt.Sprintf("%d option(s) in %s", len(ranking.Items), ranking.Size)
		a.count("ranked")
		return rec, nil
	}

	brands, err := a.PredictBrands(set, req.Vehicle, res.TyreSize)
	switch {
	case errors.Is(err, domain.ErrEstimatorUnavailable):
		rec.Message = fmt.Sprintf("no catalogue offerings for %s and no brand estimator loaded", res.TyreSize)
		a.count("empty")
		return rec, nil
	case err != nil:
		return Recommendation{}, err
	}
	rec.Predicted = brands
	rec.Message = fmt.Sprintf("no catalogue offerings for %s; %d predicted brand(s)", res.TyreSize, len(brands))
	a.count("predicted")
	return rec, nil
}

func unresolvedMessage(res domain.ResolutionResult) string {
	switch {
	case res.Declined:
		return "cannot predict a tyre size: " + res.Reason
	case res.LowConfidence:
		return fmt.Sprintf("best guess %s is below the confidence threshold", res.TyreSize)
	case res.Ambiguous:
		return fmt.Sprintf("%d catalogue vehicles match with different tyre sizes", len(res.Matches))
	}
	return "vehicle not resolved"
}

// PredictBrands returns the top brands the brand estimator expects for the
// vehicle on size, each with a price range when the price regressor is
// loaded.
func (a *Advisor) PredictBrands(set *artifacts.Set, q resolver.Query, size string) ([]BrandSuggestion, error) {
	est, err := set.Estimator(estimator.KindBrand)
	if err != nil {
		return nil, err
	}
	in := resolver.EstimatorInput(set.Index(), q).WithTyre(size, "", "")
	preds, err := est.TopK(in, a.opts.BrandTopK)
	if err != nil {
		return nil, fmt.Errorf("advisor: brand estimator: %w", err)
	}
	out := make([]BrandSuggestion, 0, len(preds))
	for _, p := range preds {
		s := BrandSuggestion{Brand: p.Label, Probability: p.Probability}
		if pr, err := a.estimatePrice(set, in.WithTyre(size, p.Label, "")); err == nil {
			s.Price = &pr
		}
		out = append(out, s)
	}
	return out, nil
}

// EstimatePrice predicts the price of brand on size for the vehicle.
func (a *Advisor) EstimatePrice(set *artifacts.Set, q resolver.Query, size, brand string) (PriceRange, error) {
	return a.estimatePrice(set, resolver.EstimatorInput(set.Index(), q).WithTyre(size, brand, ""))
}

func (a *Advisor) estimatePrice(set *artifacts.Set, in estimator.Input) (PriceRange, error) {
	est, err := set.Estimator(estimator.KindPrice)
	if err != nil {
		return PriceRange{}, err
	}
	v, err := est.PredictValue(in)
	if err != nil {
		return PriceRange{}, fmt.Errorf("advisor: price estimator: %w", err)
	}
	if v <= 0 {
		return PriceRange{}, fmt.Errorf("advisor: price estimate %.2f is not positive", v)
	}
	return Band(decimal.NewFromFloat(v), a.opts.PriceBand), nil
}

// Band rounds estimate to whole rupees and widens it by band on both sides.
func Band(estimate decimal.Decimal, band float64) PriceRange {
	b := decimal.NewFromFloat(band)
	one := decimal.NewFromInt(1)
	est := estimate.Round(0)
	return PriceRange{
		Low:      est.Mul(one.Sub(b)).Round(0),
		Estimate: est,
		High:     est.Mul(one.Add(b)).Round(0),
	}
}

// Extractor returns the vehicle mention extractor for the vocabulary of set,
// rebuilding it when the set version changes.
func (a *Advisor) Extractor(set *artifacts.Set) *vehiclenlp.Extractor {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nlp != nil && a.nlpForVer == set.Version() {
		return a.nlp
	}
	var entries []vehiclenlp.Entry
	for s := range set.Index().Vehicles() {
		entries = append(entries, vehiclenlp.Entry{Make: s.Make, Model: s.Model, Variant: s.Variant})
	}
	a.nlp = vehiclenlp.NewExtractor(entries, vehiclenlp.DefaultAliases)
	a.nlpForVer = set.Version()
	a.opts.Logger.Debug("vehicle vocabulary rebuilt", "version", set.Version(), "entries", len(entries))
	return a.nlp
}

func (a *Advisor) count(outcome string) {
	if a.opts.Metrics == nil {
		return
	}
	a.opts.Metrics.Counter(metrics.WithLabels("tyrefit_recommendations_total", "outcome", outcome), "Complete recommendations by outcome").Inc()
}
