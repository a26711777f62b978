package resolver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WessleyAI/tyrefit/engine/artifacts"
	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/engine/enginetest"
	"github.com/WessleyAI/tyrefit/engine/estimator"
	"github.com/WessleyAI/tyrefit/pkg/metrics"
	"github.com/WessleyAI/tyrefit/pkg/resilience"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func holder(t *testing.T, kinds ...estimator.Kind) *artifacts.Holder {
	t.Helper()
	bank := enginetest.Artifacts(t)
	arts := bank
	if kinds != nil {
		arts = map[estimator.Kind]*estimator.Artifact{}
		for _, k := range kinds {
			arts[k] = bank[k]
		}
	}
	s, err := artifacts.NewSet(enginetest.Index(t), arts)
	require.NoError(t, err)
	return artifacts.NewHolder(s)
}

type fakeSearcher struct {
	hits  []domain.SearchHit
	err   error
	calls atomic.Int32
}

func (f *fakeSearcher) Match(_ context.Context, _ domain.VehicleKey, _ int) ([]domain.SearchHit, error) {
	f.calls.Add(1)
	return f.hits, f.err
}

func TestResolve_ExactMatch(t *testing.T) {
	reg := metrics.New()
	r := New(holder(t), Options{Metrics: reg})

	res, err := r.Resolve(context.Background(), Query{Make: "Maruti Suzuki", Model: "Swift", Variant: "VXI"})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceExact, res.Source)
	assert.Equal(t, domain.ViaIndex, res.Via)
	require.NotNil(t, res.Confidence)
	assert.Equal(t, 1.0, *res.Confidence)
	assert.Equal(t, enginetest.SizeSwift, res.TyreSize)
	assert.Equal(t, enginetest.SizeSwift, res.RearTyreSize)
	assert.False(t, res.Ambiguous)
	assert.True(t, res.Resolved())
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "CEAT", res.Candidates[0].Brand)
	assert.Equal(t, "MRF", res.Candidates[1].Brand)

	assert.Contains(t, reg.Render(), `tyrefit_resolutions_total{source="EXACT",via="index"} 1`)
}

func TestResolve_FoldsQueryLikeIngestion(t *testing.T) {
	r := New(holder(t), Options{})
	res, err := r.Resolve(context.Background(), Query{Make: "  maruti   SUZUKI ", Model: "SWIFT", Variant: " vxi"})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceExact, res.Source)
	assert.Equal(t, domain.NewVehicleKey("Maruti Suzuki", "Swift", "VXI"), res.Query)
}

func TestResolve_AmbiguousKeyIsSurfaced(t *testing.T) {
	reg := metrics.New()
	r := New(holder(t), Options{Metrics: reg})
	res, err := r.Resolve(context.Background(), Query{Make: "Hyundai", Model: "Creta", Variant: "SX"})
	require.NoError(t, err)
	assert.True(t, res.Ambiguous)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, "Petrol", res.Matches[0].FuelType)
	assert.Equal(t, "Diesel", res.Matches[1].FuelType)
	// Both fuel variants ride on the same size, so the size itself is exact.
	assert.Equal(t, domain.SourceExact, res.Source)
	assert.Equal(t, "215/60 R17", res.TyreSize)
	assert.Contains(t, reg.Render(), "tyrefit_resolutions_ambiguous_total 1")
}

func TestExact_DisagreeingMatchesHaveNoSource(t *testing.T) {
	idx := enginetest.Index(t)
	matches := []domain.VehicleSpec{
		{Make: "A", Model: "B", Variant: "C", FrontTyreSize: "185/65 R15", RearTyreSize: "185/65 R15"},
		{Make: "A", Model: "B", Variant: "C", FrontTyreSize: "195/55 R16", RearTyreSize: "195/55 R16"},
	}
	res := exact(idx, matches[0].Key(), matches)
	assert.True(t, res.Ambiguous)
	assert.Equal(t, domain.SourceNone, res.Source)
	assert.Empty(t, res.TyreSize)
	assert.Nil(t, res.Confidence)
	assert.False(t, res.Resolved())
}

func TestResolve_PredictsAbsentVehicle(t *testing.T) {
	r := New(holder(t), Options{Threshold: 1e-9})
	res, err := r.Resolve(context.Background(), Query{Make: "Honda", Model: "City", Variant: "ZX CVT"})
	require.NoError(t, err)
	assert.Equal(t, domain.SourcePredicted, res.Source)
	assert.Equal(t, domain.ViaEstimator, res.Via)
	assert.False(t, res.LowConfidence)
	require.NotNil(t, res.Confidence)
	assert.Greater(t, *res.Confidence, 0.0)
	assert.Equal(t, "185/55 R16", res.TyreSize)
	assert.NotEmpty(t, res.Candidates)
	for _, o := range res.Candidates {
		assert.Equal(t, res.TyreSize, o.Size)
	}
}

func TestResolve_LowConfidenceIsFlagged(t *testing.T) {
	reg := metrics.New()
	r := New(holder(t), Options{Threshold: 1.5, Metrics: reg})
	res, err := r.Resolve(context.Background(), Query{Make: "Kia", Model: "Seltos", Variant: "HTX"})
	require.NoError(t, err)
	assert.Equal(t, domain.SourcePredicted, res.Source)
	assert.True(t, res.LowConfidence)
	assert.NotEmpty(t, res.TyreSize)
	require.NotNil(t, res.Confidence)
	assert.Less(t, *res.Confidence, 1.5)
	assert.Empty(t, res.Candidates)
	assert.False(t, res.Resolved())
	assert.Contains(t, reg.Render(), "tyrefit_resolutions_low_confidence_total 1")
}

func TestResolve_IsIdempotent(t *testing.T) {
	r := New(holder(t), Options{})
	ctx := context.Background()
	for _, q := range []Query{
		{Make: "Maruti Suzuki", Model: "Swift", Variant: "VXI"},
		{Make: "Hyundai", Model: "Creta", Variant: "SX"},
		{Make: "Tata", Model: "Nexon", Variant: "Dark Edition", FuelType: "Diesel"},
	} {
		first, err := r.Resolve(ctx, q)
		require.NoError(t, err)
		second, err := r.Resolve(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestResolve_SearchEnrichment(t *testing.T) {
	swift := domain.NewVehicleKey("Maruti Suzuki", "Swift", "VXI")
	s := &fakeSearcher{hits: []domain.SearchHit{
		{Key: domain.NewVehicleKey("Nowhere", "Nothing", "X"), Score: 0.99},
		{Key: swift, Score: 0.91},
	}}
	r := New(holder(t), Options{Searcher: s, SearchMinScore: 0.8})

	res, err := r.Resolve(context.Background(), Query{Make: "Maruti Suzki", Model: "Swift", Variant: "VXi"})
	require.NoError(t, err)
	assert.Equal(t, domain.ViaSearch, res.Via)
	assert.Equal(t, domain.SourcePredicted, res.Source)
	assert.Equal(t, enginetest.SizeSwift, res.TyreSize)
	require.NotNil(t, res.MatchedKey)
	assert.Equal(t, swift, *res.MatchedKey)
	assert.InDelta(t, 0.91, *res.Confidence, 1e-12)
	assert.Len(t, res.Candidates, 2)
}

func TestResolve_WeakSearchHitFallsThrough(t *testing.T) {
	s := &fakeSearcher{hits: []domain.SearchHit{{Key: domain.NewVehicleKey("Maruti Suzuki", "Swift", "VXI"), Score: 0.4}}}
	r := New(holder(t), Options{Searcher: s, SearchMinScore: 0.8})
	res, err := r.Resolve(context.Background(), Query{Make: "Maruti Suzuki", Model: "Swift", Variant: "LXI"})
	require.NoError(t, err)
	assert.Equal(t, domain.ViaEstimator, res.Via)
	assert.Nil(t, res.MatchedKey)
}

func TestResolve_SearchFailureFallsBackAndTripsBreaker(t *testing.T) {
	reg := metrics.New()
	s := &fakeSearcher{err: errors.New("qdrant unavailable")}
	b := resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 1, Timeout: time.Hour})
	r := New(holder(t), Options{Searcher: s, Breaker: b, Metrics: reg})
	ctx := context.Background()
	q := Query{Make: "Honda", Model: "City", Variant: "Hybrid"}

	res, err := r.Resolve(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, domain.ViaEstimator, res.Via)
	assert.Equal(t, resilience.StateOpen, b.State())

	_, err = r.Resolve(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int32(1), s.calls.Load(), "open breaker must short-circuit the searcher")

	out := reg.Render()
	assert.Contains(t, out, `tyrefit_search_failures_total{reason="error"} 1`)
	assert.Contains(t, out, `tyrefit_search_failures_total{reason="circuit_open"} 1`)
}

func TestResolve_DeclinesWithoutSizeEstimator(t *testing.T) {
	r := New(holder(t, estimator.KindBrand), Options{})
	res, err := r.Resolve(context.Background(), Query{Make: "Kia", Model: "Sonet", Variant: "HTK"})
	require.NoError(t, err)
	assert.True(t, res.Declined)
	assert.Contains(t, res.Reason, "artifact size")
	assert.Equal(t, domain.SourceNone, res.Source)

	// Exact hits never need the estimator.
	res, err = r.Resolve(context.Background(), Query{Make: "Maruti Suzuki", Model: "Swift", Variant: "VXI"})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceExact, res.Source)
}

func TestResolve_Errors(t *testing.T) {
	r := New(holder(t), Options{})
	_, err := r.Resolve(context.Background(), Query{Make: "Honda"})
	require.ErrorIs(t, err, domain.ErrMissingField)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "model", verr.Field)

	empty := New(artifacts.NewHolder(nil), Options{})
	_, err = empty.Resolve(context.Background(), Query{Make: "Honda", Model: "City"})
	assert.ErrorIs(t, err, domain.ErrNoIndex)
}

func TestEstimatorInput_FillsHintsFromSiblings(t *testing.T) {
	idx := enginetest.Index(t)

	in := EstimatorInput(idx, Query{Make: "honda", Model: "city", Variant: "Elegant"})
	assert.Equal(t, "Sedan", in.VehicleType)
	assert.Equal(t, "Petrol", in.FuelType)
	assert.InDelta(t, 1225000, in.VehiclePrice, 1e-6)

	in = EstimatorInput(idx, Query{Make: "Honda", Model: "City", FuelType: "Hybrid", Price: decimal.NewFromInt(2000000)})
	assert.Equal(t, "Hybrid", in.FuelType)
	assert.InDelta(t, 2000000, in.VehiclePrice, 1e-6)

	in = EstimatorInput(idx, Query{Make: "Kia", Model: "Seltos"})
	assert.Empty(t, in.VehicleType)
	assert.Zero(t, in.VehiclePrice)
}

func TestResolve_DefaultBreakerReportsState(t *testing.T) {
	reg := metrics.New()
	s := &fakeSearcher{err: errors.New("qdrant unavailable")}
	r := New(holder(t), Options{Searcher: s, Metrics: reg})
	for range resilience.DefaultBreakerOpts.FailThreshold {
		_, err := r.Resolve(context.Background(), Query{Make: "Honda", Model: "City", Variant: "Hybrid"})
		require.NoError(t, err)
	}
	assert.Contains(t, reg.Render(), "tyrefit_search_breaker_state 1")
}
