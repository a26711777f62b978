package ranker_test

import (
	"testing"

	"github.com/WessleyAI/tyrefit/engine/artifacts"
	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/engine/enginetest"
	"github.com/WessleyAI/tyrefit/engine/ranker"
	"github.com/WessleyAI/tyrefit/pkg/metrics"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRanker(t *testing.T, opts ranker.Options) *ranker.Ranker {
	t.Helper()
	s, err := artifacts.NewSet(enginetest.Index(t), nil)
	require.NoError(t, err)
	r, err := ranker.New(artifacts.NewHolder(s), opts)
	require.NoError(t, err)
	return r
}

func prices(items []ranker.Item) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.Price.IntPart()
	}
	return out
}

func TestRank_Terciles(t *testing.T) {
	r := newRanker(t, ranker.DefaultOptions())
	cases := []struct {
		tier domain.BudgetTier
		want []int64
	}{
		{domain.TierBudget, []int64{3000, 3500}},
		{domain.TierMid, []int64{4000, 4500}},
		{domain.TierPremium, []int64{5000, 6000}},
		{domain.TierNone, []int64{3000, 3500, 4000}},
	}
	for _, c := range cases {
		t.Run(string(c.tier), func(t *testing.T) {
			out, err := r.Rank(ranker.Query{TyreSize: enginetest.SizeSpread, Tier: c.tier})
			require.NoError(t, err)
			assert.Equal(t, c.want, prices(out.Items))
			assert.False(t, out.FellBack)
			for i, it := range out.Items {
				assert.Equal(t, i+1, it.Rank)
				assert.Equal(t, enginetest.SizeSpread, it.Size)
			}
		})
	}
}

func TestRank_BudgetLimitOne(t *testing.T) {
	r := newRanker(t, ranker.DefaultOptions())
	out, err := r.Rank(ranker.Query{TyreSize: enginetest.SizeSwift, Tier: domain.TierBudget, Limit: 1})
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "CEAT", out.Items[0].Brand)
	assert.True(t, out.Items[0].Price.Equal(decimal.NewFromInt(3800)))
	assert.True(t, out.Items[0].Discount.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, []string{"Tubeless", "Fuel efficient"}, out.Items[0].Features)
	assert.Equal(t, domain.TierBudget, out.Items[0].Tier)
}

func TestRank_EmptyTierFallsBack(t *testing.T) {
	reg := metrics.New()
	opts := ranker.DefaultOptions()
	opts.Metrics = reg
	r := newRanker(t, opts)

	// Two offerings at the ends of the range leave the middle band empty.
	out, err := r.Rank(ranker.Query{TyreSize: enginetest.SizeSwift, Tier: domain.TierMid})
	require.NoError(t, err)
	assert.True(t, out.FellBack)
	assert.Equal(t, []int64{3800, 4200}, prices(out.Items))
	assert.Contains(t, reg.Render(), `tyrefit_rank_fallbacks_total{tier="mid"} 1`)
}

func TestRank_AcceptsAnyNotation(t *testing.T) {
	r := newRanker(t, ranker.DefaultOptions())
	for _, s := range []string{"185/65R15", "185-65-15", "P185/65 ZR15"} {
		out, err := r.Rank(ranker.Query{TyreSize: s})
		require.NoError(t, err, s)
		assert.Equal(t, enginetest.SizeSwift, out.Size)
		assert.Len(t, out.Items, 2, s)
	}
}

func TestRank_UnknownAndInvalidSizes(t *testing.T) {
	r := newRanker(t, ranker.DefaultOptions())
	out, err := r.Rank(ranker.Query{TyreSize: "275/40 R20"})
	require.NoError(t, err)
	assert.Empty(t, out.Items)

	_, err = r.Rank(ranker.Query{TyreSize: "not a size"})
	assert.ErrorIs(t, err, domain.ErrInvalidTyreSize)

	_, err = r.Rank(ranker.Query{TyreSize: enginetest.SizeSwift, Limit: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidQuery)
}

func offering(brand, model, size string, price int64, features ...string) domain.TyreOffering {
	p := decimal.NewFromInt(price)
	return domain.TyreOffering{Brand: brand, Model: model, Size: size, Price: p, MRP: p, Features: features}
}

func TestRankOfferings_HardSizeFilter(t *testing.T) {
	offs := []domain.TyreOffering{
		offering("A", "x", "185/65 R15", 1000),
		offering("B", "y", "195/65 R15", 1100),
		offering("C", "z", "185/65R15", 1200),
	}
	out, err := ranker.RankOfferings(offs, ranker.Query{TyreSize: "185/65 R15", Limit: 10}, ranker.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, out.Items, 2)
	for _, it := range out.Items {
		assert.NotEqual(t, "B", it.Brand)
	}
}

func TestRankOfferings_Dedupe(t *testing.T) {
	offs := []domain.TyreOffering{
		offering("MRF", "ZVTV", "185/65 R15", 3000),
		offering("mrf", "zvtv", "185/65 R15", 3400),
		offering("CEAT", "Milaze", "185/65 R15", 3500),
	}
	q := ranker.Query{TyreSize: "185/65 R15", Limit: 10}
	out, err := ranker.RankOfferings(offs, q, ranker.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []int64{3000, 3500}, prices(out.Items))

	opts := ranker.DefaultOptions()
	opts.Dedupe = false
	out, err = ranker.RankOfferings(offs, q, opts)
	require.NoError(t, err)
	assert.Len(t, out.Items, 3)
}

func TestRankOfferings_UsageHintReorders(t *testing.T) {
	offs := []domain.TyreOffering{
		offering("A", "a", "185/65 R15", 1000),
		offering("B", "b", "185/65 R15", 1100, "Wet Grip"),
		offering("C", "c", "185/65 R15", 1200),
	}
	out, err := ranker.RankOfferings(offs, ranker.Query{TyreSize: "185/65 R15", Usage: "wet grip"}, ranker.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []int64{1100, 1000, 1200}, prices(out.Items))
}

func TestPartition(t *testing.T) {
	offs := []domain.TyreOffering{
		offering("A", "a", "185/65 R15", 100),
		offering("B", "b", "185/65 R15", 100),
	}
	assert.Equal(t, []domain.BudgetTier{domain.TierBudget, domain.TierBudget}, ranker.Partition(offs, ranker.DefaultBoundaries))

	bounds := [2]decimal.Decimal{decimal.RequireFromString("0.5"), decimal.RequireFromString("0.9")}
	offs = append(offs, offering("C", "c", "185/65 R15", 200), offering("D", "d", "185/65 R15", 160))
	assert.Equal(t,
		[]domain.BudgetTier{domain.TierBudget, domain.TierBudget, domain.TierPremium, domain.TierMid},
		ranker.Partition(offs, bounds))
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, ranker.DefaultOptions().Validate())
	bad := ranker.DefaultOptions()
	bad.Boundaries = [2]decimal.Decimal{decimal.RequireFromString("0.7"), decimal.RequireFromString("0.3")}
	assert.Error(t, bad.Validate())
	_, err := ranker.New(artifacts.NewHolder(nil), bad)
	assert.Error(t, err)

	bad.Boundaries = [2]decimal.Decimal{decimal.RequireFromString("0.5"), decimal.NewFromInt(1)}
	assert.Error(t, bad.Validate())
}

func TestRank_NoSet(t *testing.T) {
	r, err := ranker.New(artifacts.NewHolder(nil), ranker.DefaultOptions())
	require.NoError(t, err)
	_, err = r.Rank(ranker.Query{TyreSize: enginetest.SizeSwift})
	assert.ErrorIs(t, err, domain.ErrNoIndex)
}
