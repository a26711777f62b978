package service_test

import (
	"context"
	"testing"

	"github.com/WessleyAI/tyrefit/engine/advisor"
	"github.com/WessleyAI/tyrefit/engine/artifacts"
	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/engine/enginetest"
	"github.com/WessleyAI/tyrefit/engine/estimator"
	"github.com/WessleyAI/tyrefit/engine/resolver"
	"github.com/WessleyAI/tyrefit/engine/service"
	"github.com/WessleyAI/tyrefit/pkg/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func holder(t *testing.T) *artifacts.Holder {
	t.Helper()
	set, err := artifacts.NewSet(enginetest.Index(t), enginetest.Artifacts(t))
	require.NoError(t, err)
	return artifacts.NewHolder(set)
}

func TestAssembleServesRecommendations(t *testing.T) {
	eng, err := service.Assemble(config.DefaultConfig(), holder(t), service.Deps{})
	require.NoError(t, err)

	rec, err := eng.Advisor.Recommend(context.Background(), advisor.Request{
		Vehicle: resolver.Query{Make: "Maruti Suzuki", Model: "Swift", Variant: "VXI"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceExact, rec.Resolution.Source)
	require.NotNil(t, rec.Ranking)
	assert.NotEmpty(t, rec.Ranking.Items)

	reply, err := eng.Router.Dispatch(context.Background(), "which tyres fit my car")
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Message)
}

func TestAssembleRejectsBadBoundaries(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ranker.Boundaries = []float64{0.5}
	_, err := service.Assemble(cfg, holder(t), service.Deps{})
	require.Error(t, err)
}

func TestRankerOptions(t *testing.T) {
	opts, err := service.RankerOptions(config.RankerConfig{DefaultLimit: 5, Boundaries: []float64{0.25, 0.75}, Dedupe: false})
	require.NoError(t, err)
	assert.Equal(t, 5, opts.DefaultLimit)
	assert.False(t, opts.Dedupe)
	assert.True(t, opts.Boundaries[0].Equal(decimal.NewFromFloat(0.25)))
	assert.True(t, opts.Boundaries[1].Equal(decimal.NewFromFloat(0.75)))

	opts, err = service.RankerOptions(config.RankerConfig{})
	require.NoError(t, err)
	assert.Equal(t, 3, opts.DefaultLimit)

	_, err = service.RankerOptions(config.RankerConfig{Boundaries: []float64{0.8, 0.2}})
	require.Error(t, err)
}

func TestEstimatorConfig(t *testing.T) {
	cfg := service.EstimatorConfig(config.TrainingConfig{
		Seed: 7, ValidationRatio: 0.25, Trees: 10, MaxDepth: 6, BoostingRounds: 20, LearningRate: 0.2,
	})
	assert.Equal(t, uint64(7), cfg.Seed)
	assert.Equal(t, 0.25, cfg.ValidationRatio)
	assert.Equal(t, 10, cfg.Brand.Trees)
	assert.Equal(t, 10, cfg.Size.Trees)
	assert.Equal(t, 6, cfg.Brand.Tree.MaxDepth)
	assert.Equal(t, 20, cfg.Price.Rounds)
	assert.Equal(t, 0.2, cfg.Price.LearningRate)

	def := service.EstimatorConfig(config.TrainingConfig{Seed: 42, ValidationRatio: 0.2})
	assert.Equal(t, estimator.DefaultConfig().Brand.Trees, def.Brand.Trees)
	assert.Equal(t, estimator.DefaultConfig().Price.Rounds, def.Price.Rounds)
}

func TestLoadOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Paths.ArtifactDir = t.TempDir()
	cfg.Paths.SnapshotDir = t.TempDir()
	opts := service.LoadOptions(cfg, nil)
	assert.Equal(t, cfg.Paths.ArtifactDir, opts.ArtifactDir)
	assert.Equal(t, cfg.Paths.SnapshotDir, opts.SnapshotDir)
	assert.Equal(t, []estimator.Kind{estimator.KindSize}, opts.Required)

	_, err := artifacts.Load(context.Background(), opts)
	require.ErrorIs(t, err, domain.ErrNoIndex)
}
