package estimator

import (
	"context"
	"errors"
)

// BoostParams configures a gradient boosted regressor with squared loss.
type BoostParams struct {
	Rounds       int        `json:"rounds" yaml:"rounds"`
	LearningRate float64    `json:"learning_rate" yaml:"learning_rate"`
	Tree         TreeParams `json:"tree" yaml:"tree"`
}

// Booster predicts Init + LearningRate * sum of tree outputs.
type Booster struct {
	Init         float64 `json:"init"`
	LearningRate float64 `json:"learning_rate"`
	Width        int     `json:"width"`
	Trees        []Tree  `json:"trees"`
}

// FitBooster fits trees one after another on the current residuals. It is
// deterministic: every split considers every feature.
func FitBooster(ctx context.Context, x [][]float64, y []float64, p BoostParams) (*Booster, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, errors.New("estimator: booster needs a non-empty, aligned training set")
	}
	if p.Rounds <= 0 {
		p.Rounds = 100
	}
	if p.LearningRate <= 0 {
		p.LearningRate = 0.1
	}
	if p.Tree.MaxDepth <= 0 {
		p.Tree.MaxDepth = 10
	}
	p.Tree.MaxFeatures = 0

	var mean float64
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))

	b := &Booster{Init: mean, LearningRate: p.LearningRate, Width: len(x[0])}
	pred := make([]float64, len(y))
	for i := range pred {
		pred[i] = mean
	}
	resid := make([]float64, len(y))
	idx := make([]int, len(y))
	for i := range idx {
		idx[i] = i
	}
	for round := 0; round < p.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var sse float64
		for i := range y {
			resid[i] = y[i] - pred[i]
			sse += resid[i] * resid[i]
		}
		if sse == 0 {
			break
		}
		t := growTree(x, valueTarget{y: resid}, idx, p.Tree, nil)
		for i := range pred {
			pred[i] += p.LearningRate * t.Predict(x[i])[0]
		}
		b.Trees = append(b.Trees, t)
	}
	return b, nil
}

// Predict returns the regression estimate for x.
func (b *Booster) Predict(x []float64) float64 {
	out := b.Init
	for i := range b.Trees {
		out += b.LearningRate * b.Trees[i].Predict(x)[0]
	}
	return out
}

func (b *Booster) valid() bool {
	for i := range b.Trees {
		if !b.Trees[i].valid(b.Width, 1) {
			return false
		}
	}
	return true
}
