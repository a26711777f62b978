package estimator

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"runtime"

	"github.com/WessleyAI/tyrefit/pkg/fn"
)

// ForestParams configures a random forest classifier.
type ForestParams struct {
	Trees int        `json:"trees" yaml:"trees"`
	Tree  TreeParams `json:"tree" yaml:"tree"`
	Seed  uint64     `json:"seed" yaml:"seed"`
}

// Forest is a bagged ensemble of classification trees. Each leaf holds
// class probabilities; the forest averages them.
type Forest struct {
	Classes int    `json:"classes"`
	Width   int    `json:"width"`
	Trees   []Tree `json:"trees"`
}

// FitForest trains a forest on rows x with class indices y in [0, classes).
// Tree i draws its bootstrap sample and feature subsets from a generator
// seeded with (Seed, i), so results do not depend on scheduling.
func FitForest(ctx context.Context, x [][]float64, y []int, classes int, p ForestParams) (*Forest, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, errors.New("estimator: forest needs a non-empty, aligned training set")
	}
	if p.Trees <= 0 {
		p.Trees = 100
	}
	width := len(x[0])
	if p.Tree.MaxFeatures == 0 {
		p.Tree.MaxFeatures = max(1, int(math.Sqrt(float64(width))))
	}
	t := classTarget{y: y, classes: classes}

	seeds := make([]uint64, p.Trees)
	for i := range seeds {
		seeds[i] = uint64(i)
	}
	trees := fn.ParMap(seeds, runtime.GOMAXPROCS(0), func(i uint64) fn.Result[Tree] {
		if err := ctx.Err(); err != nil {
			return fn.Err[Tree](err)
		}
		rng := rand.New(rand.NewPCG(p.Seed, i))
		idx := make([]int, len(x))
		for k := range idx {
			idx[k] = rng.IntN(len(x))
		}
		return fn.Ok(growTree(x, t, idx, p.Tree, rng))
	})
	out, err := fn.Collect(trees).Unwrap()
	if err != nil {
		return nil, err
	}
	return &Forest{Classes: classes, Width: width, Trees: out}, nil
}

// Proba returns the averaged class probabilities for x.
func (f *Forest) Proba(x []float64) []float64 {
	out := make([]float64, f.Classes)
	for i := range f.Trees {
		for k, p := range f.Trees[i].Predict(x) {
			out[k] += p
		}
	}
	if n := float64(len(f.Trees)); n > 0 {
		for k := range out {
			out[k] /= n
		}
	}
	return out
}

func (f *Forest) valid() bool {
	if f.Classes <= 0 || len(f.Trees) == 0 {
		return false
	}
	for i := range f.Trees {
		if !f.Trees[i].valid(f.Width, f.Classes) {
			return false
		}
	}
	return true
}
