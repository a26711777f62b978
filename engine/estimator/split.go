package estimator

import (
	"math"
	"math/rand/v2"
)

// Split deterministically partitions n sample indices into training and
// validation sets. The same (n, ratio, seed) always gives the same split.
// With two or more samples both sides are non-empty.
func Split(n int, ratio float64, seed uint64) (train, val []int) {
	if n <= 0 {
		return nil, nil
	}
	rng := rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))
	perm := rng.Perm(n)
	nv := int(math.Round(float64(n) * ratio))
	if n >= 2 && ratio > 0 {
		nv = min(max(nv, 1), n-1)
	} else {
		nv = 0
	}
	return perm[nv:], perm[:nv]
}

// Metrics is the validation performance persisted with an artifact.
// Classifiers set Accuracy; the regressor sets MAE, RMSE and R2.
type Metrics struct {
	TrainSamples      int      `json:"train_samples"`
	ValidationSamples int      `json:"validation_samples"`
	Classes           int      `json:"classes,omitempty"`
	Accuracy          *float64 `json:"accuracy,omitempty"`
	MAE               *float64 `json:"mae,omitempty"`
	RMSE              *float64 `json:"rmse,omitempty"`
	R2                *float64 `json:"r2,omitempty"`
}

func accuracy(pred, want []int) *float64 {
	if len(want) == 0 {
		return nil
	}
	var hit float64
	for i := range want {
		if pred[i] == want[i] {
			hit++
		}
	}
	a := hit / float64(len(want))
	return &a
}

func regression(pred, want []float64) (mae, rmse, r2 *float64) {
	if len(want) == 0 {
		return nil, nil, nil
	}
	n := float64(len(want))
	var mean float64
	for _, v := range want {
		mean += v
	}
	mean /= n
	var abs, sq, tot float64
	for i := range want {
		d := pred[i] - want[i]
		abs += math.Abs(d)
		sq += d * d
		tot += (want[i] - mean) * (want[i] - mean)
	}
	a, r := abs/n, math.Sqrt(sq/n)
	var q float64
	if tot > 0 {
		q = 1 - sq/tot
	}
	return &a, &r, &q
}
