package estimator

import (
	"math"
	"math/rand/v2"
	"slices"
)

// TreeParams bounds the growth of one decision tree.
type TreeParams struct {
	MaxDepth        int `json:"max_depth" yaml:"max_depth"`
	MinSamplesSplit int `json:"min_samples_split" yaml:"min_samples_split"`
	MinSamplesLeaf  int `json:"min_samples_leaf" yaml:"min_samples_leaf"`
	// MaxFeatures is the number of features tried per split; 0 tries all.
	MaxFeatures int `json:"max_features" yaml:"max_features"`
}

func (p TreeParams) withDefaults() TreeParams {
	if p.MaxDepth <= 0 {
		p.MaxDepth = 20
	}
	if p.MinSamplesSplit < 2 {
		p.MinSamplesSplit = 2
	}
	if p.MinSamplesLeaf < 1 {
		p.MinSamplesLeaf = 1
	}
	return p
}

// Node is one node of a flattened tree. A node with Left == 0 is a leaf;
// the root is node 0 so no child can have index 0.
type Node struct {
	Feature   int       `json:"f,omitempty"`
	Threshold float64   `json:"t,omitempty"`
	Left      int       `json:"l,omitempty"`
	Right     int       `json:"r,omitempty"`
	Value     []float64 `json:"v,omitempty"`
}

// Tree is a binary CART tree. Samples with x[Feature] <= Threshold go left.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Predict returns the leaf value reached by x: class probabilities for a
// classification tree, a single mean for a regression tree.
func (t *Tree) Predict(x []float64) []float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Left == 0 {
			return n.Value
		}
		if n.Feature < len(x) && x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func (t *Tree) valid(width, outputs int) bool {
	if len(t.Nodes) == 0 {
		return false
	}
	for _, n := range t.Nodes {
		if n.Left == 0 {
			if len(n.Value) != outputs {
				return false
			}
			continue
		}
		if n.Feature < 0 || n.Feature >= width || n.Left >= len(t.Nodes) || n.Right <= 0 || n.Right >= len(t.Nodes) {
			return false
		}
	}
	return true
}

// impurity accumulates the target statistics of one side of a split.
type impurity interface {
	add(i int)
	sub(i int)
	count() float64
	value() float64
	clear()
}

// target supplies the split criterion and leaf values for a tree.
type target interface {
	stats() impurity
	leaf(idx []int) []float64
}

// classTarget scores splits by Gini impurity.
type classTarget struct {
	y       []int
	classes int
}

type giniStats struct {
	y      []int
	counts []float64
	n      float64
}

func (c classTarget) stats() impurity {
	return &giniStats{y: c.y, counts: make([]float64, c.classes)}
}

func (g *giniStats) add(i int)      { g.counts[g.y[i]]++; g.n++ }
func (g *giniStats) sub(i int)      { g.counts[g.y[i]]--; g.n-- }
func (g *giniStats) count() float64 { return g.n }
func (g *giniStats) clear() {
	clear(g.counts)
	g.n = 0
}

func (g *giniStats) value() float64 {
	if g.n == 0 {
		return 0
	}
	s := 1.0
	for _, c := range g.counts {
		p := c / g.n
		s -= p * p
	}
	return s
}

func (c classTarget) leaf(idx []int) []float64 {
	out := make([]float64, c.classes)
	for _, i := range idx {
		out[c.y[i]]++
	}
	for k := range out {
		out[k] /= float64(len(idx))
	}
	return out
}

// valueTarget scores splits by variance.
type valueTarget struct {
	y []float64
}

type varStats struct {
	y            []float64
	n, sum, sum2 float64
}

func (v valueTarget) stats() impurity { return &varStats{y: v.y} }

func (s *varStats) add(i int)      { x := s.y[i]; s.n++; s.sum += x; s.sum2 += x * x }
func (s *varStats) sub(i int)      { x := s.y[i]; s.n--; s.sum -= x; s.sum2 -= x * x }
func (s *varStats) count() float64 { return s.n }
func (s *varStats) clear()         { s.n, s.sum, s.sum2 = 0, 0, 0 }

func (s *varStats) value() float64 {
	if s.n == 0 {
		return 0
	}
	m := s.sum / s.n
	return math.Max(0, s.sum2/s.n-m*m)
}

func (v valueTarget) leaf(idx []int) []float64 {
	var sum float64
	for _, i := range idx {
		sum += v.y[i]
	}
	return []float64{sum / float64(len(idx))}
}

type grower struct {
	x      [][]float64
	t      target
	p      TreeParams
	rng    *rand.Rand
	width  int
	nodes  []Node
	left   impurity
	right  impurity
	sorted []int
}

// growTree fits a tree on the samples in idx. rng drives feature subsampling
// and may be nil when every feature is tried.
func growTree(x [][]float64, t target, idx []int, p TreeParams, rng *rand.Rand) Tree {
	p = p.withDefaults()
	g := &grower{x: x, t: t, p: p, rng: rng, left: t.stats(), right: t.stats()}
	if len(x) > 0 {
		g.width = len(x[0])
	}
	g.grow(slices.Clone(idx), 0)
	return Tree{Nodes: g.nodes}
}

func (g *grower) grow(idx []int, depth int) int {
	id := len(g.nodes)
	g.nodes = append(g.nodes, Node{})

	feature, threshold, ok := g.bestSplit(idx, depth)
	if !ok {
		g.nodes[id].Value = g.t.leaf(idx)
		return id
	}

	var l, r []int
	for _, i := range idx {
		if g.x[i][feature] <= threshold {
			l = append(l, i)
		} else {
			r = append(r, i)
		}
	}
	left := g.grow(l, depth+1)
	right := g.grow(r, depth+1)
	g.nodes[id] = Node{Feature: feature, Threshold: threshold, Left: left, Right: right}
	return id
}

func (g *grower) features() []int {
	all := make([]int, g.width)
	for i := range all {
		all[i] = i
	}
	if g.p.MaxFeatures <= 0 || g.p.MaxFeatures >= g.width || g.rng == nil {
		return all
	}
	g.rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:g.p.MaxFeatures]
}

func (g *grower) bestSplit(idx []int, depth int) (int, float64, bool) {
	n := len(idx)
	if depth >= g.p.MaxDepth || n < g.p.MinSamplesSplit || n < 2*g.p.MinSamplesLeaf {
		return 0, 0, false
	}
	g.right.clear()
	for _, i := range idx {
		g.right.add(i)
	}
	parent := g.right.value()
	if parent == 0 {
		return 0, 0, false
	}

	best := parent * float64(n)
	bestFeature, bestThreshold, found := 0, 0.0, false
	g.sorted = append(g.sorted[:0], idx...)
	for _, f := range g.features() {
		slices.SortFunc(g.sorted, func(a, b int) int {
			switch xa, xb := g.x[a][f], g.x[b][f]; {
			case xa < xb:
				return -1
			case xa > xb:
				return 1
			}
			return a - b
		})
		g.left.clear()
		g.right.clear()
		for _, i := range g.sorted {
			g.right.add(i)
		}
		for k := 0; k < n-1; k++ {
			i := g.sorted[k]
			g.left.add(i)
			g.right.sub(i)
			a, b := g.x[i][f], g.x[g.sorted[k+1]][f]
			if a == b || k+1 < g.p.MinSamplesLeaf || n-k-1 < g.p.MinSamplesLeaf {
				continue
			}
			score := g.left.count()*g.left.value() + g.right.count()*g.right.value()
			if score < best-1e-12 {
				best, bestFeature, bestThreshold, found = score, f, a+(b-a)/2, true
			}
		}
	}
	return bestFeature, bestThreshold, found
}
