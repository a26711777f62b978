package estimator

import (
	"cmp"
	"errors"
	"math"
	"regexp"
	"slices"
	"strings"
)

var tokenRe = regexp.MustCompile(`\b\w\w+\b`)

// Tokenize lower-cases text and returns its word tokens of two or more
// characters.
func Tokenize(text string) []string {
	return tokenRe.FindAllString(strings.ToLower(text), -1)
}

// Vectorizer maps text to L2-normalized TF-IDF weights over a fixed
// vocabulary.
type Vectorizer struct {
	Terms []string  `json:"terms"`
	IDF   []float64 `json:"idf"`
	index map[string]int
}

// FitVectorizer keeps the maxFeatures most frequent terms of docs (ties by
// term) and computes smoothed inverse document frequencies.
func FitVectorizer(docs []string, maxFeatures int) (*Vectorizer, error) {
	if len(docs) == 0 {
		return nil, errors.New("estimator: vectorizer needs documents")
	}
	tf := make(map[string]int)
	df := make(map[string]int)
	for _, d := range docs {
		seen := make(map[string]bool)
		for _, tok := range Tokenize(d) {
			tf[tok]++
			if !seen[tok] {
				seen[tok] = true
				df[tok]++
			}
		}
	}
	if len(tf) == 0 {
		return nil, errors.New("estimator: vectorizer found no terms")
	}
	terms := make([]string, 0, len(tf))
	for t := range tf {
		terms = append(terms, t)
	}
	slices.SortFunc(terms, func(a, b string) int {
		if c := cmp.Compare(tf[b], tf[a]); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	if maxFeatures > 0 && len(terms) > maxFeatures {
		terms = terms[:maxFeatures]
	}
	slices.Sort(terms)

	n := float64(len(docs))
	v := &Vectorizer{Terms: terms, IDF: make([]float64, len(terms))}
	for i, t := range terms {
		v.IDF[i] = math.Log((1+n)/(1+float64(df[t]))) + 1
	}
	v.reindex()
	return v, nil
}

func (v *Vectorizer) reindex() {
	v.index = make(map[string]int, len(v.Terms))
	for i, t := range v.Terms {
		v.index[t] = i
	}
}

// Transform returns the TF-IDF vector of text. Unknown terms are ignored; a
// text with no known term yields the zero vector.
func (v *Vectorizer) Transform(text string) []float64 {
	out := make([]float64, len(v.Terms))
	for _, tok := range Tokenize(text) {
		if i, ok := v.index[tok]; ok {
			out[i]++
		}
	}
	var norm float64
	for i := range out {
		out[i] *= v.IDF[i]
		norm += out[i] * out[i]
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range out {
			out[i] /= norm
		}
	}
	return out
}

func (v *Vectorizer) check() error {
	if len(v.Terms) == 0 || len(v.Terms) != len(v.IDF) {
		return errors.New("vectorizer terms and idf disagree")
	}
	v.reindex()
	if len(v.index) != len(v.Terms) {
		return errors.New("vectorizer has duplicate terms")
	}
	return nil
}

// unseenLogPrior stands in for log(0) for classes absent from the training
// split; JSON cannot carry -Inf.
const unseenLogPrior = -1e9

// NaiveBayes is a multinomial naive Bayes classifier over non-negative
// feature weights.
type NaiveBayes struct {
	Alpha         float64     `json:"alpha"`
	LogPrior      []float64   `json:"log_prior"`
	LogLikelihood [][]float64 `json:"log_likelihood"`
}

// FitNaiveBayes trains on rows x with class indices y. alpha is the additive
// smoothing; 0 means 1.
func FitNaiveBayes(x [][]float64, y []int, classes int, alpha float64) (*NaiveBayes, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, errors.New("estimator: naive bayes needs a non-empty, aligned training set")
	}
	if alpha <= 0 {
		alpha = 1
	}
	width := len(x[0])
	counts := make([]float64, classes)
	feat := make([][]float64, classes)
	for c := range feat {
		feat[c] = make([]float64, width)
	}
	for i, row := range x {
		c := y[i]
		counts[c]++
		for j, w := range row {
			feat[c][j] += w
		}
	}

	nb := &NaiveBayes{Alpha: alpha, LogPrior: make([]float64, classes), LogLikelihood: make([][]float64, classes)}
	n := float64(len(x))
	for c := 0; c < classes; c++ {
		if counts[c] == 0 {
			nb.LogPrior[c] = unseenLogPrior
		} else {
			nb.LogPrior[c] = math.Log(counts[c] / n)
		}
		var total float64
		for _, w := range feat[c] {
			total += w
		}
		denom := total + alpha*float64(width)
		nb.LogLikelihood[c] = make([]float64, width)
		for j, w := range feat[c] {
			nb.LogLikelihood[c][j] = math.Log((w + alpha) / denom)
		}
	}
	return nb, nil
}

// Proba returns the posterior class probabilities for x.
func (nb *NaiveBayes) Proba(x []float64) []float64 {
	joint := make([]float64, len(nb.LogPrior))
	top := math.Inf(-1)
	for c := range joint {
		s := nb.LogPrior[c]
		for j, w := range x {
			if w != 0 {
				s += w * nb.LogLikelihood[c][j]
			}
		}
		joint[c] = s
		top = math.Max(top, s)
	}
	var z float64
	for c := range joint {
		joint[c] = math.Exp(joint[c] - top)
		z += joint[c]
	}
	for c := range joint {
		joint[c] /= z
	}
	return joint
}

func (nb *NaiveBayes) valid(width int) bool {
	if len(nb.LogPrior) == 0 || len(nb.LogPrior) != len(nb.LogLikelihood) {
		return false
	}
	for _, row := range nb.LogLikelihood {
		if len(row) != width {
			return false
		}
	}
	return true
}
