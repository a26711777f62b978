package estimator

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/WessleyAI/tyrefit/engine/codec"
	"github.com/WessleyAI/tyrefit/engine/domain"
)

// FormatVersion is bumped whenever the artifact layout changes.
const FormatVersion = 1

// Artifact is one trained estimator bundled with the exact codec state (or
// text vectorizer) that produced its training features. Artifacts are
// read-only once trained; retraining produces a new one.
type Artifact struct {
	ID            string            `json:"id"`
	Kind          Kind              `json:"kind"`
	FormatVersion int               `json:"format_version"`
	TrainedAt     time.Time         `json:"trained_at"`
	Codec         *codec.State      `json:"codec,omitempty"`
	Vectorizer    *Vectorizer       `json:"vectorizer,omitempty"`
	Labels        []string          `json:"labels,omitempty"`
	Forest        *Forest           `json:"forest,omitempty"`
	Booster       *Booster          `json:"booster,omitempty"`
	Bayes         *NaiveBayes       `json:"bayes,omitempty"`
	Metrics       Metrics           `json:"metrics"`
	Params        map[string]string `json:"params,omitempty"`
}

// Prediction is one class label with its probability.
type Prediction struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

func (a *Artifact) corrupt(format string, args ...any) error {
	return &domain.ArtifactError{
		Kind:    string(a.Kind),
		Wrapped: fmt.Errorf("%w: %s", domain.ErrArtifactCorrupt, fmt.Sprintf(format, args...)),
	}
}

// Validate checks that the artifact is complete and that its codec matches
// the current schema for its kind. It rebuilds lookup tables, so it must run
// once after decoding and before the artifact is shared.
func (a *Artifact) Validate() error {
	if a.FormatVersion != FormatVersion {
		return &domain.ArtifactError{Kind: string(a.Kind), Wrapped: &domain.SchemaError{
			Source: "artifact " + string(a.Kind),
			Detail: fmt.Sprintf("format version %d, want %d", a.FormatVersion, FormatVersion),
		}}
	}
	if _, err := ParseKind(string(a.Kind)); err != nil {
		return a.corrupt("unknown kind")
	}
	if a.Kind == KindIntent {
		if a.Vectorizer == nil || a.Bayes == nil {
			return a.corrupt("missing vectorizer or model")
		}
		if err := a.Vectorizer.check(); err != nil {
			return a.corrupt("%v", err)
		}
		if !a.Bayes.valid(len(a.Vectorizer.Terms)) || len(a.Bayes.LogPrior) != len(a.Labels) {
			return a.corrupt("model does not match vectorizer or labels")
		}
		return nil
	}

	if a.Codec == nil {
		return a.corrupt("missing codec")
	}
	if !a.Codec.Frozen {
		return a.corrupt("codec not frozen")
	}
	if err := a.Codec.Check(); err != nil {
		return a.corrupt("%v", err)
	}
	schema, _ := SchemaFor(a.Kind)
	if err := a.Codec.Compatible(schema); err != nil {
		return &domain.ArtifactError{Kind: string(a.Kind), Wrapped: err}
	}
	width := len(schema.Fields)
	switch a.Kind {
	case KindPrice:
		if a.Booster == nil || a.Booster.Width != width || !a.Booster.valid() {
			return a.corrupt("missing or malformed booster")
		}
	default:
		if a.Forest == nil || a.Forest.Width != width || !a.Forest.valid() {
			return a.corrupt("missing or malformed forest")
		}
		if a.Forest.Classes != len(a.Labels) {
			return a.corrupt("forest has %d classes for %d labels", a.Forest.Classes, len(a.Labels))
		}
	}
	return nil
}

// Encode transforms in with the artifact's codec.
func (a *Artifact) Encode(in Input) (codec.FeatureVector, error) {
	if a.Codec == nil {
		return nil, fmt.Errorf("estimator: %s artifact has no codec", a.Kind)
	}
	return codec.Transform(in.Row(), a.Codec), nil
}

// TopK returns up to k labels by descending probability (ties by label).
// k <= 0 returns all labels.
func (a *Artifact) TopK(in Input, k int) ([]Prediction, error) {
	if a.Forest == nil {
		return nil, fmt.Errorf("estimator: %s artifact is not a classifier", a.Kind)
	}
	fv, err := a.Encode(in)
	if err != nil {
		return nil, err
	}
	return a.rank(a.Forest.Proba(fv), k), nil
}

// PredictClass returns the most probable label.
func (a *Artifact) PredictClass(in Input) (Prediction, error) {
	top, err := a.TopK(in, 1)
	if err != nil {
		return Prediction{}, err
	}
	if len(top) == 0 {
		return Prediction{}, fmt.Errorf("estimator: %s artifact has no labels", a.Kind)
	}
	return top[0], nil
}

// PredictValue returns the regression estimate for in.
func (a *Artifact) PredictValue(in Input) (float64, error) {
	if a.Booster == nil {
		return 0, fmt.Errorf("estimator: %s artifact is not a regressor", a.Kind)
	}
	fv, err := a.Encode(in)
	if err != nil {
		return 0, err
	}
	return a.Booster.Predict(fv), nil
}

// Classify returns every intent label for text by descending probability.
func (a *Artifact) Classify(text string) ([]Prediction, error) {
	if a.Vectorizer == nil || a.Bayes == nil {
		return nil, errors.New("estimator: artifact is not a text classifier")
	}
	return a.rank(a.Bayes.Proba(a.Vectorizer.Transform(text)), 0), nil
}

func (a *Artifact) rank(proba []float64, k int) []Prediction {
	out := make([]Prediction, 0, len(proba))
	for i, p := range proba {
		if i < len(a.Labels) {
			out = append(out, Prediction{Label: a.Labels[i], Probability: p})
		}
	}
	slices.SortFunc(out, func(x, y Prediction) int {
		if c := cmp.Compare(y.Probability, x.Probability); c != 0 {
			return c
		}
		return cmp.Compare(x.Label, y.Label)
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
