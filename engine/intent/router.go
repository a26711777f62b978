package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/WessleyAI/tyrefit/engine/artifacts"
	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/engine/estimator"
	"github.com/WessleyAI/tyrefit/pkg/metrics"
)

// DefaultThreshold is the minimum probability for a non-Unresolved intent.
const DefaultThreshold = 0.35

// Scored is one intent with its probability.
type Scored struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Classification is the classifier's answer for one utterance.
type Classification struct {
	Intent     Intent   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Top        []Scored `json:"top_intents,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// Classifier wraps the intent estimator of an artifact set.
type Classifier struct {
	threshold float64
	topK      int
}

// NewClassifier returns a classifier; threshold <= 0 uses DefaultThreshold.
func NewClassifier(threshold float64) *Classifier {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Classifier{threshold: threshold, topK: 3}
}

// Classify scores text with the intent estimator of set. Labels outside the
// closed set are ignored; a best score below the threshold, or a set
// without an intent estimator, yields Unresolved.
func (c *Classifier) Classify(set *artifacts.Set, text string) Classification {
	est, err := set.Estimator(estimator.KindIntent)
	if err != nil {
		return Classification{Intent: Unresolved, Reason: err.Error()}
	}
	preds, err := est.Classify(text)
	if err != nil {
		return Classification{Intent: Unresolved, Reason: err.Error()}
	}
	var out Classification
	for _, p := range preds {
		in, err := Parse(p.Label)
		if err != nil || in == Unresolved {
			continue
		}
		if len(out.Top) < c.topK {
			out.Top = append(out.Top, Scored{Intent: in, Confidence: p.Probability})
		}
	}
	if len(out.Top) == 0 {
		return Classification{Intent: Unresolved, Reason: "intent estimator has no known labels"}
	}
	out.Intent, out.Confidence = out.Top[0].Intent, out.Top[0].Confidence
	if out.Confidence < c.threshold {
		out.Intent = Unresolved
		out.Reason = fmt.Sprintf("best intent %s below threshold %.2f", out.Top[0].Intent, c.threshold)
	}
	return out
}

// Request is what a handler receives. Set is the artifact generation the
// utterance was classified with; handlers must use it rather than reading
// the holder again.
type Request struct {
	Text           string
	Classification Classification
	Set            *artifacts.Set
}

// Reply is a handler's answer.
type Reply struct {
	Intent     Intent   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Top        []Scored `json:"top_intents,omitempty"`
	Message    string   `json:"message"`
	Data       any      `json:"data,omitempty"`
}

// Handler serves one intent.
type Handler func(ctx context.Context, req Request) (Reply, error)

// Handlers maps every intent, including Unresolved, to its handler.
type Handlers map[Intent]Handler

// Router dispatches utterances to handlers.
type Router struct {
	holder     *artifacts.Holder
	classifier *Classifier
	handlers   Handlers
	logger     *slog.Logger
	metrics    *metrics.Registry
}

// NewRouter requires a handler for every intent in All.
func NewRouter(h *artifacts.Holder, c *Classifier, hs Handlers, logger *slog.Logger, reg *metrics.Registry) (*Router, error) {
	var missing []string
	for _, in := range All {
		if hs[in] == nil {
			missing = append(missing, string(in))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("intent: no handler for %s", strings.Join(missing, ", "))
	}
	for in := range hs {
		if _, err := Parse(string(in)); err != nil {
			return nil, err
		}
	}
	if c == nil {
		c = NewClassifier(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{holder: h, classifier: c, handlers: hs, logger: logger, metrics: reg}, nil
}

// Dispatch validates text, classifies it and runs the matching handler.
func (r *Router) Dispatch(ctx context.Context, text string) (Reply, error) {
	if err := domain.ValidateUtterance(text); err != nil {
		return Reply{}, err
	}
	set, err := r.holder.Current()
	if err != nil {
		return Reply{}, fmt.Errorf("intent: %w", err)
	}
	cls := r.classifier.Classify(set, text)
	if r.metrics != nil {
		r.metrics.Counter(metrics.WithLabels("tyrefit_intents_total", "intent", string(cls.Intent)), "Classified utterances").Inc()
	}
	r.logger.Debug("utterance classified", "intent", cls.Intent, "confidence", cls.Confidence, "reason", cls.Reason)

	reply, err := r.handlers[cls.Intent](ctx, Request{Text: text, Classification: cls, Set: set})
	if err != nil {
		return Reply{}, fmt.Errorf("intent: %s handler: %w", cls.Intent, err)
	}
	reply.Intent, reply.Confidence, reply.Top = cls.Intent, cls.Confidence, cls.Top
	return reply, nil
}
