package estimator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/WessleyAI/tyrefit/engine/codec"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrNoTrainingData is returned when an estimator has no examples.
var ErrNoTrainingData = errors.New("no training data")

// IntentParams configures the text classifier.
type IntentParams struct {
	MaxFeatures int     `json:"max_features" yaml:"max_features"`
	Alpha       float64 `json:"alpha" yaml:"alpha"`
}

// Config holds the hyperparameters of every estimator.
type Config struct {
	Seed            uint64       `yaml:"seed"`
	ValidationRatio float64      `yaml:"validation_ratio"`
	Brand           ForestParams `yaml:"brand"`
	Size            ForestParams `yaml:"size"`
	Price           BoostParams  `yaml:"price"`
	Intent          IntentParams `yaml:"intent"`
}

// DefaultConfig mirrors the production training run: 80/20 split, seed 42.
func DefaultConfig() Config {
	return Config{
		Seed:            42,
		ValidationRatio: 0.2,
		Brand:           ForestParams{Trees: 100, Tree: TreeParams{MaxDepth: 20, MinSamplesSplit: 5, MinSamplesLeaf: 2}},
		Size:            ForestParams{Trees: 100, Tree: TreeParams{MaxDepth: 25, MinSamplesSplit: 5, MinSamplesLeaf: 2}},
		Price:           BoostParams{Rounds: 100, LearningRate: 0.1, Tree: TreeParams{MaxDepth: 10, MinSamplesSplit: 5, MinSamplesLeaf: 2}},
		Intent:          IntentParams{MaxFeatures: 100, Alpha: 1},
	}
}

// Trainer fits the estimator bank.
type Trainer struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewTrainer returns a Trainer. A nil logger uses slog.Default().
func NewTrainer(cfg Config, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{cfg: cfg, logger: logger, now: time.Now}
}

// Train fits the requested estimators (all of them when kinds is empty)
// concurrently. The first failure cancels the others.
func (t *Trainer) Train(ctx context.Context, set TrainingSet, kinds ...Kind) (map[Kind]*Artifact, error) {
	if len(kinds) == 0 {
		kinds = Kinds
	}
	var mu sync.Mutex
	out := make(map[Kind]*Artifact, len(kinds))
	g, ctx := errgroup.WithContext(ctx)
	for _, k := range kinds {
		g.Go(func() error {
			start := time.Now()
			a, err := t.train(ctx, k, set)
			if err != nil {
				return fmt.Errorf("estimator: train %s: %w", k, err)
			}
			t.logger.Info("estimator trained",
				"kind", k,
				"train_samples", a.Metrics.TrainSamples,
				"validation_samples", a.Metrics.ValidationSamples,
				"metrics", a.Metrics,
				"duration", time.Since(start),
			)
			mu.Lock()
			out[k] = a
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Trainer) train(ctx context.Context, k Kind, set TrainingSet) (*Artifact, error) {
	switch k {
	case KindBrand:
		inputs := make([]Input, len(set.Offerings))
		labels := make([]string, len(set.Offerings))
		for i, ex := range set.Offerings {
			inputs[i], labels[i] = ex.Input, ex.Brand
		}
		return t.trainForest(ctx, k, BrandSchema, inputs, labels, t.cfg.Brand)
	case KindSize:
		inputs := make([]Input, len(set.Vehicles))
		labels := make([]string, len(set.Vehicles))
		for i, ex := range set.Vehicles {
			inputs[i], labels[i] = ex.Input, ex.Size
		}
		return t.trainForest(ctx, k, SizeSchema, inputs, labels, t.cfg.Size)
	case KindPrice:
		return t.trainPrice(ctx, set.Offerings)
	case KindIntent:
		return t.trainIntent(set.Utterances)
	}
	return nil, fmt.Errorf("unknown kind %q", k)
}

func (t *Trainer) newArtifact(k Kind) *Artifact {
	return &Artifact{
		ID:            uuid.NewString(),
		Kind:          k,
		FormatVersion: FormatVersion,
		TrainedAt:     t.now().UTC(),
		Params: map[string]string{
			"seed":             strconv.FormatUint(t.cfg.Seed, 10),
			"validation_ratio": strconv.FormatFloat(t.cfg.ValidationRatio, 'f', -1, 64),
		},
	}
}

// fitCodec fits a codec on the training rows only and freezes it.
func fitCodec(schema codec.Schema, inputs []Input, train []int) (*codec.State, [][]float64, error) {
	rows := make([]codec.Row, len(train))
	for i, j := range train {
		rows[i] = inputs[j].Row()
	}
	st, err := codec.Fit(schema, rows)
	if err != nil {
		return nil, nil, err
	}
	st.Freeze()
	x := make([][]float64, len(rows))
	for i, r := range rows {
		x[i] = codec.Transform(r, st)
	}
	return st, x, nil
}

// labelIndex assigns class indices to the sorted distinct labels of the
// training split.
func labelIndex(labels []string, train []int) ([]string, map[string]int) {
	var classes []string
	for _, j := range train {
		classes = append(classes, labels[j])
	}
	slices.Sort(classes)
	classes = slices.Compact(classes)
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	return classes, index
}

func (t *Trainer) trainForest(ctx context.Context, k Kind, schema codec.Schema, inputs []Input, labels []string, p ForestParams) (*Artifact, error) {
	if len(inputs) == 0 {
		return nil, ErrNoTrainingData
	}
	train, val := Split(len(inputs), t.cfg.ValidationRatio, t.cfg.Seed)
	st, x, err := fitCodec(schema, inputs, train)
	if err != nil {
		return nil, err
	}
	classes, index := labelIndex(labels, train)
	y := make([]int, len(train))
	for i, j := range train {
		y[i] = index[labels[j]]
	}
	if p.Seed == 0 {
		p.Seed = t.cfg.Seed
	}
	forest, err := FitForest(ctx, x, y, len(classes), p)
	if err != nil {
		return nil, err
	}

	pred := make([]int, len(val))
	want := make([]int, len(val))
	for i, j := range val {
		proba := forest.Proba(codec.Transform(inputs[j].Row(), st))
		pred[i] = argmax(proba)
		want[i] = -1
		if c, ok := index[labels[j]]; ok {
			want[i] = c
		}
	}

	a := t.newArtifact(k)
	a.Codec, a.Labels, a.Forest = st, classes, forest
	a.Metrics = Metrics{TrainSamples: len(train), ValidationSamples: len(val), Classes: len(classes), Accuracy: accuracy(pred, want)}
	a.Params["trees"] = strconv.Itoa(len(forest.Trees))
	a.Params["max_depth"] = strconv.Itoa(p.Tree.MaxDepth)
	return a, nil
}

func (t *Trainer) trainPrice(ctx context.Context, examples []OfferingExample) (*Artifact, error) {
	if len(examples) == 0 {
		return nil, ErrNoTrainingData
	}
	inputs := make([]Input, len(examples))
	for i, ex := range examples {
		inputs[i] = ex.Input
	}
	train, val := Split(len(examples), t.cfg.ValidationRatio, t.cfg.Seed)
	st, x, err := fitCodec(PriceSchema, inputs, train)
	if err != nil {
		return nil, err
	}
	y := make([]float64, len(train))
	for i, j := range train {
		y[i] = examples[j].Price
	}
	b, err := FitBooster(ctx, x, y, t.cfg.Price)
	if err != nil {
		return nil, err
	}

	pred := make([]float64, len(val))
	want := make([]float64, len(val))
	for i, j := range val {
		pred[i] = b.Predict(codec.Transform(inputs[j].Row(), st))
		want[i] = examples[j].Price
	}
	a := t.newArtifact(KindPrice)
	a.Codec, a.Booster = st, b
	a.Metrics = Metrics{TrainSamples: len(train), ValidationSamples: len(val)}
	a.Metrics.MAE, a.Metrics.RMSE, a.Metrics.R2 = regression(pred, want)
	a.Params["rounds"] = strconv.Itoa(len(b.Trees))
	a.Params["learning_rate"] = strconv.FormatFloat(b.LearningRate, 'f', -1, 64)
	return a, nil
}

func (t *Trainer) trainIntent(us []Utterance) (*Artifact, error) {
	if len(us) == 0 {
		return nil, ErrNoTrainingData
	}
	train, val := Split(len(us), t.cfg.ValidationRatio, t.cfg.Seed)
	docs := make([]string, len(train))
	labels := make([]string, len(us))
	for i, u := range us {
		labels[i] = u.Intent
	}
	for i, j := range train {
		docs[i] = us[j].Text
	}
	vec, err := FitVectorizer(docs, t.cfg.Intent.MaxFeatures)
	if err != nil {
		return nil, err
	}
	classes, index := labelIndex(labels, train)
	x := make([][]float64, len(train))
	y := make([]int, len(train))
	for i, j := range train {
		x[i] = vec.Transform(us[j].Text)
		y[i] = index[labels[j]]
	}
	nb, err := FitNaiveBayes(x, y, len(classes), t.cfg.Intent.Alpha)
	if err != nil {
		return nil, err
	}

	pred := make([]int, len(val))
	want := make([]int, len(val))
	for i, j := range val {
		pred[i] = argmax(nb.Proba(vec.Transform(us[j].Text)))
		want[i] = -1
		if c, ok := index[labels[j]]; ok {
			want[i] = c
		}
	}
	a := t.newArtifact(KindIntent)
	a.Vectorizer, a.Labels, a.Bayes = vec, classes, nb
	a.Metrics = Metrics{TrainSamples: len(train), ValidationSamples: len(val), Classes: len(classes), Accuracy: accuracy(pred, want)}
	a.Params["max_features"] = strconv.Itoa(len(vec.Terms))
	return a, nil
}

func argmax(p []float64) int {
	best := 0
	for i, v := range p {
		if v > p[best] {
			best = i
		}
	}
	return best
}
