package intent_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/WessleyAI/tyrefit/engine/artifacts"
	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/engine/enginetest"
	"github.com/WessleyAI/tyrefit/engine/estimator"
	"github.com/WessleyAI/tyrefit/engine/intent"
	"github.com/WessleyAI/tyrefit/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureSet(t *testing.T, withIntent bool) *artifacts.Set {
	t.Helper()
	arts := map[estimator.Kind]*estimator.Artifact{}
	if withIntent {
		arts[estimator.KindIntent] = enginetest.Artifacts(t)[estimator.KindIntent]
	}
	s, err := artifacts.NewSet(enginetest.Index(t), arts)
	require.NoError(t, err)
	return s
}

func echoHandlers(seen *[]intent.Intent) intent.Handlers {
	hs := intent.Handlers{}
	for _, in := range intent.All {
		hs[in] = func(_ context.Context, req intent.Request) (intent.Reply, error) {
			*seen = append(*seen, in)
			return intent.Reply{Message: "handled " + string(in) + ": " + req.Text}, nil
		}
	}
	return hs
}

func TestParse(t *testing.T) {
	for _, in := range intent.All {
		got, err := intent.Parse(string(in))
		require.NoError(t, err)
		assert.Equal(t, in, got)
	}
	got, err := intent.Parse("small_talk")
	assert.Error(t, err)
	assert.Equal(t, intent.Unresolved, got)
}

func TestClassify(t *testing.T) {
	set := fixtureSet(t, true)

	c := intent.NewClassifier(1e-9)
	cls := c.Classify(set, "please book an appointment slot")
	assert.Equal(t, intent.BookingRequest, cls.Intent)
	assert.Len(t, cls.Top, 3)
	assert.GreaterOrEqual(t, cls.Top[0].Confidence, cls.Top[1].Confidence)
	assert.Empty(t, cls.Reason)

	strict := intent.NewClassifier(0.999)
	cls = strict.Classify(set, "please book an appointment slot")
	assert.Equal(t, intent.Unresolved, cls.Intent)
	assert.Contains(t, cls.Reason, "booking_request")
	assert.NotEmpty(t, cls.Top)
}

func TestClassify_NoEstimator(t *testing.T) {
	cls := intent.NewClassifier(0).Classify(fixtureSet(t, false), "which tyres fit my car")
	assert.Equal(t, intent.Unresolved, cls.Intent)
	assert.Contains(t, cls.Reason, "artifact intent")
	assert.Empty(t, cls.Top)
}

func TestNewRouter_RequiresEveryHandler(t *testing.T) {
	var seen []intent.Intent
	hs := echoHandlers(&seen)
	delete(hs, intent.Unresolved)
	delete(hs, intent.BrandComparison)
	_, err := intent.NewRouter(artifacts.NewHolder(nil), nil, hs, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unresolved")
	assert.Contains(t, err.Error(), "brand_comparison")

	hs = echoHandlers(&seen)
	hs["small_talk"] = hs[intent.Unresolved]
	_, err = intent.NewRouter(artifacts.NewHolder(nil), nil, hs, nil, nil)
	assert.Error(t, err)
}

func TestRouter_Dispatch(t *testing.T) {
	var seen []intent.Intent
	reg := metrics.New()
	h := artifacts.NewHolder(fixtureSet(t, true))
	r, err := intent.NewRouter(h, intent.NewClassifier(1e-9), echoHandlers(&seen), nil, reg)
	require.NoError(t, err)

	reply, err := r.Dispatch(context.Background(), "what is the price of tyre")
	require.NoError(t, err)
	assert.Equal(t, intent.PriceInquiry, reply.Intent)
	assert.True(t, strings.HasPrefix(reply.Message, "handled price_inquiry"))
	assert.NotEmpty(t, reply.Top)
	assert.Equal(t, []intent.Intent{intent.PriceInquiry}, seen)
	assert.Contains(t, reg.Render(), `tyrefit_intents_total{intent="price_inquiry"} 1`)
}

func TestRouter_UnresolvedHasItsOwnHandler(t *testing.T) {
	var seen []intent.Intent
	h := artifacts.NewHolder(fixtureSet(t, false))
	r, err := intent.NewRouter(h, nil, echoHandlers(&seen), nil, nil)
	require.NoError(t, err)
	reply, err := r.Dispatch(context.Background(), "which tyres fit my car")
	require.NoError(t, err)
	assert.Equal(t, intent.Unresolved, reply.Intent)
	assert.Equal(t, []intent.Intent{intent.Unresolved}, seen)
}

func TestRouter_Errors(t *testing.T) {
	var seen []intent.Intent
	hs := echoHandlers(&seen)
	boom := errors.New("boom")
	hs[intent.Unresolved] = func(context.Context, intent.Request) (intent.Reply, error) { return intent.Reply{}, boom }

	r, err := intent.NewRouter(artifacts.NewHolder(nil), nil, hs, nil, nil)
	require.NoError(t, err)
	_, err = r.Dispatch(context.Background(), "hi")
	assert.ErrorIs(t, err, domain.ErrQueryTooShort)
	_, err = r.Dispatch(context.Background(), "which tyres fit my car")
	assert.ErrorIs(t, err, domain.ErrNoIndex)

	r, err = intent.NewRouter(artifacts.NewHolder(fixtureSet(t, false)), nil, hs, nil, nil)
	require.NoError(t, err)
	_, err = r.Dispatch(context.Background(), "which tyres fit my car")
	assert.ErrorIs(t, err, boom)
}

func TestCorpus(t *testing.T) {
	us := intent.Corpus(nil, nil)
	assert.Equal(t, us, intent.Corpus(nil, nil))
	counts := map[string]int{}
	for _, u := range us {
		counts[u.Intent]++
		assert.NotContains(t, u.Text, "{", u.Text)
	}
	for _, in := range intent.Known {
		assert.GreaterOrEqual(t, counts[string(in)], 8, in)
	}
	assert.NotContains(t, counts, string(intent.Unresolved))
	assert.Contains(t, intent.CorpusSize(us), "booking_request=8")

	custom := intent.Corpus([]string{"Kia Seltos"}, []string{"JK Tyre", "Yokohama"})
	var compare []string
	for _, u := range custom {
		if u.Intent == string(intent.BrandComparison) {
			compare = append(compare, u.Text)
		}
	}
	assert.Contains(t, compare, "compare JK Tyre and Yokohama")
}

func TestCorpus_TrainsAUsableClassifier(t *testing.T) {
	cfg := estimator.DefaultConfig()
	arts, err := estimator.NewTrainer(cfg, nil).Train(context.Background(),
		estimator.TrainingSet{Utterances: intent.Corpus(nil, nil)}, estimator.KindIntent)
	require.NoError(t, err)
	s, err := artifacts.NewSet(enginetest.Index(t), arts)
	require.NoError(t, err)

	cls := intent.NewClassifier(1e-9).Classify(s, "I want to book an appointment for tomorrow")
	assert.Equal(t, intent.BookingRequest, cls.Intent)
	cls = intent.NewClassifier(1e-9).Classify(s, "compare MRF vs CEAT brands")
	assert.Equal(t, intent.BrandComparison, cls.Intent)
}
