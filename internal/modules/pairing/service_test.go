package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/cellar/internal/apperrors"
	"github.com/aristath/cellar/internal/cache"
	"github.com/aristath/cellar/internal/clients/anthropic"
	"github.com/aristath/cellar/internal/events"
)

type candidateStub struct {
	wines []CandidateWine
	calls int
	err   error
}

func (c *candidateStub) AvailableWines(ctx context.Context) ([]CandidateWine, error) {
	c.calls++
	return c.wines, c.err
}

type weightStub struct {
	weights Weights
	err     error
}

func (w *weightStub) EnhancedPairingWeights(ctx context.Context) (Weights, error) {
	return w.weights, w.err
}

type aiStub struct {
	enabled bool
	scores  []anthropic.Score
	err     error
	calls   int
}

func (a *aiStub) Enabled() bool { return a.enabled }

func (a *aiStub) ScorePairings(ctx context.Context, dish string, candidates []anthropic.Candidate) ([]anthropic.Score, error) {
	a.calls++
	return a.scores, a.err
}

type sinkStub struct {
	records []*SessionRecord
	err     error
}

func (s *sinkStub) RecordPairingSession(ctx context.Context, record *SessionRecord) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.records = append(s.records, record)
	ids := make([]string, len(record.Recommendations))
	for i := range ids {
		ids[i] = fmt.Sprintf("rec-%d", i+1)
	}
	return ids, nil
}

func cellarWines() []CandidateWine {
	return []CandidateWine{
		{WineID: "w-1", VintageID: "v-1", Name: "Clos de Tart", Producer: "Mommessin", Region: "Burgundy", WineType: "Red", Year: 2019, Quantity: 6},
		{WineID: "w-2", VintageID: "v-2", Name: "Meursault Perrières", Producer: "Coche-Dury", Region: "Burgundy", WineType: "White", Year: 2020, Quantity: 3},
		{WineID: "w-3", VintageID: "v-3", Name: "Barolo Monfortino", Producer: "Conterno", Region: "Piedmont", WineType: "Red", Year: 2015, Quantity: 2},
		{WineID: "w-4", VintageID: "v-4", Name: "Dom Pérignon", Producer: "Moët", Region: "Champagne", WineType: "Sparkling", Year: 2013, Quantity: 4},
		{WineID: "w-5", VintageID: "v-5", Name: "Scharzhofberger", Producer: "Egon Müller", Region: "Mosel", WineType: "White", Year: 2021, Quantity: 5},
		{WineID: "w-6", VintageID: "v-6", Name: "Quinta do Noval", Producer: "Noval", Region: "Douro", WineType: "Fortified", Year: 2011, Quantity: 2},
	}
}

func newTestService(t *testing.T, candidates CandidateSource, weights WeightSource, ai AIScorer, sink SessionSink) *Service {
	t.Helper()
	c := cache.New(cache.Config{MaxSize: 128})
	return NewService(candidates, weights, ai, sink, c, events.NewBus(zerolog.Nop()), false, zerolog.Nop())
}

func dishText(text string) *DishInput {
	return &DishInput{Text: text}
}

func TestGeneratePairingsSortsAndLimits(t *testing.T) {
	svc := newTestService(t, &candidateStub{wines: cellarWines()}, nil, nil, nil)

	result, err := svc.GeneratePairings(context.Background(), dishText("grilled ribeye with mushroom sauce"), nil, nil, nil, "")
	require.NoError(t, err)

	assert.False(t, result.Cached)
	assert.LessOrEqual(t, len(result.Recommendations), 5)
	require.NotEmpty(t, result.Recommendations)

	for i := 1; i < len(result.Recommendations); i++ {
		assert.GreaterOrEqual(t, result.Recommendations[i-1].TotalScore, result.Recommendations[i].TotalScore)
	}
	assert.Equal(t, 1, result.Recommendations[0].Ordinal)

	// A bold, fatty mushroom dish should put a red on top.
	assert.Equal(t, "Red", result.Recommendations[0].WineType)
	assert.NotEmpty(t, result.Explanation)
}

func TestGeneratePairingsCacheHitIsByteEqual(t *testing.T) {
	candidates := &candidateStub{wines: cellarWines()}
	svc := newTestService(t, candidates, nil, nil, nil)

	first, err := svc.GeneratePairings(context.Background(), dishText("coq au vin"), nil, nil, nil, "")
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := svc.GeneratePairings(context.Background(), dishText("coq au vin"), nil, nil, nil, "")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, candidates.calls, "cache hit must not touch inventory")

	firstJSON, err := json.Marshal(first.Recommendations)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second.Recommendations)
	require.NoError(t, err)
	assert.Equal(t, firstJSON, secondJSON)
}

func TestGeneratePairingsCachesEmptyResults(t *testing.T) {
	candidates := &candidateStub{}
	svc := newTestService(t, candidates, nil, nil, nil)

	first, err := svc.GeneratePairings(context.Background(), dishText("coq au vin"), nil, nil, nil, "")
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Empty(t, first.Recommendations)

	second, err := svc.GeneratePairings(context.Background(), dishText("coq au vin"), nil, nil, nil, "")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Empty(t, second.Recommendations)
	assert.Equal(t, 1, candidates.calls, "an empty cellar is cached like any other result")
}

func TestGeneratePairingsCacheKeyDistinguishesRequests(t *testing.T) {
	candidates := &candidateStub{wines: cellarWines()}
	svc := newTestService(t, candidates, nil, nil, nil)

	_, err := svc.GeneratePairings(context.Background(), dishText("coq au vin"), nil, nil, nil, "")
	require.NoError(t, err)

	result, err := svc.GeneratePairings(context.Background(), dishText("coq au vin"), &Context{SpecialOccasion: true}, nil, nil, "")
	require.NoError(t, err)
	assert.False(t, result.Cached, "different context means a fresh computation")
	assert.Equal(t, 2, candidates.calls)
}

func TestGeneratePairingsPreferenceFilters(t *testing.T) {
	svc := newTestService(t, &candidateStub{wines: cellarWines()}, nil, nil, nil)

	result, err := svc.GeneratePairings(context.Background(), dishText("roast chicken"), nil, &Preferences{
		AvoidedTypes:     []string{"red"},
		PreferredRegions: []string{"burgundy", "mosel"},
	}, nil, "")
	require.NoError(t, err)

	for _, rec := range result.Recommendations {
		assert.NotEqual(t, "Red", rec.WineType)
		assert.Contains(t, []string{"Burgundy", "Mosel"}, rec.Region)
	}
}

func TestGeneratePairingsDishRequired(t *testing.T) {
	svc := newTestService(t, &candidateStub{}, nil, nil, nil)

	_, err := svc.GeneratePairings(context.Background(), dishText("   "), nil, nil, nil, "")
	assert.ErrorIs(t, err, apperrors.ErrDishRequired)

	_, err = svc.GeneratePairings(context.Background(), &DishInput{Object: &Dish{Name: ""}}, nil, nil, nil, "")
	assert.ErrorIs(t, err, apperrors.ErrDishRequired)
}

func TestGeneratePairingsUsesLearnedWeights(t *testing.T) {
	// All weight on regional tradition flips the ranking for an italian dish.
	weights := &weightStub{weights: Weights{
		FactorStyle: 0, FactorFlavor: 0, FactorTexture: 0, FactorRegion: 1, FactorSeasonal: 0,
	}}
	svc := newTestService(t, &candidateStub{wines: cellarWines()}, weights, nil, nil)

	result, err := svc.GeneratePairings(context.Background(), dishText("wild mushroom risotto with parmesan pasta"), nil, nil, nil, "")
	require.NoError(t, err)
	require.NotEmpty(t, result.Recommendations)
	assert.Equal(t, "Piedmont", result.Recommendations[0].Region)
}

func TestGeneratePairingsWeightLoadFailureFallsBack(t *testing.T) {
	weights := &weightStub{err: fmt.Errorf("learning store offline")}
	svc := newTestService(t, &candidateStub{wines: cellarWines()}, weights, nil, nil)

	result, err := svc.GeneratePairings(context.Background(), dishText("coq au vin"), nil, nil, nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Recommendations)
}

func TestGeneratePairingsAIAugmentation(t *testing.T) {
	ai := &aiStub{enabled: true, scores: []anthropic.Score{
		{WineID: "w-4", Score: 100, Rationale: "classic"},
	}}
	svc := newTestService(t, &candidateStub{wines: cellarWines()}, nil, ai, nil)

	result, err := svc.GeneratePairings(context.Background(), dishText("oysters with lemon"), nil, nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, ai.calls)

	var enhanced *Recommendation
	for i := range result.Recommendations {
		if result.Recommendations[i].WineID == "w-4" {
			enhanced = &result.Recommendations[i]
		}
	}
	require.NotNil(t, enhanced)
	assert.True(t, enhanced.AIEnhanced)
	assert.Contains(t, result.Explanation, "augmentation")
}

func TestGeneratePairingsAIFailureDegradesSilently(t *testing.T) {
	ai := &aiStub{enabled: true, err: fmt.Errorf("model overloaded")}
	svc := newTestService(t, &candidateStub{wines: cellarWines()}, nil, ai, nil)

	result, err := svc.GeneratePairings(context.Background(), dishText("coq au vin"), nil, nil, nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Recommendations)
	for _, rec := range result.Recommendations {
		assert.False(t, rec.AIEnhanced)
	}
}

func TestGeneratePairingsForceAIErrors(t *testing.T) {
	// No provider configured at all.
	svc := newTestService(t, &candidateStub{wines: cellarWines()}, nil, nil, nil)
	_, err := svc.GeneratePairings(context.Background(), dishText("coq au vin"), nil, nil, &Options{ForceAI: true}, "")
	assert.ErrorIs(t, err, apperrors.ErrAINotConfigured)

	// Configured but failing.
	ai := &aiStub{enabled: true, err: fmt.Errorf("timeout")}
	svc = newTestService(t, &candidateStub{wines: cellarWines()}, nil, ai, nil)
	_, err = svc.GeneratePairings(context.Background(), dishText("coq au vin"), nil, nil, &Options{ForceAI: true}, "")
	assert.ErrorIs(t, err, apperrors.ErrAIUnavailable)
}

func TestGeneratePairingsKillSwitchBlocksAI(t *testing.T) {
	ai := &aiStub{enabled: true, scores: []anthropic.Score{{WineID: "w-1", Score: 95}}}
	c := cache.New(cache.Config{MaxSize: 16})
	svc := NewService(&candidateStub{wines: cellarWines()}, nil, ai, nil, c, nil, true, zerolog.Nop())

	result, err := svc.GeneratePairings(context.Background(), dishText("coq au vin"), nil, nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 0, ai.calls)
	for _, rec := range result.Recommendations {
		assert.False(t, rec.AIEnhanced)
	}

	_, err = svc.GeneratePairings(context.Background(), dishText("boeuf bourguignon"), nil, nil, &Options{ForceAI: true}, "")
	assert.ErrorIs(t, err, apperrors.ErrAIUnavailable)
}

func TestQuickPairingSkipsAI(t *testing.T) {
	ai := &aiStub{enabled: true, scores: []anthropic.Score{{WineID: "w-1", Score: 95}}}
	svc := newTestService(t, &candidateStub{wines: cellarWines()}, nil, ai, nil)

	result, err := svc.QuickPairing(context.Background(), dishText("grilled salmon"), nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 0, ai.calls)
	assert.NotEmpty(t, result.Recommendations)
	assert.NotEmpty(t, result.Recommendations[0].Reasoning)
}

func TestQuickPairingCacheIsSeparate(t *testing.T) {
	candidates := &candidateStub{wines: cellarWines()}
	svc := newTestService(t, candidates, nil, nil, nil)

	_, err := svc.GeneratePairings(context.Background(), dishText("grilled salmon"), nil, nil, nil, "")
	require.NoError(t, err)

	result, err := svc.QuickPairing(context.Background(), dishText("grilled salmon"), nil, nil, "")
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, 2, candidates.calls)
}

func TestGeneratePairingsRecordsSession(t *testing.T) {
	sink := &sinkStub{}
	svc := newTestService(t, &candidateStub{wines: cellarWines()}, nil, nil, sink)

	result, err := svc.GeneratePairings(context.Background(), dishText("coq au vin"), &Context{Occasion: "anniversary"}, nil, nil, "guest-7")
	require.NoError(t, err)

	require.Len(t, sink.records, 1)
	record := sink.records[0]
	assert.Equal(t, "guest-7", record.UserID)
	assert.False(t, record.Quick)
	assert.Contains(t, record.DishJSON, "coq au vin")
	assert.Contains(t, record.ContextJSON, "anniversary")
	assert.Len(t, record.Explanations, len(record.Recommendations))
	assert.Equal(t, "rec-1", result.Recommendations[0].ID)
}

func TestGeneratePairingsSessionFailureIsNonFatal(t *testing.T) {
	sink := &sinkStub{err: fmt.Errorf("learning db locked")}
	svc := newTestService(t, &candidateStub{wines: cellarWines()}, nil, nil, sink)

	result, err := svc.GeneratePairings(context.Background(), dishText("coq au vin"), nil, nil, nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Recommendations)
}

func TestGeneratePairingsConfidenceThreshold(t *testing.T) {
	svc := newTestService(t, &candidateStub{wines: cellarWines()}, nil, nil, nil)

	result, err := svc.GeneratePairings(context.Background(), dishText("coq au vin"), nil, nil, &Options{ConfidenceThreshold: 0.99}, "")
	require.NoError(t, err)
	for _, rec := range result.Recommendations {
		assert.GreaterOrEqual(t, rec.Confidence, 0.99)
	}
}

func TestCacheTTLPolicy(t *testing.T) {
	tests := []struct {
		name  string
		ai    bool
		ctx   *Context
		prefs *Preferences
		want  time.Duration
	}{
		{"default", false, nil, nil, 24 * time.Hour},
		{"ai generated", true, nil, nil, 12 * time.Hour},
		{"special occasion", false, &Context{SpecialOccasion: true}, nil, 6 * time.Hour},
		{"many dietary restrictions", false, nil, &Preferences{DietaryRestrictions: []string{"vegan", "gluten-free", "no sulfites"}}, 4 * time.Hour},
		{"seasonal", false, &Context{Season: "summer"}, nil, 8 * time.Hour},
		{"minimum wins", true, &Context{SpecialOccasion: true, Season: "winter"}, &Preferences{DietaryRestrictions: []string{"a", "b", "c"}}, 4 * time.Hour},
		{"two dietary is not enough", false, nil, &Preferences{DietaryRestrictions: []string{"vegan", "halal"}}, 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CacheTTL(tt.ai, tt.ctx, tt.prefs))
		})
	}
}

func TestDishInputUnmarshal(t *testing.T) {
	var input DishInput
	require.NoError(t, json.Unmarshal([]byte(`"grilled octopus"`), &input))
	assert.Equal(t, "grilled octopus", input.Text)

	var structured DishInput
	require.NoError(t, json.Unmarshal([]byte(`{"name":"duck confit","cuisine":"French"}`), &structured))
	require.NotNil(t, structured.Object)

	dish, err := structured.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "french", dish.Cuisine, "cuisine is normalized to lowercase")
}

func TestParseDishHeuristics(t *testing.T) {
	dish := ParseDish("Grilled ribeye with smoked butter and mushroom")
	assert.Equal(t, "grilled", dish.Preparation)
	assert.Equal(t, "bold", dish.Intensity)
	assert.Contains(t, dish.DominantFlavors, "mushroom")
	assert.Contains(t, dish.DominantFlavors, "butter")
	assert.Equal(t, "autumn", dish.Season, "mushroom reads as an autumn dish")

	light := ParseDish("oyster crudo with lemon")
	assert.Equal(t, "light", light.Intensity)
	assert.Equal(t, "crisp", light.Texture)

	// Determinism: same text, same parse.
	again := ParseDish("Grilled ribeye with smoked butter and mushroom")
	assert.Equal(t, dish, again)
}

func TestSubScoresConfidence(t *testing.T) {
	uniform := SubScores{StyleMatch: 0.8, FlavorHarmony: 0.8, TextureBalance: 0.8, RegionalTradition: 0.8, Seasonal: 0.8}
	assert.InDelta(t, 1.0, uniform.Confidence(), 1e-9)

	spread := SubScores{StyleMatch: 1, FlavorHarmony: 0, TextureBalance: 1, RegionalTradition: 0, Seasonal: 1}
	assert.Less(t, spread.Confidence(), uniform.Confidence())
}

func TestDefaultWeightsSumToOne(t *testing.T) {
	sum := 0.0
	for _, f := range FactorOrder {
		sum += DefaultWeights()[f]
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}
