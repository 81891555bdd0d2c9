package vintage

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/cellar/internal/clients/openmeteo"
	"github.com/aristath/cellar/internal/modules/catalog"
)

type weatherStub struct {
	analysis *openmeteo.Analysis
	calls    atomic.Int64
}

func (w *weatherStub) FetchWeather(ctx context.Context, region string, year int, alias string) (*openmeteo.Analysis, error) {
	w.calls.Add(1)
	return w.analysis, nil
}

type vintageStoreStub struct {
	vintages    map[string]*catalog.Vintage
	scoreCalls  int
	enrichCalls int
	failUpdates bool
}

func (s *vintageStoreStub) Get(id string) (*catalog.Vintage, error) {
	v, ok := s.vintages[id]
	if !ok {
		return nil, fmt.Errorf("vintage not found: %s", id)
	}
	return v, nil
}

func (s *vintageStoreStub) UpdateScores(id string, quality, weather *float64) error {
	if s.failUpdates {
		return fmt.Errorf("disk full")
	}
	s.scoreCalls++
	return nil
}

func (s *vintageStoreStub) StoreEnrichment(id, weatherJSON, procurementJSON string) error {
	s.enrichCalls++
	return nil
}

type wineStoreStub struct {
	wines map[string]*catalog.Wine
}

func (s *wineStoreStub) Get(id string) (*catalog.Wine, error) {
	w, ok := s.wines[id]
	if !ok {
		return nil, fmt.Errorf("wine not found: %s", id)
	}
	return w, nil
}

func goodAnalysis() *openmeteo.Analysis {
	return &openmeteo.Analysis{
		Region: "burgundy", Year: 2019,
		GDD: 1450, DiurnalRangeC: 13.2,
		RipenessScore: 4.7, AcidityScore: 4.6, DiseaseScore: 4.0,
		OverallScore: 90, Confidence: openmeteo.ConfidenceHigh,
	}
}

func TestNormalizeRegion(t *testing.T) {
	assert.Equal(t, "burgundy", NormalizeRegion("Bourgogne"))
	assert.Equal(t, "rhone", NormalizeRegion("Côtes du Rhône"))
	assert.Equal(t, "tuscany", NormalizeRegion("TOSCANA"))
	assert.Equal(t, "napa", NormalizeRegion(" Napa Valley "))
	assert.Equal(t, "jura", NormalizeRegion("Jura"), "unknown regions pass through lowercased")
}

func TestEnrichWineDataAdjustsQuality(t *testing.T) {
	weather := &weatherStub{analysis: goodAnalysis()}
	store := &vintageStoreStub{}
	svc := NewService(weather, store, nil, nil, zerolog.Nop())

	base := 85.0
	e, err := svc.EnrichWineData(context.Background(), &WineInput{
		VintageID: "v-1", Producer: "Mommessin", Region: "Bourgogne", Year: 2019, BaseScore: &base,
	})
	require.NoError(t, err)

	// 85 base + exceptional-season bonus + acidity + ripeness, clamped at 100.
	assert.Greater(t, e.QualityScore, 90.0)
	assert.LessOrEqual(t, e.QualityScore, 100.0)
	assert.Contains(t, e.VintageSummary, "Mommessin")
	assert.Contains(t, e.VintageSummary, "ideal growing conditions")
	assert.Contains(t, e.VintageSummary, "cellaring")
	assert.Equal(t, 1, store.scoreCalls)
	assert.Equal(t, 1, store.enrichCalls)
}

func TestEnrichWineDataMemoizes(t *testing.T) {
	weather := &weatherStub{analysis: goodAnalysis()}
	svc := NewService(weather, &vintageStoreStub{}, nil, nil, zerolog.Nop())

	input := &WineInput{VintageID: "v-1", Region: "Burgundy", Year: 2019}
	_, err := svc.EnrichWineData(context.Background(), input)
	require.NoError(t, err)

	// Same region under an alias spelling hits the memo.
	input2 := &WineInput{VintageID: "v-2", Region: "Bourgogne", Year: 2019}
	_, err = svc.EnrichWineData(context.Background(), input2)
	require.NoError(t, err)

	assert.Equal(t, int64(1), weather.calls.Load())

	svc.InvalidateMemo("Burgundy", 2019)
	_, err = svc.EnrichWineData(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, int64(2), weather.calls.Load())
}

func TestEnrichWineDataPenalizesDifficultSeason(t *testing.T) {
	analysis := goodAnalysis()
	analysis.OverallScore = 52
	analysis.RipenessScore = 2.0
	analysis.AcidityScore = 3.0
	analysis.DiseaseScore = 2.2

	svc := NewService(&weatherStub{analysis: analysis}, &vintageStoreStub{}, nil, nil, zerolog.Nop())

	base := 80.0
	e, err := svc.EnrichWineData(context.Background(), &WineInput{Region: "Burgundy", Year: 2011, BaseScore: &base})
	require.NoError(t, err)

	assert.Less(t, e.QualityScore, 80.0)
	assert.GreaterOrEqual(t, e.QualityScore, 50.0)
	assert.Contains(t, e.VintageSummary, "approachable")
}

func TestEnrichWineDataPersistFailureStillReturns(t *testing.T) {
	store := &vintageStoreStub{failUpdates: true}
	svc := NewService(&weatherStub{analysis: goodAnalysis()}, store, nil, nil, zerolog.Nop())

	e, err := svc.EnrichWineData(context.Background(), &WineInput{VintageID: "v-1", Region: "Burgundy", Year: 2019})
	require.NoError(t, err)
	assert.NotNil(t, e.WeatherAnalysis)
}

func TestEnrichWineDataNilAnalysis(t *testing.T) {
	svc := NewService(&weatherStub{analysis: nil}, &vintageStoreStub{}, nil, nil, zerolog.Nop())

	e, err := svc.EnrichWineData(context.Background(), &WineInput{Region: "Burgundy", Year: 2019})
	require.NoError(t, err)
	assert.Nil(t, e.WeatherAnalysis)
	assert.Nil(t, e.ProcurementRec)
	assert.Contains(t, e.VintageSummary, "no growing-season weather data")
}

func TestEnrichOnReceive(t *testing.T) {
	critic := 92.0
	vintages := &vintageStoreStub{vintages: map[string]*catalog.Vintage{
		"v-1": {ID: "v-1", WineID: "w-1", Year: 2019, CriticScore: &critic},
	}}
	wines := &wineStoreStub{wines: map[string]*catalog.Wine{
		"w-1": {ID: "w-1", Name: "Clos de Tart", Producer: "Mommessin", Region: "Burgundy"},
	}}
	svc := NewService(&weatherStub{analysis: goodAnalysis()}, vintages, wines, nil, zerolog.Nop())

	require.NoError(t, svc.EnrichOnReceive(context.Background(), "v-1"))
	assert.Equal(t, 1, vintages.scoreCalls)
}

func TestProcurementMatrix(t *testing.T) {
	tests := []struct {
		name       string
		overall    float64
		confidence openmeteo.Confidence
		action     string
		priority   string
		quantity   string
	}{
		{"outstanding", 90, openmeteo.ConfidenceHigh, ActionBuy, PriorityHigh, "Increase"},
		{"outstanding but unconfirmed", 90, openmeteo.ConfidenceMedium, ActionBuy, PriorityMedium, "Standard"},
		{"strong", 80, openmeteo.ConfidenceHigh, ActionBuy, PriorityMedium, "Standard"},
		{"average", 65, openmeteo.ConfidenceHigh, ActionHold, PriorityMedium, "None"},
		{"weak", 50, openmeteo.ConfidenceHigh, ActionAvoid, PriorityLow, "None"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := goodAnalysis()
			a.OverallScore = tt.overall
			a.Confidence = tt.confidence

			rec := buildProcurementRec(a)
			assert.Equal(t, tt.action, rec.Action)
			assert.Equal(t, tt.priority, rec.Priority)
			assert.Equal(t, tt.quantity, rec.SuggestedQuantity)
		})
	}
}

func TestProcurementLowConfidenceDemotes(t *testing.T) {
	a := goodAnalysis()
	a.Confidence = openmeteo.ConfidenceLow

	rec := buildProcurementRec(a)
	assert.Equal(t, ActionBuy, rec.Action)
	assert.Equal(t, PriorityLow, rec.Priority, "low confidence demotes medium to low")
	assert.Contains(t, rec.Considerations, "weather data confidence is low")
}

func TestProcurementConsiderations(t *testing.T) {
	a := goodAnalysis()
	a.RipenessScore = 2.5
	a.DiseaseScore = 2.0
	a.HeatwaveDays = 14

	rec := buildProcurementRec(a)
	assert.Len(t, rec.Considerations, 3)
}

func TestGenerateWeatherPairingInsight(t *testing.T) {
	a := goodAnalysis()

	insight := GenerateWeatherPairingInsight(a, "", "rich")
	assert.Contains(t, insight, "acidity")

	insight = GenerateWeatherPairingInsight(a, "bold", "")
	assert.Contains(t, insight, "ripeness")

	a.AcidityScore = 3
	a.RipenessScore = 3
	insight = GenerateWeatherPairingInsight(a, "", "")
	assert.Contains(t, insight, "day-night")

	a.DiurnalRangeC = 8
	insight = GenerateWeatherPairingInsight(a, "", "")
	assert.Contains(t, insight, "exceptional")

	a.OverallScore = 70
	assert.Empty(t, GenerateWeatherPairingInsight(a, "", ""))
	assert.Empty(t, GenerateWeatherPairingInsight(nil, "bold", "rich"))
}

func TestMemoEvictionAndTTL(t *testing.T) {
	memo := newProcessedMemo()
	now := time.Now()
	memo.now = func() time.Time { return now }

	memo.put("burgundy_2019", &Enrichment{QualityScore: 90})
	require.NotNil(t, memo.get("burgundy_2019"))

	// Entries age out after the TTL.
	now = now.Add(25 * time.Hour)
	assert.Nil(t, memo.get("burgundy_2019"))
	assert.Equal(t, 0, memo.len())
}
