// Package vintage derives quality intelligence for wine vintages from
// growing-season weather: adjusted quality scores, vintage summaries,
// procurement recommendations and pairing insights.
package vintage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/clients/openmeteo"
	"github.com/aristath/cellar/internal/modules/catalog"
	"github.com/aristath/cellar/internal/modules/explain"
)

// WeatherProvider fetches processed growing-season analyses.
type WeatherProvider interface {
	FetchWeather(ctx context.Context, region string, year int, vineyardAlias string) (*openmeteo.Analysis, error)
}

// VintageStore is the slice of the catalog the service persists through.
type VintageStore interface {
	Get(id string) (*catalog.Vintage, error)
	UpdateScores(id string, quality, weather *float64) error
	StoreEnrichment(id, weatherJSON, procurementJSON string) error
}

// WineStore resolves the wine a vintage belongs to.
type WineStore interface {
	Get(id string) (*catalog.Wine, error)
}

// ExplanationRecorder captures score-adjustment provenance.
type ExplanationRecorder interface {
	Record(entityType, entityID, summary string, factors []string) error
}

// Procurement actions and priorities.
const (
	ActionBuy   = "BUY"
	ActionHold  = "HOLD"
	ActionAvoid = "AVOID"

	PriorityHigh   = "High"
	PriorityMedium = "Medium"
	PriorityLow    = "Low"
)

// ProcurementRec advises whether to buy more of a vintage.
type ProcurementRec struct {
	Action            string   `json:"action"`
	Priority          string   `json:"priority"`
	Reasoning         string   `json:"reasoning"`
	SuggestedQuantity string   `json:"suggested_quantity"`
	Considerations    []string `json:"considerations"`
}

// WineInput is the wine/vintage view enrichment works from.
type WineInput struct {
	WineID        string
	VintageID     string
	Name          string
	Producer      string
	Region        string
	VineyardAlias string
	Year          int
	BaseScore     *float64
}

// Enrichment is the full result of enrichWineData.
type Enrichment struct {
	WeatherAnalysis *openmeteo.Analysis `json:"weather_analysis,omitempty"`
	VintageSummary  string              `json:"vintage_summary"`
	QualityScore    float64             `json:"quality_score"`
	ProcurementRec  *ProcurementRec     `json:"procurement_rec,omitempty"`
	EnrichedAt      time.Time           `json:"enriched_at"`
}

// Service implements vintage intelligence.
type Service struct {
	weather  WeatherProvider
	vintages VintageStore
	wines    WineStore
	explain  ExplanationRecorder
	memo     *processedMemo
	log      zerolog.Logger
}

// NewService creates the vintage intelligence service. explain is optional.
func NewService(weather WeatherProvider, vintages VintageStore, wines WineStore, explain ExplanationRecorder, log zerolog.Logger) *Service {
	return &Service{
		weather:  weather,
		vintages: vintages,
		wines:    wines,
		explain:  explain,
		memo:     newProcessedMemo(),
		log:      log.With().Str("service", "vintage").Logger(),
	}
}

// EnrichWineData runs the full enrichment for one wine/vintage. Repeated
// calls for the same (region, year) within the memo window return the
// memoized result. Persistence is best-effort: a storage failure is logged
// but the enrichment is still returned.
func (s *Service) EnrichWineData(ctx context.Context, input *WineInput) (*Enrichment, error) {
	region := NormalizeRegion(input.Region)
	memoKey := fmt.Sprintf("%s_%d", region, input.Year)

	if cached := s.memo.get(memoKey); cached != nil {
		return cached, nil
	}

	analysis, err := s.weather.FetchWeather(ctx, region, input.Year, input.VineyardAlias)
	if err != nil {
		return nil, fmt.Errorf("weather fetch for %s %d: %w", region, input.Year, err)
	}

	base := 75.0
	if input.BaseScore != nil {
		base = *input.BaseScore
	}

	enrichment := &Enrichment{
		WeatherAnalysis: analysis,
		QualityScore:    base,
		EnrichedAt:      time.Now().UTC(),
	}

	if analysis != nil {
		adjusted, factors := adjustQuality(base, analysis)
		enrichment.QualityScore = adjusted
		enrichment.VintageSummary = buildSummary(input.Producer, input.Year, region, analysis)
		enrichment.ProcurementRec = buildProcurementRec(analysis)

		if s.explain != nil && len(factors) > 0 {
			summary := fmt.Sprintf("Quality adjusted from %.1f to %.1f based on the %d growing season", base, adjusted, input.Year)
			if err := s.explain.Record(explain.EntityVintage, input.VintageID, summary, factors); err != nil {
				s.log.Warn().Err(err).Str("vintage_id", input.VintageID).Msg("Failed to record adjustment explanation")
			}
		}
	} else {
		enrichment.VintageSummary = fmt.Sprintf("%d %s: no growing-season weather data available.", input.Year, titleCase(region))
	}

	s.persist(input.VintageID, enrichment)
	s.memo.put(memoKey, enrichment)
	return enrichment, nil
}

// EnrichOnReceive satisfies the inventory enrichment hook: it loads the
// vintage and its wine, then runs the standard enrichment.
func (s *Service) EnrichOnReceive(ctx context.Context, vintageID string) error {
	v, err := s.vintages.Get(vintageID)
	if err != nil {
		return fmt.Errorf("load vintage: %w", err)
	}
	w, err := s.wines.Get(v.WineID)
	if err != nil {
		return fmt.Errorf("load wine: %w", err)
	}

	input := &WineInput{
		WineID:    w.ID,
		VintageID: v.ID,
		Name:      w.Name,
		Producer:  w.Producer,
		Region:    w.Region,
		Year:      v.Year,
		BaseScore: firstScore(v.CriticScore, v.QualityScore),
	}
	_, err = s.EnrichWineData(ctx, input)
	return err
}

// InvalidateMemo drops the memoized enrichment for a (region, year), for
// explicit refreshes.
func (s *Service) InvalidateMemo(region string, year int) {
	s.memo.invalidate(fmt.Sprintf("%s_%d", NormalizeRegion(region), year))
}

func (s *Service) persist(vintageID string, e *Enrichment) {
	if vintageID == "" {
		return
	}

	var weatherScore *float64
	if e.WeatherAnalysis != nil {
		ws := e.WeatherAnalysis.OverallScore
		weatherScore = &ws
	}
	quality := e.QualityScore

	if err := s.vintages.UpdateScores(vintageID, &quality, weatherScore); err != nil {
		s.log.Warn().Err(err).Str("vintage_id", vintageID).Msg("Failed to persist vintage scores")
		return
	}

	weatherJSON := ""
	if e.WeatherAnalysis != nil {
		if data, err := json.Marshal(e.WeatherAnalysis); err == nil {
			weatherJSON = string(data)
		}
	}
	procurementJSON := ""
	if e.ProcurementRec != nil {
		if data, err := json.Marshal(e.ProcurementRec); err == nil {
			procurementJSON = string(data)
		}
	}
	if err := s.vintages.StoreEnrichment(vintageID, weatherJSON, procurementJSON); err != nil {
		s.log.Warn().Err(err).Str("vintage_id", vintageID).Msg("Failed to persist vintage enrichment")
	}
}

// adjustQuality applies the weather bonus/penalty rules to a base score
// and returns the clamped result with the factors that fired.
func adjustQuality(base float64, a *openmeteo.Analysis) (float64, []string) {
	score := base
	var factors []string

	if a.OverallScore >= 85 && a.RipenessScore >= 4.5 && a.AcidityScore >= 4.5 {
		bonus := 5 + (a.OverallScore-85)/15*5
		if bonus > 10 {
			bonus = 10
		}
		score += bonus
		factors = append(factors, "exceptional_season")
	}
	if a.AcidityScore >= 4.5 {
		score += 2
		factors = append(factors, "high_acidity")
	}
	if a.RipenessScore >= 4.5 {
		score += 2
		factors = append(factors, "full_ripeness")
	}

	minFactor := a.RipenessScore
	if a.AcidityScore < minFactor {
		minFactor = a.AcidityScore
	}
	if a.DiseaseScore < minFactor {
		minFactor = a.DiseaseScore
	}
	if a.OverallScore <= 60 || minFactor <= 2.5 {
		penalty := 0.0
		if a.OverallScore <= 60 {
			penalty += (60 - a.OverallScore) / 6
		}
		if minFactor <= 2.5 {
			penalty += (2.5 - minFactor) * 2
		}
		if penalty > 10 {
			penalty = 10
		}
		score -= penalty
		factors = append(factors, "difficult_season")
	}

	if score < 50 {
		score = 50
	}
	if score > 100 {
		score = 100
	}
	return score, factors
}

// buildSummary renders the template vintage summary. Wording tiers follow
// GDD and the overall score.
func buildSummary(producer string, year int, region string, a *openmeteo.Analysis) string {
	var conditions string
	switch {
	case a.GDD < 1200:
		conditions = fmt.Sprintf("a cooler growing season (%.0f GDD) favoring elegance and fresh acidity", a.GDD)
	case a.GDD <= 1600:
		conditions = fmt.Sprintf("ideal growing conditions (%.0f GDD) with balanced ripening", a.GDD)
	default:
		conditions = fmt.Sprintf("a warm season (%.0f GDD) producing rich, concentrated fruit", a.GDD)
	}

	var advice string
	switch {
	case a.OverallScore >= 85:
		advice = "An excellent candidate for cellaring."
	case a.OverallScore >= 70:
		advice = "Well suited to mid-term drinking pleasure."
	default:
		advice = "Best enjoyed young while approachable."
	}

	who := titleCase(region)
	if producer != "" {
		who = producer
	}
	return fmt.Sprintf("The %d vintage from %s saw %s, with an average diurnal range of %.1f°C. %s",
		year, who, conditions, a.DiurnalRangeC, advice)
}

// buildProcurementRec maps the analysis onto a buy/hold/avoid matrix.
func buildProcurementRec(a *openmeteo.Analysis) *ProcurementRec {
	rec := &ProcurementRec{Considerations: []string{}}

	switch {
	case a.OverallScore >= 88 && a.Confidence == openmeteo.ConfidenceHigh:
		rec.Action = ActionBuy
		rec.Priority = PriorityHigh
		rec.SuggestedQuantity = "Increase"
		rec.Reasoning = fmt.Sprintf("Outstanding vintage (score %.0f) with high-confidence weather data.", a.OverallScore)
	case a.OverallScore >= 75:
		rec.Action = ActionBuy
		rec.Priority = PriorityMedium
		rec.SuggestedQuantity = "Standard"
		rec.Reasoning = fmt.Sprintf("Strong vintage (score %.0f) worth standard allocation.", a.OverallScore)
	case a.OverallScore >= 60:
		rec.Action = ActionHold
		rec.Priority = PriorityMedium
		rec.SuggestedQuantity = "None"
		rec.Reasoning = fmt.Sprintf("Average vintage (score %.0f); hold existing stock.", a.OverallScore)
	default:
		rec.Action = ActionAvoid
		rec.Priority = PriorityLow
		rec.SuggestedQuantity = "None"
		rec.Reasoning = fmt.Sprintf("Weak vintage (score %.0f); avoid new purchases.", a.OverallScore)
	}

	if a.Confidence == openmeteo.ConfidenceLow {
		rec.Priority = demote(rec.Priority)
		rec.Considerations = append(rec.Considerations, "weather data confidence is low")
	}
	if a.RipenessScore < 3 {
		rec.Considerations = append(rec.Considerations, "potential underripe character")
	}
	if a.DiseaseScore < 2.5 {
		rec.Considerations = append(rec.Considerations, "elevated disease pressure during the season")
	}
	if a.HeatwaveDays > 10 {
		rec.Considerations = append(rec.Considerations, "heat stress may have affected balance")
	}

	return rec
}

func demote(priority string) string {
	switch priority {
	case PriorityHigh:
		return PriorityMedium
	case PriorityMedium:
		return PriorityLow
	default:
		return PriorityLow
	}
}

// GenerateWeatherPairingInsight returns a short textual insight linking the
// strongest applicable weather factor to the dish, or "" when none applies.
// intensity and texture come from the parsed dish.
func GenerateWeatherPairingInsight(a *openmeteo.Analysis, intensity, texture string) string {
	if a == nil {
		return ""
	}

	richDish := texture == "rich" || texture == "creamy" || texture == "fatty"
	boldDish := intensity == "bold" || intensity == "heavy"

	switch {
	case a.AcidityScore >= 4.5 && richDish:
		return fmt.Sprintf("The cool %d growing season preserved vibrant acidity that cuts through richer dishes.", a.Year)
	case a.RipenessScore >= 4.5 && boldDish:
		return fmt.Sprintf("Generous %d ripeness gives the concentration to stand up to bold flavors.", a.Year)
	case a.DiurnalRangeC > 12:
		return fmt.Sprintf("Wide day-night temperature swings in %d built both ripeness and freshness, a versatile food profile.", a.Year)
	case a.OverallScore >= 88:
		return fmt.Sprintf("An exceptional %d vintage; a safe choice for this pairing.", a.Year)
	default:
		return ""
	}
}

func firstScore(scores ...*float64) *float64 {
	for _, s := range scores {
		if s != nil {
			return s
		}
	}
	return nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
