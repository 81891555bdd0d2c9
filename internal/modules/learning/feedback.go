package learning

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/cellar/internal/apperrors"
	"github.com/aristath/cellar/internal/modules/pairing"
)

// Feedback is one guest reaction to a recommendation. Facet ratings are
// optional; present ones must be in 1..5.
type Feedback struct {
	ID                int64  `json:"id"`
	RecommendationID  string `json:"recommendation_id"`
	UserID            string `json:"user_id,omitempty"`
	Rating            int    `json:"rating"`
	FlavorHarmony     *int   `json:"flavor_harmony,omitempty"`
	TextureBalance    *int   `json:"texture_balance,omitempty"`
	AcidityMatch      *int   `json:"acidity_match,omitempty"`
	TanninBalance     *int   `json:"tannin_balance,omitempty"`
	BodyMatch         *int   `json:"body_match,omitempty"`
	RegionalTradition *int   `json:"regional_tradition,omitempty"`
	Selected          bool   `json:"selected"`
	TimeToSelectMs    *int   `json:"time_to_select_ms,omitempty"`
	Notes             string `json:"notes,omitempty"`
	CreatedAt         string `json:"created_at,omitempty"`
}

// RecordFeedback validates and appends one feedback row.
func (s *Service) RecordFeedback(ctx context.Context, f *Feedback) (int64, error) {
	if f.RecommendationID == "" {
		return 0, apperrors.Validation("recommendation_id is required")
	}
	if f.Rating < 1 || f.Rating > 5 {
		return 0, apperrors.Validation("rating must be between 1 and 5, got %d", f.Rating)
	}
	for _, facet := range []struct {
		name  string
		value *int
	}{
		{"flavor_harmony", f.FlavorHarmony},
		{"texture_balance", f.TextureBalance},
		{"acidity_match", f.AcidityMatch},
		{"tannin_balance", f.TanninBalance},
		{"body_match", f.BodyMatch},
		{"regional_tradition", f.RegionalTradition},
	} {
		if facet.value != nil && (*facet.value < 1 || *facet.value > 5) {
			return 0, apperrors.Validation("%s must be between 1 and 5, got %d", facet.name, *facet.value)
		}
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recommendations WHERE id = ?`, f.RecommendationID).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check recommendation: %w", err)
	}
	if exists == 0 {
		return 0, apperrors.NotFound("recommendation not found: %s", f.RecommendationID)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (
			recommendation_id, user_id, rating,
			flavor_harmony, texture_balance, acidity_match, tannin_balance, body_match, regional_tradition,
			selected, time_to_select_ms, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.RecommendationID, nullableStr(f.UserID), f.Rating,
		nullableInt(f.FlavorHarmony), nullableInt(f.TextureBalance), nullableInt(f.AcidityMatch),
		nullableInt(f.TanninBalance), nullableInt(f.BodyMatch), nullableInt(f.RegionalTradition),
		boolToInt(f.Selected), nullableInt(f.TimeToSelectMs), f.Notes)
	if err != nil {
		return 0, fmt.Errorf("failed to insert feedback: %w", err)
	}
	id, _ := res.LastInsertId()

	s.log.Debug().Str("recommendation_id", f.RecommendationID).Int("rating", f.Rating).Msg("Recorded feedback")
	return id, nil
}

// Weight derivation pulls facet means toward a neutral rating of 3 with a
// fixed prior, so sparse feedback barely moves the defaults and abundant
// feedback dominates them.
const (
	weightPriorCount   = 20.0
	neutralFacetRating = 3.0
)

// facetsByFactor maps feedback facet columns onto scoring factors. Seasonal
// appropriateness has no facet; its weight tracks the prior.
var facetsByFactor = map[string][]string{
	pairing.FactorStyle:    {"acidity_match", "tannin_balance"},
	pairing.FactorFlavor:   {"flavor_harmony"},
	pairing.FactorTexture:  {"texture_balance", "body_match"},
	pairing.FactorRegion:   {"regional_tradition"},
	pairing.FactorSeasonal: nil,
}

// EnhancedPairingWeights derives a normalized weight vector from observed
// facet ratings. With no feedback it returns the defaults unchanged.
func (s *Service) EnhancedPairingWeights(ctx context.Context) (pairing.Weights, error) {
	defaults := pairing.DefaultWeights()

	raw := make(pairing.Weights, len(pairing.FactorOrder))
	total := 0.0
	for _, factor := range pairing.FactorOrder {
		sum, count, err := s.facetTotals(ctx, facetsByFactor[factor])
		if err != nil {
			return nil, err
		}

		smoothedMean := (weightPriorCount*neutralFacetRating + sum) / (weightPriorCount + float64(count))
		w := defaults[factor] * smoothedMean / neutralFacetRating
		raw[factor] = w
		total += w
	}

	if total <= 0 {
		return defaults, nil
	}
	for factor := range raw {
		raw[factor] /= total
	}
	return raw, nil
}

func (s *Service) facetTotals(ctx context.Context, facets []string) (float64, int, error) {
	sum := 0.0
	count := 0
	for _, facet := range facets {
		var facetSum sql.NullFloat64
		var facetCount int
		query := fmt.Sprintf(`SELECT SUM(%s), COUNT(%s) FROM feedback WHERE %s IS NOT NULL`, facet, facet, facet)
		if err := s.db.QueryRowContext(ctx, query).Scan(&facetSum, &facetCount); err != nil {
			return 0, 0, fmt.Errorf("failed to aggregate %s: %w", facet, err)
		}
		sum += facetSum.Float64
		count += facetCount
	}
	return sum, count, nil
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
