package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/cellar/internal/apperrors"
)

// Profile is the aggregated taste profile for one user.
type Profile struct {
	UserID           string             `json:"user_id"`
	FeedbackCount    int                `json:"feedback_count"`
	AvgRating        float64            `json:"avg_rating"`
	SelectionRate    float64            `json:"selection_rate"`
	FacetSensitivity map[string]float64 `json:"facet_sensitivity"`
	TopWineTypes     []string           `json:"top_wine_types,omitempty"`
	TopRegions       []string           `json:"top_regions,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

var profileFacets = []string{
	"flavor_harmony", "texture_balance", "acidity_match",
	"tannin_balance", "body_match", "regional_tradition",
}

// RefreshUserProfile recomputes a user's profile from their feedback and
// stores it. Called after feedback ingestion and from the nightly jobs.
func (s *Service) RefreshUserProfile(ctx context.Context, userID string) (*Profile, error) {
	if userID == "" {
		return nil, apperrors.Validation("user_id is required")
	}

	profile := &Profile{
		UserID:           userID,
		FacetSensitivity: make(map[string]float64, len(profileFacets)),
		UpdatedAt:        time.Now().UTC(),
	}

	var avgRating sql.NullFloat64
	var selected sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(rating), AVG(selected) FROM feedback WHERE user_id = ?`,
		userID).Scan(&profile.FeedbackCount, &avgRating, &selected)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate feedback: %w", err)
	}
	profile.AvgRating = avgRating.Float64
	profile.SelectionRate = selected.Float64

	// Sensitivity is the mean deviation from the neutral rating, in [-2, 2].
	// Positive means the facet drives satisfaction for this user.
	for _, facet := range profileFacets {
		var mean sql.NullFloat64
		query := fmt.Sprintf(`SELECT AVG(%s) FROM feedback WHERE user_id = ? AND %s IS NOT NULL`, facet, facet)
		if err := s.db.QueryRowContext(ctx, query, userID).Scan(&mean); err != nil {
			return nil, fmt.Errorf("failed to aggregate %s: %w", facet, err)
		}
		if mean.Valid {
			profile.FacetSensitivity[facet] = mean.Float64 - neutralFacetRating
		}
	}

	if s.meta != nil {
		types, regions, err := s.modalPreferences(ctx, userID)
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to resolve wine metadata for profile")
		} else {
			profile.TopWineTypes = types
			profile.TopRegions = regions
		}
	}

	payload, err := json.Marshal(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, profile_json, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(user_id) DO UPDATE SET profile_json = excluded.profile_json, updated_at = excluded.updated_at`,
		userID, string(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to store profile: %w", err)
	}
	return profile, nil
}

// GetUserProfile returns the stored profile, or a fresh one when none
// exists yet.
func (s *Service) GetUserProfile(ctx context.Context, userID string) (*Profile, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT profile_json FROM user_profiles WHERE user_id = ?`, userID).Scan(&payload)
	if err == sql.ErrNoRows {
		return s.RefreshUserProfile(ctx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	var profile Profile
	if err := json.Unmarshal([]byte(payload), &profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &profile, nil
}

// modalPreferences counts wine types and regions over positively rated
// recommendations (rating >= 4 or selected) and returns the top three of
// each.
func (s *Service) modalPreferences(ctx context.Context, userID string) ([]string, []string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.wine_id FROM feedback f
		JOIN recommendations r ON r.id = f.recommendation_id
		WHERE f.user_id = ? AND (f.rating >= 4 OR f.selected = 1)`, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query liked wines: %w", err)
	}
	defer rows.Close()

	typeCounts := make(map[string]int)
	regionCounts := make(map[string]int)
	for rows.Next() {
		var wineID string
		if err := rows.Scan(&wineID); err != nil {
			return nil, nil, fmt.Errorf("failed to scan wine id: %w", err)
		}
		wineType, region, err := s.meta.WineMeta(wineID)
		if err != nil {
			continue
		}
		if wineType != "" {
			typeCounts[wineType]++
		}
		if region != "" {
			regionCounts[region]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return topKeys(typeCounts, 3), topKeys(regionCounts, 3), nil
}

func topKeys(counts map[string]int, limit int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}
