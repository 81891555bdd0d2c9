// Package learning persists pairing sessions and feedback, derives scoring
// weights from facet ratings and maintains per-user taste profiles. It owns
// the learning database together with the experiments package.
package learning

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/database"
	"github.com/aristath/cellar/internal/modules/explain"
	"github.com/aristath/cellar/internal/modules/pairing"
)

// WineMeta resolves a wine id to its type and region for profile
// aggregation. The catalog provides this in production.
type WineMeta interface {
	WineMeta(wineID string) (wineType, region string, err error)
}

// Service is the learning store.
type Service struct {
	db      *sql.DB
	explain *explain.Repository
	meta    WineMeta
	log     zerolog.Logger
}

// NewService creates the learning service. meta is optional; without it,
// profiles skip wine type and region aggregation.
func NewService(db *sql.DB, explainRepo *explain.Repository, meta WineMeta, log zerolog.Logger) *Service {
	return &Service{
		db:      db,
		explain: explainRepo,
		meta:    meta,
		log:     log.With().Str("service", "learning").Logger(),
	}
}

// RecordPairingSession writes the session, its recommendations and one
// explanation per recommendation in a single transaction. Returns the new
// recommendation ids in input order.
func (s *Service) RecordPairingSession(ctx context.Context, record *pairing.SessionRecord) ([]string, error) {
	sessionID := uuid.New().String()
	ids := make([]string, len(record.Recommendations))

	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pairing_sessions (id, dish_json, context_json, preferences_json, user_id, quick)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, record.DishJSON, orDefault(record.ContextJSON, "{}"),
			orDefault(record.PreferencesJSON, "{}"), nullableStr(record.UserID), boolToInt(record.Quick))
		if err != nil {
			return fmt.Errorf("failed to insert pairing session: %w", err)
		}

		for i, rec := range record.Recommendations {
			id := uuid.New().String()
			ids[i] = id

			_, err := tx.ExecContext(ctx, `
				INSERT INTO recommendations (
					id, session_id, wine_id, vintage_id, ordinal,
					style_match, flavor_harmony, texture_balance, regional_tradition, seasonal_appropriateness,
					total_score, confidence, ai_enhanced, reasoning
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, sessionID, rec.WineID, nullableStr(rec.VintageID), rec.Ordinal,
				rec.SubScores.StyleMatch, rec.SubScores.FlavorHarmony, rec.SubScores.TextureBalance,
				rec.SubScores.RegionalTradition, rec.SubScores.Seasonal,
				rec.TotalScore, rec.Confidence, boolToInt(rec.AIEnhanced), rec.Reasoning)
			if err != nil {
				return fmt.Errorf("failed to insert recommendation: %w", err)
			}

			summary := rec.Reasoning
			if i < len(record.Explanations) && record.Explanations[i] != "" {
				summary = record.Explanations[i]
			}
			if summary == "" {
				summary = fmt.Sprintf("Recommended %s with score %.2f.", rec.Name, rec.TotalScore)
			}
			if err := s.explain.RecordTx(tx, explain.EntityPairing, id, summary, topFactors(rec.SubScores)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("session_id", sessionID).Int("recommendations", len(ids)).Msg("Recorded pairing session")
	return ids, nil
}

// Session is a stored pairing session header.
type Session struct {
	ID              string `json:"id"`
	DishJSON        string `json:"dish_json"`
	ContextJSON     string `json:"context_json"`
	PreferencesJSON string `json:"preferences_json"`
	UserID          string `json:"user_id,omitempty"`
	Quick           bool   `json:"quick"`
	CreatedAt       string `json:"created_at"`
}

// RecentSessions returns the newest sessions first.
func (s *Service) RecentSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, dish_json, context_json, preferences_json, COALESCE(user_id, ''), quick, created_at
		FROM pairing_sessions ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var quick int
		if err := rows.Scan(&sess.ID, &sess.DishJSON, &sess.ContextJSON, &sess.PreferencesJSON, &sess.UserID, &quick, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.Quick = quick != 0
		out = append(out, sess)
	}
	return out, rows.Err()
}

// topFactors lists the factors at or above the mean sub-score, strongest
// first cap two, so explanations stay readable.
func topFactors(s pairing.SubScores) []string {
	type fs struct {
		name  string
		score float64
	}
	scores := []fs{
		{pairing.FactorStyle, s.StyleMatch},
		{pairing.FactorFlavor, s.FlavorHarmony},
		{pairing.FactorTexture, s.TextureBalance},
		{pairing.FactorRegion, s.RegionalTradition},
		{pairing.FactorSeasonal, s.Seasonal},
	}

	mean := 0.0
	for _, f := range scores {
		mean += f.score
	}
	mean /= float64(len(scores))

	var out []string
	best := scores[0]
	second := fs{}
	for _, f := range scores[1:] {
		if f.score > best.score {
			second = best
			best = f
		} else if f.score > second.score {
			second = f
		}
	}
	out = append(out, best.name)
	if second.name != "" && second.score >= mean {
		out = append(out, second.name)
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
