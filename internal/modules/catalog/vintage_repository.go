package catalog

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/apperrors"
)

// VintageRepository handles vintage database operations.
type VintageRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewVintageRepository creates a new vintage repository.
func NewVintageRepository(db *sql.DB, log zerolog.Logger) *VintageRepository {
	return &VintageRepository{
		db:  db,
		log: log.With().Str("repo", "vintage").Logger(),
	}
}

const vintageColumns = `id, wine_id, year, quality_score, weather_score, critic_score,
	peak_drinking_start, peak_drinking_end, weather_json, procurement_json, notes_text,
	created_at, updated_at`

// Create inserts a vintage. The (wine_id, year) pair is unique; a duplicate
// yields a Conflict error.
func (r *VintageRepository) Create(v *Vintage) error {
	if v.Year < 1800 || v.Year > time.Now().Year()+1 {
		return apperrors.Validation("implausible vintage year: %d", v.Year)
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}

	_, err := r.db.Exec(
		`INSERT INTO vintages (id, wine_id, year, quality_score, weather_score, critic_score,
		 peak_drinking_start, peak_drinking_end, weather_json, procurement_json, notes_text)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.WineID, v.Year, v.QualityScore, v.WeatherScore, v.CriticScore,
		v.PeakDrinkingStart, v.PeakDrinkingEnd, nullable(v.WeatherJSON), nullable(v.ProcurementJSON), v.Notes,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("vintage already exists for wine %s year %d", v.WineID, v.Year)
		}
		return apperrors.Database("failed to create vintage", err)
	}

	r.log.Info().Str("vintage_id", v.ID).Str("wine_id", v.WineID).Int("year", v.Year).Msg("Vintage created")
	return nil
}

// Get returns one vintage, or NotFound.
func (r *VintageRepository) Get(id string) (*Vintage, error) {
	row := r.db.QueryRow("SELECT "+vintageColumns+" FROM vintages WHERE id = ?", id)
	v, err := scanVintage(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("vintage not found: %s", id)
	}
	if err != nil {
		return nil, apperrors.Database("failed to get vintage", err)
	}
	return v, nil
}

// GetByWineYear returns the vintage for a (wine, year) pair, or nil when
// absent.
func (r *VintageRepository) GetByWineYear(wineID string, year int) (*Vintage, error) {
	row := r.db.QueryRow("SELECT "+vintageColumns+" FROM vintages WHERE wine_id = ? AND year = ?", wineID, year)
	v, err := scanVintage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Database("failed to get vintage", err)
	}
	return v, nil
}

// ForWine returns all vintages of a wine, newest year first.
func (r *VintageRepository) ForWine(wineID string) ([]Vintage, error) {
	rows, err := r.db.Query("SELECT "+vintageColumns+" FROM vintages WHERE wine_id = ? ORDER BY year DESC", wineID)
	if err != nil {
		return nil, apperrors.Database("failed to query vintages", err)
	}
	defer rows.Close()

	var vintages []Vintage
	for rows.Next() {
		v, err := scanVintage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vintage: %w", err)
		}
		vintages = append(vintages, *v)
	}
	return vintages, rows.Err()
}

// UpdateScores sets the score fields touched by vintage enrichment.
func (r *VintageRepository) UpdateScores(id string, quality, weather *float64) error {
	result, err := r.db.Exec(
		`UPDATE vintages SET quality_score = ?, weather_score = ?, updated_at = datetime('now') WHERE id = ?`,
		quality, weather, id,
	)
	if err != nil {
		return apperrors.Database("failed to update vintage scores", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("vintage not found: %s", id)
	}
	return nil
}

// StoreEnrichment persists the weather and procurement payloads produced by
// vintage intelligence. Empty strings leave the stored payload untouched.
func (r *VintageRepository) StoreEnrichment(id, weatherJSON, procurementJSON string) error {
	result, err := r.db.Exec(
		`UPDATE vintages SET
		   weather_json = COALESCE(NULLIF(?, ''), weather_json),
		   procurement_json = COALESCE(NULLIF(?, ''), procurement_json),
		   updated_at = datetime('now')
		 WHERE id = ?`,
		weatherJSON, procurementJSON, id,
	)
	if err != nil {
		return apperrors.Database("failed to store vintage enrichment", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("vintage not found: %s", id)
	}
	return nil
}

// Delete removes a vintage.
func (r *VintageRepository) Delete(id string) error {
	result, err := r.db.Exec("DELETE FROM vintages WHERE id = ?", id)
	if err != nil {
		return apperrors.Database("failed to delete vintage", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("vintage not found: %s", id)
	}
	return nil
}

func scanVintage(row rowScanner) (*Vintage, error) {
	var v Vintage
	var weatherJSON, procurementJSON sql.NullString
	err := row.Scan(&v.ID, &v.WineID, &v.Year, &v.QualityScore, &v.WeatherScore, &v.CriticScore,
		&v.PeakDrinkingStart, &v.PeakDrinkingEnd, &weatherJSON, &procurementJSON, &v.Notes,
		&v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.WeatherJSON = weatherJSON.String
	v.ProcurementJSON = procurementJSON.String
	return &v, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation matches the UNIQUE constraint message of both sqlite
// drivers in use.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
