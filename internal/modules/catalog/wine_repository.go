package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/apperrors"
)

// WineRepository handles wine and alias database operations.
type WineRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewWineRepository creates a new wine repository.
func NewWineRepository(db *sql.DB, log zerolog.Logger) *WineRepository {
	return &WineRepository{
		db:  db,
		log: log.With().Str("repo", "wine").Logger(),
	}
}

const wineColumns = `id, name, producer, region, country, wine_type,
	grape_varieties, style, tasting_notes, storage_notes, created_at, updated_at`

// Create inserts a wine, assigning an id when none is set.
func (r *WineRepository) Create(w *Wine) error {
	if strings.TrimSpace(w.Name) == "" {
		return apperrors.Validation("wine name is required")
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.WineType == "" {
		w.WineType = TypeOther
	}

	grapes, err := json.Marshal(nonNil(w.GrapeVarieties))
	if err != nil {
		return fmt.Errorf("failed to marshal grape varieties: %w", err)
	}

	_, err = r.db.Exec(
		`INSERT INTO wines (id, name, producer, region, country, wine_type, grape_varieties, style, tasting_notes, storage_notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Producer, w.Region, w.Country, w.WineType, string(grapes), w.Style, w.TastingNotes, w.StorageNotes,
	)
	if err != nil {
		return apperrors.Database("failed to create wine", err)
	}

	r.log.Info().Str("wine_id", w.ID).Str("name", w.Name).Msg("Wine created")
	return nil
}

// Update rewrites the mutable fields of a wine.
func (r *WineRepository) Update(w *Wine) error {
	grapes, err := json.Marshal(nonNil(w.GrapeVarieties))
	if err != nil {
		return fmt.Errorf("failed to marshal grape varieties: %w", err)
	}

	result, err := r.db.Exec(
		`UPDATE wines SET name = ?, producer = ?, region = ?, country = ?, wine_type = ?,
		 grape_varieties = ?, style = ?, tasting_notes = ?, storage_notes = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		w.Name, w.Producer, w.Region, w.Country, w.WineType, string(grapes), w.Style, w.TastingNotes, w.StorageNotes, w.ID,
	)
	if err != nil {
		return apperrors.Database("failed to update wine", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("wine not found: %s", w.ID)
	}
	return nil
}

// Get returns one wine with its aliases, or NotFound.
func (r *WineRepository) Get(id string) (*Wine, error) {
	row := r.db.QueryRow("SELECT "+wineColumns+" FROM wines WHERE id = ?", id)
	w, err := scanWine(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("wine not found: %s", id)
	}
	if err != nil {
		return nil, apperrors.Database("failed to get wine", err)
	}

	aliases, err := r.Aliases(id)
	if err != nil {
		return nil, err
	}
	w.Aliases = aliases
	return w, nil
}

// GetAll returns all wines ordered by name. Aliases are not joined.
func (r *WineRepository) GetAll() ([]Wine, error) {
	rows, err := r.db.Query("SELECT " + wineColumns + " FROM wines ORDER BY name")
	if err != nil {
		return nil, apperrors.Database("failed to query wines", err)
	}
	defer rows.Close()

	var wines []Wine
	for rows.Next() {
		w, err := scanWine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wine: %w", err)
		}
		wines = append(wines, *w)
	}
	return wines, rows.Err()
}

// Search matches wines by name, producer, region or alias, case-insensitive
// substring.
func (r *WineRepository) Search(query string) ([]Wine, error) {
	like := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"

	rows, err := r.db.Query(
		`SELECT DISTINCT `+prefixColumns("w", wineColumns)+`
		 FROM wines w
		 LEFT JOIN wine_aliases a ON a.wine_id = w.id
		 WHERE lower(w.name) LIKE ? OR lower(w.producer) LIKE ? OR lower(w.region) LIKE ? OR lower(a.alias) LIKE ?
		 ORDER BY w.name`,
		like, like, like, like,
	)
	if err != nil {
		return nil, apperrors.Database("failed to search wines", err)
	}
	defer rows.Close()

	var wines []Wine
	for rows.Next() {
		w, err := scanWine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wine: %w", err)
		}
		wines = append(wines, *w)
	}
	return wines, rows.Err()
}

// Delete removes a wine; vintages and aliases cascade.
func (r *WineRepository) Delete(id string) error {
	result, err := r.db.Exec("DELETE FROM wines WHERE id = ?", id)
	if err != nil {
		return apperrors.Database("failed to delete wine", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("wine not found: %s", id)
	}
	return nil
}

// AddAlias registers an alternate name for a wine. Duplicate aliases for
// the same wine are ignored.
func (r *WineRepository) AddAlias(wineID, alias string) error {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return apperrors.Validation("alias must not be empty")
	}

	_, err := r.db.Exec(
		"INSERT OR IGNORE INTO wine_aliases (wine_id, alias) VALUES (?, ?)",
		wineID, alias,
	)
	if err != nil {
		return apperrors.Database("failed to add alias", err)
	}
	return nil
}

// RemoveAlias deletes one alias.
func (r *WineRepository) RemoveAlias(wineID, alias string) error {
	_, err := r.db.Exec("DELETE FROM wine_aliases WHERE wine_id = ? AND alias = ?", wineID, alias)
	if err != nil {
		return apperrors.Database("failed to remove alias", err)
	}
	return nil
}

// Aliases returns all aliases for a wine.
func (r *WineRepository) Aliases(wineID string) ([]string, error) {
	rows, err := r.db.Query("SELECT alias FROM wine_aliases WHERE wine_id = ? ORDER BY alias", wineID)
	if err != nil {
		return nil, apperrors.Database("failed to query aliases", err)
	}
	defer rows.Close()

	var aliases []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWine(row rowScanner) (*Wine, error) {
	var w Wine
	var grapes string
	err := row.Scan(&w.ID, &w.Name, &w.Producer, &w.Region, &w.Country, &w.WineType,
		&grapes, &w.Style, &w.TastingNotes, &w.StorageNotes, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(grapes), &w.GrapeVarieties); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grape varieties: %w", err)
	}
	return &w, nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
