package inventory

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/apperrors"
)

// Repository provides low-level stock and ledger access. Mutations take a
// transaction; the service layer owns transaction boundaries.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new inventory repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "inventory").Logger(),
	}
}

const stockColumns = `vintage_id, location, quantity, reserved_quantity, cost_per_bottle, current_value, updated_at`

// GetStock returns one stock row, or nil when the row does not exist.
func (r *Repository) GetStock(vintageID, location string) (*StockLevel, error) {
	row := r.db.QueryRow("SELECT "+stockColumns+" FROM stock WHERE vintage_id = ? AND location = ?", vintageID, location)
	return scanStockRow(row)
}

// getStockTx reads a stock row inside a transaction.
func getStockTx(tx *sql.Tx, vintageID, location string) (*StockLevel, error) {
	row := tx.QueryRow("SELECT "+stockColumns+" FROM stock WHERE vintage_id = ? AND location = ?", vintageID, location)
	return scanStockRow(row)
}

func scanStockRow(row *sql.Row) (*StockLevel, error) {
	var s StockLevel
	err := row.Scan(&s.VintageID, &s.Location, &s.Quantity, &s.Reserved, &s.CostPerBottle, &s.CurrentValue, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan stock row: %w", err)
	}
	s.Available = s.Quantity - s.Reserved
	return &s, nil
}

// StockForVintage returns all locations holding a vintage.
func (r *Repository) StockForVintage(vintageID string) ([]StockLevel, error) {
	return r.queryStock("SELECT "+stockColumns+" FROM stock WHERE vintage_id = ? ORDER BY location", vintageID)
}

// AvailableStock returns all rows with quantity > 0 for pairing candidate
// selection.
func (r *Repository) AvailableStock() ([]StockLevel, error) {
	return r.queryStock("SELECT " + stockColumns + " FROM stock WHERE quantity > 0 ORDER BY vintage_id, location")
}

func (r *Repository) queryStock(query string, args ...interface{}) ([]StockLevel, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Database("failed to query stock", err)
	}
	defer rows.Close()

	var levels []StockLevel
	for rows.Next() {
		var s StockLevel
		if err := rows.Scan(&s.VintageID, &s.Location, &s.Quantity, &s.Reserved, &s.CostPerBottle, &s.CurrentValue, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stock row: %w", err)
		}
		s.Available = s.Quantity - s.Reserved
		levels = append(levels, s)
	}
	return levels, rows.Err()
}

// appendEntry writes one ledger record inside a transaction.
func appendEntry(tx *sql.Tx, e *LedgerEntry) error {
	_, err := tx.Exec(
		`INSERT INTO ledger_entries (entry_type, vintage_id, location, to_location, quantity, unit_cost, reference_id, correlation_id, notes, actor)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryType, e.VintageID, e.Location, nullableStr(e.ToLocation), e.Quantity,
		e.UnitCost, nullableStr(e.ReferenceID), nullableStr(e.CorrelationID), e.Notes, e.Actor,
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// History returns ledger entries for a vintage, newest first, capped at
// limit.
func (r *Repository) History(vintageID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(
		`SELECT id, entry_type, vintage_id, location, to_location, quantity, unit_cost, reference_id, correlation_id, notes, actor, created_at
		 FROM ledger_entries WHERE vintage_id = ? ORDER BY id DESC LIMIT ?`,
		vintageID, limit,
	)
	if err != nil {
		return nil, apperrors.Database("failed to query ledger", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var toLocation, referenceID, correlationID sql.NullString
		if err := rows.Scan(&e.ID, &e.EntryType, &e.VintageID, &e.Location, &toLocation, &e.Quantity,
			&e.UnitCost, &referenceID, &correlationID, &e.Notes, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.ToLocation = toLocation.String
		e.ReferenceID = referenceID.String
		e.CorrelationID = correlationID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
