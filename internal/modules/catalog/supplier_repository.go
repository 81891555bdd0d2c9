package catalog

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/apperrors"
)

// SupplierRepository handles suppliers and the price book.
type SupplierRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSupplierRepository creates a new supplier repository.
func NewSupplierRepository(db *sql.DB, log zerolog.Logger) *SupplierRepository {
	return &SupplierRepository{
		db:  db,
		log: log.With().Str("repo", "supplier").Logger(),
	}
}

// Create inserts a supplier. Names are unique.
func (r *SupplierRepository) Create(s *Supplier) error {
	if s.Name == "" {
		return apperrors.Validation("supplier name is required")
	}
	if s.Rating == 0 {
		s.Rating = 3
	}
	if s.Rating < 1 || s.Rating > 5 {
		return apperrors.Validation("supplier rating must be 1..5, got %d", s.Rating)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	// New suppliers start active; use SetActive to retire one.
	s.Active = true

	_, err := r.db.Exec(
		"INSERT INTO suppliers (id, name, active, rating, contact) VALUES (?, ?, 1, ?, ?)",
		s.ID, s.Name, s.Rating, s.Contact,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("supplier already exists: %s", s.Name)
		}
		return apperrors.Database("failed to create supplier", err)
	}
	return nil
}

// Get returns one supplier, or NotFound.
func (r *SupplierRepository) Get(id string) (*Supplier, error) {
	var s Supplier
	var active int
	err := r.db.QueryRow(
		"SELECT id, name, active, rating, contact, created_at FROM suppliers WHERE id = ?", id,
	).Scan(&s.ID, &s.Name, &active, &s.Rating, &s.Contact, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("supplier not found: %s", id)
	}
	if err != nil {
		return nil, apperrors.Database("failed to get supplier", err)
	}
	s.Active = active != 0
	return &s, nil
}

// GetActive returns active suppliers ordered by rating, best first.
func (r *SupplierRepository) GetActive() ([]Supplier, error) {
	rows, err := r.db.Query(
		"SELECT id, name, active, rating, contact, created_at FROM suppliers WHERE active = 1 ORDER BY rating DESC, name",
	)
	if err != nil {
		return nil, apperrors.Database("failed to query suppliers", err)
	}
	defer rows.Close()

	var suppliers []Supplier
	for rows.Next() {
		var s Supplier
		var active int
		if err := rows.Scan(&s.ID, &s.Name, &active, &s.Rating, &s.Contact, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan supplier: %w", err)
		}
		s.Active = active != 0
		suppliers = append(suppliers, s)
	}
	return suppliers, rows.Err()
}

// SetActive toggles a supplier without losing its price history.
func (r *SupplierRepository) SetActive(id string, active bool) error {
	result, err := r.db.Exec("UPDATE suppliers SET active = ? WHERE id = ?", boolToInt(active), id)
	if err != nil {
		return apperrors.Database("failed to update supplier", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("supplier not found: %s", id)
	}
	return nil
}

// UpsertPrice records a supplier's current offer for a vintage.
func (r *SupplierRepository) UpsertPrice(e *PriceEntry) error {
	if e.PricePerBottle < 0 {
		return apperrors.Validation("price must not be negative")
	}
	if e.Availability == "" {
		e.Availability = AvailabilityInStock
	}

	_, err := r.db.Exec(
		`INSERT INTO price_book (vintage_id, supplier_id, price_per_bottle, availability_status, last_updated)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT (vintage_id, supplier_id) DO UPDATE SET
		   price_per_bottle = excluded.price_per_bottle,
		   availability_status = excluded.availability_status,
		   last_updated = excluded.last_updated`,
		e.VintageID, e.SupplierID, e.PricePerBottle, e.Availability,
	)
	if err != nil {
		return apperrors.Database("failed to upsert price", err)
	}
	return nil
}

// PricesForVintage returns all offers for a vintage, cheapest first.
func (r *SupplierRepository) PricesForVintage(vintageID string) ([]PriceEntry, error) {
	rows, err := r.db.Query(
		`SELECT vintage_id, supplier_id, price_per_bottle, availability_status, last_updated
		 FROM price_book WHERE vintage_id = ? ORDER BY price_per_bottle`,
		vintageID,
	)
	if err != nil {
		return nil, apperrors.Database("failed to query price book", err)
	}
	defer rows.Close()

	var entries []PriceEntry
	for rows.Next() {
		var e PriceEntry
		if err := rows.Scan(&e.VintageID, &e.SupplierID, &e.PricePerBottle, &e.Availability, &e.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan price entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// BestOffer returns the cheapest in-stock or limited offer from an active
// supplier, or nil when the vintage cannot currently be bought.
func (r *SupplierRepository) BestOffer(vintageID string) (*PriceEntry, error) {
	var e PriceEntry
	err := r.db.QueryRow(
		`SELECT p.vintage_id, p.supplier_id, p.price_per_bottle, p.availability_status, p.last_updated
		 FROM price_book p
		 JOIN suppliers s ON s.id = p.supplier_id AND s.active = 1
		 WHERE p.vintage_id = ? AND p.availability_status IN (?, ?)
		 ORDER BY p.price_per_bottle LIMIT 1`,
		vintageID, AvailabilityInStock, AvailabilityLimited,
	).Scan(&e.VintageID, &e.SupplierID, &e.PricePerBottle, &e.Availability, &e.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Database("failed to query best offer", err)
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
