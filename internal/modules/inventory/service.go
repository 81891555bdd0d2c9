package inventory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/apperrors"
	"github.com/aristath/cellar/internal/database"
	"github.com/aristath/cellar/internal/events"
)

// Enricher is invoked after a receive commits, so newly stocked vintages
// pick up weather-derived quality signals. Errors never fail the receive.
type Enricher interface {
	EnrichOnReceive(ctx context.Context, vintageID string) error
}

// Service implements the inventory operations. All mutations run inside a
// transaction; sqlite serializes writers, so committed state never violates
// reserved <= quantity or available >= 0.
type Service struct {
	db       *sql.DB
	repo     *Repository
	bus      *events.Bus
	enricher Enricher
	log      zerolog.Logger
}

// NewService creates the inventory service. bus and enricher are optional.
func NewService(db *sql.DB, repo *Repository, bus *events.Bus, enricher Enricher, log zerolog.Logger) *Service {
	return &Service{
		db:       db,
		repo:     repo,
		bus:      bus,
		enricher: enricher,
		log:      log.With().Str("service", "inventory").Logger(),
	}
}

// Repo exposes read access for handlers.
func (s *Service) Repo() *Repository {
	return s.repo
}

// Receive adds bottles at a location, creating the stock row when absent.
// unitCost, when set, becomes the row's latest cost_per_bottle.
func (s *Service) Receive(ctx context.Context, vintageID, location string, qty int, unitCost *float64, referenceID, notes, actor string) (*ReceiveResult, error) {
	if qty <= 0 {
		return nil, apperrors.Validation("receive quantity must be positive, got %d", qty)
	}

	var stock *StockLevel
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO stock (vintage_id, location, quantity, reserved_quantity, cost_per_bottle, updated_at)
			 VALUES (?, ?, ?, 0, ?, datetime('now'))
			 ON CONFLICT (vintage_id, location) DO UPDATE SET
			   quantity = quantity + excluded.quantity,
			   cost_per_bottle = COALESCE(excluded.cost_per_bottle, stock.cost_per_bottle),
			   updated_at = excluded.updated_at`,
			vintageID, location, qty, unitCost,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert stock: %w", err)
		}

		if err := appendEntry(tx, &LedgerEntry{
			EntryType:   EntryIn,
			VintageID:   vintageID,
			Location:    location,
			Quantity:    qty,
			UnitCost:    unitCost,
			ReferenceID: referenceID,
			Notes:       notes,
			Actor:       actor,
		}); err != nil {
			return err
		}

		stock, err = getStockTx(tx, vintageID, location)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(events.InventoryItemAdded, stock, qty)

	result := &ReceiveResult{Stock: *stock}
	if s.enricher != nil {
		if err := s.enricher.EnrichOnReceive(ctx, vintageID); err != nil {
			s.log.Warn().Err(err).Str("vintage_id", vintageID).Msg("Post-receive enrichment failed")
			result.EnrichmentError = err.Error()
		}
	}
	return result, nil
}

// Consume removes bottles. qty = 0 is a valid no-op; consuming more than
// available fails with InsufficientStock and leaves no partial writes.
func (s *Service) Consume(ctx context.Context, vintageID, location string, qty int, notes, actor string) (*StockLevel, error) {
	if qty < 0 {
		return nil, apperrors.Validation("consume quantity must not be negative, got %d", qty)
	}
	if qty == 0 {
		stock, err := s.repo.GetStock(vintageID, location)
		if err != nil {
			return nil, err
		}
		if stock == nil {
			return nil, apperrors.NotFound("no stock for vintage %s at %s", vintageID, location)
		}
		return stock, nil
	}

	var stock *StockLevel
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		row, err := getStockTx(tx, vintageID, location)
		if err != nil {
			return err
		}
		if row == nil {
			return apperrors.NotFound("no stock for vintage %s at %s", vintageID, location)
		}
		if row.Available < qty {
			return apperrors.ErrInsufficientStock.WithDetail("available", row.Available).WithDetail("requested", qty)
		}

		if _, err := tx.Exec(
			"UPDATE stock SET quantity = quantity - ?, updated_at = datetime('now') WHERE vintage_id = ? AND location = ?",
			qty, vintageID, location,
		); err != nil {
			return fmt.Errorf("failed to decrement stock: %w", err)
		}

		if err := appendEntry(tx, &LedgerEntry{
			EntryType: EntryOut,
			VintageID: vintageID,
			Location:  location,
			Quantity:  qty,
			Notes:     notes,
			Actor:     actor,
		}); err != nil {
			return err
		}

		stock, err = getStockTx(tx, vintageID, location)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(events.InventoryItemConsumed, stock, qty)
	return stock, nil
}

// Move shifts bottles between locations atomically, appending one MOVE
// entry per leg linked by a correlation id. Moving to the same location is
// a no-op.
func (s *Service) Move(ctx context.Context, vintageID, from, to string, qty int, notes, actor string) (*StockLevel, error) {
	if qty <= 0 {
		return nil, apperrors.Validation("move quantity must be positive, got %d", qty)
	}
	if from == to {
		stock, err := s.repo.GetStock(vintageID, from)
		if err != nil {
			return nil, err
		}
		if stock == nil {
			return nil, apperrors.NotFound("no stock for vintage %s at %s", vintageID, from)
		}
		return stock, nil
	}

	correlationID := uuid.NewString()
	var dest *StockLevel
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		source, err := getStockTx(tx, vintageID, from)
		if err != nil {
			return err
		}
		if source == nil {
			return apperrors.NotFound("no stock for vintage %s at %s", vintageID, from)
		}
		if source.Available < qty {
			return apperrors.ErrInsufficientStock.WithDetail("available", source.Available).WithDetail("requested", qty)
		}

		if _, err := tx.Exec(
			"UPDATE stock SET quantity = quantity - ?, updated_at = datetime('now') WHERE vintage_id = ? AND location = ?",
			qty, vintageID, from,
		); err != nil {
			return fmt.Errorf("failed to decrement source stock: %w", err)
		}

		if _, err := tx.Exec(
			`INSERT INTO stock (vintage_id, location, quantity, reserved_quantity, cost_per_bottle, updated_at)
			 VALUES (?, ?, ?, 0, ?, datetime('now'))
			 ON CONFLICT (vintage_id, location) DO UPDATE SET
			   quantity = quantity + excluded.quantity,
			   updated_at = excluded.updated_at`,
			vintageID, to, qty, source.CostPerBottle,
		); err != nil {
			return fmt.Errorf("failed to increment destination stock: %w", err)
		}

		outLeg := &LedgerEntry{
			EntryType: EntryMove, VintageID: vintageID, Location: from, ToLocation: to,
			Quantity: qty, CorrelationID: correlationID, Notes: notes, Actor: actor,
		}
		inLeg := &LedgerEntry{
			EntryType: EntryMove, VintageID: vintageID, Location: to,
			Quantity: qty, CorrelationID: correlationID, Notes: notes, Actor: actor,
		}
		if err := appendEntry(tx, outLeg); err != nil {
			return err
		}
		if err := appendEntry(tx, inLeg); err != nil {
			return err
		}

		dest, err = getStockTx(tx, vintageID, to)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(events.InventoryItemMoved, dest, qty)
	return dest, nil
}

// Reserve earmarks bottles without removing them. Reservations can never
// exceed on-hand quantity.
func (s *Service) Reserve(ctx context.Context, vintageID, location string, qty int, notes, actor string) (*StockLevel, error) {
	if qty <= 0 {
		return nil, apperrors.Validation("reserve quantity must be positive, got %d", qty)
	}

	var stock *StockLevel
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		row, err := getStockTx(tx, vintageID, location)
		if err != nil {
			return err
		}
		if row == nil {
			return apperrors.NotFound("no stock for vintage %s at %s", vintageID, location)
		}
		if row.Available < qty {
			return apperrors.ErrInsufficientStock.WithDetail("available", row.Available).WithDetail("requested", qty)
		}

		if _, err := tx.Exec(
			"UPDATE stock SET reserved_quantity = reserved_quantity + ?, updated_at = datetime('now') WHERE vintage_id = ? AND location = ?",
			qty, vintageID, location,
		); err != nil {
			return fmt.Errorf("failed to reserve stock: %w", err)
		}

		if err := appendEntry(tx, &LedgerEntry{
			EntryType: EntryReserve,
			VintageID: vintageID,
			Location:  location,
			Quantity:  qty,
			Notes:     notes,
			Actor:     actor,
		}); err != nil {
			return err
		}

		stock, err = getStockTx(tx, vintageID, location)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(events.InventoryItemReserved, stock, qty)
	return stock, nil
}

// Unreserve releases previously reserved bottles.
func (s *Service) Unreserve(ctx context.Context, vintageID, location string, qty int, notes, actor string) (*StockLevel, error) {
	if qty <= 0 {
		return nil, apperrors.Validation("unreserve quantity must be positive, got %d", qty)
	}

	var stock *StockLevel
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		row, err := getStockTx(tx, vintageID, location)
		if err != nil {
			return err
		}
		if row == nil {
			return apperrors.NotFound("no stock for vintage %s at %s", vintageID, location)
		}
		if row.Reserved < qty {
			return apperrors.Validation("cannot unreserve %d, only %d reserved", qty, row.Reserved)
		}

		if _, err := tx.Exec(
			"UPDATE stock SET reserved_quantity = reserved_quantity - ?, updated_at = datetime('now') WHERE vintage_id = ? AND location = ?",
			qty, vintageID, location,
		); err != nil {
			return fmt.Errorf("failed to unreserve stock: %w", err)
		}

		if err := appendEntry(tx, &LedgerEntry{
			EntryType: EntryUnreserve,
			VintageID: vintageID,
			Location:  location,
			Quantity:  qty,
			Notes:     notes,
			Actor:     actor,
		}); err != nil {
			return err
		}

		stock, err = getStockTx(tx, vintageID, location)
		return err
	})
	if err != nil {
		return nil, err
	}

	return stock, nil
}

func (s *Service) publish(eventType events.EventType, stock *StockLevel, qty int) {
	if s.bus == nil || stock == nil {
		return
	}
	s.bus.Publish(eventType, map[string]interface{}{
		"vintage_id": stock.VintageID,
		"location":   stock.Location,
		"quantity":   stock.Quantity,
		"reserved":   stock.Reserved,
		"available":  stock.Available,
		"delta":      qty,
	})
}
