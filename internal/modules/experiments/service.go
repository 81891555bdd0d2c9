package experiments

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/apperrors"
	"github.com/aristath/cellar/internal/database"
)

const (
	maxEventBatch      = 100
	allocationEpsilon  = 0.01
	ingestQueueSize    = 1024
	ingestRetries      = 3
	ingestRetryBackoff = 200 * time.Millisecond
)

// Service owns the experimentation tables in the learning database.
type Service struct {
	db     *sql.DB
	log    zerolog.Logger
	ingest chan []Event
	done   chan struct{}
}

// NewService creates the experiments service and starts its background
// event ingester. Call Stop to drain it.
func NewService(db *sql.DB, log zerolog.Logger) *Service {
	s := &Service{
		db:     db,
		log:    log.With().Str("service", "experiments").Logger(),
		ingest: make(chan []Event, ingestQueueSize),
		done:   make(chan struct{}),
	}
	go s.ingestLoop()
	return s
}

// Stop drains the ingest queue and stops the background worker.
func (s *Service) Stop() {
	close(s.ingest)
	<-s.done
}

// CreateInput describes a new experiment with its variants.
type CreateInput struct {
	Name             string         `json:"name"`
	TargetMetric     string         `json:"target_metric"`
	GuardrailMetrics []string       `json:"guardrail_metrics"`
	AllocationUnit   string         `json:"allocation_unit"`
	Variants         []VariantInput `json:"variants"`
}

// VariantInput describes one arm at creation time.
type VariantInput struct {
	Name          string                 `json:"name"`
	IsControl     bool                   `json:"is_control"`
	AllocationPct float64                `json:"allocation_pct"`
	Config        map[string]interface{} `json:"config,omitempty"`
}

// Create inserts a draft experiment with its variants.
func (s *Service) Create(ctx context.Context, input *CreateInput) (*Experiment, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, apperrors.Validation("experiment name is required")
	}
	unit := input.AllocationUnit
	if unit == "" {
		unit = AllocationUser
	}
	if unit != AllocationUser && unit != AllocationSession {
		return nil, apperrors.Validation("unknown allocation unit: %s", unit)
	}

	id := uuid.New().String()
	guardrails, err := json.Marshal(nonNil(input.GuardrailMetrics))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal guardrails: %w", err)
	}

	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO experiments (id, name, target_metric, guardrail_metrics_json, allocation_unit)
			VALUES (?, ?, ?, ?, ?)`,
			id, strings.TrimSpace(input.Name), input.TargetMetric, string(guardrails), unit)
		if err != nil {
			if isUniqueViolation(err) {
				return apperrors.Conflict("experiment already exists: %s", input.Name)
			}
			return fmt.Errorf("failed to insert experiment: %w", err)
		}

		for _, v := range input.Variants {
			config, err := json.Marshal(v.Config)
			if err != nil {
				return fmt.Errorf("failed to marshal variant config: %w", err)
			}
			if v.Config == nil {
				config = []byte("{}")
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO experiment_variants (id, experiment_id, name, is_control, allocation_pct, config_json)
				VALUES (?, ?, ?, ?, ?, ?)`,
				uuid.New().String(), id, v.Name, boolToInt(v.IsControl), v.AllocationPct, string(config))
			if err != nil {
				if isUniqueViolation(err) {
					return apperrors.Conflict("duplicate variant name: %s", v.Name)
				}
				return fmt.Errorf("failed to insert variant: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("experiment_id", id).Str("name", input.Name).Msg("Created experiment")
	return s.Get(ctx, id)
}

// Get loads an experiment with its variants.
func (s *Service) Get(ctx context.Context, id string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, target_metric, guardrail_metrics_json, allocation_unit,
		       COALESCE(start_date, ''), COALESCE(end_date, ''), COALESCE(winner_variant_id, ''),
		       conclusion, created_at, updated_at
		FROM experiments WHERE id = ?`, id)

	var exp Experiment
	var guardrails string
	err := row.Scan(&exp.ID, &exp.Name, &exp.Status, &exp.TargetMetric, &guardrails, &exp.AllocationUnit,
		&exp.StartDate, &exp.EndDate, &exp.WinnerVariantID, &exp.Conclusion, &exp.CreatedAt, &exp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("experiment not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment: %w", err)
	}
	if err := json.Unmarshal([]byte(guardrails), &exp.GuardrailMetrics); err != nil {
		exp.GuardrailMetrics = nil
	}

	variants, err := s.variants(ctx, id)
	if err != nil {
		return nil, err
	}
	exp.Variants = variants
	return &exp, nil
}

// List returns all experiments, optionally filtered by status.
func (s *Service) List(ctx context.Context, status string) ([]Experiment, error) {
	query := `SELECT id FROM experiments`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan experiment id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Experiment, 0, len(ids))
	for _, id := range ids {
		exp, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *exp)
	}
	return out, nil
}

// variants returns the arms in a stable order: control first, then by name.
func (s *Service) variants(ctx context.Context, experimentID string) ([]Variant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, experiment_id, name, is_control, allocation_pct, config_json
		FROM experiment_variants WHERE experiment_id = ?
		ORDER BY is_control DESC, name`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load variants: %w", err)
	}
	defer rows.Close()

	var out []Variant
	for rows.Next() {
		var v Variant
		var control int
		if err := rows.Scan(&v.ID, &v.ExperimentID, &v.Name, &control, &v.AllocationPct, &v.ConfigJSON); err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		v.IsControl = control != 0
		out = append(out, v)
	}
	return out, rows.Err()
}

// Start transitions draft or paused to running after validating the arms.
// Starting a running experiment is a no-op.
func (s *Service) Start(ctx context.Context, id string) (*Experiment, error) {
	exp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch exp.Status {
	case StatusRunning:
		return exp, nil
	case StatusDraft, StatusPaused:
	default:
		return nil, apperrors.Conflict("cannot start experiment in status %s", exp.Status)
	}

	if err := validateArms(exp.Variants); err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE experiments SET status = ?, start_date = COALESCE(start_date, datetime('now')), updated_at = datetime('now')
		WHERE id = ?`, StatusRunning, id)
	if err != nil {
		return nil, fmt.Errorf("failed to start experiment: %w", err)
	}
	s.log.Info().Str("experiment_id", id).Msg("Started experiment")
	return s.Get(ctx, id)
}

// Pause transitions running to paused. Pausing a paused experiment is a
// no-op.
func (s *Service) Pause(ctx context.Context, id string) (*Experiment, error) {
	return s.transition(ctx, id, StatusPaused, map[string]bool{StatusRunning: true})
}

// Complete finishes the experiment, recording an optional winner and a
// conclusion.
func (s *Service) Complete(ctx context.Context, id, winnerVariantID, conclusion string) (*Experiment, error) {
	exp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status == StatusCompleted {
		return exp, nil
	}
	if exp.Status != StatusRunning && exp.Status != StatusPaused {
		return nil, apperrors.Conflict("cannot complete experiment in status %s", exp.Status)
	}

	if winnerVariantID != "" {
		found := false
		for _, v := range exp.Variants {
			if v.ID == winnerVariantID {
				found = true
				break
			}
		}
		if !found {
			return nil, apperrors.NotFound("variant not found: %s", winnerVariantID)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE experiments SET status = ?, winner_variant_id = ?, conclusion = ?,
		       end_date = datetime('now'), updated_at = datetime('now')
		WHERE id = ?`, StatusCompleted, nullableStr(winnerVariantID), conclusion, id)
	if err != nil {
		return nil, fmt.Errorf("failed to complete experiment: %w", err)
	}
	s.log.Info().Str("experiment_id", id).Str("winner", winnerVariantID).Msg("Completed experiment")
	return s.Get(ctx, id)
}

// Archive transitions completed to archived. Archiving twice is a no-op.
func (s *Service) Archive(ctx context.Context, id string) (*Experiment, error) {
	return s.transition(ctx, id, StatusArchived, map[string]bool{StatusCompleted: true})
}

func (s *Service) transition(ctx context.Context, id, target string, allowedFrom map[string]bool) (*Experiment, error) {
	exp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status == target {
		return exp, nil
	}
	if !allowedFrom[exp.Status] {
		return nil, apperrors.Conflict("cannot move experiment from %s to %s", exp.Status, target)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE experiments SET status = ?, updated_at = datetime('now') WHERE id = ?`, target, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update experiment status: %w", err)
	}
	return s.Get(ctx, id)
}

func validateArms(variants []Variant) error {
	if len(variants) < 2 {
		return apperrors.Validation("experiment needs at least 2 variants, got %d", len(variants))
	}
	controls := 0
	total := 0.0
	for _, v := range variants {
		if v.IsControl {
			controls++
		}
		total += v.AllocationPct
	}
	if controls != 1 {
		return apperrors.Validation("experiment needs exactly one control variant, got %d", controls)
	}
	if math.Abs(total-100) > allocationEpsilon {
		return apperrors.Validation("variant allocations must sum to 100, got %.2f", total)
	}
	return nil
}

// Assign returns the sticky variant for a unit, creating the assignment on
// first contact. Concurrent callers converge on a single stored row.
func (s *Service) Assign(ctx context.Context, experimentID, userID, sessionID string) (*Assignment, error) {
	unitID := userID
	if unitID == "" {
		unitID = sessionID
	}
	if unitID == "" {
		return nil, apperrors.Validation("either user_id or session_id is required")
	}

	exp, err := s.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.Status != StatusRunning {
		return nil, apperrors.Conflict("experiment is not running: %s", exp.Status)
	}

	if existing, err := s.assignment(ctx, experimentID, unitID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	variantID := pickVariant(exp.Variants, unitID, experimentID)

	// The primary key makes the first writer win; everyone re-reads the
	// stored row afterwards, so racing assigns converge.
	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO experiment_assignments (experiment_id, unit_id, variant_id)
			VALUES (?, ?, ?)
			ON CONFLICT(experiment_id, unit_id) DO NOTHING`,
			experimentID, unitID, variantID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store assignment: %w", err)
	}

	stored, err := s.assignment(ctx, experimentID, unitID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, apperrors.Newf(apperrors.CodeInternal, "assignment vanished for %s/%s", experimentID, unitID)
	}
	return stored, nil
}

func (s *Service) assignment(ctx context.Context, experimentID, unitID string) (*Assignment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT experiment_id, unit_id, variant_id, assigned_at
		FROM experiment_assignments WHERE experiment_id = ? AND unit_id = ?`,
		experimentID, unitID)

	var a Assignment
	err := row.Scan(&a.ExperimentID, &a.UnitID, &a.VariantID, &a.AssignedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load assignment: %w", err)
	}
	return &a, nil
}

// pickVariant hashes the unit into [0, 100) and walks the allocation
// intervals in stable variant order.
func pickVariant(variants []Variant, unitID, experimentID string) string {
	ordered := make([]Variant, len(variants))
	copy(ordered, variants)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].IsControl != ordered[j].IsControl {
			return ordered[i].IsControl
		}
		return ordered[i].Name < ordered[j].Name
	})

	h := fnv.New32a()
	h.Write([]byte(unitID))
	h.Write([]byte(experimentID))
	bucket := float64(h.Sum32()) / float64(math.MaxUint32) * 100

	cumulative := 0.0
	for _, v := range ordered {
		cumulative += v.AllocationPct
		if bucket < cumulative {
			return v.ID
		}
	}
	return ordered[len(ordered)-1].ID
}

// RecordEvents validates and inserts a batch synchronously. Duplicate
// events with a caller-supplied timestamp collapse via the dedup index.
func (s *Service) RecordEvents(ctx context.Context, batch []Event) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	if len(batch) > maxEventBatch {
		return 0, apperrors.Validation("event batch exceeds %d entries, got %d", maxEventBatch, len(batch))
	}
	for i := range batch {
		if err := validateEvent(&batch[i]); err != nil {
			return 0, err
		}
	}

	inserted := 0
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		for _, e := range batch {
			occurred := time.Now().UTC().Format(time.RFC3339Nano)
			if e.OccurredAt != nil {
				occurred = e.OccurredAt.UTC().Format(time.RFC3339)
			}
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO experiment_events
					(experiment_id, variant_id, user_id, event_type, value, context_json, occurred_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				e.ExperimentID, e.VariantID, e.UserID, e.EventType, e.Value,
				orDefault(e.ContextJSON, "{}"), occurred)
			if err != nil {
				return fmt.Errorf("failed to insert event: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// Enqueue hands a batch to the background ingester. Returns a validation
// error immediately for malformed batches; persistence is at-least-once.
func (s *Service) Enqueue(batch []Event) error {
	if len(batch) > maxEventBatch {
		return apperrors.Validation("event batch exceeds %d entries, got %d", maxEventBatch, len(batch))
	}
	for i := range batch {
		if err := validateEvent(&batch[i]); err != nil {
			return err
		}
	}

	select {
	case s.ingest <- batch:
		return nil
	default:
		// Queue full: ingest inline rather than dropping observations.
		_, err := s.RecordEvents(context.Background(), batch)
		return err
	}
}

func (s *Service) ingestLoop() {
	defer close(s.done)
	for batch := range s.ingest {
		var err error
		for attempt := 0; attempt < ingestRetries; attempt++ {
			if _, err = s.RecordEvents(context.Background(), batch); err == nil {
				break
			}
			time.Sleep(ingestRetryBackoff * time.Duration(attempt+1))
		}
		if err != nil {
			s.log.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to ingest event batch")
		}
	}
}

func validateEvent(e *Event) error {
	if e.ExperimentID == "" || e.VariantID == "" {
		return apperrors.Validation("experiment_id and variant_id are required")
	}
	switch e.EventType {
	case EventImpression, EventClick, EventConversion, EventRating:
		return nil
	default:
		return apperrors.Validation("unknown event type: %s", e.EventType)
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
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
