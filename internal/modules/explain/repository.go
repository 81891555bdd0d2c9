// Package explain stores append-only provenance records. Every degraded
// fetch, score adjustment and recommendation writes an explanation so the
// answer to "why is this here" survives the request that produced it.
package explain

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Entity types accepted by the explanations table.
const (
	EntityPairing     = "pairing_recommendation"
	EntityProcurement = "procurement"
	EntityWeather     = "weather"
	EntityVintage     = "vintage_adjustment"
)

// Explanation is one provenance record.
type Explanation struct {
	ID         int64    `json:"id"`
	EntityType string   `json:"entity_type"`
	EntityID   string   `json:"entity_id"`
	Summary    string   `json:"summary"`
	Factors    []string `json:"factors"`
	ActorRole  string   `json:"actor_role"`
	CreatedAt  string   `json:"created_at"`
}

// Repository provides append and read access to explanations.
// Records are never updated or deleted.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new explanations repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Record appends an explanation with the default system actor.
func (r *Repository) Record(entityType, entityID, summary string, factors []string) error {
	return r.RecordAs(entityType, entityID, summary, factors, "system")
}

// RecordAs appends an explanation attributed to a specific actor role.
func (r *Repository) RecordAs(entityType, entityID, summary string, factors []string, actorRole string) error {
	if factors == nil {
		factors = []string{}
	}
	factorsJSON, err := json.Marshal(factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	_, err = r.db.Exec(
		`INSERT INTO explanations (entity_type, entity_id, summary, factors_json, actor_role)
		 VALUES (?, ?, ?, ?, ?)`,
		entityType, entityID, summary, string(factorsJSON), actorRole,
	)
	if err != nil {
		return fmt.Errorf("failed to record explanation: %w", err)
	}
	return nil
}

// RecordTx appends an explanation inside an existing transaction, for
// callers that persist a recommendation and its provenance atomically.
func (r *Repository) RecordTx(tx *sql.Tx, entityType, entityID, summary string, factors []string) error {
	if factors == nil {
		factors = []string{}
	}
	factorsJSON, err := json.Marshal(factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO explanations (entity_type, entity_id, summary, factors_json, actor_role)
		 VALUES (?, ?, ?, ?, 'system')`,
		entityType, entityID, summary, string(factorsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to record explanation: %w", err)
	}
	return nil
}

// ForEntity returns explanations for one entity, newest first.
func (r *Repository) ForEntity(entityType, entityID string) ([]Explanation, error) {
	rows, err := r.db.Query(
		`SELECT id, entity_type, entity_id, summary, factors_json, actor_role, created_at
		 FROM explanations
		 WHERE entity_type = ? AND entity_id = ?
		 ORDER BY id DESC`,
		entityType, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query explanations: %w", err)
	}
	defer rows.Close()

	return scanExplanations(rows)
}

// Recent returns the latest explanations across all entities, capped at
// limit.
func (r *Repository) Recent(limit int) ([]Explanation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(
		`SELECT id, entity_type, entity_id, summary, factors_json, actor_role, created_at
		 FROM explanations
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query explanations: %w", err)
	}
	defer rows.Close()

	return scanExplanations(rows)
}

func scanExplanations(rows *sql.Rows) ([]Explanation, error) {
	var out []Explanation
	for rows.Next() {
		var e Explanation
		var factorsJSON string
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Summary, &factorsJSON, &e.ActorRole, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan explanation: %w", err)
		}
		if err := json.Unmarshal([]byte(factorsJSON), &e.Factors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal factors: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
