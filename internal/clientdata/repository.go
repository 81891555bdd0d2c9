// Package clientdata provides persistent caching for external client data.
// Weather payloads and idempotency records are stored as JSON blobs with
// expiration timestamps for cache-first behavior.
package clientdata

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Repository provides cache operations against the cache database.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new client data repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// WeatherKey builds the canonical weather cache key.
// Layout: weather:alias:<vineyardOrRegion>:<year>
func WeatherKey(vineyardOrRegion string, year int) string {
	return fmt.Sprintf("weather:alias:%s:%d", vineyardOrRegion, year)
}

// StoreWeather saves a processed weather payload with expiration = now + ttl.
// Uses INSERT OR REPLACE so refreshes upsert in place.
func (r *Repository) StoreWeather(region string, year int, alias string, data interface{}, ttl time.Duration) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal weather payload: %w", err)
	}

	keyed := region
	if alias != "" {
		keyed = alias
	}
	now := time.Now().Unix()

	_, err = r.db.Exec(
		`INSERT OR REPLACE INTO weather_cache (cache_key, region, year, alias, data, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		WeatherKey(keyed, year), region, year, alias, string(jsonData), time.Now().Add(ttl).Unix(), now,
	)
	if err != nil {
		return fmt.Errorf("failed to store weather payload: %w", err)
	}

	return nil
}

// GetWeatherIfFresh returns the payload for the exact key only if
// expires_at > now. Returns nil, nil on miss or expiry; use GetWeather for
// the stale fallback.
func (r *Repository) GetWeatherIfFresh(vineyardOrRegion string, year int) (json.RawMessage, error) {
	var data string
	err := r.db.QueryRow(
		"SELECT data FROM weather_cache WHERE cache_key = ? AND expires_at > ?",
		WeatherKey(vineyardOrRegion, year), time.Now().Unix(),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get weather payload: %w", err)
	}
	return json.RawMessage(data), nil
}

// GetWeather returns the payload regardless of expiration status.
// Stale data is better than no data when the upstream is down.
func (r *Repository) GetWeather(vineyardOrRegion string, year int) (json.RawMessage, error) {
	var data string
	err := r.db.QueryRow(
		"SELECT data FROM weather_cache WHERE cache_key = ?",
		WeatherKey(vineyardOrRegion, year),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get weather payload: %w", err)
	}
	return json.RawMessage(data), nil
}

// GetRegionalWeather returns any fresh payload for (region, year) regardless
// of vineyard alias. This is the regional fallback when an alias-specific
// entry is missing.
func (r *Repository) GetRegionalWeather(region string, year int) (json.RawMessage, error) {
	var data string
	err := r.db.QueryRow(
		"SELECT data FROM weather_cache WHERE region = ? AND year = ? AND expires_at > ? ORDER BY created_at DESC LIMIT 1",
		region, year, time.Now().Unix(),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get regional weather payload: %w", err)
	}
	return json.RawMessage(data), nil
}

// DeleteWeather removes a specific weather entry (explicit refresh).
func (r *Repository) DeleteWeather(vineyardOrRegion string, year int) error {
	_, err := r.db.Exec("DELETE FROM weather_cache WHERE cache_key = ?", WeatherKey(vineyardOrRegion, year))
	if err != nil {
		return fmt.Errorf("failed to delete weather payload: %w", err)
	}
	return nil
}

// StoreIdempotentResult records the result of a mutating capability under
// (capability, key, actor). The first writer wins; replays read the stored
// result instead of re-executing.
func (r *Repository) StoreIdempotentResult(capability, key, actor string, result interface{}, ttl time.Duration) error {
	jsonData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotent result: %w", err)
	}

	now := time.Now().Unix()
	_, err = r.db.Exec(
		`INSERT OR IGNORE INTO idempotency_keys (capability, idem_key, actor, result_json, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		capability, key, actor, string(jsonData), now, time.Now().Add(ttl).Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store idempotent result: %w", err)
	}
	return nil
}

// GetIdempotentResult returns the stored result for a replayed request, or
// nil, nil when the key is unknown or expired.
func (r *Repository) GetIdempotentResult(capability, key, actor string) (json.RawMessage, error) {
	var data string
	err := r.db.QueryRow(
		"SELECT result_json FROM idempotency_keys WHERE capability = ? AND idem_key = ? AND actor = ? AND expires_at > ?",
		capability, key, actor, time.Now().Unix(),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotent result: %w", err)
	}
	return json.RawMessage(data), nil
}

// DeleteExpired removes all expired rows from both cache tables.
// Returns a map of table name to number of rows deleted.
func (r *Repository) DeleteExpired() (map[string]int64, error) {
	results := make(map[string]int64)
	now := time.Now().Unix()

	for _, table := range []string{"weather_cache", "idempotency_keys"} {
		result, err := r.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE expires_at < ?", table), now)
		if err != nil {
			return results, fmt.Errorf("failed to delete expired from %s: %w", table, err)
		}
		deleted, err := result.RowsAffected()
		if err != nil {
			return results, fmt.Errorf("failed to get rows affected for %s: %w", table, err)
		}
		results[table] = deleted
	}

	return results, nil
}
