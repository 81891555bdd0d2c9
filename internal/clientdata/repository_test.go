package clientdata

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE weather_cache (
			cache_key  TEXT PRIMARY KEY,
			region     TEXT NOT NULL,
			year       INTEGER NOT NULL,
			alias      TEXT NOT NULL DEFAULT '',
			data       TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE idempotency_keys (
			capability  TEXT NOT NULL,
			idem_key    TEXT NOT NULL,
			actor       TEXT NOT NULL,
			result_json TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL,
			PRIMARY KEY (capability, idem_key, actor)
		);
	`)
	require.NoError(t, err)

	return db
}

type payload struct {
	Score float64 `json:"score"`
}

func TestWeatherKey(t *testing.T) {
	assert.Equal(t, "weather:alias:burgundy:2019", WeatherKey("burgundy", 2019))
}

func TestStoreAndGetWeatherIfFresh(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	require.NoError(t, repo.StoreWeather("burgundy", 2019, "", payload{Score: 91}, TTLWeather))

	data, err := repo.GetWeatherIfFresh("burgundy", 2019)
	require.NoError(t, err)
	require.NotNil(t, data)

	var p payload
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, 91.0, p.Score)
}

func TestGetWeatherIfFreshSkipsExpired(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	require.NoError(t, repo.StoreWeather("burgundy", 2019, "", payload{Score: 91}, -time.Hour))

	data, err := repo.GetWeatherIfFresh("burgundy", 2019)
	require.NoError(t, err)
	assert.Nil(t, data)

	// The stale read still returns it.
	stale, err := repo.GetWeather("burgundy", 2019)
	require.NoError(t, err)
	assert.NotNil(t, stale)
}

func TestAliasEntryKeyedByAlias(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	require.NoError(t, repo.StoreWeather("burgundy", 2019, "clos-de-tart", payload{Score: 95}, TTLWeather))

	data, err := repo.GetWeatherIfFresh("clos-de-tart", 2019)
	require.NoError(t, err)
	assert.NotNil(t, data)

	// Region-keyed lookup misses, but the regional fallback finds it.
	data, err = repo.GetWeatherIfFresh("burgundy", 2019)
	require.NoError(t, err)
	assert.Nil(t, data)

	regional, err := repo.GetRegionalWeather("burgundy", 2019)
	require.NoError(t, err)
	assert.NotNil(t, regional)
}

func TestIdempotentResultFirstWriterWins(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	require.NoError(t, repo.StoreIdempotentResult("inventory_receive", "key-1234567890abcdef", "crew", map[string]int{"quantity": 12}, TTLIdempotency))
	require.NoError(t, repo.StoreIdempotentResult("inventory_receive", "key-1234567890abcdef", "crew", map[string]int{"quantity": 99}, TTLIdempotency))

	data, err := repo.GetIdempotentResult("inventory_receive", "key-1234567890abcdef", "crew")
	require.NoError(t, err)
	require.NotNil(t, data)

	var result map[string]int
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, 12, result["quantity"], "replayed store must not overwrite the original result")
}

func TestIdempotentResultScopedByActor(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	require.NoError(t, repo.StoreIdempotentResult("inventory_receive", "key-1234567890abcdef", "crew", 1, TTLIdempotency))

	data, err := repo.GetIdempotentResult("inventory_receive", "key-1234567890abcdef", "admin")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestDeleteExpired(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)

	require.NoError(t, repo.StoreWeather("burgundy", 2018, "", payload{}, -time.Hour))
	require.NoError(t, repo.StoreWeather("burgundy", 2019, "", payload{}, time.Hour))
	require.NoError(t, repo.StoreIdempotentResult("t", "key-1234567890abcdef", "crew", 1, -time.Hour))

	results, err := repo.DeleteExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(1), results["weather_cache"])
	assert.Equal(t, int64(1), results["idempotency_keys"])

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM weather_cache").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestCleanupJob(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	job := NewCleanupJob(repo, zerolog.Nop())

	assert.Equal(t, "client_data_cleanup", job.Name())

	require.NoError(t, repo.StoreWeather("rhone", 2017, "", payload{}, -time.Hour))
	require.NoError(t, job.Run())

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM weather_cache").Scan(&count))
	assert.Equal(t, 0, count)
}
