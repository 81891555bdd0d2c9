package explain

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE explanations (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type  TEXT NOT NULL CHECK (entity_type IN
			             ('pairing_recommendation','procurement','weather','vintage_adjustment')),
			entity_id    TEXT NOT NULL,
			summary      TEXT NOT NULL,
			factors_json TEXT NOT NULL DEFAULT '[]',
			actor_role   TEXT NOT NULL DEFAULT 'system',
			created_at   TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`)
	require.NoError(t, err)

	return db
}

func TestRecordAndForEntity(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	require.NoError(t, repo.Record(EntityWeather, "burgundy:2019", "Provider failed", []string{"api_error"}))
	require.NoError(t, repo.Record(EntityWeather, "burgundy:2019", "Served regional data", []string{"regional_cache_fallback"}))

	list, err := repo.ForEntity(EntityWeather, "burgundy:2019")
	require.NoError(t, err)
	require.Len(t, list, 2)

	// Newest first.
	assert.Equal(t, []string{"regional_cache_fallback"}, list[0].Factors)
	assert.Equal(t, []string{"api_error"}, list[1].Factors)
	assert.Equal(t, "system", list[0].ActorRole)
}

func TestRecordNilFactors(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	require.NoError(t, repo.Record(EntityVintage, "v-1", "No adjustment applied", nil))

	list, err := repo.ForEntity(EntityVintage, "v-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{}, list[0].Factors)
}

func TestRecordRejectsUnknownEntityType(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	assert.Error(t, repo.Record("bogus", "x", "y", nil))
}

func TestRecordTx(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, repo.RecordTx(tx, EntityPairing, "rec-1", "Scored by weighted facets", []string{"ripeness", "acidity"}))
	require.NoError(t, tx.Commit())

	list, err := repo.ForEntity(EntityPairing, "rec-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestRecent(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Record(EntityProcurement, "p-1", "Procurement note", nil))
	}

	list, err := repo.Recent(3)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}
