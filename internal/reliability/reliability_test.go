package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/cellar/internal/database"
)

type memoryStore struct {
	objects map[string][]byte
	deleted []string
	failUpload bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: make(map[string][]byte)}
}

func (m *memoryStore) Upload(ctx context.Context, key string, body io.Reader) error {
	if m.failUpload {
		return fmt.Errorf("bucket unreachable")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memoryStore) List(ctx context.Context, prefix string) ([]StoredObject, error) {
	var out []StoredObject
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, StoredObject{Key: key, SizeBytes: int64(len(data))})
		}
	}
	return out, nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func testDatabases(t *testing.T) map[string]*database.DB {
	t.Helper()
	dir := t.TempDir()

	dbs := make(map[string]*database.DB)
	for _, name := range []string{"cellar", "ledger"} {
		db, err := database.New(database.Config{
			Path: filepath.Join(dir, name+".db"),
			Name: name,
		})
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		_, err = db.Exec("CREATE TABLE entries (id INTEGER PRIMARY KEY, note TEXT)")
		require.NoError(t, err)
		_, err = db.Exec("INSERT INTO entries (note) VALUES ('a'), ('b')")
		require.NoError(t, err)
		dbs[name] = db
	}
	return dbs
}

func TestCreateAndUploadBackup(t *testing.T) {
	dbs := testDatabases(t)
	store := newMemoryStore()
	svc := NewBackupService(dbs, store, t.TempDir(), zerolog.Nop())

	require.NoError(t, svc.CreateAndUploadBackup(context.Background()))
	require.Len(t, store.objects, 1)

	var archiveName string
	var archive []byte
	for key, data := range store.objects {
		archiveName, archive = key, data
	}
	assert.True(t, strings.HasPrefix(archiveName, backupPrefix))
	assert.True(t, strings.HasSuffix(archiveName, ".tar.gz"))

	// The archive holds both snapshots plus the manifest.
	files := readArchive(t, archive)
	require.Len(t, files, 3)
	assert.Contains(t, files, "cellar.db")
	assert.Contains(t, files, "ledger.db")

	var metadata BackupMetadata
	require.NoError(t, json.Unmarshal(files["backup-metadata.json"], &metadata))
	require.Len(t, metadata.Databases, 2)
	for _, db := range metadata.Databases {
		assert.True(t, strings.HasPrefix(db.Checksum, "sha256:"))
		assert.Greater(t, db.SizeBytes, int64(0))
	}
}

func TestBackupUploadFailureSurfaces(t *testing.T) {
	dbs := testDatabases(t)
	store := newMemoryStore()
	store.failUpload = true
	svc := NewBackupService(dbs, store, t.TempDir(), zerolog.Nop())

	err := svc.CreateAndUploadBackup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload")
}

func TestListBackupsSortsNewestFirst(t *testing.T) {
	store := newMemoryStore()
	store.objects[backupPrefix+"2026-08-20-010000.tar.gz"] = []byte("old")
	store.objects[backupPrefix+"2026-08-23-010000.tar.gz"] = []byte("new")
	store.objects[backupPrefix+"garbage.tar.gz"] = []byte("skip")
	store.objects["unrelated.txt"] = []byte("skip")

	svc := NewBackupService(nil, store, t.TempDir(), zerolog.Nop())
	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)

	require.Len(t, backups, 2)
	assert.Equal(t, backupPrefix+"2026-08-23-010000.tar.gz", backups[0].Filename)
	assert.Equal(t, backupPrefix+"2026-08-20-010000.tar.gz", backups[1].Filename)
	assert.GreaterOrEqual(t, backups[1].AgeHours, backups[0].AgeHours)
}

func TestRotateOldBackupsKeepsNewestThree(t *testing.T) {
	store := newMemoryStore()
	now := time.Now()
	for i := 0; i < 6; i++ {
		stamp := now.AddDate(0, 0, -i*10).Format(backupTimeLayout)
		store.objects[backupPrefix+stamp+".tar.gz"] = []byte("x")
	}

	svc := NewBackupService(nil, store, t.TempDir(), zerolog.Nop())
	require.NoError(t, svc.RotateOldBackups(context.Background(), 14))

	// Backups at -30, -40 and -50 days are past retention; the newest three
	// survive regardless.
	assert.Len(t, store.deleted, 3)
	assert.Len(t, store.objects, 3)
}

func TestRotateKeepsEverythingWithoutRetention(t *testing.T) {
	store := newMemoryStore()
	now := time.Now()
	for i := 0; i < 5; i++ {
		stamp := now.AddDate(0, 0, -i*100).Format(backupTimeLayout)
		store.objects[backupPrefix+stamp+".tar.gz"] = []byte("x")
	}

	svc := NewBackupService(nil, store, t.TempDir(), zerolog.Nop())
	require.NoError(t, svc.RotateOldBackups(context.Background(), 0))
	assert.Empty(t, store.deleted)
}

func TestDailyMaintenanceCheckpointsAllDatabases(t *testing.T) {
	dbs := testDatabases(t)
	svc := NewMaintenanceService(dbs, zerolog.Nop())

	require.NoError(t, svc.RunDaily())
}

func TestWeeklyMaintenanceSkipsLedger(t *testing.T) {
	dbs := testDatabases(t)
	svc := NewMaintenanceService(dbs, zerolog.Nop())

	// Vacuum runs on cellar and silently skips ledger; both stay healthy.
	require.NoError(t, svc.RunWeekly())

	ctx := context.Background()
	for _, db := range dbs {
		require.NoError(t, db.HealthCheck(ctx))
	}
}

func readArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[header.Name] = content
	}
	return files
}
