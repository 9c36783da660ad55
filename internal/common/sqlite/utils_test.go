package sqlite

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "utils.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE events (job_id TEXT NOT NULL, seq INTEGER NOT NULL)`)
	require.NoError(t, err)
	return db
}

func TestEnsureDir_CreatesNestedParents(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "a", "b", "worker.db")

	require.NoError(t, EnsureDir(dbPath))
	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Relative paths without a parent are a no-op.
	require.NoError(t, EnsureDir("worker.db"))
}

func TestEnsureFile_Idempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "worker.db")

	require.NoError(t, EnsureFile(dbPath))
	require.NoError(t, os.WriteFile(dbPath, []byte("data"), 0o644))

	// A second call must not truncate the file.
	require.NoError(t, EnsureFile(dbPath))
	raw, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.Equal(t, "data", string(raw))
}

func TestEnsureColumn_AddsMissingColumn(t *testing.T) {
	db := openTestDB(t)

	exists, err := ColumnExists(db, "events", "external_key")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, EnsureColumn(db, "events", "external_key", "TEXT"))

	exists, err = ColumnExists(db, "events", "external_key")
	require.NoError(t, err)
	assert.True(t, exists)

	// Idempotent on a migrated database.
	require.NoError(t, EnsureColumn(db, "events", "external_key", "TEXT"))

	_, err = db.Exec(`INSERT INTO events (job_id, seq, external_key) VALUES ('j1', 0, 'k1')`)
	require.NoError(t, err)
}
