package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "migrations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAll_OrderedByVersion(t *testing.T) {
	migrations, err := All()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(migrations), 2)

	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
	assert.Equal(t, 1, migrations[0].Version)
	assert.Contains(t, migrations[0].SQL, "offline_actions")
}

func TestApply_CreatesTablesAndRecordsVersion(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, Apply(ctx, db))

	for _, table := range []string{"offline_actions", "dead_letters", "schema_migrations"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}

	all, err := All()
	require.NoError(t, err)
	version, err := CurrentVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, all[len(all)-1].Version, version)
}

func TestApply_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, Apply(ctx, db))
	require.NoError(t, Apply(ctx, db))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	all, _ := All()
	assert.Equal(t, len(all), count)
}
