package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ralph/internal/db/driver"
)

func TestOpenInMemory(t *testing.T) {
	d, err := OpenInMemory()
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, ":memory:", d.Path())
	assert.Equal(t, driver.DialectSQLite, d.Dialect())
}

func TestMigrate(t *testing.T) {
	d, err := OpenInMemory()
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Migrate())

	// Migrations are recorded and idempotent.
	require.NoError(t, d.Migrate())

	for _, table := range []string{"tasks", "runs", "idempotency", "snapshots", "token_totals", "event_log"} {
		var name string
		err := d.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := t.TempDir() + "/nested/dir/ralph.db"
	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Migrate())
}
