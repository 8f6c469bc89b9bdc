package migrate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salonkit/salonsync/internal/events"
	"github.com/salonkit/salonsync/internal/models"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "migrate_test.db")
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tableMigration(version int64, name, table string) Migration {
	return Migration{
		Version: version,
		Name:    name,
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE ` + table + ` (id TEXT PRIMARY KEY)`)
			return err
		},
		Down: func(tx *sql.Tx) error {
			_, err := tx.Exec(`DROP TABLE ` + table)
			return err
		},
	}
}

func TestApplyPendingInOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// Deliberately shuffled; the runner must sort.
	runner, err := NewRunner(db, []Migration{
		tableMigration(3, "add_c", "c"),
		tableMigration(1, "add_a", "a"),
		tableMigration(2, "add_b", "b"),
	}, events.Discard())
	require.NoError(t, err)

	applied, err := runner.ApplyPending(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 3)
	assert.Equal(t, int64(1), applied[0].Version)
	assert.Equal(t, int64(2), applied[1].Version)
	assert.Equal(t, int64(3), applied[2].Version)

	current, err := runner.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), current)

	for _, table := range []string{"a", "b", "c"} {
		_, err := db.Exec(`INSERT INTO ` + table + ` (id) VALUES ('x')`)
		assert.NoError(t, err, "table %s should exist", table)
	}
}

func TestApplyPendingIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	migrations := []Migration{tableMigration(1, "add_a", "a")}
	runner, err := NewRunner(db, migrations, events.Discard())
	require.NoError(t, err)

	applied, err := runner.ApplyPending(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 1)

	applied, err = runner.ApplyPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied, "second run must be a no-op")
}

func TestApplyPendingResumesFromHead(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	runner, err := NewRunner(db, []Migration{
		tableMigration(1, "add_a", "a"),
	}, events.Discard())
	require.NoError(t, err)
	_, err = runner.ApplyPending(ctx)
	require.NoError(t, err)

	// New release ships version 2.
	runner, err = NewRunner(db, []Migration{
		tableMigration(1, "add_a", "a"),
		tableMigration(2, "add_b", "b"),
	}, events.Discard())
	require.NoError(t, err)

	applied, err := runner.ApplyPending(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, int64(2), applied[0].Version)
}

func TestApplyPendingStopsOnFailure(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	boom := errors.New("broken migration")
	runner, err := NewRunner(db, []Migration{
		tableMigration(1, "add_a", "a"),
		{
			Version: 2,
			Name:    "explode",
			Up:      func(tx *sql.Tx) error { return boom },
			Down:    func(tx *sql.Tx) error { return nil },
		},
		tableMigration(3, "add_c", "c"),
	}, events.Discard())
	require.NoError(t, err)

	applied, err := runner.ApplyPending(ctx)
	require.Error(t, err)

	var migErr *models.MigrationError
	require.ErrorAs(t, err, &migErr)
	assert.Equal(t, int64(2), migErr.Version)
	assert.ErrorIs(t, err, boom)

	// Version 1 landed, 2 rolled back, 3 never ran.
	require.Len(t, applied, 1)
	current, err := runner.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)

	_, err = db.Exec(`INSERT INTO c (id) VALUES ('x')`)
	assert.Error(t, err, "migration 3 must not have run")
}

func TestVersionBelowHeadRejected(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	runner, err := NewRunner(db, []Migration{
		tableMigration(1, "add_a", "a"),
		tableMigration(3, "add_c", "c"),
	}, events.Discard())
	require.NoError(t, err)
	_, err = runner.ApplyPending(ctx)
	require.NoError(t, err)

	// A later release introduces version 2, below the applied head.
	runner, err = NewRunner(db, []Migration{
		tableMigration(1, "add_a", "a"),
		tableMigration(2, "add_b", "b"),
		tableMigration(3, "add_c", "c"),
	}, events.Discard())
	require.NoError(t, err)

	_, err = runner.ApplyPending(ctx)
	assert.ErrorIs(t, err, ErrVersionOrder)
}

func TestUnknownAppliedVersionRejected(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	runner, err := NewRunner(db, []Migration{
		tableMigration(1, "add_a", "a"),
		tableMigration(2, "add_b", "b"),
	}, events.Discard())
	require.NoError(t, err)
	_, err = runner.ApplyPending(ctx)
	require.NoError(t, err)

	// The binary was downgraded past a version the database has.
	runner, err = NewRunner(db, []Migration{
		tableMigration(1, "add_a", "a"),
	}, events.Discard())
	require.NoError(t, err)

	_, err = runner.ApplyPending(ctx)
	assert.ErrorIs(t, err, ErrUnknownApplied)
}

func TestDuplicateVersionRejected(t *testing.T) {
	db := testDB(t)

	_, err := NewRunner(db, []Migration{
		tableMigration(1, "add_a", "a"),
		tableMigration(1, "add_a_again", "a2"),
	}, events.Discard())
	assert.Error(t, err)
}

func TestRollback(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	migrations := []Migration{
		tableMigration(1, "add_a", "a"),
		tableMigration(2, "add_b", "b"),
		tableMigration(3, "add_c", "c"),
	}
	runner, err := NewRunner(db, migrations, events.Discard())
	require.NoError(t, err)
	_, err = runner.ApplyPending(ctx)
	require.NoError(t, err)

	require.NoError(t, runner.Rollback(ctx, 1))

	current, err := runner.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)

	_, err = db.Exec(`INSERT INTO a (id) VALUES ('x')`)
	assert.NoError(t, err)
	_, err = db.Exec(`INSERT INTO b (id) VALUES ('x')`)
	assert.Error(t, err, "table b should be dropped")
}

func TestBuiltinMigrationsRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	runner, err := NewRunner(db, Builtin(), events.Discard())
	require.NoError(t, err)

	applied, err := runner.ApplyPending(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, applied)

	// Core tables exist.
	for _, table := range []string{"sync_queue", "sync_meta", "checkpoints", "clients", "tickets"} {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n)
		assert.NoError(t, err, "table %s should exist", table)
	}

	require.NoError(t, runner.Rollback(ctx, 0))
	current, err := runner.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), current)
}
