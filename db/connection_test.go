package db

import (
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/pulsed/errors"
)

func TestOpen(t *testing.T) {
	t.Run("opens database successfully", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var foreignKeys int
		require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)

		var busyTimeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
	})

	t.Run("creates database file if it doesn't exist", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")

		_, err := os.Stat(dbPath)
		assert.True(t, os.IsNotExist(err))

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("returns wrapped error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		if db != nil {
			db.Close()
		}
		require.Error(t, err)
		assert.NotNil(t, errors.GetStack(err), "error should have stack trace from errors.Wrap")
	})

	t.Run("memory database shares one connection", func(t *testing.T) {
		db, err := Open(":memory:", nil)
		require.NoError(t, err)
		defer db.Close()

		assert.Equal(t, 1, db.Stats().MaxOpenConnections)
	})
}

func TestResolveDSN(t *testing.T) {
	driver, source := resolveDSN("postgres://pulse@localhost/jobs")
	assert.Equal(t, DriverPostgres, driver)
	assert.Equal(t, "postgres://pulse@localhost/jobs", source)

	driver, source = resolveDSN("sqlite:///var/lib/pulsed/jobs.db")
	assert.Equal(t, DriverSQLite, driver)
	assert.Contains(t, source, "file:/var/lib/pulsed/jobs.db?")
	assert.Contains(t, source, "_txlock=immediate")
	assert.Contains(t, source, "_journal_mode=WAL")

	_, source = resolveDSN("")
	assert.Contains(t, source, "file:pulsed.db?")
}

func TestOpenWithMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"schema_migrations", "jobs", "job_executions", "job_dependencies",
		"job_locks", "job_queues", "job_workers", "job_templates", "job_schedules",
		"bulk_requests", "job_metrics"} {
		var count int
		err := db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist after migrations", table)
	}

	t.Run("running again is a no-op", func(t *testing.T) {
		require.NoError(t, Migrate(db, nil))

		var versions int
		require.NoError(t, db.Get(&versions, "SELECT COUNT(*) FROM schema_migrations"))
		assert.Equal(t, 5, versions)
	})
}

func TestMigrationErrorsCarryStack(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath, nil)
	require.NoError(t, err)
	// A jobs table with an incompatible shape makes 001 fail on its indexes
	_, err = db.Exec("CREATE TABLE schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMP)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO schema_migrations (version) VALUES ('000')")
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE jobs (id TEXT PRIMARY KEY)")
	require.NoError(t, err)

	err = Migrate(db, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_create_jobs.sql")
	assert.Contains(t, fmt.Sprintf("%+v", err), "migrate.go")
	db.Close()
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("syntax error")))
	assert.True(t, IsTransient(errors.Wrap(ErrDatabaseClosed, "claim")))
	assert.True(t, IsTransient(driver.ErrBadConn))
	assert.True(t, IsTransient(errors.Wrap(sqlite3.Error{Code: sqlite3.ErrBusy}, "claim")))
	assert.False(t, IsTransient(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.True(t, IsTransient(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsTransient(&pgconn.PgError{Code: "08006"}))
	assert.False(t, IsTransient(&pgconn.PgError{Code: "23505"}))
}
