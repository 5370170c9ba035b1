package db

import (
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/sym"
)

// SQLiteBusyTimeoutMS is how long a SQLite writer waits for the lock.
const SQLiteBusyTimeoutMS = 5000

// Driver names understood by Open. sqlx maps both to the right bind style.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Open opens the job store. DSNs starting with postgres:// or postgresql://
// use the pgx driver; anything else is treated as a SQLite path.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(dsn string, logger *zap.SugaredLogger) (*sqlx.DB, error) {
	driver, source := resolveDSN(dsn)
	if logger != nil {
		logger.Debugw("Opening database", "driver", driver, "symbol", sym.DB)
	}

	conn, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if driver == DriverSQLite && isMemory(dsn) {
		// Every pooled connection to :memory: would see its own empty database
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"driver", driver,
			"symbol", sym.DB,
		)
	}

	return conn, nil
}

// OpenWithMigrations opens the store and brings its schema up to date.
func OpenWithMigrations(dsn string, logger *zap.SugaredLogger) (*sqlx.DB, error) {
	conn, err := Open(dsn, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(conn, logger); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}
	return conn, nil
}

// resolveDSN returns the driver name and the driver-specific data source.
// SQLite sources get WAL, foreign keys, a 5s busy timeout, and BEGIN IMMEDIATE
// transactions so that writers serialize at transaction start.
func resolveDSN(dsn string) (string, string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DriverPostgres, dsn
	}

	path := strings.TrimPrefix(dsn, "sqlite://")
	if path == "" {
		path = "pulsed.db"
	}
	params := fmt.Sprintf("_txlock=immediate&_busy_timeout=%d&_foreign_keys=on", SQLiteBusyTimeoutMS)
	if isMemory(path) {
		return DriverSQLite, "file::memory:?" + params
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return DriverSQLite, path + sep + params + "&_journal_mode=WAL"
}

func isMemory(dsn string) bool {
	return strings.Contains(dsn, ":memory:")
}
