package db

import (
	"embed"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/sym"
)

// The schema is written in the common subset of SQLite and PostgreSQL:
// integer milliseconds for timestamps, 0/1 integers for flags, TEXT for JSON.
//
//go:embed migrations/*.sql
var migrations embed.FS

// Migrate runs all pending migrations.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(db *sqlx.DB, logger *zap.SugaredLogger) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	// Sort migrations (000_create_schema_migrations.sql runs first)
	var migrationFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry.Name())
		}
	}
	sort.Strings(migrationFiles)

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	for _, filename := range migrationFiles {
		version := strings.Split(filename, "_")[0]

		if applied == nil && version != "000" {
			return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
		}
		if applied[version] {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)",
					"migration", filename,
					"version", version,
				)
			}
			continue
		}

		sqlBytes, err := migrations.ReadFile(filepath.Join("migrations", filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		if logger != nil {
			logger.Infow("Applying migration",
				"migration", filename,
				"version", version,
			)
		}

		tx, err := db.Beginx()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}

		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}

		// Record migration (000 creates the table, then records itself)
		if _, err := tx.Exec(tx.Rebind("INSERT INTO schema_migrations (version) VALUES (?)"), version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}

		if applied == nil {
			applied = map[string]bool{}
		}
		applied[version] = true
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"symbol", sym.DB,
			"total_migrations", len(migrationFiles),
		)
	}

	return nil
}

// appliedVersions returns nil when schema_migrations does not exist yet.
func appliedVersions(db *sqlx.DB) (map[string]bool, error) {
	var exists bool
	var err error
	switch db.DriverName() {
	case DriverPostgres:
		err = db.Get(&exists, "SELECT to_regclass('schema_migrations') IS NOT NULL")
	default:
		err = db.Get(&exists, "SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'")
	}
	if err != nil {
		return nil, errors.Wrap(err, "check schema_migrations")
	}
	if !exists {
		return nil, nil
	}

	var versions []string
	if err := db.Select(&versions, "SELECT version FROM schema_migrations"); err != nil {
		return nil, errors.Wrap(err, "list applied migrations")
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}
