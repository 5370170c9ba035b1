package testing

import (
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/teranos/pulsed/db"
)

// CreateTestDB creates an in-memory SQLite test database with every migration
// applied. Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %+v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CreateFileTestDB creates a file-backed SQLite database in a temp dir.
// Use it when a test needs several connections contending for the same
// store, the way separate processes would.
func CreateFileTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(t.TempDir()+"/pulsed.db", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %+v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
