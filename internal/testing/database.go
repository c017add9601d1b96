// Package acetest provides shared test helpers.
package acetest

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/acehq/ace/db"
)

// CreateTestDB creates a SQLite database in the test's temp directory with
// the full schema applied, opened with the same pragmas production uses.
// The database is closed automatically when the test finishes.
//
// A file, not ":memory:": with the in-memory DSN every pooled connection
// gets its own empty database, so any query that lands on a second
// connection (a read while a transaction holds the first, concurrent
// workers) sees no schema at all.
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.Open(filepath.Join(t.TempDir(), "ace_test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	return conn
}
