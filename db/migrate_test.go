package db

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "migrate_test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrate_FreshDatabase(t *testing.T) {
	conn := openMemoryDB(t)

	if err := Migrate(conn, nil); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	// Every table the schema defines must exist
	for _, table := range []string{"schema_migrations", "playbooks", "playbook_versions", "outcomes", "evolution_jobs", "usage_records"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s missing after migration: %v", table, err)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	conn := openMemoryDB(t)

	if err := Migrate(conn, nil); err != nil {
		t.Fatalf("First migrate failed: %v", err)
	}
	if err := Migrate(conn, nil); err != nil {
		t.Fatalf("Second migrate failed: %v", err)
	}

	var applied int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("Failed to count applied migrations: %v", err)
	}
	if applied != 3 {
		t.Errorf("Applied migrations = %d, want 3 (reapply must not duplicate)", applied)
	}
}

// The partial unique index is the schema-level guarantee behind the
// single-active-job rule: two active rows for one playbook cannot coexist,
// but terminal rows stack freely.
func TestMigrate_ActiveJobIndex(t *testing.T) {
	conn := openMemoryDB(t)
	if err := Migrate(conn, nil); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	_, err := conn.Exec(`INSERT INTO playbooks (id, owner_id, name) VALUES ('pb-1', 'alice', 'deploy')`)
	if err != nil {
		t.Fatalf("Failed to insert playbook: %v", err)
	}

	insertJob := func(id, status string) error {
		_, err := conn.Exec(`
			INSERT INTO evolution_jobs (id, playbook_id, status) VALUES (?, 'pb-1', ?)`,
			id, status,
		)
		return err
	}

	if err := insertJob("job-1", "queued"); err != nil {
		t.Fatalf("First queued insert failed: %v", err)
	}
	if err := insertJob("job-2", "queued"); !IsUniqueViolation(err) {
		t.Errorf("Second queued insert: expected unique violation, got %v", err)
	}
	if err := insertJob("job-3", "running"); !IsUniqueViolation(err) {
		t.Errorf("Running insert beside queued: expected unique violation, got %v", err)
	}

	// Terminal statuses are outside the index
	if err := insertJob("job-4", "completed"); err != nil {
		t.Errorf("Completed insert failed: %v", err)
	}
	if err := insertJob("job-5", "failed"); err != nil {
		t.Errorf("Failed insert failed: %v", err)
	}
}

func TestMigrate_StatusChecks(t *testing.T) {
	conn := openMemoryDB(t)
	if err := Migrate(conn, nil); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	_, err := conn.Exec(`INSERT INTO playbooks (id, owner_id, name, status) VALUES ('pb-1', 'alice', 'deploy', 'bogus')`)
	if err == nil {
		t.Error("Playbook with bogus status accepted")
	}

	_, err = conn.Exec(`INSERT INTO playbooks (id, owner_id, name) VALUES ('pb-1', 'alice', 'deploy')`)
	if err != nil {
		t.Fatalf("Failed to insert playbook: %v", err)
	}

	_, err = conn.Exec(`INSERT INTO evolution_jobs (id, playbook_id, status) VALUES ('job-1', 'pb-1', 'bogus')`)
	if err == nil {
		t.Error("Job with bogus status accepted")
	}

	_, err = conn.Exec(`
		INSERT INTO outcomes (id, playbook_id, task_description, outcome_status)
		VALUES ('o-1', 'pb-1', 'task', 'bogus')`)
	if err == nil {
		t.Error("Outcome with bogus status accepted")
	}
}
