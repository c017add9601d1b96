package acetest

import (
	"fmt"
	"testing"
)

// The schema must be visible from every pooled connection, including while
// another connection is held open by a transaction - the store layer reads
// back rows mid-transaction in several places.
func TestCreateTestDB_SchemaVisibleAcrossConnections(t *testing.T) {
	database := CreateTestDB(t)

	// Pin one connection with an open transaction
	tx, err := database.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO playbooks (id, owner_id, name) VALUES ('pb-1', 'tester', 'held')`); err != nil {
		t.Fatalf("Insert inside transaction failed: %v", err)
	}

	// This query runs on a second pooled connection and must still see the
	// migrated schema (and not the uncommitted row)
	var count int
	if err := database.QueryRow(`SELECT COUNT(*) FROM playbooks`).Scan(&count); err != nil {
		t.Fatalf("Query on second connection failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Playbook count outside the transaction = %d, want 0", count)
	}
}

// Foreign keys are a per-connection pragma in SQLite; every connection the
// pool hands out must enforce them, not just the first.
func TestCreateTestDB_EnforcesForeignKeysOnEveryConnection(t *testing.T) {
	database := CreateTestDB(t)

	for i := 0; i < 5; i++ {
		_, err := database.Exec(`
			INSERT INTO outcomes (id, playbook_id, task_description, outcome_status)
			VALUES (?, 'no-such-playbook', 'task', 'success')`,
			fmt.Sprintf("o-%d", i),
		)
		if err == nil {
			t.Fatalf("Insert %d with dangling playbook reference accepted", i)
		}
	}
}
