package evolution

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	acetest "github.com/acehq/ace/internal/testing"

	"github.com/acehq/ace/errors"
	"github.com/acehq/ace/outcome"
	"github.com/acehq/ace/playbook"
)

// newTestPlaybook creates a playbook with a seed version
func newTestPlaybook(t *testing.T, database *sql.DB) *playbook.Playbook {
	t.Helper()
	pb := playbook.New("tester", "test-playbook", "")
	if _, err := playbook.NewStore(database).Create(pb, "seed content"); err != nil {
		t.Fatalf("Failed to create test playbook: %v", err)
	}
	return pb
}

// reportOutcomes records n unprocessed outcomes and returns their ids
func reportOutcomes(t *testing.T, database *sql.DB, playbookID string, n int) []string {
	t.Helper()
	store := outcome.NewStore(database)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		o := outcome.New(playbookID, "test task", outcome.StatusFailure)
		o.CreatedAt = o.CreatedAt.Add(time.Duration(i) * time.Millisecond)
		if err := store.Report(o); err != nil {
			t.Fatalf("Failed to report outcome: %v", err)
		}
		ids[i] = o.ID
	}
	return ids
}

// claimJob creates and claims a job, failing the test on any hiccup
func claimJob(t *testing.T, store *Store, playbookID, fromVersionID string) *Job {
	t.Helper()
	job := NewJob(playbookID, fromVersionID)
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	claimed, err := store.Claim(job.ID)
	if err != nil {
		t.Fatalf("Failed to claim job: %v", err)
	}
	if claimed == nil {
		t.Fatal("Claim returned nil for a queued job")
	}
	return claimed
}

// A playbook can hold only one queued-or-running job. The second insert must
// come back as a conflict, and the slot must free up once the job finishes.
func TestStore_SingleActiveJobPerPlaybook(t *testing.T) {
	database := acetest.CreateTestDB(t)
	store := NewStore(database)
	pb := newTestPlaybook(t, database)

	first := NewJob(pb.ID, pb.CurrentVersionID)
	if err := store.CreateJob(first); err != nil {
		t.Fatalf("First CreateJob failed: %v", err)
	}

	second := NewJob(pb.ID, pb.CurrentVersionID)
	if err := store.CreateJob(second); !errors.IsConflict(err) {
		t.Errorf("Second CreateJob: expected conflict, got %v", err)
	}

	// Still conflicting while the first job runs
	if _, err := store.Claim(first.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := store.CreateJob(NewJob(pb.ID, pb.CurrentVersionID)); !errors.IsConflict(err) {
		t.Errorf("CreateJob during running: expected conflict, got %v", err)
	}

	// Completion frees the slot
	if err := store.CompleteEmpty(first.ID); err != nil {
		t.Fatalf("CompleteEmpty failed: %v", err)
	}
	if err := store.CreateJob(NewJob(pb.ID, pb.CurrentVersionID)); err != nil {
		t.Errorf("CreateJob after completion failed: %v", err)
	}
}

// Exactly one of any number of concurrent claimers may win a queued job
func TestStore_ClaimExclusivity(t *testing.T) {
	database := acetest.CreateTestDB(t)
	store := NewStore(database)
	pb := newTestPlaybook(t, database)

	job := NewJob(pb.ID, pb.CurrentVersionID)
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	const claimers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.Claim(job.ID)
			if err != nil {
				t.Errorf("Claim errored: %v", err)
				return
			}
			if claimed != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Claim winners = %d, want exactly 1", winners)
	}
}

// Complete publishes all four effects together: new version, moved pointer,
// consumed outcomes, completed job.
func TestStore_CompleteCommitsAllEffects(t *testing.T) {
	database := acetest.CreateTestDB(t)
	store := NewStore(database)
	pb := newTestPlaybook(t, database)
	outcomeIDs := reportOutcomes(t, database, pb.ID, 3)

	job := claimJob(t, store, pb.ID, pb.CurrentVersionID)

	version, err := store.Complete(job.ID, &Commit{
		Content:     "evolved content",
		DiffSummary: "tightened the rollout checklist",
		OutcomeIDs:  outcomeIDs,
		Usage:       &Usage{Model: "claude-sonnet-4-5", PromptTokens: 900, CompletionTokens: 400, TotalTokens: 1300, CostUSD: 0.012},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if version.VersionNumber != 2 {
		t.Errorf("Version number = %d, want 2", version.VersionNumber)
	}
	if version.CreatedByJobID != job.ID {
		t.Errorf("CreatedByJobID = %s, want %s", version.CreatedByJobID, job.ID)
	}

	// Pointer moved
	loaded, err := playbook.NewStore(database).Get(pb.ID)
	if err != nil {
		t.Fatalf("Get playbook failed: %v", err)
	}
	if loaded.CurrentVersionID != version.ID {
		t.Errorf("Pointer = %s, want new version %s", loaded.CurrentVersionID, version.ID)
	}

	// Outcomes consumed by this job
	count, err := outcome.NewStore(database).CountUnprocessed(pb.ID)
	if err != nil {
		t.Fatalf("CountUnprocessed failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Unprocessed after commit = %d, want 0", count)
	}

	// Job terminal with the version and usage recorded
	done, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if done.Status != JobStatusCompleted {
		t.Errorf("Job status = %s, want completed", done.Status)
	}
	if done.ToVersionID != version.ID {
		t.Errorf("ToVersionID = %s, want %s", done.ToVersionID, version.ID)
	}
	if done.OutcomesProcessed != 3 {
		t.Errorf("OutcomesProcessed = %d, want 3", done.OutcomesProcessed)
	}
	if done.Usage == nil || done.Usage.TotalTokens != 1300 {
		t.Errorf("Usage not persisted: %+v", done.Usage)
	}
}

// If any effect fails - here, an outcome already consumed by another job -
// none of the four effects may land.
func TestStore_CompleteRollsBackAtomically(t *testing.T) {
	database := acetest.CreateTestDB(t)
	store := NewStore(database)
	pb := newTestPlaybook(t, database)
	outcomeIDs := reportOutcomes(t, database, pb.ID, 2)

	// Pre-consume the second outcome out from under the job
	tx, _ := database.Begin()
	if err := outcome.MarkProcessedTx(tx, outcomeIDs[1:], "other-job", time.Now().UTC()); err != nil {
		t.Fatalf("Setup consumption failed: %v", err)
	}
	tx.Commit()

	job := claimJob(t, store, pb.ID, pb.CurrentVersionID)

	_, err := store.Complete(job.ID, &Commit{
		Content:    "evolved content",
		OutcomeIDs: outcomeIDs,
	})
	if err == nil {
		t.Fatal("Complete succeeded despite consumed outcome, want rollback")
	}

	// No version landed
	versions, err := playbook.NewVersionStore(database).ListByPlaybook(pb.ID)
	if err != nil {
		t.Fatalf("ListByPlaybook failed: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("Version count after rollback = %d, want 1 (seed only)", len(versions))
	}

	// Pointer unmoved
	loaded, _ := playbook.NewStore(database).Get(pb.ID)
	if loaded.CurrentVersionID != pb.CurrentVersionID {
		t.Error("Pointer moved despite rollback")
	}

	// First outcome still unconsumed
	first, _ := outcome.NewStore(database).Get(outcomeIDs[0])
	if first.Processed() {
		t.Error("Outcome consumed despite rollback")
	}

	// Job stays running for the retry
	stillRunning, _ := store.GetJob(job.ID)
	if stillRunning.Status != JobStatusRunning {
		t.Errorf("Job status after rollback = %s, want running", stillRunning.Status)
	}
}

func TestStore_CompleteRequiresRunning(t *testing.T) {
	database := acetest.CreateTestDB(t)
	store := NewStore(database)
	pb := newTestPlaybook(t, database)

	job := NewJob(pb.ID, pb.CurrentVersionID)
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// Still queued - not claimable for commit
	if _, err := store.Complete(job.ID, &Commit{Content: "x"}); err == nil {
		t.Error("Complete on queued job succeeded, want error")
	}
}

// A playbook created without seed content starts from nothing: the first
// committed evolution publishes version 1 and sets the pointer.
func TestStore_CompleteFromNullPointer(t *testing.T) {
	database := acetest.CreateTestDB(t)
	store := NewStore(database)

	pb := playbook.New("tester", "unseeded", "")
	if _, err := playbook.NewStore(database).Create(pb, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	ids := reportOutcomes(t, database, pb.ID, 1)

	job := claimJob(t, store, pb.ID, pb.CurrentVersionID)
	if job.FromVersionID != "" {
		t.Errorf("FromVersionID = %q, want empty for a null pointer", job.FromVersionID)
	}

	version, err := store.Complete(job.ID, &Commit{
		Content:    "first real content",
		OutcomeIDs: ids,
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if version.VersionNumber != 1 {
		t.Errorf("First version number = %d, want 1", version.VersionNumber)
	}

	content, number, err := playbook.NewVersionStore(database).CurrentContent(pb.ID)
	if err != nil {
		t.Fatalf("CurrentContent failed: %v", err)
	}
	if number != 1 || content != "first real content" {
		t.Errorf("Current content = (%q, %d), want first real content at version 1", content, number)
	}
}

// Successive evolutions number their versions 2, 3, ... with the pointer
// always tracking the newest.
func TestStore_VersionNumbersMonotonic(t *testing.T) {
	database := acetest.CreateTestDB(t)
	store := NewStore(database)
	pb := newTestPlaybook(t, database)

	for want := 2; want <= 4; want++ {
		ids := reportOutcomes(t, database, pb.ID, 1)
		job := claimJob(t, store, pb.ID, "")
		version, err := store.Complete(job.ID, &Commit{Content: "generation", OutcomeIDs: ids})
		if err != nil {
			t.Fatalf("Complete for version %d failed: %v", want, err)
		}
		if version.VersionNumber != want {
			t.Errorf("Version number = %d, want %d", version.VersionNumber, want)
		}
	}
}

// A no-change evolution consumes its outcome snapshot without publishing a
// version, so the monitor cannot re-trigger on the same outcomes.
func TestStore_CompleteNoChange(t *testing.T) {
	database := acetest.CreateTestDB(t)
	store := NewStore(database)
	pb := newTestPlaybook(t, database)
	outcomeIDs := reportOutcomes(t, database, pb.ID, 2)

	job := claimJob(t, store, pb.ID, pb.CurrentVersionID)

	if err := store.CompleteNoChange(job.ID, outcomeIDs, &Usage{TotalTokens: 500}); err != nil {
		t.Fatalf("CompleteNoChange failed: %v", err)
	}

	count, _ := outcome.NewStore(database).CountUnprocessed(pb.ID)
	if count != 0 {
		t.Errorf("Unprocessed after no-change = %d, want 0", count)
	}

	versions, _ := playbook.NewVersionStore(database).ListByPlaybook(pb.ID)
	if len(versions) != 1 {
		t.Errorf("Version count = %d, want 1 (no version on no-change)", len(versions))
	}

	done, _ := store.GetJob(job.ID)
	if done.Status != JobStatusCompleted || done.ToVersionID != "" {
		t.Errorf("Job after no-change: status=%s to_version=%q, want completed with no version", done.Status, done.ToVersionID)
	}
}

func TestStore_FailRecordsError(t *testing.T) {
	database := acetest.CreateTestDB(t)
	store := NewStore(database)
	pb := newTestPlaybook(t, database)

	job := claimJob(t, store, pb.ID, pb.CurrentVersionID)

	if err := store.Fail(job.ID, errors.New("engine melted")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	failed, _ := store.GetJob(job.ID)
	if failed.Status != JobStatusFailed {
		t.Errorf("Status = %s, want failed", failed.Status)
	}
	if failed.Error != "engine melted" {
		t.Errorf("Error = %q, want engine melted", failed.Error)
	}
	if failed.CompletedAt == nil {
		t.Error("CompletedAt not set on failure")
	}
}

// A running job whose heartbeat goes silent is returned to the queue with
// its retry count bumped; a job with a fresh heartbeat is left alone.
func TestStore_RequeueStale(t *testing.T) {
	database := acetest.CreateTestDB(t)
	store := NewStore(database)

	stale := newTestPlaybook(t, database)
	fresh := newTestPlaybook(t, database)

	staleJob := claimJob(t, store, stale.ID, "")
	freshJob := claimJob(t, store, fresh.ID, "")

	// Age the stale job's heartbeat past the cutoff
	_, err := database.Exec(`UPDATE evolution_jobs SET heartbeat_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour), staleJob.ID)
	if err != nil {
		t.Fatalf("Failed to age heartbeat: %v", err)
	}

	n, err := store.RequeueStale(2 * time.Minute)
	if err != nil {
		t.Fatalf("RequeueStale failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Requeued %d jobs, want 1", n)
	}

	requeued, _ := store.GetJob(staleJob.ID)
	if requeued.Status != JobStatusQueued {
		t.Errorf("Stale job status = %s, want queued", requeued.Status)
	}
	if requeued.RetryCount != staleJob.RetryCount+1 {
		t.Errorf("RetryCount = %d, want %d", requeued.RetryCount, staleJob.RetryCount+1)
	}

	untouched, _ := store.GetJob(freshJob.ID)
	if untouched.Status != JobStatusRunning {
		t.Errorf("Fresh job status = %s, want running", untouched.Status)
	}
}

func TestStore_NextQueuedOldestFirst(t *testing.T) {
	database := acetest.CreateTestDB(t)
	store := NewStore(database)

	older := newTestPlaybook(t, database)
	newer := newTestPlaybook(t, database)

	first := NewJob(older.ID, "")
	first.CreatedAt = time.Now().UTC().Add(-time.Minute)
	if err := store.CreateJob(first); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	second := NewJob(newer.ID, "")
	if err := store.CreateJob(second); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	next, err := store.NextQueued()
	if err != nil {
		t.Fatalf("NextQueued failed: %v", err)
	}
	if next == nil || next.ID != first.ID {
		t.Errorf("NextQueued = %v, want oldest job %s", next, first.ID)
	}
}

// Subscribers hear every lifecycle transition without blocking the store
func TestStore_SubscribeLifecycle(t *testing.T) {
	database := acetest.CreateTestDB(t)
	store := NewStore(database)
	pb := newTestPlaybook(t, database)

	ch := store.Subscribe()
	defer func() {
		store.Unsubscribe(ch)
		close(ch)
	}()

	job := NewJob(pb.ID, pb.CurrentVersionID)
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if _, err := store.Claim(job.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := store.CompleteEmpty(job.ID); err != nil {
		t.Fatalf("CompleteEmpty failed: %v", err)
	}

	wantStatuses := []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusCompleted}
	for _, want := range wantStatuses {
		select {
		case update := <-ch:
			if update.Status != want {
				t.Errorf("Update status = %s, want %s", update.Status, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for %s update", want)
		}
	}
}
