package evolution

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acehq/ace/db"
	"github.com/acehq/ace/errors"
	"github.com/acehq/ace/outcome"
	"github.com/acehq/ace/playbook"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100

	// maxErrorLength bounds the error text persisted on failed jobs
	maxErrorLength = 2000
)

// Store handles persistence of evolution jobs and fans job updates out to
// subscribers (the websocket hub, tests).
type Store struct {
	db          *sql.DB
	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewStore creates a new evolution job store
func NewStore(database *sql.DB) *Store {
	return &Store{
		db:          database,
		subscribers: make([]chan *Job, 0),
	}
}

// CreateJob inserts a queued job. If the playbook already has a queued or
// running job the partial unique index rejects the insert and ErrConflict
// is returned; the trigger path resolves the conflict by reading back the
// active job, so callers never surface it.
func (s *Store) CreateJob(job *Job) error {
	_, err := s.db.Exec(`
		INSERT INTO evolution_jobs (id, playbook_id, status, from_version_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		job.ID,
		job.PlaybookID,
		job.Status,
		sql.NullString{String: job.FromVersionID, Valid: job.FromVersionID != ""},
		job.CreatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.WithDetail(errors.ErrConflict, "active job exists for playbook "+job.PlaybookID)
		}
		err = errors.Wrap(err, "failed to create job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Playbook: %s", job.PlaybookID))
		return err
	}

	s.notifySubscribers(job)
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM evolution_jobs WHERE id = ?`

	var job Job
	args := GetJobScanArgs()
	err := s.db.QueryRow(query, id).Scan(GetJobScanTargets(&job, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithDetail(errors.ErrNotFound, "job "+id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	if err := ProcessJobScanArgs(&job, args); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetActiveJob returns the playbook's queued-or-running job, or nil if the
// playbook is idle. The partial unique index guarantees at most one row.
func (s *Store) GetActiveJob(playbookID string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM evolution_jobs
		WHERE playbook_id = ? AND status IN ('queued', 'running')`

	var job Job
	args := GetJobScanArgs()
	err := s.db.QueryRow(query, playbookID).Scan(GetJobScanTargets(&job, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No active job - playbook is idle
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get active job")
	}

	if err := ProcessJobScanArgs(&job, args); err != nil {
		return nil, err
	}
	return &job, nil
}

// NextQueued returns the oldest queued job, or nil if the queue is empty
func (s *Store) NextQueued() (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM evolution_jobs
		WHERE status = 'queued'
		ORDER BY created_at ASC
		LIMIT 1`

	var job Job
	args := GetJobScanArgs()
	err := s.db.QueryRow(query).Scan(GetJobScanTargets(&job, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next queued job")
	}

	if err := ProcessJobScanArgs(&job, args); err != nil {
		return nil, err
	}
	return &job, nil
}

// Claim transitions a queued job to running. The conditional UPDATE means
// exactly one of any number of concurrent claimers wins; losers get
// (nil, nil) and move on.
func (s *Store) Claim(jobID string) (*Job, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(`
		UPDATE evolution_jobs
		SET status = 'running', started_at = ?, heartbeat_at = ?
		WHERE id = ? AND status = 'queued'`,
		now, now, jobID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to claim job %s", jobID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return nil, nil // Lost the claim - another worker got there first
	}

	job, err := s.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	s.notifySubscribers(job)
	return job, nil
}

// Heartbeat bumps the running job's liveness stamp
func (s *Store) Heartbeat(jobID string) error {
	_, err := s.db.Exec(`
		UPDATE evolution_jobs
		SET heartbeat_at = ?
		WHERE id = ? AND status = 'running'`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to heartbeat job %s", jobID)
	}
	return nil
}

// Commit carries everything a successful evolution publishes
type Commit struct {
	Content     string   // evolved playbook content
	DiffSummary string   // engine's summary of what changed
	OutcomeIDs  []string // the outcome snapshot the engine saw
	Usage       *Usage   // engine usage for the job
}

// Complete publishes a successful evolution in one transaction: insert the
// new version, move the playbook's current-version pointer, mark the
// snapshotted outcomes processed, and mark the job completed. Any failure
// rolls back all four effects, leaving the job running for a retry.
func (s *Store) Complete(jobID string, commit *Commit) (*playbook.Version, error) {
	usageJSON, err := MarshalUsage(commit.Usage)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin commit transaction")
	}
	defer tx.Rollback()

	var playbookID string
	var status string
	err = tx.QueryRow(`SELECT playbook_id, status FROM evolution_jobs WHERE id = ?`, jobID).
		Scan(&playbookID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithDetail(errors.ErrNotFound, "job "+jobID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read job for commit")
	}
	if status != string(JobStatusRunning) {
		return nil, errors.Newf("job %s is not running (status: %s)", jobID, status)
	}

	// Next sequential version number. The UNIQUE(playbook_id, version_number)
	// constraint backs this up if two commits ever race.
	var nextNumber int
	err = tx.QueryRow(`
		SELECT COALESCE(MAX(version_number), 0) + 1
		FROM playbook_versions WHERE playbook_id = ?`,
		playbookID,
	).Scan(&nextNumber)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute next version number")
	}

	now := time.Now().UTC()
	version := &playbook.Version{
		ID:             uuid.NewString(),
		PlaybookID:     playbookID,
		VersionNumber:  nextNumber,
		Content:        commit.Content,
		CreatedByJobID: jobID,
		DiffSummary:    commit.DiffSummary,
		CreatedAt:      now,
	}

	_, err = tx.Exec(`
		INSERT INTO playbook_versions (id, playbook_id, version_number, content, created_by_job_id, diff_summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		version.ID, version.PlaybookID, version.VersionNumber, version.Content,
		version.CreatedByJobID,
		sql.NullString{String: version.DiffSummary, Valid: version.DiffSummary != ""},
		version.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert version")
	}

	result, err := tx.Exec(`
		UPDATE playbooks SET current_version_id = ?, updated_at = ? WHERE id = ?`,
		version.ID, now, playbookID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update current version pointer")
	}
	if rows, err := result.RowsAffected(); err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	} else if rows != 1 {
		return nil, errors.Newf("playbook %s missing during commit", playbookID)
	}

	if err := outcome.MarkProcessedTx(tx, commit.OutcomeIDs, jobID, now); err != nil {
		return nil, err
	}

	result, err = tx.Exec(`
		UPDATE evolution_jobs
		SET status = 'completed', to_version_id = ?, outcomes_processed = ?,
		    usage = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`,
		version.ID, len(commit.OutcomeIDs),
		sql.NullString{String: usageJSON, Valid: usageJSON != ""},
		now, jobID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to complete job")
	}
	if rows, err := result.RowsAffected(); err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	} else if rows != 1 {
		return nil, errors.Newf("job %s no longer running at commit", jobID)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit evolution")
	}

	job, err := s.GetJob(jobID)
	if err == nil {
		s.notifySubscribers(job)
	}

	return version, nil
}

// CompleteEmpty finishes a job that found no unprocessed outcomes. No
// version is created and the pointer does not move.
func (s *Store) CompleteEmpty(jobID string) error {
	result, err := s.db.Exec(`
		UPDATE evolution_jobs
		SET status = 'completed', outcomes_processed = 0, completed_at = ?
		WHERE id = ? AND status = 'running'`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to complete job %s", jobID)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	} else if rows != 1 {
		return errors.Newf("job %s is not running", jobID)
	}

	if job, err := s.GetJob(jobID); err == nil {
		s.notifySubscribers(job)
	}
	return nil
}

// CompleteNoChange finishes a job whose engine call decided the playbook is
// fine as-is. The outcome snapshot is still consumed (otherwise the monitor
// would re-trigger on the same outcomes forever) but no version is created.
func (s *Store) CompleteNoChange(jobID string, outcomeIDs []string, usage *Usage) error {
	usageJSON, err := MarshalUsage(usage)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin commit transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if err := outcome.MarkProcessedTx(tx, outcomeIDs, jobID, now); err != nil {
		return err
	}

	result, err := tx.Exec(`
		UPDATE evolution_jobs
		SET status = 'completed', outcomes_processed = ?, usage = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`,
		len(outcomeIDs),
		sql.NullString{String: usageJSON, Valid: usageJSON != ""},
		now, jobID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to complete job")
	}
	if rows, err := result.RowsAffected(); err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	} else if rows != 1 {
		return errors.Newf("job %s is not running", jobID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit evolution")
	}

	if job, err := s.GetJob(jobID); err == nil {
		s.notifySubscribers(job)
	}
	return nil
}

// Requeue returns a running job to the queue, keeping its id. Used when a
// worker is shut down mid-job so the next claimer picks the work back up.
func (s *Store) Requeue(jobID string) error {
	result, err := s.db.Exec(`
		UPDATE evolution_jobs
		SET status = 'queued', started_at = NULL, heartbeat_at = NULL
		WHERE id = ? AND status = 'running'`,
		jobID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to requeue job %s", jobID)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	} else if rows != 1 {
		return errors.Newf("job %s is not running", jobID)
	}

	if job, err := s.GetJob(jobID); err == nil {
		s.notifySubscribers(job)
	}
	return nil
}

// Fail marks a running job failed with the error text (truncated)
func (s *Store) Fail(jobID string, jobErr error) error {
	msg := jobErr.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}

	result, err := s.db.Exec(`
		UPDATE evolution_jobs
		SET status = 'failed', error = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`,
		msg, time.Now().UTC(), jobID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %s as failed", jobID)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	} else if rows != 1 {
		return errors.Newf("job %s is not running", jobID)
	}

	if job, err := s.GetJob(jobID); err == nil {
		s.notifySubscribers(job)
	}
	return nil
}

// RequeueStale returns running jobs whose heartbeat is older than olderThan
// to the queue. The job keeps its id, so the single-active-job invariant is
// untouched; a worker that lost its process (or its network) is simply
// retried by the next claimer. Returns the number of jobs requeued.
func (s *Store) RequeueStale(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	result, err := s.db.Exec(`
		UPDATE evolution_jobs
		SET status = 'queued', started_at = NULL, heartbeat_at = NULL,
		    retry_count = retry_count + 1
		WHERE status = 'running' AND heartbeat_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue stale jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// ListJobs returns jobs, optionally filtered by status, newest first
func (s *Store) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	var query string
	var args []interface{}

	baseQuery := `SELECT ` + StandardJobSelectColumns() + ` FROM evolution_jobs`
	if status != nil {
		query = baseQuery + ` WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := ScanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}

	return jobs, nil
}

// ListByPlaybook returns the playbook's job history, newest first
func (s *Store) ListByPlaybook(playbookID string, limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM evolution_jobs
		WHERE playbook_id = ?
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, playbookID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs by playbook")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := ScanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}

	return jobs, nil
}

// LastCompletedAt returns when the playbook last finished a successful
// evolution, or nil if it never has. The monitor's time threshold falls
// back to playbook creation when this is nil.
func (s *Store) LastCompletedAt(playbookID string) (*time.Time, error) {
	var completedAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT MAX(completed_at) FROM evolution_jobs
		WHERE playbook_id = ? AND status = 'completed'`,
		playbookID,
	).Scan(&completedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get last completion time")
	}
	if !completedAt.Valid {
		return nil, nil
	}
	return &completedAt.Time, nil
}

// Stats summarizes job counts by status
type Stats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// GetStats returns job counts grouped by status
func (s *Store) GetStats() (*Stats, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM evolution_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job stats")
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan job stats")
		}
		switch JobStatus(status) {
		case JobStatusQueued:
			stats.Queued = count
		case JobStatusRunning:
			stats.Running = count
		case JobStatusCompleted:
			stats.Completed = count
		case JobStatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job stats")
	}

	return stats, nil
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (s *Store) Subscribe() chan *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the store.
// The channel is NOT closed by this method - callers should close it themselves
// after unsubscribing if needed. This prevents double-close panics.
func (s *Store) Unsubscribe(ch chan *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends job updates to all subscribers.
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (s *Store) notifySubscribers(job *Job) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- job:
		default:
			// Channel full, skip (non-blocking)
		}
	}
}
