package outcome

import (
	"database/sql"
	"time"

	"github.com/acehq/ace/errors"
)

// Store handles persistence of outcomes
type Store struct {
	db *sql.DB
}

// NewStore creates a new outcome store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Report appends an outcome to the ledger
func (s *Store) Report(o *Outcome) error {
	if !IsValidStatus(string(o.Status)) {
		return errors.WithDetail(errors.ErrInvalidRequest, "invalid outcome status: "+string(o.Status))
	}

	_, err := s.db.Exec(`
		INSERT INTO outcomes (id, playbook_id, task_description, outcome_status,
			reasoning_trace, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID,
		o.PlaybookID,
		o.TaskDescription,
		o.Status,
		sql.NullString{String: o.ReasoningTrace, Valid: o.ReasoningTrace != ""},
		sql.NullString{String: o.Notes, Valid: o.Notes != ""},
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to report outcome")
	}

	return nil
}

// Get retrieves an outcome by ID
func (s *Store) Get(id string) (*Outcome, error) {
	query := `SELECT ` + standardSelectColumns + ` FROM outcomes WHERE id = ?`

	var o Outcome
	err := scanOutcome(s.db.QueryRow(query, id), &o)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithDetail(errors.ErrNotFound, "outcome "+id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get outcome")
	}

	return &o, nil
}

// ListUnprocessed returns the playbook's unprocessed outcomes, oldest
// first. The evolution worker treats the result as the snapshot a job
// will consume.
func (s *Store) ListUnprocessed(playbookID string) ([]*Outcome, error) {
	query := `SELECT ` + standardSelectColumns + `
		FROM outcomes
		WHERE playbook_id = ? AND processed_at IS NULL
		ORDER BY created_at ASC`

	rows, err := s.db.Query(query, playbookID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list unprocessed outcomes")
	}
	defer rows.Close()

	var outcomes []*Outcome
	for rows.Next() {
		var o Outcome
		if err := scanOutcomeRows(rows, &o); err != nil {
			return nil, errors.Wrap(err, "failed to scan outcome")
		}
		outcomes = append(outcomes, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating outcomes")
	}

	return outcomes, nil
}

// CountUnprocessed returns how many outcomes are waiting for the playbook
func (s *Store) CountUnprocessed(playbookID string) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM outcomes
		WHERE playbook_id = ? AND processed_at IS NULL`,
		playbookID,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count unprocessed outcomes")
	}
	return count, nil
}

// MarkProcessedTx stamps the given outcomes as consumed by jobID inside the
// caller's transaction. Rows that are already processed are refused: the
// rows-affected count must equal len(ids) or the whole commit rolls back.
// This is what makes outcome consumption exactly-once.
func MarkProcessedTx(tx *sql.Tx, ids []string, jobID string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	for _, id := range ids {
		result, err := tx.Exec(`
			UPDATE outcomes
			SET processed_at = ?, evolution_job_id = ?, updated_at = ?
			WHERE id = ? AND processed_at IS NULL`,
			at, jobID, at, id,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to mark outcome %s processed", id)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if rows != 1 {
			return errors.Newf("outcome %s already processed", id)
		}
	}

	return nil
}

const standardSelectColumns = `id, playbook_id, task_description, outcome_status,
	reasoning_trace, notes, created_at, updated_at, processed_at, evolution_job_id`

func scanOutcome(row *sql.Row, o *Outcome) error {
	var reasoningTrace, notes, jobID sql.NullString
	var processedAt sql.NullTime

	err := row.Scan(
		&o.ID, &o.PlaybookID, &o.TaskDescription, &o.Status,
		&reasoningTrace, &notes, &o.CreatedAt, &o.UpdatedAt,
		&processedAt, &jobID,
	)
	if err != nil {
		return err
	}

	applyNullable(o, reasoningTrace, notes, processedAt, jobID)
	return nil
}

func scanOutcomeRows(rows *sql.Rows, o *Outcome) error {
	var reasoningTrace, notes, jobID sql.NullString
	var processedAt sql.NullTime

	err := rows.Scan(
		&o.ID, &o.PlaybookID, &o.TaskDescription, &o.Status,
		&reasoningTrace, &notes, &o.CreatedAt, &o.UpdatedAt,
		&processedAt, &jobID,
	)
	if err != nil {
		return err
	}

	applyNullable(o, reasoningTrace, notes, processedAt, jobID)
	return nil
}

func applyNullable(o *Outcome, reasoningTrace, notes sql.NullString, processedAt sql.NullTime, jobID sql.NullString) {
	if reasoningTrace.Valid {
		o.ReasoningTrace = reasoningTrace.String
	}
	if notes.Valid {
		o.Notes = notes.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		o.ProcessedAt = &t
	}
	if jobID.Valid {
		o.EvolutionJobID = jobID.String
	}
}
