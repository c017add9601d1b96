package evolution

import (
	"database/sql"
	"fmt"
)

// JobScanArgs holds the nullable columns scanned from an evolution job row
type JobScanArgs struct {
	FromVersionID sql.NullString
	ToVersionID   sql.NullString
	ErrorMsg      sql.NullString
	UsageJSON     sql.NullString
	StartedAt     sql.NullTime
	CompletedAt   sql.NullTime
	HeartbeatAt   sql.NullTime
}

// GetJobScanArgs returns a JobScanArgs struct with all variables ready for scanning
func GetJobScanArgs() *JobScanArgs {
	return &JobScanArgs{}
}

// GetJobScanTargets returns scan targets in the order expected by the
// standard job SELECT query
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.PlaybookID,
		&job.Status,
		&args.FromVersionID,
		&args.ToVersionID,
		&job.OutcomesProcessed,
		&job.RetryCount,
		&args.ErrorMsg,
		&args.UsageJSON,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&args.HeartbeatAt,
	}
}

// ProcessJobScanArgs processes the scanned arguments and populates the job struct.
// Returns an error if usage JSON unmarshaling fails.
func ProcessJobScanArgs(job *Job, args *JobScanArgs) error {
	if args.FromVersionID.Valid {
		job.FromVersionID = args.FromVersionID.String
	}
	if args.ToVersionID.Valid {
		job.ToVersionID = args.ToVersionID.String
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.UsageJSON.Valid {
		usage, err := UnmarshalUsage(args.UsageJSON.String)
		if err != nil {
			return fmt.Errorf("failed to unmarshal usage for job %s: %w", job.ID, err)
		}
		job.Usage = usage
	}
	if args.StartedAt.Valid {
		job.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		job.CompletedAt = &args.CompletedAt.Time
	}
	if args.HeartbeatAt.Valid {
		job.HeartbeatAt = &args.HeartbeatAt.Time
	}
	return nil
}

// ScanJobFromRows scans a single job from sql.Rows (for use in loops)
func ScanJobFromRows(rows *sql.Rows, job *Job) error {
	args := GetJobScanArgs()
	if err := rows.Scan(GetJobScanTargets(job, args)...); err != nil {
		return err
	}
	return ProcessJobScanArgs(job, args)
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, playbook_id, status, from_version_id, to_version_id,
		outcomes_processed, retry_count, error, usage,
		created_at, started_at, completed_at, heartbeat_at`
}
