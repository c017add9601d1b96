package playbook

import (
	"database/sql"
)

// PlaybookScanArgs holds the nullable columns scanned from a playbook row
type PlaybookScanArgs struct {
	CurrentVersionID sql.NullString
}

// GetPlaybookScanTargets returns scan targets in the order of
// StandardPlaybookSelectColumns
func GetPlaybookScanTargets(p *Playbook, args *PlaybookScanArgs) []interface{} {
	return []interface{}{
		&p.ID,
		&p.OwnerID,
		&p.Name,
		&p.Description,
		&args.CurrentVersionID,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	}
}

// ProcessPlaybookScanArgs copies nullable columns into the playbook struct
func ProcessPlaybookScanArgs(p *Playbook, args *PlaybookScanArgs) {
	if args.CurrentVersionID.Valid {
		p.CurrentVersionID = args.CurrentVersionID.String
	}
}

// ScanPlaybookFromRows scans a single playbook from sql.Rows (for use in loops)
func ScanPlaybookFromRows(rows *sql.Rows, p *Playbook) error {
	args := &PlaybookScanArgs{}
	if err := rows.Scan(GetPlaybookScanTargets(p, args)...); err != nil {
		return err
	}
	ProcessPlaybookScanArgs(p, args)
	return nil
}

// StandardPlaybookSelectColumns returns the standard column list for playbook SELECT queries
func StandardPlaybookSelectColumns() string {
	return `id, owner_id, name, description, current_version_id, status, created_at, updated_at`
}

// VersionScanArgs holds the nullable columns scanned from a version row
type VersionScanArgs struct {
	CreatedByJobID sql.NullString
	DiffSummary    sql.NullString
}

// GetVersionScanTargets returns scan targets in the order of
// StandardVersionSelectColumns
func GetVersionScanTargets(v *Version, args *VersionScanArgs) []interface{} {
	return []interface{}{
		&v.ID,
		&v.PlaybookID,
		&v.VersionNumber,
		&v.Content,
		&args.CreatedByJobID,
		&args.DiffSummary,
		&v.CreatedAt,
	}
}

// ProcessVersionScanArgs copies nullable columns into the version struct
func ProcessVersionScanArgs(v *Version, args *VersionScanArgs) {
	if args.CreatedByJobID.Valid {
		v.CreatedByJobID = args.CreatedByJobID.String
	}
	if args.DiffSummary.Valid {
		v.DiffSummary = args.DiffSummary.String
	}
}

// ScanVersionFromRows scans a single version from sql.Rows (for use in loops)
func ScanVersionFromRows(rows *sql.Rows, v *Version) error {
	args := &VersionScanArgs{}
	if err := rows.Scan(GetVersionScanTargets(v, args)...); err != nil {
		return err
	}
	ProcessVersionScanArgs(v, args)
	return nil
}

// StandardVersionSelectColumns returns the standard column list for version SELECT queries
func StandardVersionSelectColumns() string {
	return `id, playbook_id, version_number, content, created_by_job_id, diff_summary, created_at`
}
