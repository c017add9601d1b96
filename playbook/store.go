package playbook

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/acehq/ace/errors"
)

// Store handles persistence of playbooks and their versions
type Store struct {
	db *sql.DB
}

// NewStore creates a new playbook store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a playbook and, when seedContent is non-empty, its seed
// version (version 1) with current_version_id pointing at it, in one
// transaction. An empty seedContent leaves the version pointer null; the
// first evolution commit then publishes version 1.
func (s *Store) Create(p *Playbook, seedContent string) (*Version, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin create transaction")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO playbooks (id, owner_id, name, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Name, p.Description, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create playbook")
	}

	if seedContent == "" {
		if err := tx.Commit(); err != nil {
			return nil, errors.Wrap(err, "failed to commit create transaction")
		}
		return nil, nil
	}

	seed := &Version{
		ID:            uuid.NewString(),
		PlaybookID:    p.ID,
		VersionNumber: 1,
		Content:       seedContent,
		CreatedAt:     p.CreatedAt,
	}
	_, err = tx.Exec(`
		INSERT INTO playbook_versions (id, playbook_id, version_number, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		seed.ID, seed.PlaybookID, seed.VersionNumber, seed.Content, seed.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create seed version")
	}

	_, err = tx.Exec(`UPDATE playbooks SET current_version_id = ? WHERE id = ?`, seed.ID, p.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to set current version")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit create transaction")
	}

	p.CurrentVersionID = seed.ID
	return seed, nil
}

// Get retrieves a playbook by ID
func (s *Store) Get(id string) (*Playbook, error) {
	query := `SELECT ` + StandardPlaybookSelectColumns() + ` FROM playbooks WHERE id = ?`

	var p Playbook
	args := &PlaybookScanArgs{}
	err := s.db.QueryRow(query, id).Scan(GetPlaybookScanTargets(&p, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithDetail(errors.ErrNotFound, "playbook "+id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get playbook")
	}

	ProcessPlaybookScanArgs(&p, args)
	return &p, nil
}

// ListActive returns all playbooks that have not been archived
func (s *Store) ListActive() ([]*Playbook, error) {
	query := `SELECT ` + StandardPlaybookSelectColumns() + `
		FROM playbooks
		WHERE status = 'active'
		ORDER BY created_at ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active playbooks")
	}
	defer rows.Close()

	var playbooks []*Playbook
	for rows.Next() {
		var p Playbook
		if err := ScanPlaybookFromRows(rows, &p); err != nil {
			return nil, errors.Wrap(err, "failed to scan playbook")
		}
		playbooks = append(playbooks, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating playbooks")
	}

	return playbooks, nil
}

// Archive marks a playbook archived. Archived playbooks reject new
// outcomes and evolution triggers but keep their history readable.
func (s *Store) Archive(id string) error {
	result, err := s.db.Exec(`
		UPDATE playbooks
		SET status = 'archived', updated_at = ?
		WHERE id = ? AND status = 'active'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to archive playbook")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.WithDetail(errors.ErrNotFound, "active playbook "+id)
	}

	return nil
}

// VersionStore handles read access to the immutable version history.
// Version rows are inserted only by Store.Create (seed) and the evolution
// commit transaction.
type VersionStore struct {
	db *sql.DB
}

// NewVersionStore creates a new version store
func NewVersionStore(db *sql.DB) *VersionStore {
	return &VersionStore{db: db}
}

// Get retrieves a version by ID
func (s *VersionStore) Get(id string) (*Version, error) {
	query := `SELECT ` + StandardVersionSelectColumns() + ` FROM playbook_versions WHERE id = ?`

	var v Version
	args := &VersionScanArgs{}
	err := s.db.QueryRow(query, id).Scan(GetVersionScanTargets(&v, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithDetail(errors.ErrNotFound, "version "+id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get version")
	}

	ProcessVersionScanArgs(&v, args)
	return &v, nil
}

// ListByPlaybook returns a playbook's versions, oldest first
func (s *VersionStore) ListByPlaybook(playbookID string) ([]*Version, error) {
	query := `SELECT ` + StandardVersionSelectColumns() + `
		FROM playbook_versions
		WHERE playbook_id = ?
		ORDER BY version_number ASC`

	rows, err := s.db.Query(query, playbookID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list versions")
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		var v Version
		if err := ScanVersionFromRows(rows, &v); err != nil {
			return nil, errors.Wrap(err, "failed to scan version")
		}
		versions = append(versions, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating versions")
	}

	return versions, nil
}

// CurrentContent returns the content and version number the playbook's
// current-version pointer resolves to. A playbook created without seed
// content has a null pointer and resolves to ("", 0); the first evolution
// then produces version 1.
func (s *VersionStore) CurrentContent(playbookID string) (string, int, error) {
	query := `
		SELECT v.content, v.version_number
		FROM playbooks p
		LEFT JOIN playbook_versions v ON v.id = p.current_version_id
		WHERE p.id = ?`

	var content sql.NullString
	var number sql.NullInt64
	err := s.db.QueryRow(query, playbookID).Scan(&content, &number)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, errors.WithDetail(errors.ErrNotFound, "playbook "+playbookID)
	}
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to get current content")
	}

	return content.String, int(number.Int64), nil
}
