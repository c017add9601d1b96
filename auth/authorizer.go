// Package auth decides who may trigger evolution on a playbook.
package auth

import (
	"context"
	"database/sql"

	"github.com/acehq/ace/errors"
)

// SystemCaller identifies internal callers (the threshold monitor, CLI
// maintenance commands). It is always authorized.
const SystemCaller = "system"

// Authorizer answers whether a caller may trigger evolution on a playbook
type Authorizer interface {
	MayTrigger(ctx context.Context, caller, playbookID string) (bool, error)
}

// OwnerAuthorizer allows the playbook's owner and the system caller
type OwnerAuthorizer struct {
	db *sql.DB
}

// NewOwnerAuthorizer creates an authorizer backed by the playbooks table
func NewOwnerAuthorizer(db *sql.DB) *OwnerAuthorizer {
	return &OwnerAuthorizer{db: db}
}

// MayTrigger reports whether caller owns the playbook. Unknown playbooks
// return false without error; the trigger path surfaces its own not-found.
func (a *OwnerAuthorizer) MayTrigger(ctx context.Context, caller, playbookID string) (bool, error) {
	if caller == SystemCaller {
		return true, nil
	}
	if caller == "" {
		return false, nil
	}

	var ownerID string
	err := a.db.QueryRowContext(ctx, `SELECT owner_id FROM playbooks WHERE id = ?`, playbookID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to look up playbook owner")
	}

	return ownerID == caller, nil
}

// AllowAll authorizes every caller. Used by tests and single-user CLI setups.
type AllowAll struct{}

// MayTrigger always returns true
func (AllowAll) MayTrigger(ctx context.Context, caller, playbookID string) (bool, error) {
	return true, nil
}
