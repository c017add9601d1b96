// Package playbook provides storage for playbooks and their immutable
// version history. A playbook's content is never edited in place: every
// change appends a playbook_versions row and moves the current-version
// pointer.
package playbook

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a playbook
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Playbook is the evolving resource. Content lives in playbook_versions;
// CurrentVersionID points at the version returned to consumers.
type Playbook struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"owner_id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	CurrentVersionID string    `json:"current_version_id,omitempty"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// New creates an active playbook owned by ownerID. The caller persists it
// (with seed content) via Store.Create.
func New(ownerID, name, description string) *Playbook {
	now := time.Now().UTC()
	return &Playbook{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Name:        name,
		Description: description,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsActive reports whether the playbook accepts outcomes and evolution jobs
func (p *Playbook) IsActive() bool {
	return p.Status == StatusActive
}

// Version is one immutable snapshot of playbook content. Version numbers
// are sequential per playbook starting at 1.
type Version struct {
	ID             string    `json:"id"`
	PlaybookID     string    `json:"playbook_id"`
	VersionNumber  int       `json:"version_number"`
	Content        string    `json:"content"`
	CreatedByJobID string    `json:"created_by_job_id,omitempty"` // empty for the seed version
	DiffSummary    string    `json:"diff_summary,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
