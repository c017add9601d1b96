// Package evolution provides the durable evolution job pipeline: trigger
// coordination, the worker pool that runs engine calls, the threshold
// monitor, and the atomic commit that publishes a new playbook version.
package evolution

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/acehq/ace/errors"
)

// JobStatus represents the current state of an evolution job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Active reports whether the status occupies the playbook's single active
// slot (the partial unique index covers exactly these two states).
func (s JobStatus) Active() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// Usage records what one evolution's engine calls consumed
type Usage struct {
	Model            string  `json:"model,omitempty"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// Job represents one evolution of a playbook. A playbook has at most one
// queued-or-running job at a time; completed and failed jobs accumulate as
// history.
type Job struct {
	ID                string     `json:"id"`
	PlaybookID        string     `json:"playbook_id"`
	Status            JobStatus  `json:"status"`
	FromVersionID     string     `json:"from_version_id,omitempty"` // current version when the job was queued
	ToVersionID       string     `json:"to_version_id,omitempty"`   // version published by the commit
	OutcomesProcessed int        `json:"outcomes_processed"`
	RetryCount        int        `json:"retry_count"`
	Error             string     `json:"error,omitempty"`
	Usage             *Usage     `json:"usage,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	HeartbeatAt       *time.Time `json:"heartbeat_at,omitempty"`
}

// NewJob creates a queued job for the playbook, recording which version it
// starts from.
func NewJob(playbookID, fromVersionID string) *Job {
	return &Job{
		ID:            uuid.NewString(),
		PlaybookID:    playbookID,
		Status:        JobStatusQueued,
		FromVersionID: fromVersionID,
		CreatedAt:     time.Now().UTC(),
	}
}

// Terminal reports whether the job has finished (successfully or not)
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// MarshalUsage converts Usage to a JSON string for storage
func MarshalUsage(u *Usage) (string, error) {
	if u == nil {
		return "", nil
	}
	data, err := json.Marshal(u)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal usage")
	}
	return string(data), nil
}

// UnmarshalUsage converts a stored JSON string back to Usage
func UnmarshalUsage(data string) (*Usage, error) {
	if data == "" {
		return nil, nil
	}
	var u Usage
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal usage")
	}
	return &u, nil
}
