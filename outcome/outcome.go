// Package outcome provides the append-only ledger of task outcomes
// recorded against playbooks. Outcomes drive evolution: unprocessed rows
// accumulate until a threshold trips or a manual trigger consumes them.
package outcome

import (
	"time"

	"github.com/google/uuid"
)

// OutcomeStatus classifies how the task went
type OutcomeStatus string

const (
	StatusSuccess OutcomeStatus = "success"
	StatusFailure OutcomeStatus = "failure"
	StatusPartial OutcomeStatus = "partial"
)

// IsValidStatus returns true if the status string is a valid OutcomeStatus
func IsValidStatus(s string) bool {
	switch OutcomeStatus(s) {
	case StatusSuccess, StatusFailure, StatusPartial:
		return true
	default:
		return false
	}
}

// Outcome records one task execution against a playbook. ProcessedAt and
// EvolutionJobID are set exactly once, by the evolution commit that
// consumed the outcome.
type Outcome struct {
	ID              string        `json:"id"`
	PlaybookID      string        `json:"playbook_id"`
	TaskDescription string        `json:"task_description"`
	Status          OutcomeStatus `json:"outcome_status"`
	ReasoningTrace  string        `json:"reasoning_trace,omitempty"`
	Notes           string        `json:"notes,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	ProcessedAt     *time.Time    `json:"processed_at,omitempty"`
	EvolutionJobID  string        `json:"evolution_job_id,omitempty"`
}

// New creates an unprocessed outcome ready for Store.Report
func New(playbookID, taskDescription string, status OutcomeStatus) *Outcome {
	now := time.Now().UTC()
	return &Outcome{
		ID:              uuid.NewString(),
		PlaybookID:      playbookID,
		TaskDescription: taskDescription,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Processed reports whether an evolution job has already consumed this outcome
func (o *Outcome) Processed() bool {
	return o.ProcessedAt != nil
}
