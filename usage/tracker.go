// Package usage records per-job engine spend and enforces the daily budget.
package usage

import (
	"database/sql"
	"time"

	"github.com/acehq/ace/errors"
)

// Record is one engine call's worth of accounted usage
type Record struct {
	ID               int64     `json:"id"`
	PlaybookID       string    `json:"playbook_id"`
	EvolutionJobID   string    `json:"evolution_job_id"`
	Operation        string    `json:"operation"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	CreatedAt        time.Time `json:"created_at"`
}

// Tracker persists usage records and aggregates spend
type Tracker struct {
	db *sql.DB
}

// NewTracker creates a usage tracker
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// Track records one usage row
func (t *Tracker) Track(r *Record) error {
	if r.Operation == "" {
		r.Operation = "evolve"
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.TotalTokens == 0 {
		r.TotalTokens = r.PromptTokens + r.CompletionTokens
	}

	_, err := t.db.Exec(`
		INSERT INTO usage_records (playbook_id, evolution_job_id, operation, model,
			prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PlaybookID, r.EvolutionJobID, r.Operation, r.Model,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.CostUSD, r.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to track usage")
	}
	return nil
}

// Stats aggregates usage over a period
type Stats struct {
	TotalRequests int     `json:"total_requests"`
	TotalTokens   int     `json:"total_tokens"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	UniqueModels  int     `json:"unique_models"`
}

// GetStats returns aggregated usage since the given time
func (t *Tracker) GetStats(since time.Time) (*Stats, error) {
	var stats Stats
	err := t.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COUNT(DISTINCT model)
		FROM usage_records
		WHERE created_at >= ?`,
		since,
	).Scan(&stats.TotalRequests, &stats.TotalTokens, &stats.TotalCostUSD, &stats.UniqueModels)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get usage stats")
	}
	return &stats, nil
}

// DailySpend returns today's summed cost (UTC day) and request count
func (t *Tracker) DailySpend() (float64, int, error) {
	startOfDay := time.Now().UTC().Truncate(24 * time.Hour)

	var spend float64
	var ops int
	err := t.db.QueryRow(`
		SELECT COALESCE(SUM(cost_usd), 0), COUNT(*)
		FROM usage_records
		WHERE created_at >= ?`,
		startOfDay,
	).Scan(&spend, &ops)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get daily spend")
	}
	return spend, ops, nil
}
