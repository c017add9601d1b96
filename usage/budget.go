package usage

import (
	"sync"

	"github.com/acehq/ace/errors"
)

// Budget enforces a daily spending limit against recorded usage.
// A limit of zero disables enforcement.
type Budget struct {
	tracker       *Tracker
	mu            sync.RWMutex
	dailyLimitUSD float64
}

// BudgetStatus reports current spend against the limit
type BudgetStatus struct {
	DailySpendUSD     float64 `json:"daily_spend_usd"`
	DailyLimitUSD     float64 `json:"daily_limit_usd"`
	DailyRemainingUSD float64 `json:"daily_remaining_usd"`
	DailyOps          int     `json:"daily_ops"`
}

// NewBudget creates a budget checker over the tracker's records
func NewBudget(tracker *Tracker, dailyLimitUSD float64) *Budget {
	return &Budget{
		tracker:       tracker,
		dailyLimitUSD: dailyLimitUSD,
	}
}

// CheckBudget returns an error if spending estimatedCostUSD would exceed
// today's limit
func (b *Budget) CheckBudget(estimatedCostUSD float64) error {
	b.mu.RLock()
	limit := b.dailyLimitUSD
	b.mu.RUnlock()

	if limit <= 0 {
		return nil // Unlimited
	}

	spend, _, err := b.tracker.DailySpend()
	if err != nil {
		return errors.Wrap(err, "failed to get budget status")
	}

	if spend+estimatedCostUSD > limit {
		return errors.Newf("daily budget would be exceeded: current $%.3f + estimated $%.3f > limit $%.2f",
			spend, estimatedCostUSD, limit)
	}

	return nil
}

// GetStatus returns the current budget status
func (b *Budget) GetStatus() (*BudgetStatus, error) {
	spend, ops, err := b.tracker.DailySpend()
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	limit := b.dailyLimitUSD
	b.mu.RUnlock()

	remaining := limit - spend
	if limit <= 0 {
		remaining = 0
	} else if remaining < 0 {
		remaining = 0
	}

	return &BudgetStatus{
		DailySpendUSD:     spend,
		DailyLimitUSD:     limit,
		DailyRemainingUSD: remaining,
		DailyOps:          ops,
	}, nil
}

// UpdateDailyLimit adjusts the limit at runtime
func (b *Budget) UpdateDailyLimit(limitUSD float64) error {
	if limitUSD < 0 {
		return errors.Newf("daily budget cannot be negative: %.2f", limitUSD)
	}

	b.mu.Lock()
	b.dailyLimitUSD = limitUSD
	b.mu.Unlock()
	return nil
}
