package evolution

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acehq/ace/auth"
	"github.com/acehq/ace/db"
	"github.com/acehq/ace/outcome"
	"github.com/acehq/ace/playbook"
)

// MonitorConfig contains configuration for the threshold monitor
type MonitorConfig struct {
	Interval         time.Duration // How often to scan playbooks
	OutcomeThreshold int           // Trigger when unprocessed outcomes reach this count
	TimeThreshold    time.Duration // Trigger when this long since the last evolution (needs >= 1 outcome)
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:         time.Minute,
		OutcomeThreshold: 5,
		TimeThreshold:    24 * time.Hour,
	}
}

// Monitor periodically scans active playbooks and triggers evolution when
// a threshold trips: enough unprocessed outcomes, or enough time since the
// last evolution with at least one outcome waiting. Zero outcomes never
// trigger - there would be nothing to learn from.
//
// Because the trigger is idempotent, running several monitors against the
// same database is safe; they converge on the same jobs.
type Monitor struct {
	playbooks   *playbook.Store
	outcomes    *outcome.Store
	jobs        *Store
	coordinator *Coordinator
	cfg         MonitorConfig
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	logger      *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// NewMonitor creates a threshold monitor
func NewMonitor(ctx context.Context, playbooks *playbook.Store, outcomes *outcome.Store, jobs *Store, coordinator *Coordinator, cfg MonitorConfig, logger *zap.SugaredLogger) *Monitor {
	monitorCtx, cancel := context.WithCancel(ctx)

	return &Monitor{
		playbooks:   playbooks,
		outcomes:    outcomes,
		jobs:        jobs,
		coordinator: coordinator,
		cfg:         cfg,
		ctx:         monitorCtx,
		cancel:      cancel,
		logger:      logger.Named("monitor"),
	}
}

// Start begins the monitor loop
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	m.logger.Infow("Threshold monitor started",
		"interval", m.cfg.Interval,
		"outcome_threshold", m.cfg.OutcomeThreshold,
		"time_threshold", m.cfg.TimeThreshold,
	)
}

// Stop gracefully stops the monitor
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Infow("Threshold monitor stopped")
}

// run is the main monitor loop
func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case tickTime := <-ticker.C:
			m.mu.Lock()
			m.lastTickAt = tickTime
			m.ticksSinceStart++
			m.mu.Unlock()

			if err := m.scan(tickTime); err != nil {
				if db.IsDatabaseClosed(err) {
					return
				}
				m.logger.Warnw("Monitor tick error", "error", err)
			}
		}
	}
}

// scan checks every active playbook against the thresholds. Per-playbook
// failures are logged and skipped so one bad row never stalls the rest.
func (m *Monitor) scan(now time.Time) error {
	playbooks, err := m.playbooks.ListActive()
	if err != nil {
		return err
	}

	for _, pb := range playbooks {
		select {
		case <-m.ctx.Done():
			return m.ctx.Err()
		default:
		}

		if err := m.checkPlaybook(pb, now); err != nil {
			if db.IsDatabaseClosed(err) {
				return err
			}
			m.logger.Errorw("Failed to evaluate playbook thresholds",
				"playbook_id", pb.ID,
				"error", err,
			)
		}
	}

	return nil
}

// checkPlaybook triggers evolution for one playbook if a threshold trips
func (m *Monitor) checkPlaybook(pb *playbook.Playbook, now time.Time) error {
	// An active job already covers the pending outcomes
	active, err := m.jobs.GetActiveJob(pb.ID)
	if err != nil {
		return err
	}
	if active != nil {
		return nil
	}

	count, err := m.outcomes.CountUnprocessed(pb.ID)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil // Nothing to learn from
	}

	reason := ""
	if count >= m.cfg.OutcomeThreshold {
		reason = "outcome_threshold"
	} else {
		lastEvolved, err := m.jobs.LastCompletedAt(pb.ID)
		if err != nil {
			return err
		}
		since := pb.CreatedAt
		if lastEvolved != nil {
			since = *lastEvolved
		}
		if now.Sub(since) >= m.cfg.TimeThreshold {
			reason = "time_threshold"
		}
	}

	if reason == "" {
		return nil
	}

	result, err := m.coordinator.Trigger(m.ctx, auth.SystemCaller, pb.ID)
	if err != nil {
		return err
	}

	if result.IsNew {
		m.logger.Infow("Auto-triggered evolution",
			"playbook_id", pb.ID,
			"job_id", result.Job.ID,
			"reason", reason,
			"unprocessed_outcomes", count,
		)
	}

	return nil
}

// GetStats returns monitor statistics
func (m *Monitor) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      m.lastTickAt,
		"ticks_since_start": m.ticksSinceStart,
		"interval":          m.cfg.Interval,
	}
}
