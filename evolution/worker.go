package evolution

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acehq/ace/db"
	"github.com/acehq/ace/errors"
	"github.com/acehq/ace/outcome"
	"github.com/acehq/ace/playbook"
	"github.com/acehq/ace/usage"
)

// BudgetChecker gates engine spend before a job is claimed
type BudgetChecker interface {
	CheckBudget(estimatedCostUSD float64) error
}

// RateLimiter gates engine call frequency before a job is claimed. Refund
// gives a slot back when the gated job never reached the engine.
type RateLimiter interface {
	Allow() error
	Refund()
	Stats() (callsInWindow int, remaining int)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers           int           `json:"workers"`            // Number of concurrent workers
	PollInterval      time.Duration `json:"poll_interval"`      // How often idle workers check for queued jobs
	EngineTimeout     time.Duration `json:"engine_timeout"`     // Per-attempt engine call timeout
	MaxRetries        int           `json:"max_retries"`        // Transient-failure retries per job
	BackoffBase       time.Duration `json:"backoff_base"`       // Base for exponential retry backoff
	HeartbeatInterval time.Duration `json:"heartbeat_interval"` // Running-job heartbeat period
	StaleAfter        time.Duration `json:"stale_after"`        // Missing-heartbeat age before requeue
	EstimatedCostUSD  float64       `json:"estimated_cost_usd"` // Per-job estimate fed to the budget gate
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:           1,
		PollInterval:      1 * time.Second,
		EngineTimeout:     2 * time.Minute,
		MaxRetries:        3,
		BackoffBase:       10 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		StaleAfter:        2 * time.Minute,
		EstimatedCostUSD:  0.05,
	}
}

// WorkerPool runs evolution jobs: claim, snapshot, engine call, commit.
// Workers are safe to run concurrently and across processes because every
// transition goes through a conditional UPDATE in the store.
type WorkerPool struct {
	jobs      *Store
	playbooks *playbook.Store
	versions  *playbook.VersionStore
	outcomes  *outcome.Store
	engine    Engine
	budget    BudgetChecker  // optional - can be nil for tests
	limiter   RateLimiter    // optional - can be nil for tests
	tracker   *usage.Tracker // optional - nil disables usage accounting
	cfg       WorkerPoolConfig
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	wake      chan struct{}
	logger    *zap.SugaredLogger
	mu        sync.Mutex
}

// NewWorkerPool creates a worker pool. budget, limiter and tracker may be
// nil, which disables the respective gate or accounting.
func NewWorkerPool(ctx context.Context, database *sql.DB, engine Engine, budget BudgetChecker, limiter RateLimiter, tracker *usage.Tracker, cfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	workerCtx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		jobs:      NewStore(database),
		playbooks: playbook.NewStore(database),
		versions:  playbook.NewVersionStore(database),
		outcomes:  outcome.NewStore(database),
		engine:    engine,
		budget:    budget,
		limiter:   limiter,
		tracker:   tracker,
		cfg:       cfg,
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		logger:    logger.Named("evolution"),
	}
}

// Jobs returns the job store backing this pool (useful for triggering and
// subscriptions).
func (wp *WorkerPool) Jobs() *Store {
	return wp.jobs
}

// Wake returns the channel triggers use to nudge an idle worker
func (wp *WorkerPool) Wake() chan<- struct{} {
	return wp.wake
}

// Start begins processing jobs with the worker pool
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	// Recreate the context if a previous Stop cancelled it
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
	default:
	}
	wp.mu.Unlock()

	for i := 0; i < wp.cfg.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	if wp.cfg.StaleAfter > 0 {
		wp.wg.Add(1)
		go wp.staleSweeper()
	}

	wp.logger.Infow("Worker pool started",
		"workers", wp.cfg.Workers,
		"poll_interval", wp.cfg.PollInterval,
		"stale_after", wp.cfg.StaleAfter,
	)
}

// Stop gracefully stops the worker pool. Jobs interrupted mid-flight are
// requeued so the next claimer resumes them.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped - all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Warnw("Worker pool stop timed out - workers may still be finishing", "timeout", timeout)
	}
}

// worker polls for queued jobs, also waking early on trigger nudges
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-wp.wake:
		case <-ticker.C:
		}

		if err := wp.processNextJob(); err != nil {
			select {
			case <-wp.ctx.Done():
				return // Shutdown - exit silently
			default:
			}
			if errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
				return // Database closed during shutdown
			}
			wp.logger.Errorw("Worker error processing job",
				"worker_id", id,
				"error", err,
			)
		}
	}
}

// staleSweeper periodically requeues running jobs whose heartbeat went
// silent (crashed worker, lost process).
func (wp *WorkerPool) staleSweeper() {
	defer wp.wg.Done()

	interval := wp.cfg.StaleAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			n, err := wp.jobs.RequeueStale(wp.cfg.StaleAfter)
			if err != nil {
				if db.IsDatabaseClosed(err) {
					return
				}
				wp.logger.Warnw("Stale job sweep failed", "error", err)
				continue
			}
			if n > 0 {
				wp.logger.Warnw("Requeued stale jobs with silent heartbeats",
					"count", n,
					"stale_after", wp.cfg.StaleAfter,
				)
			}
		}
	}
}

// processNextJob claims the oldest queued job and runs it to a terminal
// state. Gate refusals leave the job queued (deferred, not failed).
func (wp *WorkerPool) processNextJob() error {
	select {
	case <-wp.ctx.Done():
		return nil
	default:
	}

	next, err := wp.jobs.NextQueued()
	if err != nil {
		return errors.Wrap(err, "failed to get next queued job")
	}
	if next == nil {
		return nil // Nothing queued
	}

	// Rate limit gate before claiming: a deferred job stays queued and is
	// retried on a later poll.
	if wp.limiter != nil {
		if err := wp.limiter.Allow(); err != nil {
			callsInWindow, remaining := wp.limiter.Stats()
			wp.logger.Infow("Rate limit reached - deferring job",
				"job_id", next.ID,
				"calls_in_window", callsInWindow,
				"calls_remaining", remaining,
			)
			return nil
		}
	}

	// Budget gate, same deferral semantics
	if wp.budget != nil {
		if err := wp.budget.CheckBudget(wp.cfg.EstimatedCostUSD); err != nil {
			wp.logger.Infow("Budget exhausted - deferring job",
				"job_id", next.ID,
				"estimated_cost", wp.cfg.EstimatedCostUSD,
				"reason", err.Error(),
			)
			return nil
		}
	}

	job, err := wp.jobs.Claim(next.ID)
	if err != nil {
		wp.refundRateSlot()
		return errors.Wrap(err, "failed to claim job")
	}
	if job == nil {
		wp.refundRateSlot()
		return nil // Another worker won the claim
	}

	return wp.runJob(job)
}

// refundRateSlot hands an unused rate-limiter slot back. Called on paths
// that passed the gate but made no engine call.
func (wp *WorkerPool) refundRateSlot() {
	if wp.limiter != nil {
		wp.limiter.Refund()
	}
}

// runJob executes one claimed job through snapshot, engine call, and commit
func (wp *WorkerPool) runJob(job *Job) error {
	wp.logger.Infow("Evolution job started",
		"job_id", job.ID,
		"playbook_id", job.PlaybookID,
		"retry_count", job.RetryCount,
	)

	// Heartbeat while the job runs so the stale sweep knows we are alive
	hbCtx, hbCancel := context.WithCancel(wp.ctx)
	defer hbCancel()
	go wp.heartbeat(hbCtx, job.ID)

	// Snapshot: current content plus the unprocessed outcomes this job
	// will consume. Outcomes recorded after this point wait for the next
	// job.
	content, fromNumber, err := wp.versions.CurrentContent(job.PlaybookID)
	if err != nil {
		wp.refundRateSlot()
		return wp.jobs.Fail(job.ID, errors.Wrap(err, "failed to snapshot playbook content"))
	}

	outcomes, err := wp.outcomes.ListUnprocessed(job.PlaybookID)
	if err != nil {
		wp.refundRateSlot()
		return wp.jobs.Fail(job.ID, errors.Wrap(err, "failed to snapshot outcomes"))
	}

	if len(outcomes) == 0 {
		wp.logger.Infow("No unprocessed outcomes - completing without evolution",
			"job_id", job.ID,
			"playbook_id", job.PlaybookID,
		)
		wp.refundRateSlot()
		return wp.jobs.CompleteEmpty(job.ID)
	}

	outcomeIDs := make([]string, len(outcomes))
	for i, o := range outcomes {
		outcomeIDs[i] = o.ID
	}

	var lastErr error
	for attempt := 0; attempt <= wp.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := wp.cfg.BackoffBase * (1 << (attempt - 1))
			wp.logger.Warnw("Retrying evolution after transient failure",
				"job_id", job.ID,
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr,
			)
			select {
			case <-wp.ctx.Done():
				return wp.requeueOnShutdown(job)
			case <-time.After(backoff):
			}
		}

		engineCtx, cancel := context.WithTimeout(wp.ctx, wp.cfg.EngineTimeout)
		result, err := wp.engine.Evolve(engineCtx, content, outcomes)
		cancel()

		if result != nil {
			// Every engine call costs money, including ones whose commit
			// later fails, so account for it as soon as we know the tokens.
			wp.recordUsage(job, &result.Usage)
		}

		if err != nil {
			select {
			case <-wp.ctx.Done():
				return wp.requeueOnShutdown(job)
			default:
			}
			if IsTransient(err) && attempt < wp.cfg.MaxRetries {
				lastErr = err
				continue
			}
			return wp.jobs.Fail(job.ID, err)
		}

		if !result.HasChanges {
			if err := wp.jobs.CompleteNoChange(job.ID, outcomeIDs, &result.Usage); err != nil {
				if attempt < wp.cfg.MaxRetries {
					lastErr = err
					continue
				}
				return wp.jobs.Fail(job.ID, errors.Wrap(err, "failed to commit no-change evolution"))
			}
			wp.logger.Infow("Evolution completed without changes",
				"job_id", job.ID,
				"playbook_id", job.PlaybookID,
				"outcomes_processed", len(outcomeIDs),
				"cost_usd", result.Usage.CostUSD,
			)
			return nil
		}

		version, err := wp.jobs.Complete(job.ID, &Commit{
			Content:     result.Content,
			DiffSummary: result.DiffSummary,
			OutcomeIDs:  outcomeIDs,
			Usage:       &result.Usage,
		})
		if err != nil {
			// Commit failures (db contention, transient IO) are retried
			// like engine failures; the transaction rolled back cleanly.
			if attempt < wp.cfg.MaxRetries {
				lastErr = err
				continue
			}
			return wp.jobs.Fail(job.ID, errors.Wrap(err, "failed to commit evolution"))
		}

		wp.logger.Infow("Evolution completed",
			"job_id", job.ID,
			"playbook_id", job.PlaybookID,
			"from_version", fromNumber,
			"to_version", version.VersionNumber,
			"outcomes_processed", len(outcomeIDs),
			"cost_usd", result.Usage.CostUSD,
		)
		return nil
	}

	return wp.jobs.Fail(job.ID, lastErr)
}

// recordUsage persists a usage row for one engine call. Accounting failures
// are logged, never fatal to the job.
func (wp *WorkerPool) recordUsage(job *Job, u *Usage) {
	if wp.tracker == nil || u == nil || u.TotalTokens == 0 {
		return
	}
	err := wp.tracker.Track(&usage.Record{
		PlaybookID:       job.PlaybookID,
		EvolutionJobID:   job.ID,
		Model:            u.Model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CostUSD:          u.CostUSD,
	})
	if err != nil {
		wp.logger.Warnw("Failed to record usage", "job_id", job.ID, "error", err)
	}
}

// heartbeat bumps the job's liveness stamp until the job finishes
func (wp *WorkerPool) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(wp.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wp.jobs.Heartbeat(jobID); err != nil {
				if db.IsDatabaseClosed(err) {
					return
				}
				wp.logger.Warnw("Heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// requeueOnShutdown returns an interrupted job to the queue during
// graceful shutdown. Errors are logged, not returned - the stale sweep
// will catch the job if the requeue itself fails.
func (wp *WorkerPool) requeueOnShutdown(job *Job) error {
	wp.logger.Infow("Shutdown during evolution - requeueing job", "job_id", job.ID)
	if err := wp.jobs.Requeue(job.ID); err != nil && !db.IsDatabaseClosed(err) {
		wp.logger.Errorw("Failed to requeue job during shutdown", "job_id", job.ID, "error", err)
	}
	return nil
}
