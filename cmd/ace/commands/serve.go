package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/acehq/ace/auth"
	"github.com/acehq/ace/config"
	"github.com/acehq/ace/engine/anthropic"
	"github.com/acehq/ace/errors"
	"github.com/acehq/ace/evolution"
	"github.com/acehq/ace/logger"
	"github.com/acehq/ace/outcome"
	"github.com/acehq/ace/playbook"
	"github.com/acehq/ace/server"
	"github.com/acehq/ace/usage"
)

// ServeCmd starts the full ACE daemon: HTTP API, evolution worker pool, and
// the threshold monitor.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ACE server",
	Long: `Start the ACE server: the playbook API, the evolution worker pool,
and the threshold monitor that auto-triggers evolution.

The server runs until interrupted. On shutdown, in-flight evolution jobs
are requeued so the next start resumes them.

Examples:
  ace serve                 # Serve on the configured port
  ace serve --db ./ace.db   # Serve against an explicit database`,
	RunE: runServe,
}

var serveDbFlag string

func init() {
	ServeCmd.Flags().StringVar(&serveDbFlag, "db", "", "Database path (overrides configuration)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	if cfg.Server.JSONLogs {
		if err := logger.Initialize(true); err != nil {
			return errors.Wrap(err, "failed to initialize JSON logger")
		}
	}
	log := logger.Logger

	database, err := openDatabase(serveDbFlag)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Usage accounting and the spend/rate gates
	tracker := usage.NewTracker(database)

	var budget *usage.Budget
	var budgetChecker evolution.BudgetChecker
	if cfg.Evolution.DailyBudgetUSD > 0 {
		budget = usage.NewBudget(tracker, cfg.Evolution.DailyBudgetUSD)
		budgetChecker = budget
	}

	var rateLimiter evolution.RateLimiter
	if cfg.Evolution.RateLimitPerMinute > 0 {
		rateLimiter = evolution.NewLimiter(cfg.Evolution.RateLimitPerMinute)
	}

	engine := anthropic.NewClient(anthropic.Config{
		APIKey:      cfg.Engine.APIKey,
		BaseURL:     cfg.Engine.BaseURL,
		Model:       cfg.Engine.Model,
		Temperature: cfg.Engine.Temperature,
		MaxTokens:   cfg.Engine.MaxTokens,
		Timeout:     time.Duration(cfg.Evolution.EngineTimeoutSeconds) * time.Second,
	})

	poolCfg := evolution.DefaultWorkerPoolConfig()
	if cfg.Evolution.Workers > 0 {
		poolCfg.Workers = cfg.Evolution.Workers
	}
	if cfg.Evolution.PollIntervalSeconds > 0 {
		poolCfg.PollInterval = time.Duration(cfg.Evolution.PollIntervalSeconds) * time.Second
	}
	if cfg.Evolution.EngineTimeoutSeconds > 0 {
		poolCfg.EngineTimeout = time.Duration(cfg.Evolution.EngineTimeoutSeconds) * time.Second
	}
	if cfg.Evolution.MaxRetries > 0 {
		poolCfg.MaxRetries = cfg.Evolution.MaxRetries
	}
	if cfg.Evolution.HeartbeatIntervalSeconds > 0 {
		poolCfg.HeartbeatInterval = time.Duration(cfg.Evolution.HeartbeatIntervalSeconds) * time.Second
	}
	if cfg.Evolution.StaleAfterSeconds > 0 {
		poolCfg.StaleAfter = time.Duration(cfg.Evolution.StaleAfterSeconds) * time.Second
	}

	pool := evolution.NewWorkerPool(ctx, database, engine, budgetChecker, rateLimiter, tracker, poolCfg, log)
	pool.Start()
	defer pool.Stop()

	playbooks := playbook.NewStore(database)
	coordinator := evolution.NewCoordinator(playbooks, pool.Jobs(), auth.NewOwnerAuthorizer(database), pool.Wake(), log)

	monitorCfg := evolution.DefaultMonitorConfig()
	if cfg.Evolution.MonitorIntervalSeconds > 0 {
		monitorCfg.Interval = time.Duration(cfg.Evolution.MonitorIntervalSeconds) * time.Second
	}
	if cfg.Evolution.OutcomeThreshold > 0 {
		monitorCfg.OutcomeThreshold = cfg.Evolution.OutcomeThreshold
	}
	if cfg.Evolution.TimeThresholdHours > 0 {
		monitorCfg.TimeThreshold = time.Duration(cfg.Evolution.TimeThresholdHours) * time.Hour
	}

	monitor := evolution.NewMonitor(ctx, playbooks, outcome.NewStore(database), pool.Jobs(), coordinator, monitorCfg, log)
	monitor.Start()
	defer monitor.Stop()

	srv := server.NewServer(ctx, cfg, server.Deps{
		DB:          database,
		Jobs:        pool.Jobs(),
		Coordinator: coordinator,
		Tracker:     tracker,
		Budget:      budget,
	}, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Infow("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
