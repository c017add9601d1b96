// Package config loads the ACE configuration from TOML files and the
// ACE_* environment, layered via Viper.
package config

// Config represents the core ACE configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Evolution EvolutionConfig `mapstructure:"evolution"`
	Engine    EngineConfig    `mapstructure:"engine"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the ACE HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port"` // 0 = default 8710
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	JSONLogs       bool     `mapstructure:"json_logs"` // structured JSON logs instead of console output
}

// Server port constants
const (
	DefaultServerPort = 8710 // Development port (above privileged range)
)

// EvolutionConfig configures the evolution job system (core infrastructure)
type EvolutionConfig struct {
	// Worker concurrency configuration
	Workers             int `mapstructure:"workers"`               // Concurrent evolution workers (default: 1)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"` // How often idle workers check for queued jobs (default: 1)

	// Automatic trigger thresholds
	OutcomeThreshold       int `mapstructure:"outcome_threshold"`        // Unprocessed outcomes before auto-trigger (default: 5)
	TimeThresholdHours     int `mapstructure:"time_threshold_hours"`     // Hours since last evolution before auto-trigger (default: 24)
	MonitorIntervalSeconds int `mapstructure:"monitor_interval_seconds"` // How often the monitor scans playbooks (default: 60)

	// Worker execution limits
	EngineTimeoutSeconds     int `mapstructure:"engine_timeout_seconds"`     // Per-attempt engine call timeout (default: 120)
	MaxRetries               int `mapstructure:"max_retries"`                // Transient-failure retries per job (default: 3)
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"` // Running-job heartbeat period (default: 15)
	StaleAfterSeconds        int `mapstructure:"stale_after_seconds"`        // Missing-heartbeat age before a running job is requeued (default: 120)

	// Engine call rate and spend gates. Gated jobs stay queued and are
	// retried on a later poll rather than failed.
	RateLimitPerMinute int     `mapstructure:"rate_limit_per_minute"` // Sliding-window engine call limit, 0 = unlimited
	DailyBudgetUSD     float64 `mapstructure:"daily_budget_usd"`      // Daily spending limit in USD, 0 = unlimited
}

// EngineConfig configures the LLM engine that rewrites playbook content
type EngineConfig struct {
	APIKey      string   `mapstructure:"api_key"`
	BaseURL     string   `mapstructure:"base_url"`    // Override API endpoint (default: https://api.anthropic.com)
	Model       string   `mapstructure:"model"`       // e.g., "claude-sonnet-4-5"
	Temperature *float64 `mapstructure:"temperature"` // Sampling temperature (nil = default 0.2)
	MaxTokens   int      `mapstructure:"max_tokens"`  // Maximum tokens per request (default: 8192)
}
