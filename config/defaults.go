package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "ace.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.json_logs", false)

	// Evolution job system defaults
	v.SetDefault("evolution.workers", 1)
	v.SetDefault("evolution.poll_interval_seconds", 1)
	v.SetDefault("evolution.outcome_threshold", 5)
	v.SetDefault("evolution.time_threshold_hours", 24)
	v.SetDefault("evolution.monitor_interval_seconds", 60)
	v.SetDefault("evolution.engine_timeout_seconds", 120)
	v.SetDefault("evolution.max_retries", 3)
	v.SetDefault("evolution.heartbeat_interval_seconds", 15)
	v.SetDefault("evolution.stale_after_seconds", 120)
	v.SetDefault("evolution.rate_limit_per_minute", 10)
	v.SetDefault("evolution.daily_budget_usd", 3.0) // Default $3/day limit

	// Engine defaults
	v.SetDefault("engine.base_url", "https://api.anthropic.com")
	v.SetDefault("engine.model", "claude-sonnet-4-5")
	v.SetDefault("engine.temperature", 0.2) // Deterministic
	v.SetDefault("engine.max_tokens", 8192)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	// Engine credentials
	v.BindEnv("engine.api_key", "ACE_ENGINE_API_KEY")
	v.BindEnv("engine.base_url", "ACE_ENGINE_BASE_URL")
	v.BindEnv("engine.model", "ACE_ENGINE_MODEL")

	// Database path
	v.BindEnv("database.path", "ACE_DATABASE_PATH")
}

// GetServerPort returns the configured ACE server port
func (c *Config) GetServerPort() int {
	if c.Server.Port == 0 {
		return DefaultServerPort
	}
	return c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "ace.db" // Fallback default
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}
