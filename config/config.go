package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres and Redis configuration
//   - executor.go: executor, history pipeline, sweeper and batch configuration
//   - observability.go: metrics and dead-letter notifications
//   - services.go: service modes
type AppConfig struct {
	// IsDev controls development mode behavior (text logs, debug level).
	// Set DEV=true or GO_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"executor,history-executor,sweeper"`

	// WorkerID names this process in lock owners and heartbeats. Empty generates one.
	WorkerID string `env:"WORKER_ID"`

	// Executor configuration
	Executor ExecutorConfig `envPrefix:"EXECUTOR_"`

	// History pipeline configuration
	History HistoryConfig `envPrefix:"HISTORY_"`

	// Lock sweeper configuration
	Sweeper SweeperConfig `envPrefix:"SWEEPER_"`

	// Batch manager configuration
	Batch BatchConfig `envPrefix:"BATCH_"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Redis.Sanitize()
	c.Executor.Sanitize()
	c.History.Sanitize()
	c.Sweeper.Sanitize()
	c.Batch.Sanitize()
	c.Observability.Sanitize()
	c.WorkerID = strings.TrimSpace(c.WorkerID)

	c.detectDevMode()
}

// detectDevMode checks both DEV and GO_ENV environment variables.
// This is called by Sanitize() to ensure IsDev is set correctly.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		goEnv := strings.ToLower(os.Getenv("GO_ENV"))
		c.IsDev = goEnv == "development" || goEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsExecutorEnabled returns true if the job executor service is enabled.
func (c *AppConfig) IsExecutorEnabled() bool {
	return c.serviceEnabled(ServiceModeExecutor)
}

// IsHistoryExecutorEnabled returns true if the history executor service is enabled.
// When it is off, history producers flush nothing.
func (c *AppConfig) IsHistoryExecutorEnabled() bool {
	return c.serviceEnabled(ServiceModeHistoryExecutor)
}

// IsSweeperEnabled returns true if the lock sweeper service is enabled.
func (c *AppConfig) IsSweeperEnabled() bool {
	return c.serviceEnabled(ServiceModeSweeper)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}
