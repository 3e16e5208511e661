package config

import (
	"time"

	domainjob "github.com/target/jobexec/internal/domain/job"
)

// ExecutorConfig contains job executor configuration.
type ExecutorConfig struct {
	// Concurrency is the number of jobs one executor runs at a time.
	Concurrency int `env:"CONCURRENCY" envDefault:"4"`

	// LockDuration is how long an acquired job stays locked before the sweep may reclaim it.
	LockDuration time.Duration `env:"LOCK_DURATION" envDefault:"5m"`

	// MaxLockDuration caps per-request lock durations.
	MaxLockDuration time.Duration `env:"MAX_LOCK_DURATION" envDefault:"30m"`

	// Poll delays: MinPollDelay after a full cycle, DefaultPollDelay after a partial one,
	// doubling up to MaxPollDelay while cycles come back empty.
	MinPollDelay     time.Duration `env:"MIN_POLL_DELAY"     envDefault:"100ms"`
	DefaultPollDelay time.Duration `env:"DEFAULT_POLL_DELAY" envDefault:"1s"`
	MaxPollDelay     time.Duration `env:"MAX_POLL_DELAY"     envDefault:"30s"`

	// HeartbeatInterval is how often a worker refreshes its liveness key; HeartbeatTTL is the key lifetime.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	HeartbeatTTL      time.Duration `env:"HEARTBEAT_TTL"      envDefault:"30s"`

	// DefaultRetries is the retry budget of jobs created without one.
	DefaultRetries int `env:"DEFAULT_RETRIES" envDefault:"3"`

	// Backoff selects the delay before a failed job is due again: none, constant, linear,
	// exponential or jitter.
	Backoff        domainjob.BackoffKind `env:"BACKOFF"         envDefault:"exponential"`
	BackoffInitial time.Duration         `env:"BACKOFF_INITIAL" envDefault:"1s"`
	BackoffMax     time.Duration         `env:"BACKOFF_MAX"     envDefault:"5m"`

	// ListenNotify wakes idle executors through Postgres LISTEN/NOTIFY.
	ListenNotify bool `env:"LISTEN_NOTIFY" envDefault:"true"`
}

// Sanitize applies guardrails to executor configuration values.
func (c *ExecutorConfig) Sanitize() {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.LockDuration < domainjob.MinLockDuration {
		c.LockDuration = domainjob.MinLockDuration
	}
	if c.MaxLockDuration > 0 && c.MaxLockDuration < c.LockDuration {
		c.MaxLockDuration = c.LockDuration
	}
	if c.MinPollDelay <= 0 {
		c.MinPollDelay = 10 * time.Millisecond
	}
	if c.DefaultPollDelay < c.MinPollDelay {
		c.DefaultPollDelay = c.MinPollDelay
	}
	if c.MaxPollDelay < c.DefaultPollDelay {
		c.MaxPollDelay = c.DefaultPollDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTTL < 2*c.HeartbeatInterval {
		c.HeartbeatTTL = 2 * c.HeartbeatInterval
	}
	if c.DefaultRetries < 1 {
		c.DefaultRetries = 1
	}
	if c.BackoffInitial < 0 {
		c.BackoffInitial = 0
	}
	if c.BackoffMax > 0 && c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
}

// RetryPolicy builds the retry policy described by the configuration.
func (c *ExecutorConfig) RetryPolicy() domainjob.RetryPolicy {
	return domainjob.RetryPolicy{
		Budget:   c.DefaultRetries,
		Strategy: domainjob.NewBackoff(c.Backoff, c.BackoffInitial, c.BackoffMax),
	}
}

// HistoryConfig contains async history pipeline configuration.
type HistoryConfig struct {
	// Concurrency is the number of history jobs the history executor runs at a time.
	Concurrency int `env:"CONCURRENCY" envDefault:"2"`

	// GroupingEnabled packs the facts of one unit of work into a single job once there are
	// at least GroupingThreshold of them.
	GroupingEnabled   bool `env:"GROUPING_ENABLED"   envDefault:"true"`
	GroupingThreshold int  `env:"GROUPING_THRESHOLD" envDefault:"10"`

	// CompressionEnabled gzips grouped payloads of at least CompressionMinBytes.
	CompressionEnabled  bool `env:"COMPRESSION_ENABLED"   envDefault:"true"`
	CompressionMinBytes int  `env:"COMPRESSION_MIN_BYTES" envDefault:"4096"`

	// ResetRetriesOnGroupSplit gives facts split out of a group the group's retries instead
	// of charging one retry for the declined attempt.
	ResetRetriesOnGroupSplit bool `env:"RESET_RETRIES_ON_GROUP_SPLIT" envDefault:"false"`

	// Retries is the retry budget of history jobs.
	Retries int `env:"RETRIES" envDefault:"3"`
}

// Sanitize applies guardrails to history configuration values.
func (c *HistoryConfig) Sanitize() {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.GroupingThreshold < 1 {
		c.GroupingThreshold = 1
	}
	if c.CompressionMinBytes < 0 {
		c.CompressionMinBytes = 0
	}
	if c.Retries < 1 {
		c.Retries = 1
	}
}

// SweeperConfig contains lock sweeper configuration.
type SweeperConfig struct {
	// Interval is the sweep tick interval.
	Interval time.Duration `env:"INTERVAL" envDefault:"1m"`

	// BatchSize is the maximum number of locks released per statement.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"BATCH_SIZE" envDefault:"500"`
}

// Sanitize applies guardrails to sweeper configuration values.
func (c *SweeperConfig) Sanitize() {
	if c.Interval < time.Second {
		c.Interval = time.Second
	}
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	if c.BatchSize > 10000 {
		c.BatchSize = 10000
	}
}

// BatchConfig contains batch manager configuration.
type BatchConfig struct {
	// StatusInterval is how often a batch's status job checks part completion.
	StatusInterval time.Duration `env:"STATUS_INTERVAL" envDefault:"30s"`

	// PartRetries is the retry budget of part jobs.
	PartRetries int `env:"PART_RETRIES" envDefault:"3"`
}

// Sanitize applies guardrails to batch configuration values.
func (c *BatchConfig) Sanitize() {
	if c.StatusInterval < time.Second {
		c.StatusInterval = time.Second
	}
	if c.PartRetries < 1 {
		c.PartRetries = 1
	}
}
