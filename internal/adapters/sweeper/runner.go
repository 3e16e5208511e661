// Package sweeper provides adapters for running the lock sweeper.
package sweeper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/jobexec/config"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/data"
	"github.com/target/jobexec/internal/observability/statsd"
	"github.com/target/jobexec/internal/service"
)

// Runner provides a simple adapter to run the lock sweeper loop.
// It constructs the sweeper service and runs the sweep loop.
type Runner struct {
	sweeper *service.LockSweeperService
	logger  *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.SweeperConfig
	Logger *slog.Logger

	// Optional dependency injection for testing/decoupling
	Store   core.Store
	Workers core.WorkerRegistry
	Metrics statsd.Sink
}

// NewRunner creates a new sweeper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	sweeper, err := wireSweeperService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire sweeper service: %w", err)
	}

	return &Runner{
		sweeper: sweeper,
		logger:  opts.Logger,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && opts.Store == nil {
		return errors.New("either DB or Store must be provided")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Config.Sanitize()
	return nil
}

// wireSweeperService wires up all dependencies for the sweeper service.
func wireSweeperService(opts RunnerOptions) (*service.LockSweeperService, error) {
	store := opts.Store
	if store == nil {
		store = data.NewStore(opts.DB, data.RepoConfig{})
	}

	return service.NewLockSweeperService(service.LockSweeperServiceOptions{
		Store:   store,
		Workers: opts.Workers,
		Config:  opts.Config,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
}

// Run starts the sweep loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting lock sweeper runner")
	return r.sweeper.Run(ctx)
}

// SweepOnce releases expired locks once; used by the admin CLI.
func (r *Runner) SweepOnce(ctx context.Context) (service.SweepResult, error) {
	return r.sweeper.SweepOnce(ctx)
}
