package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/jobexec/config"
	"github.com/target/jobexec/internal/adapters/jobrunner"
	"github.com/target/jobexec/internal/adapters/sweeper"
	"github.com/target/jobexec/internal/domain/model"
)

// ExecutorRunConfig contains configuration for an executor loop.
type ExecutorRunConfig struct {
	Services ServiceContainer
	Config   config.ExecutorConfig
	Name     string
	WorkerID string
	// History restricts the loop to the history partition.
	History bool
	Logger  *slog.Logger
}

// RunExecutor starts an executor loop and blocks until ctx is cancelled.
func RunExecutor(ctx context.Context, cfg ExecutorRunConfig) error {
	svc := cfg.Services
	if svc.Executor == nil || svc.Acquisition == nil || svc.Jobs == nil {
		return errors.New("executor services are not initialised")
	}

	opts := jobrunner.RunnerOptions{
		Executor:    svc.Executor,
		Acquisition: svc.Acquisition,
		Jobs:        svc.Jobs,
		Config:      cfg.Config,
		Name:        cfg.Name,
		WorkerID:    cfg.WorkerID,
		Workers:     svc.Workers,
		Logger:      cfg.Logger,
		Metrics:     svc.Observability.MetricsSink,
	}
	if cfg.History {
		opts.Partitions = []model.JobState{model.JobStateHistory}
	}

	runner, err := jobrunner.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create %s runner: %w", cfg.Name, err)
	}
	return runner.Run(ctx)
}

// SweeperRunConfig contains configuration for the lock sweeper.
type SweeperRunConfig struct {
	Services ServiceContainer
	Config   config.SweeperConfig
	Logger   *slog.Logger
}

// RunSweeper starts the lock sweeper service.
func RunSweeper(ctx context.Context, cfg SweeperRunConfig) error {
	runner, err := newSweeperRunner(cfg)
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

// SweepOnce runs a single sweep; the admin CLI uses it outside the background loop.
func SweepOnce(ctx context.Context, cfg SweeperRunConfig) (int64, int64, error) {
	runner, err := newSweeperRunner(cfg)
	if err != nil {
		return 0, 0, err
	}
	res, err := runner.SweepOnce(ctx)
	if err != nil {
		return 0, 0, err
	}
	return res.Jobs, res.Scopes, nil
}

func newSweeperRunner(cfg SweeperRunConfig) (*sweeper.Runner, error) {
	runner, err := sweeper.NewRunner(sweeper.RunnerOptions{
		Store:   cfg.Services.Store,
		Workers: cfg.Services.Workers,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Services.Observability.MetricsSink,
	})
	if err != nil {
		return nil, fmt.Errorf("create sweeper runner: %w", err)
	}
	return runner, nil
}
