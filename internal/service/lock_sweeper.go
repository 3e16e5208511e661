package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/jobexec/config"
	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	obserrors "github.com/target/jobexec/internal/observability/errors"
	"github.com/target/jobexec/internal/observability/metrics"
	"github.com/target/jobexec/internal/observability/statsd"
)

// LockSweeperServiceOptions groups dependencies for LockSweeperService.
type LockSweeperServiceOptions struct {
	Store   core.Store           // Required: job and scope store
	Workers core.WorkerRegistry  // Optional: live workers keep their locks; nil treats every owner as dead
	Config  config.SweeperConfig // Required: sweeper configuration
	Clock   clock.Clock          // Optional: defaults to the wall clock
	Logger  *slog.Logger         // Optional: structured logger
	Metrics statsd.Sink          // Optional: metrics sink (StatsD-compatible)
}

// LockSweeperService reclaims locks whose expiration passed.
//
// Expiry is the only cancellation mechanism for a hung or dead worker:
// - Job locks past their expiration are cleared so another worker can acquire the job.
// - Scope locks past their expiration are cleared so the scope's exclusive jobs can run again.
// A lock held by a worker that still heartbeats is left alone even when expired.
type LockSweeperService struct {
	store   core.Store
	workers core.WorkerRegistry
	config  config.SweeperConfig
	clock   clock.Clock
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewLockSweeperService constructs a new LockSweeperService.
func NewLockSweeperService(opts LockSweeperServiceOptions) (*LockSweeperService, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Config.Interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "lock_sweeper")
		logger.Debug("LockSweeperService initialized",
			"interval", opts.Config.Interval,
			"batch_size", opts.Config.BatchSize,
			"liveness", opts.Workers != nil,
		)
	}

	return &LockSweeperService{
		store:   opts.Store,
		workers: opts.Workers,
		config:  opts.Config,
		clock:   clock.OrReal(opts.Clock),
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Run starts the sweep loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *LockSweeperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting lock sweeper", "interval", s.config.Interval)
	}

	// Jitter keeps instances that start together from sweeping in lockstep.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.SweepOnce(ctx); err != nil {
		s.logSweepError(err, "initial sweep")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *LockSweeperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (s *LockSweeperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "lock sweeper stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logSweepError(err, "sweep")
			}
		}
	}
}

// SweepResult counts the locks one sweep released.
type SweepResult struct {
	Jobs   int64
	Scopes int64
}

// SweepOnce releases expired job and scope locks of workers that are not live. When the
// liveness registry cannot be read nothing is released.
func (s *LockSweeperService) SweepOnce(ctx context.Context) (SweepResult, error) {
	start := s.clock.Now()
	var result SweepResult

	live, err := s.liveOwners(ctx)
	if err != nil {
		s.emitSweepMetrics(sweepMetrics{LivenessErr: err, Elapsed: s.clock.Now().Sub(start)})
		return result, fmt.Errorf("sweep failed: list live workers: %w", err)
	}

	params := core.ReleaseLocksParams{AsOf: start, LiveOwners: live, BatchSize: s.config.BatchSize}
	steps := []sweepStep{
		{fn: s.store.Jobs().ReleaseExpiredLocks, label: "release job locks", count: &result.Jobs},
		{fn: s.store.Scopes().ReleaseExpiredLocks, label: "release scope locks", count: &result.Scopes},
	}

	var (
		errs               []error
		allContextCanceled = true
		m                  = sweepMetrics{}
		stepErrs           = []*error{&m.JobsErr, &m.ScopesErr}
	)
	for i, step := range steps {
		count, err := s.drain(ctx, step.fn, params)
		*step.count = count
		*stepErrs[i] = suppressContextCancellation(err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.label, err))
			allContextCanceled = allContextCanceled && isContextCancellation(err)
		}
	}

	m.Jobs, m.Scopes = result.Jobs, result.Scopes
	m.Elapsed = s.clock.Now().Sub(start)
	s.emitSweepMetrics(m)

	if result.Jobs+result.Scopes > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "released expired locks",
			"jobs", result.Jobs,
			"scopes", result.Scopes,
			"live_workers", len(live),
		)
	}

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled && isContextCancellation(joined) {
			return result, context.Canceled
		}
		return result, fmt.Errorf("sweep failed: %w", joined)
	}
	return result, nil
}

type sweepFunc func(context.Context, core.ReleaseLocksParams) (int64, error)

type sweepStep struct {
	fn    sweepFunc
	label string
	count *int64
}

// drain repeats a release until a batch comes back empty.
func (s *LockSweeperService) drain(ctx context.Context, fn sweepFunc, params core.ReleaseLocksParams) (int64, error) {
	var total int64
	for {
		count, err := fn(ctx, params)
		if err != nil {
			return total, err
		}
		total += count
		if count == 0 {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func (s *LockSweeperService) liveOwners(ctx context.Context) ([]string, error) {
	if s.workers == nil {
		return nil, nil
	}
	return s.workers.LiveWorkers(ctx)
}

type sweepMetrics struct {
	Jobs        int64
	JobsErr     error
	Scopes      int64
	ScopesErr   error
	LivenessErr error
	Elapsed     time.Duration
}

func (s *LockSweeperService) emitSweepMetrics(m sweepMetrics) {
	if s.metrics == nil {
		return
	}

	total := m.Jobs + m.Scopes
	firstErr := firstError(m.LivenessErr, m.JobsErr, m.ScopesErr)

	result := metrics.ResultSuccess
	if firstErr != nil {
		result = metrics.ResultError
	} else if total == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{"result": result}
	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("sweeper.run", 1, tags)
	if m.Elapsed > 0 {
		s.metrics.Timing("sweeper.run_duration", m.Elapsed, metrics.CloneTags(tags))
	}

	if m.Jobs > 0 {
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
			Transition: metrics.TransitionSwept,
			Result:     metrics.ResultSuccess,
			Count:      m.Jobs,
		})
	}
	s.emitOperationMetric("release_jobs", m.Jobs, m.JobsErr)
	s.emitOperationMetric("release_scopes", m.Scopes, m.ScopesErr)

	if firstErr == nil {
		s.metrics.Gauge("sweeper.last_success_epoch", float64(s.clock.Now().Unix()), nil)
	}
}

func (s *LockSweeperService) emitOperationMetric(operation string, count int64, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("sweeper.operation", 1, tags)
	if err == nil && count > 0 {
		s.metrics.Count("sweeper.locks_released", count, metrics.CloneTags(tags))
	}
}

func (s *LockSweeperService) logSweepError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
