// Package jobrunner drives job execution: it acquires due jobs in cycles, runs them on a bounded
// pool of goroutines and sleeps adaptively between cycles.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/target/jobexec/config"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/domain/model"
	"github.com/target/jobexec/internal/observability/metrics"
	"github.com/target/jobexec/internal/observability/statsd"
	"github.com/target/jobexec/internal/service"
)

// Phase is the cycle state of a runner.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseAcquiring
	PhaseDispatching
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAcquiring:
		return "acquiring"
	case PhaseDispatching:
		return "dispatching"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// settleTimeout bounds handing back the locks of jobs that never ran or failed to settle.
const settleTimeout = 30 * time.Second

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	Executor    *service.ExecutorService    // Required: runs and settles jobs
	Acquisition *service.AcquisitionService // Required: claims due jobs
	Jobs        *service.JobService         // Required: availability notifications
	Config      config.ExecutorConfig

	// Name labels logs and metrics, e.g. "executor" or "history-executor".
	Name string
	// Partitions selects what the runner acquires; nil means Timer and Ready.
	Partitions []model.JobState
	// WorkerID is the lock owner; defaults to Name plus a random suffix.
	WorkerID string

	// Optional dependency injections (useful for tests/decoupling)
	Workers core.WorkerRegistry
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// Runner pulls due jobs and executes them with at most Concurrency running at a time.
type Runner struct {
	executor    *service.ExecutorService
	acquisition *service.AcquisitionService
	jobs        *service.JobService
	workers     core.WorkerRegistry
	cfg         config.ExecutorConfig
	name        string
	workerID    string
	partitions  []model.JobState
	logger      *slog.Logger
	metrics     statsd.Sink

	sem       *semaphore.Weighted
	inflight  atomic.Int64
	slotFreed chan struct{}
	phase     atomic.Int32
}

// NewRunner constructs a job runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Executor == nil {
		return nil, errors.New("executor service is required")
	}
	if opts.Acquisition == nil {
		return nil, errors.New("acquisition service is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("job service is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	name := opts.Name
	if name == "" {
		name = "executor"
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = name + "-" + uuid.NewString()
	}
	partitions := opts.Partitions
	if len(partitions) == 0 {
		partitions = []model.JobState{model.JobStateTimer, model.JobStateReady}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		executor:    opts.Executor,
		acquisition: opts.Acquisition,
		jobs:        opts.Jobs,
		workers:     opts.Workers,
		cfg:         cfg,
		name:        name,
		workerID:    workerID,
		partitions:  partitions,
		logger:      logger.With("component", "job_runner", "executor", name, "worker_id", workerID),
		metrics:     opts.Metrics,
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		slotFreed:   make(chan struct{}, 1),
	}, nil
}

// WorkerID returns the lock owner of this runner.
func (r *Runner) WorkerID() string { return r.workerID }

// Phase returns the current cycle state.
func (r *Runner) Phase() Phase { return Phase(r.phase.Load()) }

// Run acquires and executes jobs until the context is cancelled. In-flight jobs are allowed to
// settle before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner",
		"concurrency", r.cfg.Concurrency,
		"lock_duration", r.cfg.LockDuration,
		"partitions", r.partitions,
	)
	defer r.phase.Store(int32(PhaseStopped))

	notify, stopNotify := r.subscribe()
	defer stopNotify()

	var g errgroup.Group
	if r.workers != nil {
		g.Go(func() error {
			r.heartbeatLoop(ctx)
			return nil
		})
	}

	r.loop(ctx, &g, notify)

	err := g.Wait()
	r.logger.InfoContext(context.WithoutCancel(ctx), "job runner stopped")
	return err
}

func (r *Runner) loop(ctx context.Context, g *errgroup.Group, notify <-chan struct{}) {
	var delay time.Duration
	for ctx.Err() == nil {
		capacity := r.freeSlots()
		if capacity == 0 {
			if !r.wait(ctx, r.cfg.DefaultPollDelay, notify) {
				return
			}
			continue
		}

		acquired, err := r.cycle(ctx, g, capacity)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			r.logger.ErrorContext(ctx, "acquisition cycle failed", "error", err)
			delay = r.cfg.MaxPollDelay
		default:
			delay = nextPollDelay(r.cfg, delay, acquired, capacity)
		}
		metrics.EmitCycle(r.metrics, r.name, acquired, capacity, delay)

		if !r.wait(ctx, delay, notify) {
			return
		}
	}
}

// cycle acquires up to capacity jobs and dispatches each onto the pool.
func (r *Runner) cycle(ctx context.Context, g *errgroup.Group, capacity int) (int, error) {
	r.phase.Store(int32(PhaseAcquiring))
	defer r.phase.Store(int32(PhaseIdle))

	jobs, err := r.acquisition.Acquire(ctx, service.AcquireRequest{
		Owner:        r.workerID,
		MaxCount:     capacity,
		Partitions:   r.partitions,
		LockDuration: r.cfg.LockDuration,
	})
	if err != nil {
		r.release(ctx, jobs)
		return 0, fmt.Errorf("acquire: %w", err)
	}

	r.phase.Store(int32(PhaseDispatching))
	for i, j := range jobs {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			r.release(ctx, jobs[i:])
			return i, err
		}
		r.inflight.Add(1)
		g.Go(func() error {
			defer r.done()
			r.execute(ctx, j)
			return nil
		})
	}
	return len(jobs), nil
}

func (r *Runner) execute(ctx context.Context, j *model.Job) {
	exec, err := r.executor.Execute(ctx, j, r.workerID)
	if err != nil {
		r.logger.ErrorContext(ctx, "job settle failed; releasing lock",
			"job_id", j.ID,
			"handler_type", j.HandlerType,
			"error", err,
		)
		r.release(ctx, []*model.Job{j})
		return
	}
	r.logger.DebugContext(ctx, "job executed",
		"job_id", exec.JobID,
		"handler_type", exec.HandlerType,
		"outcome", exec.Outcome.String(),
		"transition", exec.Transition,
		"duration", exec.Duration,
	)
}

// release hands back jobs this runner locked but will not settle, either because they never
// ran or because their settle failed.
func (r *Runner) release(ctx context.Context, jobs []*model.Job) {
	if len(jobs) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	for _, j := range jobs {
		if err := r.acquisition.Release(rctx, j, r.workerID); err != nil {
			r.logger.WarnContext(rctx, "release unexecuted job failed", "job_id", j.ID, "error", err)
		}
	}
}

func (r *Runner) done() {
	r.inflight.Add(-1)
	r.sem.Release(1)
	select {
	case r.slotFreed <- struct{}{}:
	default:
	}
}

func (r *Runner) freeSlots() int {
	free := int64(r.cfg.Concurrency) - r.inflight.Load()
	if free < 0 {
		return 0
	}
	return int(free)
}

// wait sleeps for delay, waking early on a notification or a freed slot. It returns false
// when ctx is done.
func (r *Runner) wait(ctx context.Context, delay time.Duration, notify <-chan struct{}) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-notify:
	case <-r.slotFreed:
	}
	return true
}

// subscribe merges the availability notifications of every acquired partition.
func (r *Runner) subscribe() (<-chan struct{}, func()) {
	merged := make(chan struct{}, 1)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	unsubs := make([]func(), 0, len(r.partitions))

	for _, p := range r.partitions {
		unsub, ch := r.jobs.Subscribe(p)
		unsubs = append(unsubs, unsub)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				case _, ok := <-ch:
					if !ok {
						return
					}
					select {
					case merged <- struct{}{}:
					default:
					}
				}
			}
		}()
	}

	return merged, func() {
		close(stop)
		for _, unsub := range unsubs {
			unsub()
		}
		wg.Wait()
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	beat := func() {
		if err := r.workers.Heartbeat(ctx, r.workerID, r.cfg.HeartbeatTTL); err != nil && ctx.Err() == nil {
			r.logger.WarnContext(ctx, "worker heartbeat failed", "error", err)
		}
	}
	beat()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := r.workers.Deregister(dctx, r.workerID); err != nil {
				r.logger.WarnContext(dctx, "worker deregister failed", "error", err)
			}
			return
		case <-ticker.C:
			beat()
		}
	}
}

// nextPollDelay picks the sleep after a cycle: the minimum after a full cycle, the default
// after a partial one, doubling towards the maximum while cycles come back empty.
func nextPollDelay(cfg config.ExecutorConfig, prev time.Duration, acquired, capacity int) time.Duration {
	switch {
	case acquired >= capacity:
		return cfg.MinPollDelay
	case acquired > 0:
		return cfg.DefaultPollDelay
	case prev < cfg.DefaultPollDelay:
		return cfg.DefaultPollDelay
	default:
		return min(prev*2, cfg.MaxPollDelay)
	}
}
