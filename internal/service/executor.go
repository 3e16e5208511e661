package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/data"
	domainjob "github.com/target/jobexec/internal/domain/job"
	"github.com/target/jobexec/internal/domain/model"
	apperrors "github.com/target/jobexec/internal/errors"
	"github.com/target/jobexec/internal/observability/metrics"
	"github.com/target/jobexec/internal/observability/statsd"
)

// Handler executes jobs of one handler type.
//
// Handlers must be idempotent. A job runs again when its worker loses the lock to the sweep,
// or when the process dies between the handler returning and the outcome being committed.
// Handlers report their outcome through model.HandlerResult instead of returning errors.
type Handler interface {
	Execute(ctx context.Context, j *model.Job) model.HandlerResult
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, j *model.Job) model.HandlerResult

// Execute calls f(ctx, j).
func (f HandlerFunc) Execute(ctx context.Context, j *model.Job) model.HandlerResult { return f(ctx, j) }

// PanicError is the failure recorded for a handler that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Value) }

// Panic marks the error for classification.
func (e *PanicError) Panic() bool { return true }

// FatalError wraps a failure no retry can fix, such as a missing handler.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal marks the error for classification.
func (e *FatalError) Fatal() bool { return true }

// ExecutorServiceOptions groups dependencies for ExecutorService.
type ExecutorServiceOptions struct {
	Store       core.Store            // Required: transactional job store
	Jobs        *JobService           // Required: dead-letter reporting
	Acquisition *AcquisitionService   // Required: locking for force-execute
	RetryPolicy domainjob.RetryPolicy // Optional: defaults to immediate retries
	Clock       clock.Clock           // Optional: defaults to the wall clock
	Logger      *slog.Logger          // Optional: structured logger
	Metrics     statsd.Sink           // Optional: metrics sink (StatsD-compatible)
}

// ExecutorService runs locked jobs through their handlers and settles the outcome: success
// deletes or reschedules the job, a skip only unlocks it and a failure charges one retry,
// dead-lettering the job when none are left.
type ExecutorService struct {
	store       core.Store
	jobs        *JobService
	acquisition *AcquisitionService
	retryPolicy domainjob.RetryPolicy
	clock       clock.Clock
	logger      *slog.Logger
	metrics     statsd.Sink

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewExecutorService constructs a new ExecutorService.
func NewExecutorService(opts ExecutorServiceOptions) (*ExecutorService, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("job service is required")
	}
	if opts.Acquisition == nil {
		return nil, errors.New("acquisition service is required")
	}

	policy := opts.RetryPolicy
	if policy.Strategy == nil {
		policy.Strategy = domainjob.NoBackoff{}
	}
	if policy.Budget <= 0 {
		policy.Budget = model.DefaultRetries
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "executor_service")
	}

	return &ExecutorService{
		store:       opts.Store,
		jobs:        opts.Jobs,
		acquisition: opts.Acquisition,
		retryPolicy: policy,
		clock:       clock.OrReal(opts.Clock),
		logger:      logger,
		metrics:     opts.Metrics,
		handlers:    make(map[string]Handler),
	}, nil
}

// MustNewExecutorService constructs a new ExecutorService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewExecutorService(opts ExecutorServiceOptions) *ExecutorService {
	svc, err := NewExecutorService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create ExecutorService: %v", err))
	}
	return svc
}

// Register binds a handler to a handler type. Registering a type twice is an error.
func (s *ExecutorService) Register(handlerType string, h Handler) error {
	handlerType = strings.TrimSpace(handlerType)
	if handlerType == "" {
		return errors.New("handler type is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil", handlerType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[handlerType]; exists {
		return fmt.Errorf("handler for %q already registered", handlerType)
	}
	s.handlers[handlerType] = h
	return nil
}

// HandlerTypes returns the registered handler types, sorted.
func (s *ExecutorService) HandlerTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (s *ExecutorService) handler(handlerType string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[handlerType]
	return h, ok
}

// Execution describes how one job run was settled.
type Execution struct {
	JobID       string
	HandlerType string
	Outcome     model.Outcome
	Transition  metrics.Transition
	// State is the partition the job ended in; empty when the job was deleted.
	State    model.JobState
	Err      error
	Duration time.Duration
}

// Execute runs a job locked by owner and persists its outcome. Handler failures are settled,
// not returned; the error is reserved for store failures that leave the job locked until the
// sweep reclaims it. A job whose lock was lost meanwhile settles as TransitionLockLost.
func (s *ExecutorService) Execute(ctx context.Context, j *model.Job, owner string) (*Execution, error) {
	start := s.clock.Now()
	result := s.run(ctx, j)
	if ctx.Err() != nil && result.Outcome == model.OutcomeRetryableFailure && errors.Is(result.Err, ctx.Err()) {
		// Interrupted by shutdown: hand the job back without charging a retry.
		result = model.Skipped(result.Err)
	}
	// Settling must outlive a shutdown so a finished job is not run twice.
	ctx = context.WithoutCancel(ctx)
	exec := &Execution{
		JobID:       j.ID,
		HandlerType: j.HandlerType,
		Outcome:     result.Outcome,
		Err:         result.Err,
		Duration:    s.clock.Now().Sub(start),
	}

	tr, transition, err := s.settle(j, result)
	if err != nil {
		// Only a broken repeat schedule gets here; it can never succeed again.
		result = model.Failed(&FatalError{Err: err})
		exec.Outcome, exec.Err = result.Outcome, result.Err
		tr, transition, err = s.settle(j, result)
		if err != nil {
			return exec, fmt.Errorf("settle job %s: %w", j.ID, err)
		}
	}
	exec.Transition = transition

	if err := s.apply(ctx, j, owner, tr); err != nil {
		if errors.Is(err, data.ErrStaleJob) || errors.Is(err, data.ErrJobNotFound) {
			exec.Transition = metrics.TransitionLockLost
			s.emit(j, metrics.TransitionLockLost, metrics.ResultNoop, exec.Duration, nil)
			if s.logger != nil {
				s.logger.WarnContext(ctx, "job lock lost before settle",
					"job_id", j.ID,
					"handler_type", j.HandlerType,
					"outcome", result.Outcome.String(),
				)
			}
			// The scope stays held until the handler is done, even when the job row moved on.
			if j.Exclusive && j.ScopeID != "" {
				if _, err := s.store.Scopes().Unlock(ctx, j.ScopeID, owner); err != nil {
					return exec, fmt.Errorf("unlock scope %s: %w", j.ScopeID, err)
				}
			}
			return exec, nil
		}
		s.emit(j, transition, metrics.ResultError, exec.Duration, err)
		return exec, fmt.Errorf("settle job %s: %w", j.ID, err)
	}

	if !tr.Deleted() {
		exec.State = tr.Job.State
	}
	s.report(ctx, j, tr, exec, result)
	return exec, nil
}

// ExecuteNow force-executes a job: it is locked directly, regardless of its due date, and run
// through the same settle path as acquired jobs.
func (s *ExecutorService) ExecuteNow(ctx context.Context, id, owner string) (*Execution, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, apperrors.Validationf("lock owner is required")
	}
	if err := validateJobID(id); err != nil {
		return nil, err
	}
	j, err := s.store.Jobs().Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("execute job %s: %w", id, mapTransitionError(err))
	}
	if !j.State.Acquirable() {
		return nil, apperrors.InvalidStatef("job %s is in %s and cannot be executed", id, j.State)
	}
	if j.Retries <= 0 {
		return nil, apperrors.InvalidStatef("job %s has no retries left", id)
	}

	ok, err := s.acquisition.Lock(ctx, j, owner, 0)
	if err != nil {
		return nil, fmt.Errorf("execute job %s: %w", id, err)
	}
	if !ok {
		return nil, apperrors.Conflictf("job %s or its scope is locked by another worker", id)
	}
	return s.Execute(ctx, j, owner)
}

// run invokes the handler, turning panics and missing handlers into failures.
func (s *ExecutorService) run(ctx context.Context, j *model.Job) (result model.HandlerResult) {
	h, ok := s.handler(j.HandlerType)
	if !ok {
		return model.Failed(&FatalError{Err: fmt.Errorf("no handler registered for type %q", j.HandlerType)})
	}

	defer func() {
		if v := recover(); v != nil {
			stack := debug.Stack()
			result = model.Failed(&PanicError{Value: v, Stack: stack})
			result.Stacktrace = string(stack)
		}
	}()
	result = h.Execute(ctx, j)
	if result.Outcome == model.OutcomeRetryableFailure && result.Stacktrace == "" {
		result.Stacktrace = failureTrace(result.Err)
	}
	return result
}

// settle computes the transition for a handler result.
func (s *ExecutorService) settle(j *model.Job, result model.HandlerResult) (domainjob.Transition, metrics.Transition, error) {
	now := s.clock.Now()
	switch result.Outcome {
	case model.OutcomeSuccess:
		done := j
		if result.CancelRepeat && j.Recurring() {
			done = j.Clone()
			done.Repeat = ""
		}
		tr, err := domainjob.Complete(done, now)
		if err != nil {
			return domainjob.Transition{}, "", err
		}
		if tr.Deleted() {
			return tr, metrics.TransitionSucceeded, nil
		}
		return tr, metrics.TransitionRescheduled, nil

	case model.OutcomeSkipNoPenalty:
		return domainjob.Unlock(j), metrics.TransitionSkipped, nil

	default:
		info := exceptionInfo(result)
		backoff := s.retryPolicy.Backoff(result.Backoff, j.Retries-1)
		tr, err := domainjob.RecordFailure(j, info, now, backoff)
		if err != nil {
			return domainjob.Transition{}, "", err
		}
		if tr.Job.State == model.JobStateDeadLetter {
			return tr, metrics.TransitionDeadLettered, nil
		}
		return tr, metrics.TransitionRetried, nil
	}
}

// apply persists the transition and frees the scope lock in one transaction.
func (s *ExecutorService) apply(ctx context.Context, j *model.Job, owner string, tr domainjob.Transition) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx core.Repositories) error {
		if err := tx.Jobs().Apply(ctx, tr); err != nil {
			return err
		}
		if j.Exclusive && j.ScopeID != "" {
			if _, err := tx.Scopes().Unlock(ctx, j.ScopeID, owner); err != nil {
				return fmt.Errorf("unlock scope %s: %w", j.ScopeID, err)
			}
		}
		return nil
	})
}

func (s *ExecutorService) report(
	ctx context.Context,
	j *model.Job,
	tr domainjob.Transition,
	exec *Execution,
	result model.HandlerResult,
) {
	switch exec.Transition {
	case metrics.TransitionDeadLettered:
		s.emit(j, exec.Transition, metrics.ResultError, exec.Duration, result.Err)
		s.jobs.ReportDeadLetter(ctx, tr.Job, s.retryPolicy.Attempt(0), errorClass(result.Err))
	case metrics.TransitionRetried:
		s.emit(j, exec.Transition, metrics.ResultError, exec.Duration, result.Err)
		if s.logger != nil {
			s.logger.WarnContext(ctx, "job failed, will retry",
				"job_id", j.ID,
				"handler_type", j.HandlerType,
				"retries_left", tr.Job.Retries,
				"due_date", tr.Job.DueDate,
				"error", result.Err,
				"error_class", errorClass(result.Err),
				"non_fatal", result.NonFatal,
			)
		}
	case metrics.TransitionSkipped:
		s.emit(j, exec.Transition, metrics.ResultNoop, exec.Duration, nil)
		if s.logger != nil {
			s.logger.DebugContext(ctx, "job skipped",
				"job_id", j.ID,
				"handler_type", j.HandlerType,
				"reason", result.Err,
			)
		}
	default:
		s.emit(j, exec.Transition, metrics.ResultSuccess, exec.Duration, nil)
		if result.Err != nil && s.logger != nil {
			s.logger.InfoContext(ctx, "job succeeded with recorded failure",
				"job_id", j.ID,
				"handler_type", j.HandlerType,
				"error", result.Err,
			)
		}
	}
}

func (s *ExecutorService) emit(j *model.Job, transition metrics.Transition, result string, d time.Duration, err error) {
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		HandlerType: j.HandlerType,
		Partition:   string(j.State),
		Transition:  transition,
		Result:      result,
		Duration:    d,
		Err:         err,
	})
}

// exceptionInfo builds dead-letter diagnostics from a failed result.
func exceptionInfo(result model.HandlerResult) model.ExceptionInfo {
	err := result.Err
	if err == nil {
		err = errors.New("handler failed without an error")
	}
	stack := result.Stacktrace
	if stack == "" {
		stack = errorTrace(err)
	}
	return model.ExceptionInfo{Message: err.Error(), Stacktrace: stack}
}

// failureTrace joins the wrap chain of err with the goroutine stack at the point the failure was
// returned. The handler's own frames are gone by then; handlers that need them set
// HandlerResult.Stacktrace themselves.
func failureTrace(err error) string {
	return errorTrace(err) + "\n" + string(debug.Stack())
}

// errorTrace renders the wrap chain of err, outermost first.
func errorTrace(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %s\n", e, e.Error())
	}
	return b.String()
}
