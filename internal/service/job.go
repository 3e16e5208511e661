package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/data"
	domainjob "github.com/target/jobexec/internal/domain/job"
	"github.com/target/jobexec/internal/domain/model"
	apperrors "github.com/target/jobexec/internal/errors"
	obserrors "github.com/target/jobexec/internal/observability/errors"
	"github.com/target/jobexec/internal/observability/metrics"
	"github.com/target/jobexec/internal/observability/statsd"
	"github.com/target/jobexec/internal/service/failurenotifier"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Store           core.Store                // Required: transactional job store
	Clock           clock.Clock               // Optional: defaults to the wall clock
	Logger          *slog.Logger              // Optional: structured logger
	Metrics         statsd.Sink               // Optional: metrics sink (StatsD-compatible)
	FailureNotifier *failurenotifier.Service  // Optional: dead-letter notification fan-out
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
	// DefaultRetries is the budget of jobs created without one. Zero uses model.DefaultRetries.
	DefaultRetries int
}

// JobService owns the job lifecycle: creation, partition moves, operator actions and the
// availability notifications idle executors wait on.
type JobService struct {
	store           core.Store
	clock           clock.Clock
	logger          *slog.Logger
	metrics         statsd.Sink
	failureNotifier *failurenotifier.Service
	notifier        domainjob.Notifier
	defaultRetries  int
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Store.Jobs()
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
	}

	retries := opts.DefaultRetries
	if retries <= 0 {
		retries = model.DefaultRetries
	}

	return &JobService{
		store:           opts.Store,
		clock:           clock.OrReal(opts.Clock),
		logger:          logger,
		metrics:         opts.Metrics,
		failureNotifier: opts.FailureNotifier,
		notifier:        notifier,
		defaultRetries:  retries,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Create creates a job. It lands in Suspended when its scope is suspended, in History for
// history jobs, in Timer when due in the future and in Ready otherwise. A reused non-empty
// correlation id fails with a conflict error.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	var created *model.Job
	err := s.store.InTx(ctx, func(ctx context.Context, tx core.Repositories) error {
		j, err := s.CreateIn(ctx, tx, req)
		created = j
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreateIn creates a job through repos, joining the caller's transaction.
func (s *JobService) CreateIn(ctx context.Context, repos core.Repositories, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, apperrors.Validationf("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid job request")
	}
	if req.Repeat != "" {
		if _, err := domainjob.ParseRepeat(req.Repeat); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid job request")
		}
	}

	suspended := false
	if req.Kind != model.JobKindHistory && req.ScopeID != "" {
		var err error
		suspended, err = repos.Scopes().IsSuspended(ctx, req.ScopeID)
		if err != nil {
			return nil, fmt.Errorf("check scope %s: %w", req.ScopeID, err)
		}
	}

	j := s.newJob(req, suspended)
	if err := repos.Jobs().Insert(ctx, j); err != nil {
		if apperrors.IsConflict(err) && req.CorrelationID != "" {
			return nil, apperrors.Wrapf(err, apperrors.ErrCodeConflict, "job with correlation id %s already exists", req.CorrelationID)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.emit(j, metrics.TransitionCreated, metrics.ResultSuccess, nil)
	if s.logger != nil {
		s.logger.DebugContext(ctx, "job created",
			"id", j.ID,
			"handler_type", j.HandlerType,
			"state", j.State,
		)
	}
	return j, nil
}

func (s *JobService) newJob(req *model.CreateJobRequest, suspended bool) *model.Job {
	now := s.clock.Now()
	retries := req.Retries
	if retries <= 0 {
		retries = s.defaultRetries
	}
	j := &model.Job{
		ID:                  uuid.NewString(),
		State:               domainjob.InitialState(req.Kind, req.DueDate, suspended, now),
		Kind:                req.Kind,
		HandlerType:         strings.TrimSpace(req.HandlerType),
		HandlerConfig:       req.HandlerConfig,
		ScopeID:             req.ScopeID,
		SubScopeID:          req.SubScopeID,
		ScopeType:           req.ScopeType,
		ScopeDefinitionID:   req.ScopeDefinitionID,
		Repeat:              strings.TrimSpace(req.Repeat),
		Retries:             retries,
		Exclusive:           req.Exclusive,
		Category:            strings.TrimSpace(req.Category),
		TenantID:            req.TenantID,
		ExceptionMessage:    req.ExceptionMessage,
		ExceptionStacktrace: req.ExceptionStacktrace,
		CorrelationID:       req.CorrelationID,
		CreatedAt:           now,
	}
	if req.DueDate != nil {
		d := req.DueDate.UTC()
		j.DueDate = &d
	}
	return j
}

// Get returns a job by id.
func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	if err := validateJobID(id); err != nil {
		return nil, err
	}
	j, err := s.store.Jobs().Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, mapTransitionError(err))
	}
	return j, nil
}

// List returns jobs matching opts. Pagination defaults are normalized here.
func (s *JobService) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset

	jobs, err := s.store.Jobs().List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ListDeadLetter returns dead-lettered jobs, oldest first.
func (s *JobService) ListDeadLetter(ctx context.Context, limit, offset int) ([]*model.Job, error) {
	state := model.JobStateDeadLetter
	return s.List(ctx, model.JobListOptions{State: &state, Limit: limit, Offset: offset})
}

// Stats counts jobs per partition.
func (s *JobService) Stats(ctx context.Context) (*model.JobStats, error) {
	stats, err := s.store.Jobs().Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

// MoveToSuspended moves a Timer or Ready job into Suspended without changing its content.
func (s *JobService) MoveToSuspended(ctx context.Context, id string) (*model.Job, error) {
	j, err := s.transition(ctx, id, domainjob.Suspend)
	if err != nil {
		return nil, fmt.Errorf("suspend job %s: %w", id, err)
	}
	s.emit(j, metrics.TransitionSuspended, metrics.ResultSuccess, nil)
	return j, nil
}

// MoveToActive moves a Suspended job back into Timer or Ready.
func (s *JobService) MoveToActive(ctx context.Context, id string) (*model.Job, error) {
	j, err := s.transition(ctx, id, func(j *model.Job) (domainjob.Transition, error) {
		return domainjob.Activate(j, s.clock.Now())
	})
	if err != nil {
		return nil, fmt.Errorf("activate job %s: %w", id, err)
	}
	s.emit(j, metrics.TransitionActivated, metrics.ResultSuccess, nil)
	return j, nil
}

// MoveToDeadLetter moves an executable job into Dead-Letter with the given diagnostics.
func (s *JobService) MoveToDeadLetter(ctx context.Context, id string, info model.ExceptionInfo) (*model.Job, error) {
	j, err := s.transition(ctx, id, func(j *model.Job) (domainjob.Transition, error) {
		return domainjob.DeadLetter(j, info)
	})
	if err != nil {
		return nil, fmt.Errorf("dead-letter job %s: %w", id, err)
	}
	s.ReportDeadLetter(ctx, j, 0, "")
	return j, nil
}

// Resurrect moves a Dead-Letter job back to an executable partition with retries restored.
func (s *JobService) Resurrect(ctx context.Context, id string, retries int) (*model.Job, error) {
	if retries <= 0 {
		return nil, apperrors.Validationf("retries must be positive, got %d", retries)
	}
	j, err := s.transitionTx(ctx, id, func(ctx context.Context, tx core.Repositories, j *model.Job) (domainjob.Transition, error) {
		suspended := false
		if j.ScopeID != "" {
			var err error
			if suspended, err = tx.Scopes().IsSuspended(ctx, j.ScopeID); err != nil {
				return domainjob.Transition{}, err
			}
		}
		return domainjob.Resurrect(j, retries, suspended)
	})
	if err != nil {
		return nil, fmt.Errorf("resurrect job %s: %w", id, err)
	}
	s.emit(j, metrics.TransitionResurrected, metrics.ResultSuccess, nil)
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job resurrected", "id", id, "retries", retries, "state", j.State)
	}
	return j, nil
}

// Delete removes an unlocked job from whichever partition it lives in.
func (s *JobService) Delete(ctx context.Context, id string) error {
	_, err := s.transition(ctx, id, func(j *model.Job) (domainjob.Transition, error) {
		if j.Locked() {
			return domainjob.Transition{}, apperrors.InvalidStatef("job %s is locked by %s", j.ID, *j.LockOwner)
		}
		return domainjob.Transition{From: j, Job: j, Ops: []domainjob.Op{domainjob.DeleteFrom(j.State)}}, nil
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job deleted", "id", id)
	}
	return nil
}

// SuspendScope flags the scope suspended and moves its Timer and Ready jobs into Suspended.
// It returns how many jobs moved.
func (s *JobService) SuspendScope(ctx context.Context, scopeID string) (int, error) {
	moved, err := s.moveScope(ctx, scopeID, true)
	if err != nil {
		return 0, fmt.Errorf("suspend scope %s: %w", scopeID, err)
	}
	return moved, nil
}

// ActivateScope clears the scope's suspension and moves its Suspended jobs back.
// It returns how many jobs moved.
func (s *JobService) ActivateScope(ctx context.Context, scopeID string) (int, error) {
	moved, err := s.moveScope(ctx, scopeID, false)
	if err != nil {
		return 0, fmt.Errorf("activate scope %s: %w", scopeID, err)
	}
	return moved, nil
}

func (s *JobService) moveScope(ctx context.Context, scopeID string, suspend bool) (int, error) {
	if strings.TrimSpace(scopeID) == "" {
		return 0, apperrors.Validationf("scope id is required")
	}

	from := []model.JobState{model.JobStateSuspended}
	next := func(j *model.Job) (domainjob.Transition, error) { return domainjob.Activate(j, s.clock.Now()) }
	transition := metrics.TransitionActivated
	if suspend {
		from = []model.JobState{model.JobStateTimer, model.JobStateReady}
		next = domainjob.Suspend
		transition = metrics.TransitionSuspended
	}

	var moved []*model.Job
	err := s.store.InTx(ctx, func(ctx context.Context, tx core.Repositories) error {
		if err := tx.Scopes().SetSuspended(ctx, scopeID, suspend); err != nil {
			return err
		}
		for _, state := range from {
			jobs, err := tx.Jobs().List(ctx, model.JobListOptions{State: &state, ScopeID: scopeID})
			if err != nil {
				return err
			}
			for _, j := range jobs {
				tr, err := next(j)
				if err != nil {
					return err
				}
				if tr.Noop() {
					continue
				}
				if err := tx.Jobs().Apply(ctx, tr); err != nil {
					return err
				}
				moved = append(moved, tr.Job)
			}
		}
		return nil
	})
	if err != nil {
		return 0, mapTransitionError(err)
	}

	for _, j := range moved {
		s.emit(j, transition, metrics.ResultSuccess, nil)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "scope jobs moved",
			"scope_id", scopeID,
			"suspended", suspend,
			"jobs", len(moved),
		)
	}
	return len(moved), nil
}

// transition loads a job, computes its next value and persists it in one transaction.
func (s *JobService) transition(
	ctx context.Context,
	id string,
	next func(*model.Job) (domainjob.Transition, error),
) (*model.Job, error) {
	return s.transitionTx(ctx, id, func(_ context.Context, _ core.Repositories, j *model.Job) (domainjob.Transition, error) {
		return next(j)
	})
}

// transitionTx is transition for next functions that read other rows in the same transaction.
func (s *JobService) transitionTx(
	ctx context.Context,
	id string,
	next func(context.Context, core.Repositories, *model.Job) (domainjob.Transition, error),
) (*model.Job, error) {
	if err := validateJobID(id); err != nil {
		return nil, err
	}
	var result *model.Job
	err := s.store.InTx(ctx, func(ctx context.Context, tx core.Repositories) error {
		j, err := tx.Jobs().Get(ctx, id)
		if err != nil {
			return err
		}
		tr, err := next(ctx, tx, j)
		if err != nil {
			return err
		}
		result = tr.Job
		if tr.Noop() {
			return nil
		}
		return tx.Jobs().Apply(ctx, tr)
	})
	if err != nil {
		return nil, mapTransitionError(err)
	}
	return result, nil
}

// validateJobID rejects ids that are not UUIDs before they reach the store.
func validateJobID(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperrors.Validationf("job id is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.Validationf("invalid job id %q", id)
	}
	return nil
}

// ReportDeadLetter fans a dead-letter notification out to the configured sinks.
func (s *JobService) ReportDeadLetter(ctx context.Context, j *model.Job, attempts int, errorClass string) {
	s.emit(j, metrics.TransitionDeadLettered, metrics.ResultSuccess, nil)
	if s.logger != nil {
		s.logger.WarnContext(ctx, "job dead-lettered",
			"id", j.ID,
			"handler_type", j.HandlerType,
			"error", j.ExceptionMessage,
			"error_class", errorClass,
		)
	}
	if !s.failureNotifier.Enabled() {
		return
	}
	s.failureNotifier.NotifyDeadLetter(ctx, failurenotifier.PayloadFromJob(j, attempts, errorClass, s.clock.Now()))
}

// Subscribe creates a subscription for availability notifications of partition.
// Returns an unsubscribe function and a channel that receives notifications.
func (s *JobService) Subscribe(partition model.JobState) (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe(partition)
}

// Poke wakes local executors waiting on partition.
func (s *JobService) Poke(partition model.JobState) {
	if s.notifier != nil {
		s.notifier.Poke(partition)
	}
}

// StopAllListeners stops all active job notification listeners.
// This should be called during graceful shutdown to clean up goroutines.
func (s *JobService) StopAllListeners() {
	if s.logger != nil {
		s.logger.Info("stopping all job listeners")
	}
	if s.notifier != nil {
		s.notifier.StopAll()
	}
}

func (s *JobService) emit(j *model.Job, transition metrics.Transition, result string, err error) {
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		HandlerType: j.HandlerType,
		Partition:   string(j.State),
		Transition:  transition,
		Result:      result,
		Err:         err,
	})
}

// mapTransitionError turns lifecycle errors into coded application errors.
func mapTransitionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, data.ErrJobNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "job not found")
	case errors.Is(err, domainjob.ErrInvalidTransition):
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidState, "job cannot move")
	case errors.Is(err, data.ErrStaleJob):
		return apperrors.Wrap(err, apperrors.ErrCodeConflict, "job changed concurrently")
	default:
		return err
	}
}

// paginationParams holds normalized pagination parameters.
type paginationParams struct {
	Limit  int
	Offset int
}

// normalizePagination clamps pagination parameters to safe defaults.
// Default limit: 50, max limit: 1000, min offset: 0.
func normalizePagination(limit, offset int) paginationParams {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return paginationParams{Limit: limit, Offset: offset}
}

// errorClass returns the metric class of err, or "" for nil.
func errorClass(err error) string {
	if err == nil {
		return ""
	}
	return obserrors.Classify(err)
}
