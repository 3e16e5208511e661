package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	domainjob "github.com/target/jobexec/internal/domain/job"
	"github.com/target/jobexec/internal/domain/model"
	"github.com/target/jobexec/internal/observability/metrics"
	"github.com/target/jobexec/internal/observability/statsd"
)

// AcquisitionServiceOptions groups dependencies for AcquisitionService.
type AcquisitionServiceOptions struct {
	Store      core.Store            // Required: job and scope store
	LockPolicy *domainjob.LockPolicy // Required: lock duration policy
	Categories core.CategoryRegistry // Optional: enabled categories; nil disables filtering
	Clock      clock.Clock           // Optional: defaults to the wall clock
	Logger     *slog.Logger          // Optional: structured logger
	Metrics    statsd.Sink           // Optional: metrics sink (StatsD-compatible)
}

// AcquisitionService claims due jobs for a worker. A job is claimed with a compare-and-set
// lock; an exclusive job additionally claims its scope with the same owner and expiration, so
// at most one exclusive job per scope runs at a time.
type AcquisitionService struct {
	store      core.Store
	lockPolicy *domainjob.LockPolicy
	categories core.CategoryRegistry
	clock      clock.Clock
	logger     *slog.Logger
	metrics    statsd.Sink
}

// NewAcquisitionService constructs a new AcquisitionService.
func NewAcquisitionService(opts AcquisitionServiceOptions) (*AcquisitionService, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.LockPolicy == nil {
		return nil, errors.New("lock policy is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "acquisition_service")
	}

	return &AcquisitionService{
		store:      opts.Store,
		lockPolicy: opts.LockPolicy,
		categories: opts.Categories,
		clock:      clock.OrReal(opts.Clock),
		logger:     logger,
		metrics:    opts.Metrics,
	}, nil
}

// MustNewAcquisitionService constructs a new AcquisitionService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewAcquisitionService(opts AcquisitionServiceOptions) *AcquisitionService {
	svc, err := NewAcquisitionService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create AcquisitionService: %v", err))
	}
	return svc
}

// AcquireRequest describes one acquisition round of a worker.
type AcquireRequest struct {
	Owner      string
	MaxCount   int
	Partitions []model.JobState
	// LockDuration is resolved through the lock policy; zero selects the default.
	LockDuration time.Duration
}

// Acquire selects up to MaxCount due jobs, oldest-due first, and locks them for Owner.
// Jobs lost to another worker, and exclusive jobs whose scope is busy, are skipped silently.
// The returned jobs carry their lock.
func (s *AcquisitionService) Acquire(ctx context.Context, req AcquireRequest) ([]*model.Job, error) {
	if strings.TrimSpace(req.Owner) == "" {
		return nil, errors.New("lock owner is required")
	}
	if req.MaxCount <= 0 {
		return nil, nil
	}

	enabled, err := s.enabledCategories(ctx)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	candidates, err := s.store.Jobs().AcquireDue(ctx, core.AcquireParams{
		MaxCount:          req.MaxCount,
		AsOf:              now,
		Partitions:        req.Partitions,
		EnabledCategories: enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("acquire due jobs: %w", err)
	}

	expiresAt := s.lockPolicy.Resolve(req.LockDuration).ExpiresAt(now)
	locked := make([]*model.Job, 0, len(candidates))
	for _, j := range candidates {
		ok, err := s.lock(ctx, j, req.Owner, expiresAt)
		if err != nil {
			return locked, err
		}
		if ok {
			locked = append(locked, j)
		}
	}
	return locked, nil
}

// Lock claims a specific job for owner regardless of its due date. It returns false when the
// job or its exclusive scope is held by someone else.
func (s *AcquisitionService) Lock(ctx context.Context, j *model.Job, owner string, duration time.Duration) (bool, error) {
	return s.lock(ctx, j, owner, s.lockPolicy.Resolve(duration).ExpiresAt(s.clock.Now()))
}

func (s *AcquisitionService) lock(ctx context.Context, j *model.Job, owner string, expiresAt time.Time) (bool, error) {
	ok, err := s.store.Jobs().Lock(ctx, core.LockParams{ID: j.ID, Owner: owner, ExpiresAt: expiresAt})
	if err != nil {
		return false, fmt.Errorf("lock job %s: %w", j.ID, err)
	}
	if !ok {
		s.emit(j, metrics.TransitionLockLost)
		return false, nil
	}

	if j.Exclusive && j.ScopeID != "" {
		scoped, err := s.store.Scopes().TryLock(ctx, core.LockParams{
			ID:        j.ScopeID,
			Owner:     owner,
			ExpiresAt: expiresAt,
		})
		if err != nil || !scoped {
			if _, uerr := s.store.Jobs().Unlock(ctx, j.ID, owner); uerr != nil && s.logger != nil {
				s.logger.ErrorContext(ctx, "release job lock after scope lock failure",
					"job_id", j.ID,
					"error", uerr,
				)
			}
		}
		if err != nil {
			return false, fmt.Errorf("lock scope %s: %w", j.ScopeID, err)
		}
		if !scoped {
			s.emit(j, metrics.TransitionScopeBusy)
			if s.logger != nil {
				s.logger.DebugContext(ctx, "scope busy, skipping exclusive job",
					"job_id", j.ID,
					"scope_id", j.ScopeID,
				)
			}
			return false, nil
		}
	}

	j.LockOwner = &owner
	exp := expiresAt
	j.LockExpiresAt = &exp
	s.emit(j, metrics.TransitionLocked)
	return true, nil
}

// Release hands back a job that owner locked but will not settle: the job row is unlocked
// without charging a retry, then the scope lock of an exclusive job is freed. Settled jobs
// release through their transition instead.
func (s *AcquisitionService) Release(ctx context.Context, j *model.Job, owner string) error {
	if _, err := s.store.Jobs().Unlock(ctx, j.ID, owner); err != nil {
		return fmt.Errorf("unlock job %s: %w", j.ID, err)
	}
	if !j.Exclusive || j.ScopeID == "" {
		return nil
	}
	if _, err := s.store.Scopes().Unlock(ctx, j.ScopeID, owner); err != nil {
		return fmt.Errorf("unlock scope %s: %w", j.ScopeID, err)
	}
	return nil
}

// enabledCategories returns nil when filtering is off. With a registry the result is never
// nil, so an empty registry only admits uncategorized jobs.
func (s *AcquisitionService) enabledCategories(ctx context.Context) ([]string, error) {
	if s.categories == nil {
		return nil, nil
	}
	enabled, err := s.categories.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled categories: %w", err)
	}
	if enabled == nil {
		enabled = []string{}
	}
	return enabled, nil
}

func (s *AcquisitionService) emit(j *model.Job, transition metrics.Transition) {
	result := metrics.ResultSuccess
	if transition != metrics.TransitionLocked {
		result = metrics.ResultNoop
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		HandlerType: j.HandlerType,
		Partition:   string(j.State),
		Transition:  transition,
		Result:      result,
	})
}
