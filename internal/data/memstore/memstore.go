// Package memstore is an in-memory implementation of the core store ports. It mirrors the
// Postgres repositories' guards and ordering and is used by service tests and single-process
// runs without a database.
//
// Transactions are serialized: InTx holds the store mutex for the whole callback and works on
// a copy that replaces the live state on success. Inside the callback only the transaction's
// repositories may be used.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/data"
	"github.com/target/jobexec/internal/domain/job"
	"github.com/target/jobexec/internal/domain/model"
	apperrors "github.com/target/jobexec/internal/errors"
)

type state struct {
	jobs    map[string]*model.Job
	scopes  map[string]*model.Scope
	batches map[string]*model.Batch
	parts   map[string]*model.BatchPart
	history []*model.HistoryEntry
	// notify collects partitions that received work, signalled after commit.
	notify []model.JobState
}

func newState() *state {
	return &state{
		jobs:    make(map[string]*model.Job),
		scopes:  make(map[string]*model.Scope),
		batches: make(map[string]*model.Batch),
		parts:   make(map[string]*model.BatchPart),
	}
}

func (s *state) clone() *state {
	c := newState()
	for id, j := range s.jobs {
		c.jobs[id] = j.Clone()
	}
	for id, sc := range s.scopes {
		c.scopes[id] = cloneScope(sc)
	}
	for id, b := range s.batches {
		c.batches[id] = cloneBatch(b)
	}
	for id, p := range s.parts {
		c.parts[id] = clonePart(p)
	}
	c.history = slices.Clone(s.history)
	return c
}

// Store is the in-memory core.Store.
type Store struct {
	mu    sync.Mutex
	st    *state
	clock clock.Clock

	sigMu   sync.Mutex
	signals map[model.JobState]chan struct{}
}

var _ core.Store = (*Store)(nil)

// New creates an empty store.
func New(clk clock.Clock) *Store {
	return &Store{
		st:      newState(),
		clock:   clock.OrReal(clk),
		signals: make(map[model.JobState]chan struct{}),
	}
}

// view routes repository calls either to the live state under the mutex or to a
// transaction's working copy.
type view struct {
	store *Store
	tx    *state
}

func (v view) with(fn func(*state) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	v.store.mu.Lock()
	err := fn(v.store.st)
	pending := v.store.st.notify
	v.store.st.notify = nil
	v.store.mu.Unlock()
	v.store.signal(pending)
	return err
}

type repos struct{ v view }

func (r repos) Jobs() core.JobRepository { return &jobRepo{r.v} }
func (r repos) Scopes() core.ScopeRepository { return &scopeRepo{r.v} }
func (r repos) Batches() core.BatchRepository { return &batchRepo{r.v} }
func (r repos) HistoryEntries() core.HistoryEntryRepository { return &historyRepo{r.v} }

// InTx joins the surrounding transaction.
func (r repos) InTx(ctx context.Context, fn func(ctx context.Context, tx core.Repositories) error) error {
	if r.v.tx != nil {
		return fn(ctx, r)
	}
	return r.v.store.InTx(ctx, fn)
}

// Jobs returns the job repository.
func (s *Store) Jobs() core.JobRepository { return repos{view{store: s}}.Jobs() }

// Scopes returns the scope repository.
func (s *Store) Scopes() core.ScopeRepository { return repos{view{store: s}}.Scopes() }

// Batches returns the batch repository.
func (s *Store) Batches() core.BatchRepository { return repos{view{store: s}}.Batches() }

// HistoryEntries returns the history entry repository.
func (s *Store) HistoryEntries() core.HistoryEntryRepository {
	return repos{view{store: s}}.HistoryEntries()
}

// InTx runs fn against a working copy that replaces the live state when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx core.Repositories) error) error {
	s.mu.Lock()
	work := s.st.clone()
	if err := fn(ctx, repos{view{store: s, tx: work}}); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("commit: %w", err)
	}
	pending := work.notify
	work.notify = nil
	s.st = work
	s.mu.Unlock()
	s.signal(pending)
	return nil
}

func (s *Store) signal(partitions []model.JobState) {
	if len(partitions) == 0 {
		return
	}
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	for _, p := range partitions {
		if ch, ok := s.signals[p]; ok {
			close(ch)
			delete(s.signals, p)
		}
	}
}

func (s *Store) waitChan(p model.JobState) <-chan struct{} {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	ch, ok := s.signals[p]
	if !ok {
		ch = make(chan struct{})
		s.signals[p] = ch
	}
	return ch
}

// Snapshot returns copies of all jobs ordered by creation, for assertions.
func (s *Store) Snapshot() []*model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Job, 0, len(s.st.jobs))
	for _, j := range s.st.jobs {
		out = append(out, j.Clone())
	}
	slices.SortFunc(out, func(a, b *model.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

type jobRepo struct{ v view }

func (r *jobRepo) now() time.Time { return r.v.store.clock.Now() }

func (r *jobRepo) Insert(_ context.Context, j *model.Job) error {
	if j == nil || j.ID == "" {
		return data.ErrIDRequired
	}
	if !j.State.Valid() {
		return apperrors.Validationf("invalid job state %q", j.State)
	}
	now := r.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	return r.v.with(func(s *state) error { return insertJob(s, j.Clone()) })
}

func insertJob(s *state, j *model.Job) error {
	if _, ok := s.jobs[j.ID]; ok {
		return apperrors.Conflictf("job %s already exists", j.ID)
	}
	if j.CorrelationID != "" {
		for _, other := range s.jobs {
			if other.CorrelationID == j.CorrelationID {
				return &apperrors.AppError{
					Code:    apperrors.ErrCodeConflict,
					Message: "resource already exists",
					Field:   "correlation_id",
				}
			}
		}
	}
	s.jobs[j.ID] = j
	if j.State.Acquirable() && j.LockOwner == nil {
		s.notify = append(s.notify, j.State)
	}
	return nil
}

func (r *jobRepo) Get(_ context.Context, id string) (*model.Job, error) {
	var out *model.Job
	err := r.v.with(func(s *state) error {
		j, ok := s.jobs[id]
		if !ok {
			return data.ErrJobNotFound
		}
		out = j.Clone()
		return nil
	})
	return out, err
}

func guardMatches(current, from *model.Job, partition model.JobState) bool {
	if current == nil || current.State != partition {
		return false
	}
	switch {
	case current.LockOwner == nil && from.LockOwner == nil:
		return true
	case current.LockOwner != nil && from.LockOwner != nil:
		return *current.LockOwner == *from.LockOwner
	default:
		return false
	}
}

func (r *jobRepo) Apply(ctx context.Context, tr job.Transition) error {
	if tr.Noop() {
		return nil
	}
	if tr.From == nil || tr.Job == nil {
		return fmt.Errorf("transition requires source and target jobs")
	}
	now := r.now()
	apply := func(s *state) error {
		for _, op := range tr.Ops {
			switch op.Kind {
			case job.OpDelete:
				if !guardMatches(s.jobs[tr.From.ID], tr.From, op.Partition) {
					return data.ErrStaleJob
				}
				delete(s.jobs, tr.From.ID)
			case job.OpInsert:
				next := tr.Job.Clone()
				next.State = op.Partition
				next.CreatedAt = tr.From.CreatedAt
				next.UpdatedAt = now
				if err := insertJob(s, next); err != nil {
					return err
				}
			case job.OpUpdate:
				current := s.jobs[tr.From.ID]
				if !guardMatches(current, tr.From, tr.From.State) {
					return data.ErrStaleJob
				}
				next := current.Clone()
				next.DueDate = cloneTime(tr.Job.DueDate)
				next.Retries = tr.Job.Retries
				next.LockOwner = cloneString(tr.Job.LockOwner)
				next.LockExpiresAt = cloneTime(tr.Job.LockExpiresAt)
				next.ExceptionMessage = tr.Job.ExceptionMessage
				next.ExceptionStacktrace = tr.Job.ExceptionStacktrace
				next.Repeat = tr.Job.Repeat
				next.UpdatedAt = now
				s.jobs[next.ID] = next
				if next.LockOwner == nil && next.State.Acquirable() {
					s.notify = append(s.notify, next.State)
				}
			default:
				return fmt.Errorf("unknown transition op %v", op.Kind)
			}
		}
		return nil
	}
	// Run against a copy so a failed guard leaves nothing half-applied.
	return repos{r.v}.InTx(ctx, func(_ context.Context, tx core.Repositories) error {
		return tx.(repos).v.with(apply)
	})
}

func (r *jobRepo) AcquireDue(_ context.Context, params core.AcquireParams) ([]*model.Job, error) {
	if params.MaxCount <= 0 {
		return nil, nil
	}
	partitions := params.Partitions
	if len(partitions) == 0 {
		partitions = []model.JobState{model.JobStateTimer, model.JobStateReady}
	}
	var out []*model.Job
	err := r.v.with(func(s *state) error {
		for _, j := range s.jobs {
			if !slices.Contains(partitions, j.State) || j.LockOwner != nil || !j.IsDue(params.AsOf) {
				continue
			}
			if params.EnabledCategories != nil && j.Category != "" && !slices.Contains(params.EnabledCategories, j.Category) {
				continue
			}
			out = append(out, j.Clone())
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *model.Job) int {
		if c := a.DueAt().Compare(b.DueAt()); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(out) > params.MaxCount {
		out = out[:params.MaxCount]
	}
	return out, err
}

func (r *jobRepo) Lock(_ context.Context, params core.LockParams) (bool, error) {
	var ok bool
	now := r.now()
	err := r.v.with(func(s *state) error {
		j, found := s.jobs[params.ID]
		if !found || j.LockOwner != nil || !j.State.Acquirable() {
			return nil
		}
		owner := params.Owner
		exp := params.ExpiresAt.UTC()
		j.LockOwner = &owner
		j.LockExpiresAt = &exp
		j.UpdatedAt = now
		ok = true
		return nil
	})
	return ok, err
}

func (r *jobRepo) Unlock(_ context.Context, id, owner string) (bool, error) {
	var ok bool
	now := r.now()
	err := r.v.with(func(s *state) error {
		j, found := s.jobs[id]
		if !found || !j.LockedBy(owner) {
			return nil
		}
		j.LockOwner = nil
		j.LockExpiresAt = nil
		j.UpdatedAt = now
		ok = true
		if j.State.Acquirable() {
			s.notify = append(s.notify, j.State)
		}
		return nil
	})
	return ok, err
}

func (r *jobRepo) ReleaseExpiredLocks(_ context.Context, params core.ReleaseLocksParams) (int64, error) {
	var n int64
	limit := params.BatchSize
	err := r.v.with(func(s *state) error {
		for _, j := range s.jobs {
			if limit > 0 && n >= int64(limit) {
				break
			}
			if j.LockOwner == nil || j.LockExpiresAt == nil || !j.LockExpiresAt.Before(params.AsOf) {
				continue
			}
			if slices.Contains(params.LiveOwners, *j.LockOwner) {
				continue
			}
			j.LockOwner = nil
			j.LockExpiresAt = nil
			j.UpdatedAt = params.AsOf
			n++
		}
		return nil
	})
	return n, err
}

func (r *jobRepo) List(_ context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	var out []*model.Job
	err := r.v.with(func(s *state) error {
		for _, j := range s.jobs {
			if opts.State != nil && j.State != *opts.State {
				continue
			}
			if opts.HandlerType != "" && j.HandlerType != opts.HandlerType {
				continue
			}
			if opts.ScopeID != "" && j.ScopeID != opts.ScopeID {
				continue
			}
			out = append(out, j.Clone())
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *model.Job) int {
		if c := a.DueAt().Compare(b.DueAt()); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return page(out, opts.Limit, opts.Offset), err
}

func (r *jobRepo) Stats(_ context.Context) (*model.JobStats, error) {
	var st model.JobStats
	err := r.v.with(func(s *state) error {
		for _, j := range s.jobs {
			if j.LockOwner != nil {
				st.Locked++
			}
			switch j.State {
			case model.JobStateTimer:
				st.Timer++
			case model.JobStateReady:
				st.Ready++
			case model.JobStateSuspended:
				st.Suspended++
			case model.JobStateDeadLetter:
				st.DeadLetter++
			case model.JobStateHistory:
				st.History++
			}
		}
		return nil
	})
	return &st, err
}

func (r *jobRepo) DeleteByConfigField(_ context.Context, params core.DeleteByConfigFieldParams) (int, error) {
	if params.Field == "" {
		return 0, fmt.Errorf("config field is required")
	}
	var n int
	err := r.v.with(func(s *state) error {
		for id, j := range s.jobs {
			if !slices.Contains(params.HandlerTypes, j.HandlerType) {
				continue
			}
			if configText(j.HandlerConfig, params.Field) == params.Value {
				delete(s.jobs, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

// configText mirrors Postgres' jsonb ->> operator for a top-level field.
func configText(raw json.RawMessage, field string) string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	v, ok := doc[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

func (r *jobRepo) WaitForNotification(ctx context.Context, partition model.JobState) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.v.store.waitChan(partition):
		return nil
	}
}

type scopeRepo struct{ v view }

func (r *scopeRepo) Ensure(_ context.Context, sc *model.Scope) error {
	if sc == nil || sc.ID == "" {
		return data.ErrIDRequired
	}
	return r.v.with(func(s *state) error {
		if existing, ok := s.scopes[sc.ID]; ok {
			if !existing.Registered {
				existing.Registered = true
				existing.Type = sc.Type
			}
			return nil
		}
		s.scopes[sc.ID] = &model.Scope{ID: sc.ID, Type: sc.Type, Suspended: sc.Suspended, Registered: true}
		return nil
	})
}

func (r *scopeRepo) Get(_ context.Context, id string) (*model.Scope, error) {
	var out *model.Scope
	err := r.v.with(func(s *state) error {
		sc, ok := s.scopes[id]
		if !ok {
			return data.ErrScopeNotFound
		}
		out = cloneScope(sc)
		return nil
	})
	return out, err
}

func (r *scopeRepo) Exists(_ context.Context, id string) (bool, error) {
	var ok bool
	err := r.v.with(func(s *state) error {
		sc, found := s.scopes[id]
		ok = found && sc.Registered
		return nil
	})
	return ok, err
}

func (r *scopeRepo) IsSuspended(_ context.Context, id string) (bool, error) {
	var suspended bool
	err := r.v.with(func(s *state) error {
		if sc, ok := s.scopes[id]; ok {
			suspended = sc.Suspended
		}
		return nil
	})
	return suspended, err
}

func (r *scopeRepo) SetSuspended(_ context.Context, id string, suspended bool) error {
	if id == "" {
		return data.ErrIDRequired
	}
	return r.v.with(func(s *state) error {
		scopeFor(s, id).Suspended = suspended
		return nil
	})
}

func scopeFor(s *state, id string) *model.Scope {
	sc, ok := s.scopes[id]
	if !ok {
		sc = &model.Scope{ID: id}
		s.scopes[id] = sc
	}
	return sc
}

func (r *scopeRepo) TryLock(_ context.Context, params core.LockParams) (bool, error) {
	if params.ID == "" {
		return false, data.ErrIDRequired
	}
	var ok bool
	err := r.v.with(func(s *state) error {
		sc := scopeFor(s, params.ID)
		if sc.LockOwner != nil {
			return nil
		}
		owner := params.Owner
		exp := params.ExpiresAt.UTC()
		sc.LockOwner = &owner
		sc.LockExpiresAt = &exp
		ok = true
		return nil
	})
	return ok, err
}

func (r *scopeRepo) Unlock(_ context.Context, id, owner string) (bool, error) {
	var ok bool
	err := r.v.with(func(s *state) error {
		sc, found := s.scopes[id]
		if !found || sc.LockOwner == nil || *sc.LockOwner != owner {
			return nil
		}
		sc.LockOwner = nil
		sc.LockExpiresAt = nil
		ok = true
		return nil
	})
	return ok, err
}

func (r *scopeRepo) ReleaseExpiredLocks(_ context.Context, params core.ReleaseLocksParams) (int64, error) {
	var n int64
	err := r.v.with(func(s *state) error {
		for _, sc := range s.scopes {
			if params.BatchSize > 0 && n >= int64(params.BatchSize) {
				break
			}
			if sc.LockOwner == nil || !sc.LockExpiresAt.Before(params.AsOf) || slices.Contains(params.LiveOwners, *sc.LockOwner) {
				continue
			}
			sc.LockOwner = nil
			sc.LockExpiresAt = nil
			n++
		}
		return nil
	})
	return n, err
}

func (r *scopeRepo) Delete(_ context.Context, id string) error {
	return r.v.with(func(s *state) error {
		if _, ok := s.scopes[id]; !ok {
			return data.ErrScopeNotFound
		}
		delete(s.scopes, id)
		return nil
	})
}

type historyRepo struct{ v view }

func (r *historyRepo) Insert(_ context.Context, e *model.HistoryEntry) error {
	if e == nil || e.ID == "" {
		return data.ErrIDRequired
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.v.store.clock.Now()
	}
	c := *e
	c.Data = cloneData(e.Data)
	return r.v.with(func(s *state) error {
		for _, existing := range s.history {
			if existing.ID == c.ID {
				return nil
			}
		}
		s.history = append(s.history, &c)
		return nil
	})
}

func (r *historyRepo) ListByScope(_ context.Context, scopeID string, limit int) ([]*model.HistoryEntry, error) {
	var out []*model.HistoryEntry
	err := r.v.with(func(s *state) error {
		for _, e := range s.history {
			if e.ScopeID != scopeID {
				continue
			}
			c := *e
			c.Data = cloneData(e.Data)
			out = append(out, &c)
		}
		return nil
	})
	return page(out, limit, 0), err
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneData(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneScope(sc *model.Scope) *model.Scope {
	c := *sc
	c.LockOwner = cloneString(sc.LockOwner)
	c.LockExpiresAt = cloneTime(sc.LockExpiresAt)
	return &c
}

func cloneBatch(b *model.Batch) *model.Batch {
	c := *b
	c.Document = slices.Clone(b.Document)
	c.CompletedAt = cloneTime(b.CompletedAt)
	return &c
}

func clonePart(p *model.BatchPart) *model.BatchPart {
	c := *p
	c.Result = slices.Clone(p.Result)
	c.CompletedAt = cloneTime(p.CompletedAt)
	return &c
}
