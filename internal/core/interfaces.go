// Package core declares the ports between the executor/history/batch services and the data
// layer. Services depend on these interfaces; internal/data provides the Postgres and
// in-memory implementations and internal/mocks the gomock doubles.
package core

import (
	"context"
	"time"

	"github.com/target/jobexec/internal/domain/job"
	"github.com/target/jobexec/internal/domain/model"
)

// AcquireParams groups parameters for JobRepository.AcquireDue.
type AcquireParams struct {
	MaxCount int
	AsOf     time.Time
	// Partitions limits acquisition; empty means Timer and Ready.
	Partitions []model.JobState
	// EnabledCategories filters categorized jobs. Nil disables filtering; uncategorized jobs
	// are always eligible.
	EnabledCategories []string
}

// LockParams groups parameters for JobRepository.Lock and ScopeRepository.TryLock.
type LockParams struct {
	ID        string
	Owner     string
	ExpiresAt time.Time
}

// ReleaseLocksParams groups parameters for the lock sweep.
type ReleaseLocksParams struct {
	AsOf time.Time
	// LiveOwners are workers with a current heartbeat; their locks are never reclaimed.
	LiveOwners []string
	BatchSize  int
}

// DeleteByConfigFieldParams groups parameters for JobRepository.DeleteByConfigField.
type DeleteByConfigFieldParams struct {
	HandlerTypes []string
	Field        string
	Value        string
}

// JobRepository defines the job store operations. A job row lives in exactly one partition;
// every move goes through Apply so it is a delete+insert inside one transaction.
type JobRepository interface {
	Insert(ctx context.Context, j *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	// Apply persists a transition. It fails with data.ErrStaleJob when the row is no longer in
	// the partition or lock state the transition started from.
	Apply(ctx context.Context, tr job.Transition) error
	AcquireDue(ctx context.Context, params AcquireParams) ([]*model.Job, error)
	// Lock claims a job for owner. It returns false, nil when another worker won the race.
	Lock(ctx context.Context, params LockParams) (bool, error)
	Unlock(ctx context.Context, id, owner string) (bool, error)
	ReleaseExpiredLocks(ctx context.Context, params ReleaseLocksParams) (int64, error)
	List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error)
	Stats(ctx context.Context) (*model.JobStats, error)
	DeleteByConfigField(ctx context.Context, params DeleteByConfigFieldParams) (int, error)
	WaitForNotification(ctx context.Context, partition model.JobState) error
}

// ScopeRepository stores the owning scopes of jobs: their suspension flag and exclusive lock.
type ScopeRepository interface {
	Ensure(ctx context.Context, scope *model.Scope) error
	Get(ctx context.Context, id string) (*model.Scope, error)
	Exists(ctx context.Context, id string) (bool, error)
	IsSuspended(ctx context.Context, id string) (bool, error)
	SetSuspended(ctx context.Context, id string, suspended bool) error
	// TryLock claims the scope for params.Owner when it is unlocked. Expired locks are left
	// to ReleaseExpiredLocks.
	TryLock(ctx context.Context, params LockParams) (bool, error)
	Unlock(ctx context.Context, id, owner string) (bool, error)
	ReleaseExpiredLocks(ctx context.Context, params ReleaseLocksParams) (int64, error)
	Delete(ctx context.Context, id string) error
}

// CompletePartParams groups parameters for BatchRepository.CompletePart.
type CompletePartParams struct {
	PartID      string
	Status      model.PartStatus
	Result      []byte
	CompletedAt time.Time
}

// PartCounts summarises the completion of a batch's parts.
type PartCounts struct {
	Total     int
	Completed int
	Success   int
	Fail      int
}

// Pending returns the number of parts without a completion time.
func (c PartCounts) Pending() int { return c.Total - c.Completed }

// BatchRepository stores batches and their parts.
type BatchRepository interface {
	CreateBatch(ctx context.Context, b *model.Batch) error
	CreateParts(ctx context.Context, parts []*model.BatchPart) error
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	GetPart(ctx context.Context, id string) (*model.BatchPart, error)
	ListBatches(ctx context.Context, opts model.BatchListOptions) ([]*model.Batch, error)
	ListParts(ctx context.Context, opts model.BatchPartListOptions) ([]*model.BatchPart, error)
	// CompletePart records a part's terminal status. It returns false when the part was
	// already completed; completed parts are never rewritten.
	CompletePart(ctx context.Context, params CompletePartParams) (bool, error)
	CountParts(ctx context.Context, batchID string) (PartCounts, error)
	// CompleteBatch marks an in-progress batch completed. It returns false when it already was.
	CompleteBatch(ctx context.Context, id string, at time.Time) (bool, error)
	DeleteBatch(ctx context.Context, id string) error
}

// HistoryEntryRepository stores transformed history facts.
type HistoryEntryRepository interface {
	Insert(ctx context.Context, e *model.HistoryEntry) error
	ListByScope(ctx context.Context, scopeID string, limit int) ([]*model.HistoryEntry, error)
}

// Repositories bundles the repositories bound to one connection or transaction.
type Repositories interface {
	Jobs() JobRepository
	Scopes() ScopeRepository
	Batches() BatchRepository
	HistoryEntries() HistoryEntryRepository
}

// Store is the transactional data store. InTx commits when fn returns nil and rolls back
// otherwise; InTx on a transaction-bound Repositories joins the outer transaction.
type Store interface {
	Repositories
	InTx(ctx context.Context, fn func(ctx context.Context, tx Repositories) error) error
}

// CategoryRegistry holds the job categories enabled for acquisition, shared by all workers.
type CategoryRegistry interface {
	Enable(ctx context.Context, categories ...string) error
	Disable(ctx context.Context, categories ...string) error
	List(ctx context.Context) ([]string, error)
}

// WorkerRegistry tracks worker liveness through expiring heartbeats.
type WorkerRegistry interface {
	Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error
	Deregister(ctx context.Context, workerID string) error
	LiveWorkers(ctx context.Context) ([]string, error)
}

// ScopeLookup checks whether a scope still exists. Transformers use it for preconditions.
type ScopeLookup interface {
	Exists(ctx context.Context, scopeID string) (bool, error)
}
