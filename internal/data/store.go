package data

import (
	"context"
	"database/sql"

	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/data/pgxutil"
)

// Store is the Postgres implementation of core.Store.
type Store struct {
	db      *sql.DB
	tx      *sql.Tx
	jobs    *JobRepo
	scopes  *ScopeRepo
	batches *BatchRepo
	history *HistoryEntryRepo
}

var _ core.Store = (*Store)(nil)

// NewStore creates a Store whose repositories run on the pool.
func NewStore(db *sql.DB, cfg RepoConfig) *Store {
	return &Store{
		db:      db,
		jobs:    NewJobRepo(db, cfg),
		scopes:  NewScopeRepo(db, cfg),
		batches: NewBatchRepo(db, cfg),
		history: NewHistoryEntryRepo(db, cfg),
	}
}

func (s *Store) bind(tx *sql.Tx) *Store {
	return &Store{
		db:      s.db,
		tx:      tx,
		jobs:    s.jobs.WithTx(tx),
		scopes:  s.scopes.WithTx(tx),
		batches: s.batches.WithTx(tx),
		history: &HistoryEntryRepo{db: tx, clock: s.history.clock},
	}
}

// Jobs returns the job repository.
func (s *Store) Jobs() core.JobRepository { return s.jobs }

// Scopes returns the scope repository.
func (s *Store) Scopes() core.ScopeRepository { return s.scopes }

// Batches returns the batch repository.
func (s *Store) Batches() core.BatchRepository { return s.batches }

// HistoryEntries returns the history entry repository.
func (s *Store) HistoryEntries() core.HistoryEntryRepository { return s.history }

// InTx runs fn with repositories bound to one transaction. Nested calls join the outer one.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx core.Repositories) error) error {
	if s.tx != nil {
		return fn(ctx, s)
	}
	return pgxutil.WithSQLTx(ctx, s.db, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error { return fn(ctx, s.bind(tx)) },
	})
}
