package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/domain/history"
	"github.com/target/jobexec/internal/domain/model"
)

// Work is the body of a unit of work. Facts added to session are handed back to the caller
// only when the transaction behind repos commits.
type Work func(ctx context.Context, session *history.Session, repos core.Repositories) error

// UnitOfWork runs work in a transaction with a fresh history session.
type UnitOfWork struct {
	store core.Store
	clock clock.Clock
}

// NewUnitOfWork creates a UnitOfWork over store.
func NewUnitOfWork(store core.Store, clk clock.Clock) (*UnitOfWork, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &UnitOfWork{store: store, clock: clock.OrReal(clk)}, nil
}

// Run executes work and returns the facts it buffered once the transaction committed.
// When work or the commit fails the session is discarded and no facts are returned.
func (u *UnitOfWork) Run(ctx context.Context, work Work) ([]model.HistoricRecord, error) {
	if work == nil {
		return nil, errors.New("work is required")
	}
	session := history.NewSession(u.clock)
	err := u.store.InTx(ctx, func(ctx context.Context, tx core.Repositories) error {
		return work(ctx, session, tx)
	})
	if err != nil {
		session.Discard()
		return nil, err
	}
	return session.Close(), nil
}

// TxRunnerOptions groups dependencies for TxRunner.
type TxRunnerOptions struct {
	UnitOfWork *UnitOfWork      // Required: transactional work runner
	Producer   *HistoryProducer // Required: turns committed facts into history jobs
	Logger     *slog.Logger     // Optional: structured logger
}

// TxRunner runs units of work and flushes their facts through the history producer after
// the work committed.
type TxRunner struct {
	uow      *UnitOfWork
	producer *HistoryProducer
	logger   *slog.Logger
}

// NewTxRunner constructs a new TxRunner.
func NewTxRunner(opts TxRunnerOptions) (*TxRunner, error) {
	if opts.UnitOfWork == nil {
		return nil, errors.New("unit of work is required")
	}
	if opts.Producer == nil {
		return nil, errors.New("history producer is required")
	}
	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "tx_runner")
	}
	return &TxRunner{uow: opts.UnitOfWork, producer: opts.Producer, logger: logger}, nil
}

// RunInTx commits work, then flushes its facts. A flush failure is returned but does not undo
// the committed work.
func (r *TxRunner) RunInTx(ctx context.Context, work Work) error {
	facts, err := r.uow.Run(ctx, work)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		return nil
	}
	if _, err := r.producer.Flush(ctx, facts); err != nil {
		if r.logger != nil {
			r.logger.ErrorContext(ctx, "history flush failed after commit",
				"facts", len(facts),
				"error", err,
			)
		}
		return fmt.Errorf("flush history facts: %w", err)
	}
	return nil
}
