package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/data/pgxutil"
	"github.com/target/jobexec/internal/domain/model"
	apperrors "github.com/target/jobexec/internal/errors"
)

// ScopeRepo stores scopes: the suspension flag and the exclusive-execution lock of the
// entities jobs belong to.
type ScopeRepo struct {
	pool   *sql.DB
	tx     *sql.Tx
	clock  clock.Clock
	logger *slog.Logger
}

var _ core.ScopeRepository = (*ScopeRepo)(nil)

// NewScopeRepo creates a ScopeRepo on the given pool.
func NewScopeRepo(db *sql.DB, cfg RepoConfig) *ScopeRepo {
	return &ScopeRepo{pool: db, clock: clock.OrReal(cfg.Clock), logger: cfg.Logger}
}

// WithTx returns a copy of the repo bound to tx.
func (r *ScopeRepo) WithTx(tx *sql.Tx) *ScopeRepo {
	c := *r
	c.tx = tx
	return &c
}

func (r *ScopeRepo) conn() pgxutil.DBTX {
	if r.tx != nil {
		return r.tx
	}
	return r.pool
}

func (r *ScopeRepo) atomic(ctx context.Context, fn func(pgxutil.DBTX) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	return pgxutil.WithSQLTx(ctx, r.pool, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error { return fn(tx) },
	})
}

// Ensure registers the scope. A row created earlier by a lock or a suspension is marked
// registered and takes the type; its lock and suspension are left untouched.
func (r *ScopeRepo) Ensure(ctx context.Context, s *model.Scope) error {
	if s == nil || s.ID == "" {
		return ErrIDRequired
	}
	now := r.clock.Now().UTC()
	_, err := r.conn().ExecContext(ctx, `
		INSERT INTO scopes (id, type, suspended, registered, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, $4)
		ON CONFLICT (id) DO UPDATE
		SET registered = TRUE,
		    type = EXCLUDED.type,
		    updated_at = EXCLUDED.updated_at
		WHERE NOT scopes.registered
	`, s.ID, s.Type, s.Suspended, now)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("ensure scope: %w", err))
	}
	return nil
}

// Get loads a scope by id.
func (r *ScopeRepo) Get(ctx context.Context, id string) (*model.Scope, error) {
	var (
		s         model.Scope
		owner     sql.NullString
		expiresAt sql.NullTime
	)
	err := r.conn().QueryRowContext(ctx, `
		SELECT id, type, suspended, registered, lock_owner, lock_expires_at
		FROM scopes WHERE id = $1
	`, id).Scan(&s.ID, &s.Type, &s.Suspended, &s.Registered, &owner, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScopeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scope: %w", err)
	}
	s.LockOwner = pgxutil.StringPtr(owner)
	s.LockExpiresAt = pgxutil.TimePtr(expiresAt)
	return &s, nil
}

// Exists reports whether the scope was registered through Ensure. Rows that only carry a lock
// or a suspension flag do not count.
func (r *ScopeRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.conn().QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM scopes WHERE id = $1 AND registered)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("scope exists: %w", err)
	}
	return exists, nil
}

// IsSuspended reports the suspension flag; unknown scopes are not suspended.
func (r *ScopeRepo) IsSuspended(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	var suspended bool
	err := r.conn().QueryRowContext(ctx, `SELECT suspended FROM scopes WHERE id = $1`, id).Scan(&suspended)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("scope suspended: %w", err)
	}
	return suspended, nil
}

// SetSuspended sets the suspension flag, creating the scope when needed.
func (r *ScopeRepo) SetSuspended(ctx context.Context, id string, suspended bool) error {
	if id == "" {
		return ErrIDRequired
	}
	now := r.clock.Now().UTC()
	_, err := r.conn().ExecContext(ctx, `
		INSERT INTO scopes (id, suspended, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE
		SET suspended = EXCLUDED.suspended,
		    updated_at = EXCLUDED.updated_at
	`, id, suspended, now)
	if err != nil {
		return fmt.Errorf("set scope suspended: %w", err)
	}
	return nil
}

// TryLock claims the scope when nobody holds it. An expired lock still blocks: only the
// sweep, which knows whether the holder is alive, may clear it. A scope already held by
// params.Owner is not re-entered.
func (r *ScopeRepo) TryLock(ctx context.Context, params core.LockParams) (bool, error) {
	if params.ID == "" {
		return false, ErrIDRequired
	}
	res, err := r.conn().ExecContext(ctx, `
		INSERT INTO scopes (id, lock_owner, lock_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE
		SET lock_owner = EXCLUDED.lock_owner,
		    lock_expires_at = EXCLUDED.lock_expires_at,
		    updated_at = EXCLUDED.updated_at
		WHERE scopes.lock_owner IS NULL
	`, params.ID, params.Owner, params.ExpiresAt.UTC(), r.clock.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("lock scope: %w", err)
	}
	return affectedOne(res)
}

// Unlock releases the scope lock held by owner.
func (r *ScopeRepo) Unlock(ctx context.Context, id, owner string) (bool, error) {
	res, err := r.conn().ExecContext(ctx, `
		UPDATE scopes
		SET lock_owner = NULL,
		    lock_expires_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND lock_owner = $2
	`, id, owner, r.clock.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("unlock scope: %w", err)
	}
	return affectedOne(res)
}

// ReleaseExpiredLocks clears expired scope locks whose owner is not live.
func (r *ScopeRepo) ReleaseExpiredLocks(ctx context.Context, params core.ReleaseLocksParams) (int64, error) {
	var released int64
	err := r.atomic(ctx, func(db pgxutil.DBTX) error {
		locked, err := pgxutil.TryAdvisoryXactLock(ctx, db, advisoryLockSweepMajor, advisoryLockSweepScopes)
		if err != nil || !locked {
			return err
		}
		res, err := db.ExecContext(ctx, `
			UPDATE scopes
			SET lock_owner = NULL,
			    lock_expires_at = NULL,
			    updated_at = $1
			WHERE id IN (
				SELECT id FROM scopes
				WHERE lock_owner IS NOT NULL
				  AND lock_expires_at < $1
				  AND NOT (lock_owner = ANY($2))
				ORDER BY lock_expires_at
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
		`, params.AsOf.UTC(), ownersArg(params.LiveOwners), batchSize(params.BatchSize))
		if err != nil {
			return fmt.Errorf("release expired scope locks: %w", err)
		}
		released, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// Delete removes the scope row.
func (r *ScopeRepo) Delete(ctx context.Context, id string) error {
	res, err := r.conn().ExecContext(ctx, `DELETE FROM scopes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete scope: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrScopeNotFound
	}
	return nil
}
