package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/data/pgxutil"
	"github.com/target/jobexec/internal/domain/job"
	"github.com/target/jobexec/internal/domain/model"
	apperrors "github.com/target/jobexec/internal/errors"
)

// Advisory lock namespace for sweep operations, taken with pg_try_advisory_xact_lock(major, minor)
// so only one sweeper per cluster acts on a given table at a time.
const (
	advisoryLockSweepMajor  int32 = 1000
	advisoryLockSweepJobs   int32 = 1
	advisoryLockSweepScopes int32 = 2
)

// RepoConfig holds options shared by the Postgres repositories.
type RepoConfig struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// JobRepo is the Postgres job store. All partitions share the jobs table; the state column
// names the partition.
type JobRepo struct {
	pool   *sql.DB
	tx     *sql.Tx
	clock  clock.Clock
	logger *slog.Logger
}

var _ core.JobRepository = (*JobRepo)(nil)

// NewJobRepo creates a JobRepo on the given pool.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	return &JobRepo{pool: db, clock: clock.OrReal(cfg.Clock), logger: cfg.Logger}
}

// WithTx returns a copy of the repo bound to tx.
func (r *JobRepo) WithTx(tx *sql.Tx) *JobRepo {
	c := *r
	c.tx = tx
	return &c
}

func (r *JobRepo) conn() pgxutil.DBTX {
	if r.tx != nil {
		return r.tx
	}
	return r.pool
}

// atomic runs fn in the bound transaction, or a fresh one when the repo is not bound.
func (r *JobRepo) atomic(ctx context.Context, fn func(pgxutil.DBTX) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	return pgxutil.WithSQLTx(ctx, r.pool, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error { return fn(tx) },
	})
}

const jobColumns = `
  id,
  state,
  kind,
  handler_type,
  handler_config,
  scope_id,
  sub_scope_id,
  scope_type,
  scope_definition_id,
  due_date,
  repeat,
  retries,
  exclusive,
  category,
  tenant_id,
  lock_owner,
  lock_expires_at,
  exception_message,
  exception_stacktrace,
  correlation_id,
  created_at,
  updated_at
`

const insertJobSQL = `
  INSERT INTO jobs (` + jobColumns + `)
  VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`

// NotifyChannel is the LISTEN/NOTIFY channel announcing new work in partition.
func NotifyChannel(partition model.JobState) string {
	return "job_added_" + string(partition)
}

// Insert writes a new job row into its partition and notifies listeners of that partition.
func (r *JobRepo) Insert(ctx context.Context, j *model.Job) error {
	if j == nil || j.ID == "" {
		return ErrIDRequired
	}
	if !j.State.Valid() {
		return apperrors.Validationf("invalid job state %q", j.State)
	}
	err := r.atomic(ctx, func(db pgxutil.DBTX) error {
		return r.insert(ctx, db, j)
	})
	return apperrors.MapDBError(err)
}

func (r *JobRepo) insert(ctx context.Context, db pgxutil.DBTX, j *model.Job) error {
	now := r.clock.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	config := []byte(j.HandlerConfig)
	if len(config) == 0 {
		config = []byte(`{}`)
	}

	if _, err := db.ExecContext(ctx, insertJobSQL,
		j.ID,
		j.State,
		j.Kind,
		j.HandlerType,
		config,
		pgxutil.NullString(j.ScopeID),
		pgxutil.NullString(j.SubScopeID),
		pgxutil.NullString(j.ScopeType),
		pgxutil.NullString(j.ScopeDefinitionID),
		pgxutil.NullTime(j.DueDate),
		pgxutil.NullString(j.Repeat),
		j.Retries,
		j.Exclusive,
		pgxutil.NullString(j.Category),
		pgxutil.NullString(j.TenantID),
		ownerArg(j.LockOwner),
		pgxutil.NullTime(j.LockExpiresAt),
		pgxutil.NullString(j.ExceptionMessage),
		pgxutil.NullString(j.ExceptionStacktrace),
		pgxutil.NullString(j.CorrelationID),
		j.CreatedAt.UTC(),
		j.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if !j.State.Acquirable() {
		return nil
	}
	if _, err := db.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, NotifyChannel(j.State), j.ID); err != nil {
		return fmt.Errorf("send job notification: %w", err)
	}
	return nil
}

// Get loads a job by id from whichever partition holds it.
func (r *JobRepo) Get(ctx context.Context, id string) (*model.Job, error) {
	row := r.conn().QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Apply persists tr inside one transaction. Deletes and updates are guarded by the source
// partition and lock owner; a missed guard rolls everything back with ErrStaleJob.
func (r *JobRepo) Apply(ctx context.Context, tr job.Transition) error {
	if tr.Noop() {
		return nil
	}
	if tr.From == nil || tr.Job == nil {
		return errors.New("transition requires source and target jobs")
	}
	err := r.atomic(ctx, func(db pgxutil.DBTX) error {
		for _, op := range tr.Ops {
			if err := r.applyOp(ctx, db, op, tr); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrStaleJob) {
		return err
	}
	return apperrors.MapDBError(err)
}

func (r *JobRepo) applyOp(ctx context.Context, db pgxutil.DBTX, op job.Op, tr job.Transition) error {
	switch op.Kind {
	case job.OpDelete:
		res, err := db.ExecContext(ctx, `
			DELETE FROM jobs
			WHERE id = $1 AND state = $2 AND lock_owner IS NOT DISTINCT FROM $3
		`, tr.From.ID, op.Partition, ownerArg(tr.From.LockOwner))
		if err != nil {
			return fmt.Errorf("delete job from %s: %w", op.Partition, err)
		}
		return requireOneRow(res)
	case job.OpInsert:
		next := tr.Job.Clone()
		next.State = op.Partition
		next.CreatedAt = tr.From.CreatedAt
		return r.insert(ctx, db, next)
	case job.OpUpdate:
		return r.update(ctx, db, tr.From, tr.Job)
	default:
		return fmt.Errorf("unknown transition op %v", op.Kind)
	}
}

func (r *JobRepo) update(ctx context.Context, db pgxutil.DBTX, from, next *model.Job) error {
	res, err := db.ExecContext(ctx, `
		UPDATE jobs
		SET due_date = $4,
		    retries = $5,
		    lock_owner = $6,
		    lock_expires_at = $7,
		    exception_message = $8,
		    exception_stacktrace = $9,
		    repeat = $10,
		    updated_at = $11
		WHERE id = $1 AND state = $2 AND lock_owner IS NOT DISTINCT FROM $3
	`,
		from.ID,
		from.State,
		ownerArg(from.LockOwner),
		pgxutil.NullTime(next.DueDate),
		next.Retries,
		ownerArg(next.LockOwner),
		pgxutil.NullTime(next.LockExpiresAt),
		pgxutil.NullString(next.ExceptionMessage),
		pgxutil.NullString(next.ExceptionStacktrace),
		pgxutil.NullString(next.Repeat),
		r.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if err := requireOneRow(res); err != nil {
		return err
	}
	if next.LockOwner == nil && next.State.Acquirable() {
		if _, err := db.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, NotifyChannel(next.State), next.ID); err != nil {
			return fmt.Errorf("send job notification: %w", err)
		}
	}
	return nil
}

// AcquireDue returns up to MaxCount unlocked, due jobs with retries left, oldest due first.
func (r *JobRepo) AcquireDue(ctx context.Context, params core.AcquireParams) ([]*model.Job, error) {
	if params.MaxCount <= 0 {
		return nil, nil
	}
	partitions := params.Partitions
	if len(partitions) == 0 {
		partitions = []model.JobState{model.JobStateTimer, model.JobStateReady}
	}

	rows, err := r.conn().QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state = ANY($1)
		  AND lock_owner IS NULL
		  AND retries > 0
		  AND (due_date IS NULL OR due_date <= $2)
		  AND ($3::boolean OR category IS NULL OR category = '' OR category = ANY($4))
		ORDER BY COALESCE(due_date, created_at) ASC, id ASC
		LIMIT $5
	`,
		statesArg(partitions),
		params.AsOf.UTC(),
		params.EnabledCategories == nil,
		categoriesArg(params.EnabledCategories),
		params.MaxCount,
	)
	if err != nil {
		return nil, fmt.Errorf("acquire due jobs: %w", err)
	}
	return collectJobs(rows)
}

// Lock claims an unlocked job in an executable partition. The single conditional update is
// the only concurrency control point: exactly one concurrent caller sees true.
func (r *JobRepo) Lock(ctx context.Context, params core.LockParams) (bool, error) {
	res, err := r.conn().ExecContext(ctx, `
		UPDATE jobs
		SET lock_owner = $2,
		    lock_expires_at = $3,
		    updated_at = $4
		WHERE id = $1
		  AND lock_owner IS NULL
		  AND state IN ('timer', 'ready', 'history')
	`, params.ID, params.Owner, params.ExpiresAt.UTC(), r.clock.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("lock job: %w", err)
	}
	return affectedOne(res)
}

// Unlock releases the lock of a job held by owner.
func (r *JobRepo) Unlock(ctx context.Context, id, owner string) (bool, error) {
	res, err := r.conn().ExecContext(ctx, `
		UPDATE jobs
		SET lock_owner = NULL,
		    lock_expires_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND lock_owner = $2
	`, id, owner, r.clock.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("unlock job: %w", err)
	}
	return affectedOne(res)
}

// ReleaseExpiredLocks clears expired job locks whose owner is not live. Concurrent sweepers
// skip the run instead of blocking.
func (r *JobRepo) ReleaseExpiredLocks(ctx context.Context, params core.ReleaseLocksParams) (int64, error) {
	var released int64
	err := r.atomic(ctx, func(db pgxutil.DBTX) error {
		locked, err := pgxutil.TryAdvisoryXactLock(ctx, db, advisoryLockSweepMajor, advisoryLockSweepJobs)
		if err != nil || !locked {
			return err
		}
		res, err := db.ExecContext(ctx, `
			UPDATE jobs
			SET lock_owner = NULL,
			    lock_expires_at = NULL,
			    updated_at = $1
			WHERE id IN (
				SELECT id FROM jobs
				WHERE lock_owner IS NOT NULL
				  AND lock_expires_at < $1
				  AND NOT (lock_owner = ANY($2))
				ORDER BY lock_expires_at
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
		`, params.AsOf.UTC(), ownersArg(params.LiveOwners), batchSize(params.BatchSize))
		if err != nil {
			return fmt.Errorf("release expired job locks: %w", err)
		}
		released, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// List returns jobs matching opts ordered by due time.
func (r *JobRepo) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	var w whereBuilder
	if opts.State != nil {
		w.add("state = ?", *opts.State)
	}
	if opts.HandlerType != "" {
		w.add("handler_type = ?", opts.HandlerType)
	}
	if opts.ScopeID != "" {
		w.add("scope_id = ?", opts.ScopeID)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs` + w.clause() +
		` ORDER BY COALESCE(due_date, created_at) ASC, id ASC` + w.page(opts.Limit, opts.Offset)

	rows, err := r.conn().QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// Stats counts jobs per partition; locked jobs are counted separately as well.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.conn().QueryRowContext(ctx, `
		SELECT
		  count(*) FILTER (WHERE state = 'timer')        AS timer,
		  count(*) FILTER (WHERE state = 'ready')        AS ready,
		  count(*) FILTER (WHERE lock_owner IS NOT NULL) AS locked,
		  count(*) FILTER (WHERE state = 'suspended')    AS suspended,
		  count(*) FILTER (WHERE state = 'dead_letter')  AS dead_letter,
		  count(*) FILTER (WHERE state = 'history')      AS history
		FROM jobs
	`).Scan(&s.Timer, &s.Ready, &s.Locked, &s.Suspended, &s.DeadLetter, &s.History)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &s, nil
}

// DeleteByConfigField deletes jobs of the given handler types whose handler config has
// field = value.
func (r *JobRepo) DeleteByConfigField(ctx context.Context, params core.DeleteByConfigFieldParams) (int, error) {
	if params.Field == "" {
		return 0, errors.New("config field is required")
	}
	res, err := r.conn().ExecContext(ctx, `
		DELETE FROM jobs
		WHERE handler_type = ANY($1)
		  AND handler_config->>$2 = $3
	`, params.HandlerTypes, params.Field, params.Value)
	if err != nil {
		return 0, fmt.Errorf("delete jobs by config field: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// WaitForNotification blocks until a job lands in partition or ctx ends.
func (r *JobRepo) WaitForNotification(ctx context.Context, partition model.JobState) error {
	channel := pgx.Identifier{NotifyChannel(partition)}.Sanitize()
	return pgxutil.WithPgxConn(ctx, r.pool, func(sc *sql.Conn, pc *pgx.Conn) error {
		if _, err := pc.Exec(ctx, "LISTEN "+channel); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
		defer func() {
			if _, err := pc.Exec(context.Background(), "UNLISTEN "+channel); err != nil && r.logger != nil {
				r.logger.Debug("unlisten failed", "channel", channel, "error", err)
			}
		}()
		_, err := pc.WaitForNotification(ctx)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(s rowScanner) (*model.Job, error) {
	var (
		j                                               model.Job
		config                                          []byte
		scopeID, subScopeID, scopeType, scopeDefinition sql.NullString
		repeat, category, tenantID, lockOwner           sql.NullString
		excMessage, excStack, correlationID             sql.NullString
		dueDate, lockExpiresAt                          sql.NullTime
	)
	if err := s.Scan(
		&j.ID,
		&j.State,
		&j.Kind,
		&j.HandlerType,
		&config,
		&scopeID,
		&subScopeID,
		&scopeType,
		&scopeDefinition,
		&dueDate,
		&repeat,
		&j.Retries,
		&j.Exclusive,
		&category,
		&tenantID,
		&lockOwner,
		&lockExpiresAt,
		&excMessage,
		&excStack,
		&correlationID,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return nil, err
	}

	j.HandlerConfig = append([]byte(nil), config...)
	j.ScopeID = scopeID.String
	j.SubScopeID = subScopeID.String
	j.ScopeType = scopeType.String
	j.ScopeDefinitionID = scopeDefinition.String
	j.DueDate = pgxutil.TimePtr(dueDate)
	j.Repeat = repeat.String
	j.Category = category.String
	j.TenantID = tenantID.String
	j.LockOwner = pgxutil.StringPtr(lockOwner)
	j.LockExpiresAt = pgxutil.TimePtr(lockExpiresAt)
	j.ExceptionMessage = excMessage.String
	j.ExceptionStacktrace = excStack.String
	j.CorrelationID = correlationID.String
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*model.Job, error) {
	defer func() { _ = rows.Close() }()
	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func ownerArg(owner *string) sql.NullString {
	if owner == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *owner, Valid: true}
}

func statesArg(states []model.JobState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func categoriesArg(categories []string) []string {
	if categories == nil {
		return []string{}
	}
	return categories
}

func ownersArg(owners []string) []string {
	if owners == nil {
		return []string{}
	}
	return owners
}

const defaultSweepBatchSize = 500

func batchSize(n int) int {
	if n <= 0 {
		return defaultSweepBatchSize
	}
	return n
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func requireOneRow(res sql.Result) error {
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStaleJob
	}
	return nil
}
