package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/data/pgxutil"
	"github.com/target/jobexec/internal/domain/model"
	apperrors "github.com/target/jobexec/internal/errors"
)

// partInsertChunk bounds the rows per multi-row INSERT; 7 params per row stays well under
// the 65535 bind parameter limit.
const partInsertChunk = 1000

// BatchRepo stores batches and batch parts.
type BatchRepo struct {
	pool   *sql.DB
	tx     *sql.Tx
	clock  clock.Clock
	logger *slog.Logger
}

var _ core.BatchRepository = (*BatchRepo)(nil)

// NewBatchRepo creates a BatchRepo on the given pool.
func NewBatchRepo(db *sql.DB, cfg RepoConfig) *BatchRepo {
	return &BatchRepo{pool: db, clock: clock.OrReal(cfg.Clock), logger: cfg.Logger}
}

// WithTx returns a copy of the repo bound to tx.
func (r *BatchRepo) WithTx(tx *sql.Tx) *BatchRepo {
	c := *r
	c.tx = tx
	return &c
}

func (r *BatchRepo) conn() pgxutil.DBTX {
	if r.tx != nil {
		return r.tx
	}
	return r.pool
}

func (r *BatchRepo) atomic(ctx context.Context, fn func(pgxutil.DBTX) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	return pgxutil.WithSQLTx(ctx, r.pool, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error { return fn(tx) },
	})
}

const batchColumns = `id, type, document, status, search_key, search_key2, tenant_id, created_at, completed_at`

const partColumns = `id, batch_id, type, scope_id, scope_type, status, result, created_at, completed_at`

// CreateBatch inserts a batch row.
func (r *BatchRepo) CreateBatch(ctx context.Context, b *model.Batch) error {
	if b == nil || b.ID == "" {
		return ErrIDRequired
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = r.clock.Now()
	}
	if b.Status == "" {
		b.Status = model.BatchStatusInProgress
	}
	doc := []byte(b.Document)
	if len(doc) == 0 {
		doc = []byte(`{}`)
	}
	_, err := r.conn().ExecContext(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		b.ID,
		b.Type,
		doc,
		b.Status,
		pgxutil.NullString(b.SearchKey),
		pgxutil.NullString(b.SearchKey2),
		pgxutil.NullString(b.TenantID),
		b.CreatedAt.UTC(),
		pgxutil.NullTime(b.CompletedAt),
	)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("create batch: %w", err))
	}
	return nil
}

// CreateParts inserts parts in chunks of multi-row INSERTs inside one transaction.
func (r *BatchRepo) CreateParts(ctx context.Context, parts []*model.BatchPart) error {
	if len(parts) == 0 {
		return nil
	}
	now := r.clock.Now()
	err := r.atomic(ctx, func(db pgxutil.DBTX) error {
		for start := 0; start < len(parts); start += partInsertChunk {
			end := min(start+partInsertChunk, len(parts))
			if err := insertPartChunk(ctx, db, parts[start:end], now); err != nil {
				return err
			}
		}
		return nil
	})
	return apperrors.MapDBError(err)
}

func insertPartChunk(ctx context.Context, db pgxutil.DBTX, parts []*model.BatchPart, now time.Time) error {
	const perRow = 7
	var b strings.Builder
	b.WriteString(`INSERT INTO batch_parts (id, batch_id, type, scope_id, scope_type, status, created_at) VALUES `)
	args := make([]any, 0, len(parts)*perRow)
	for i, p := range parts {
		if p.ID == "" {
			return ErrIDRequired
		}
		if p.Status == "" {
			p.Status = model.PartStatusPending
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for c := range perRow {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString("$" + strconv.Itoa(i*perRow+c+1))
		}
		b.WriteString(")")
		args = append(args, p.ID, p.BatchID, p.Type, p.ScopeID, pgxutil.NullString(p.ScopeType), p.Status, p.CreatedAt.UTC())
	}
	if _, err := db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("create batch parts: %w", err)
	}
	return nil
}

// GetBatch loads a batch by id.
func (r *BatchRepo) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	row := r.conn().QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// GetPart loads a batch part by id.
func (r *BatchRepo) GetPart(ctx context.Context, id string) (*model.BatchPart, error) {
	row := r.conn().QueryRowContext(ctx, `SELECT `+partColumns+` FROM batch_parts WHERE id = $1`, id)
	p, err := scanPart(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchPartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch part: %w", err)
	}
	return p, nil
}

// ListBatches returns batches newest first.
func (r *BatchRepo) ListBatches(ctx context.Context, opts model.BatchListOptions) ([]*model.Batch, error) {
	var w whereBuilder
	if opts.Type != "" {
		w.add("type = ?", opts.Type)
	}
	if opts.Status != nil {
		w.add("status = ?", *opts.Status)
	}
	if opts.SearchKey != "" {
		w.add("(search_key = ? OR search_key2 = ?)", opts.SearchKey, opts.SearchKey)
	}
	query := `SELECT ` + batchColumns + ` FROM batches` + w.clause() +
		` ORDER BY created_at DESC, id` + w.page(opts.Limit, opts.Offset)

	rows, err := r.conn().QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}

// ListParts returns the parts of a batch in creation order. opts.Filter is not evaluated here.
func (r *BatchRepo) ListParts(ctx context.Context, opts model.BatchPartListOptions) ([]*model.BatchPart, error) {
	var w whereBuilder
	w.add("batch_id = ?", opts.BatchID)
	if opts.Status != nil {
		w.add("status = ?", *opts.Status)
	}
	query := `SELECT ` + partColumns + ` FROM batch_parts` + w.clause() +
		` ORDER BY created_at, id` + w.page(opts.Limit, opts.Offset)

	rows, err := r.conn().QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list batch parts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.BatchPart
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch part: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch parts: %w", err)
	}
	return out, nil
}

// CompletePart records the terminal status of a pending part.
func (r *BatchRepo) CompletePart(ctx context.Context, params core.CompletePartParams) (bool, error) {
	if params.Status == model.PartStatusPending || !params.Status.Valid() {
		return false, apperrors.Validationf("invalid terminal part status %q", params.Status)
	}
	res, err := r.conn().ExecContext(ctx, `
		UPDATE batch_parts
		SET status = $2,
		    result = $3,
		    completed_at = $4
		WHERE id = $1 AND completed_at IS NULL
	`, params.PartID, params.Status, nullJSON(params.Result), params.CompletedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("complete batch part: %w", err)
	}
	return affectedOne(res)
}

// CountParts summarises part completion for a batch.
func (r *BatchRepo) CountParts(ctx context.Context, batchID string) (core.PartCounts, error) {
	var c core.PartCounts
	err := r.conn().QueryRowContext(ctx, `
		SELECT
		  count(*)                                           AS total,
		  count(*) FILTER (WHERE completed_at IS NOT NULL)   AS completed,
		  count(*) FILTER (WHERE status = 'success')         AS success,
		  count(*) FILTER (WHERE status = 'fail')            AS fail
		FROM batch_parts
		WHERE batch_id = $1
	`, batchID).Scan(&c.Total, &c.Completed, &c.Success, &c.Fail)
	if err != nil {
		return core.PartCounts{}, fmt.Errorf("count batch parts: %w", err)
	}
	return c, nil
}

// CompleteBatch marks an in-progress batch completed.
func (r *BatchRepo) CompleteBatch(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.conn().ExecContext(ctx, `
		UPDATE batches
		SET status = 'completed',
		    completed_at = $2
		WHERE id = $1 AND status = 'in_progress'
	`, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("complete batch: %w", err)
	}
	return affectedOne(res)
}

// DeleteBatch removes a batch; its parts cascade.
func (r *BatchRepo) DeleteBatch(ctx context.Context, id string) error {
	res, err := r.conn().ExecContext(ctx, `DELETE FROM batches WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBatchNotFound
	}
	return nil
}

func scanBatch(s rowScanner) (*model.Batch, error) {
	var (
		b                             model.Batch
		doc                           []byte
		searchKey, searchKey2, tenant sql.NullString
		completedAt                   sql.NullTime
	)
	if err := s.Scan(&b.ID, &b.Type, &doc, &b.Status, &searchKey, &searchKey2, &tenant, &b.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	b.Document = append([]byte(nil), doc...)
	b.SearchKey = searchKey.String
	b.SearchKey2 = searchKey2.String
	b.TenantID = tenant.String
	b.CreatedAt = b.CreatedAt.UTC()
	b.CompletedAt = pgxutil.TimePtr(completedAt)
	return &b, nil
}

func scanPart(s rowScanner) (*model.BatchPart, error) {
	var (
		p           model.BatchPart
		scopeType   sql.NullString
		result      []byte
		completedAt sql.NullTime
	)
	if err := s.Scan(&p.ID, &p.BatchID, &p.Type, &p.ScopeID, &scopeType, &p.Status, &result, &p.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	p.ScopeType = scopeType.String
	if len(result) > 0 {
		p.Result = append([]byte(nil), result...)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.CompletedAt = pgxutil.TimePtr(completedAt)
	return &p, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
