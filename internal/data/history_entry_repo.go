package data

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/data/pgxutil"
	"github.com/target/jobexec/internal/domain/model"
	apperrors "github.com/target/jobexec/internal/errors"
)

// HistoryEntryRepo stores history entries written by the recording transformer.
type HistoryEntryRepo struct {
	db    pgxutil.DBTX
	clock clock.Clock
}

var _ core.HistoryEntryRepository = (*HistoryEntryRepo)(nil)

// NewHistoryEntryRepo creates a HistoryEntryRepo on db, which may be a pool or a transaction.
func NewHistoryEntryRepo(db pgxutil.DBTX, cfg RepoConfig) *HistoryEntryRepo {
	return &HistoryEntryRepo{db: db, clock: clock.OrReal(cfg.Clock)}
}

// Insert writes one entry. An entry whose id already exists is left unchanged, so replaying a
// fact is harmless.
func (r *HistoryEntryRepo) Insert(ctx context.Context, e *model.HistoryEntry) error {
	if e == nil || e.ID == "" {
		return ErrIDRequired
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.clock.Now()
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal history data: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO history_entries (id, type, scope_id, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.Type, e.ScopeID, data, e.CreatedAt.UTC())
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("insert history entry: %w", err))
	}
	return nil
}

// ListByScope returns the entries of a scope oldest first.
func (r *HistoryEntryRepo) ListByScope(ctx context.Context, scopeID string, limit int) ([]*model.HistoryEntry, error) {
	var w whereBuilder
	w.add("scope_id = ?", scopeID)
	query := `SELECT id, type, scope_id, data, created_at FROM history_entries` + w.clause() +
		` ORDER BY created_at, id` + w.page(limit, 0)

	rows, err := r.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list history entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.HistoryEntry
	for rows.Next() {
		var (
			e   model.HistoryEntry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.ScopeID, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Data); err != nil {
			return nil, fmt.Errorf("decode history data: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history entries: %w", err)
	}
	return out, nil
}

