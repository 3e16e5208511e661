package memstore

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/data"
	"github.com/target/jobexec/internal/domain/model"
	apperrors "github.com/target/jobexec/internal/errors"
)

type batchRepo struct{ v view }

func (r *batchRepo) CreateBatch(_ context.Context, b *model.Batch) error {
	if b == nil || b.ID == "" {
		return data.ErrIDRequired
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = r.v.store.clock.Now()
	}
	if b.Status == "" {
		b.Status = model.BatchStatusInProgress
	}
	return r.v.with(func(s *state) error {
		if _, ok := s.batches[b.ID]; ok {
			return apperrors.Conflictf("batch %s already exists", b.ID)
		}
		s.batches[b.ID] = cloneBatch(b)
		return nil
	})
}

func (r *batchRepo) CreateParts(_ context.Context, parts []*model.BatchPart) error {
	now := r.v.store.clock.Now()
	return r.v.with(func(s *state) error {
		for _, p := range parts {
			if p.ID == "" {
				return data.ErrIDRequired
			}
			if _, ok := s.batches[p.BatchID]; !ok {
				return apperrors.New(apperrors.ErrCodeForeignKey, "referenced batch does not exist")
			}
			if p.Status == "" {
				p.Status = model.PartStatusPending
			}
			if p.CreatedAt.IsZero() {
				p.CreatedAt = now
			}
		}
		for _, p := range parts {
			s.parts[p.ID] = clonePart(p)
		}
		return nil
	})
}

func (r *batchRepo) GetBatch(_ context.Context, id string) (*model.Batch, error) {
	var out *model.Batch
	err := r.v.with(func(s *state) error {
		b, ok := s.batches[id]
		if !ok {
			return data.ErrBatchNotFound
		}
		out = cloneBatch(b)
		return nil
	})
	return out, err
}

func (r *batchRepo) GetPart(_ context.Context, id string) (*model.BatchPart, error) {
	var out *model.BatchPart
	err := r.v.with(func(s *state) error {
		p, ok := s.parts[id]
		if !ok {
			return data.ErrBatchPartNotFound
		}
		out = clonePart(p)
		return nil
	})
	return out, err
}

func (r *batchRepo) ListBatches(_ context.Context, opts model.BatchListOptions) ([]*model.Batch, error) {
	var out []*model.Batch
	err := r.v.with(func(s *state) error {
		for _, b := range s.batches {
			if opts.Type != "" && b.Type != opts.Type {
				continue
			}
			if opts.Status != nil && b.Status != *opts.Status {
				continue
			}
			if opts.SearchKey != "" && b.SearchKey != opts.SearchKey && b.SearchKey2 != opts.SearchKey {
				continue
			}
			out = append(out, cloneBatch(b))
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *model.Batch) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return page(out, opts.Limit, opts.Offset), err
}

func (r *batchRepo) ListParts(_ context.Context, opts model.BatchPartListOptions) ([]*model.BatchPart, error) {
	var out []*model.BatchPart
	err := r.v.with(func(s *state) error {
		for _, p := range s.parts {
			if p.BatchID != opts.BatchID {
				continue
			}
			if opts.Status != nil && p.Status != *opts.Status {
				continue
			}
			out = append(out, clonePart(p))
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *model.BatchPart) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return page(out, opts.Limit, opts.Offset), err
}

func (r *batchRepo) CompletePart(_ context.Context, params core.CompletePartParams) (bool, error) {
	if params.Status == model.PartStatusPending || !params.Status.Valid() {
		return false, apperrors.Validationf("invalid terminal part status %q", params.Status)
	}
	var ok bool
	err := r.v.with(func(s *state) error {
		p, found := s.parts[params.PartID]
		if !found || p.CompletedAt != nil {
			return nil
		}
		at := params.CompletedAt.UTC()
		p.Status = params.Status
		p.Result = slices.Clone(params.Result)
		p.CompletedAt = &at
		ok = true
		return nil
	})
	return ok, err
}

func (r *batchRepo) CountParts(_ context.Context, batchID string) (core.PartCounts, error) {
	var c core.PartCounts
	err := r.v.with(func(s *state) error {
		for _, p := range s.parts {
			if p.BatchID != batchID {
				continue
			}
			c.Total++
			if p.CompletedAt != nil {
				c.Completed++
			}
			switch p.Status {
			case model.PartStatusSuccess:
				c.Success++
			case model.PartStatusFail:
				c.Fail++
			}
		}
		return nil
	})
	return c, err
}

func (r *batchRepo) CompleteBatch(_ context.Context, id string, at time.Time) (bool, error) {
	var ok bool
	err := r.v.with(func(s *state) error {
		b, found := s.batches[id]
		if !found || b.Status != model.BatchStatusInProgress {
			return nil
		}
		t := at.UTC()
		b.Status = model.BatchStatusCompleted
		b.CompletedAt = &t
		ok = true
		return nil
	})
	return ok, err
}

func (r *batchRepo) DeleteBatch(_ context.Context, id string) error {
	return r.v.with(func(s *state) error {
		if _, ok := s.batches[id]; !ok {
			return data.ErrBatchNotFound
		}
		delete(s.batches, id)
		for pid, p := range s.parts {
			if p.BatchID == id {
				delete(s.parts, pid)
			}
		}
		return nil
	})
}
