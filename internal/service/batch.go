package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/target/jobexec/config"
	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/data"
	domainjob "github.com/target/jobexec/internal/domain/job"
	"github.com/target/jobexec/internal/domain/model"
	apperrors "github.com/target/jobexec/internal/errors"
	"github.com/target/jobexec/internal/observability/metrics"
	"github.com/target/jobexec/internal/observability/statsd"
)

// Handler types of the jobs a batch schedules.
const (
	BatchPartHandlerType   = "batch-part"
	BatchStatusHandlerType = "batch-status"
)

// BatchOperation applies a batch's operation document to one target scope. A returned error
// is recorded as the part's failure; parts are never retried for it.
type BatchOperation interface {
	Apply(ctx context.Context, batch *model.Batch, part *model.BatchPart) error
}

// BatchOperationFunc adapts a function to the BatchOperation interface.
type BatchOperationFunc func(ctx context.Context, batch *model.Batch, part *model.BatchPart) error

// Apply calls f.
func (f BatchOperationFunc) Apply(ctx context.Context, batch *model.Batch, part *model.BatchPart) error {
	return f(ctx, batch, part)
}

// batchJobConfig is the handler config of part and status jobs.
type batchJobConfig struct {
	BatchID string `json:"batch_id"`
	PartID  string `json:"part_id,omitempty"`
}

// BatchServiceOptions groups dependencies for BatchService.
type BatchServiceOptions struct {
	Store   core.Store         // Required: transactional store
	Jobs    *JobService        // Required: part and status job creation
	Config  config.BatchConfig // Optional: status interval and part retries
	Clock   clock.Clock        // Optional: defaults to the wall clock
	Logger  *slog.Logger       // Optional: structured logger
	Metrics statsd.Sink        // Optional: metrics sink (StatsD-compatible)
}

// BatchService splits long-running operations into per-scope parts, runs them as jobs and
// aggregates their completion.
type BatchService struct {
	store   core.Store
	jobs    *JobService
	config  config.BatchConfig
	clock   clock.Clock
	logger  *slog.Logger
	metrics statsd.Sink

	mu         sync.RWMutex
	operations map[string]BatchOperation
}

// NewBatchService constructs a new BatchService.
func NewBatchService(opts BatchServiceOptions) (*BatchService, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("job service is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "batch_service")
	}

	return &BatchService{
		store:      opts.Store,
		jobs:       opts.Jobs,
		config:     cfg,
		clock:      clock.OrReal(opts.Clock),
		logger:     logger,
		metrics:    opts.Metrics,
		operations: make(map[string]BatchOperation),
	}, nil
}

// MustNewBatchService constructs a new BatchService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewBatchService(opts BatchServiceOptions) *BatchService {
	svc, err := NewBatchService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create BatchService: %v", err))
	}
	return svc
}

// RegisterOperation binds the operation run by the parts of batches of batchType.
func (s *BatchService) RegisterOperation(batchType string, op BatchOperation) error {
	batchType = strings.TrimSpace(batchType)
	if batchType == "" {
		return errors.New("batch type is required")
	}
	if op == nil {
		return fmt.Errorf("operation for %q is nil", batchType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.operations[batchType]; exists {
		return fmt.Errorf("operation for %q already registered", batchType)
	}
	s.operations[batchType] = op
	return nil
}

func (s *BatchService) operation(batchType string) (BatchOperation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.operations[batchType]
	return op, ok
}

// RegisterHandlers binds the part and status handlers to exec.
func (s *BatchService) RegisterHandlers(exec *ExecutorService) error {
	if err := exec.Register(BatchPartHandlerType, HandlerFunc(s.executePart)); err != nil {
		return err
	}
	return exec.Register(BatchStatusHandlerType, HandlerFunc(s.executeStatus))
}

// StartBatch creates a batch with one part per distinct target scope, one exclusive job per
// part and a recurring status job, all in one transaction.
func (s *BatchService) StartBatch(ctx context.Context, req *model.StartBatchRequest) (*model.Batch, error) {
	if req == nil {
		return nil, apperrors.Validationf("start batch request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid batch request")
	}
	if _, ok := s.operation(req.Type); !ok {
		return nil, apperrors.Validationf("no operation registered for batch type %q", req.Type)
	}

	interval := req.StatusInterval
	if interval <= 0 {
		interval = s.config.StatusInterval
	}
	retries := req.PartRetries
	if retries <= 0 {
		retries = s.config.PartRetries
	}

	now := s.clock.Now()
	batch := &model.Batch{
		ID:         uuid.NewString(),
		Type:       req.Type,
		Document:   req.Document,
		Status:     model.BatchStatusInProgress,
		SearchKey:  req.SearchKey,
		SearchKey2: req.SearchKey2,
		TenantID:   req.TenantID,
		CreatedAt:  now,
	}
	parts := s.newParts(batch, req)

	err := s.store.InTx(ctx, func(ctx context.Context, tx core.Repositories) error {
		if err := tx.Batches().CreateBatch(ctx, batch); err != nil {
			return fmt.Errorf("create batch: %w", err)
		}
		if err := tx.Batches().CreateParts(ctx, parts); err != nil {
			return fmt.Errorf("create batch parts: %w", err)
		}
		for _, p := range parts {
			if err := s.createPartJob(ctx, tx, batch, p, retries); err != nil {
				return err
			}
		}
		return s.createStatusJob(ctx, tx, batch, now.Add(interval), interval)
	})
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "batch started",
			"batch_id", batch.ID,
			"type", batch.Type,
			"parts", len(parts),
			"status_interval", interval,
		)
	}
	return batch, nil
}

func (s *BatchService) newParts(batch *model.Batch, req *model.StartBatchRequest) []*model.BatchPart {
	seen := make(map[string]struct{}, len(req.ScopeIDs))
	parts := make([]*model.BatchPart, 0, len(req.ScopeIDs))
	for _, scopeID := range req.ScopeIDs {
		scopeID = strings.TrimSpace(scopeID)
		if _, dup := seen[scopeID]; dup {
			continue
		}
		seen[scopeID] = struct{}{}
		parts = append(parts, &model.BatchPart{
			ID:        uuid.NewString(),
			BatchID:   batch.ID,
			Type:      batch.Type,
			ScopeID:   scopeID,
			ScopeType: req.ScopeType,
			Status:    model.PartStatusPending,
			CreatedAt: batch.CreatedAt,
		})
	}
	return parts
}

func (s *BatchService) createPartJob(ctx context.Context, tx core.Repositories, b *model.Batch, p *model.BatchPart, retries int) error {
	raw, err := json.Marshal(batchJobConfig{BatchID: b.ID, PartID: p.ID})
	if err != nil {
		return fmt.Errorf("encode part job config: %w", err)
	}
	_, err = s.jobs.CreateIn(ctx, tx, &model.CreateJobRequest{
		Kind:          model.JobKindMessage,
		HandlerType:   BatchPartHandlerType,
		HandlerConfig: raw,
		ScopeID:       p.ScopeID,
		ScopeType:     p.ScopeType,
		Exclusive:     true,
		Retries:       retries,
		TenantID:      b.TenantID,
	})
	if err != nil {
		return fmt.Errorf("create part job for scope %s: %w", p.ScopeID, err)
	}
	return nil
}

func (s *BatchService) createStatusJob(ctx context.Context, tx core.Repositories, b *model.Batch, due time.Time, interval time.Duration) error {
	raw, err := json.Marshal(batchJobConfig{BatchID: b.ID})
	if err != nil {
		return fmt.Errorf("encode status job config: %w", err)
	}
	_, err = s.jobs.CreateIn(ctx, tx, &model.CreateJobRequest{
		Kind:          model.JobKindTimer,
		HandlerType:   BatchStatusHandlerType,
		HandlerConfig: raw,
		DueDate:       &due,
		Repeat:        domainjob.Every(interval),
		TenantID:      b.TenantID,
	})
	if err != nil {
		return fmt.Errorf("create batch status job: %w", err)
	}
	return nil
}

func decodeBatchJobConfig(j *model.Job) (batchJobConfig, error) {
	var cfg batchJobConfig
	if err := json.Unmarshal(j.HandlerConfig, &cfg); err != nil {
		return cfg, fmt.Errorf("decode batch job config: %w", err)
	}
	if cfg.BatchID == "" {
		return cfg, errors.New("batch job config has no batch id")
	}
	return cfg, nil
}

// executePart runs one part. Completed parts are left alone, so a re-delivered part job is a
// no-op. An operation error completes the part as FAIL before it is reported; the job itself
// succeeds either way.
func (s *BatchService) executePart(ctx context.Context, j *model.Job) model.HandlerResult {
	cfg, err := decodeBatchJobConfig(j)
	if err == nil && cfg.PartID == "" {
		err = errors.New("batch job config has no part id")
	}
	if err != nil {
		return model.Failed(&FatalError{Err: fmt.Errorf("invalid part job %s: %w", j.ID, err)})
	}

	part, err := s.store.Batches().GetPart(ctx, cfg.PartID)
	if errors.Is(err, data.ErrBatchPartNotFound) {
		return model.Succeeded()
	}
	if err != nil {
		return model.Failed(err)
	}
	if part.Completed() {
		return model.Succeeded()
	}
	batch, err := s.store.Batches().GetBatch(ctx, cfg.BatchID)
	if errors.Is(err, data.ErrBatchNotFound) {
		return model.Succeeded()
	}
	if err != nil {
		return model.Failed(err)
	}

	op, ok := s.operation(batch.Type)
	if !ok {
		return model.Failed(&FatalError{Err: fmt.Errorf("no operation registered for batch type %q", batch.Type)})
	}

	opErr := op.Apply(ctx, batch, part)
	result := model.PartResult{Status: model.PartResultSuccess}
	if opErr != nil {
		result = model.PartResult{
			Status:     model.PartResultFail,
			Message:    opErr.Error(),
			Stacktrace: errorTrace(opErr),
		}
	}
	if err := s.completePart(ctx, part, result); err != nil {
		return model.Failed(err)
	}
	metrics.EmitBatchPart(s.metrics, batch.Type, string(result.PartStatus()))

	if opErr != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "batch part failed",
				"batch_id", batch.ID,
				"part_id", part.ID,
				"scope_id", part.ScopeID,
				"error", opErr,
			)
		}
		return model.HandlerResult{Outcome: model.OutcomeSuccess, Err: opErr}
	}
	return model.Succeeded()
}

// completePart records the part result in its own transaction.
func (s *BatchService) completePart(ctx context.Context, part *model.BatchPart, result model.PartResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode part result: %w", err)
	}
	return s.store.InTx(ctx, func(ctx context.Context, tx core.Repositories) error {
		_, err := tx.Batches().CompletePart(ctx, core.CompletePartParams{
			PartID:      part.ID,
			Status:      result.PartStatus(),
			Result:      raw,
			CompletedAt: s.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("complete part %s: %w", part.ID, err)
		}
		return nil
	})
}

// executeStatus completes the batch once no part is pending and ends its own recurrence.
// Otherwise it lets the job fire again after its interval.
func (s *BatchService) executeStatus(ctx context.Context, j *model.Job) model.HandlerResult {
	cfg, err := decodeBatchJobConfig(j)
	if err != nil {
		return model.Failed(&FatalError{Err: err})
	}

	batch, err := s.store.Batches().GetBatch(ctx, cfg.BatchID)
	if errors.Is(err, data.ErrBatchNotFound) {
		return model.Finished()
	}
	if err != nil {
		return model.Failed(err)
	}
	if batch.Status == model.BatchStatusCompleted {
		return model.Finished()
	}

	counts, err := s.store.Batches().CountParts(ctx, batch.ID)
	if err != nil {
		return model.Failed(fmt.Errorf("count parts of batch %s: %w", batch.ID, err))
	}
	if counts.Pending() > 0 {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "batch still in progress",
				"batch_id", batch.ID,
				"pending", counts.Pending(),
				"total", counts.Total,
			)
		}
		return model.Succeeded()
	}

	if _, err := s.store.Batches().CompleteBatch(ctx, batch.ID, s.clock.Now()); err != nil {
		return model.Failed(fmt.Errorf("complete batch %s: %w", batch.ID, err))
	}
	metrics.EmitBatchCompleted(s.metrics, batch.Type, counts.Total, counts.Fail)
	if s.logger != nil {
		s.logger.InfoContext(ctx, "batch completed",
			"batch_id", batch.ID,
			"type", batch.Type,
			"parts", counts.Total,
			"failed", counts.Fail,
		)
	}
	return model.Finished()
}

// GetBatch returns a batch by id.
func (s *BatchService) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	b, err := s.store.Batches().GetBatch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, mapBatchError(err))
	}
	return b, nil
}

// ListBatches returns batches matching opts, newest first.
func (s *BatchService) ListBatches(ctx context.Context, opts model.BatchListOptions) ([]*model.Batch, error) {
	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset
	batches, err := s.store.Batches().ListBatches(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return batches, nil
}

// ListParts returns the parts of a batch. A non-empty opts.Filter is a JMESPath expression
// evaluated against each part's result document; parts are kept when it yields a truthy value.
func (s *BatchService) ListParts(ctx context.Context, opts model.BatchPartListOptions) ([]*model.BatchPart, error) {
	if strings.TrimSpace(opts.BatchID) == "" {
		return nil, apperrors.Validationf("batch id is required")
	}
	p := normalizePagination(opts.Limit, opts.Offset)

	filter := strings.TrimSpace(opts.Filter)
	if filter == "" {
		opts.Limit, opts.Offset = p.Limit, p.Offset
		parts, err := s.store.Batches().ListParts(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("list batch parts: %w", err)
		}
		return parts, nil
	}

	expr, err := jmespath.Compile(filter)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid part filter")
	}
	opts.Limit, opts.Offset = 0, 0
	all, err := s.store.Batches().ListParts(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list batch parts: %w", err)
	}

	matched := make([]*model.BatchPart, 0, len(all))
	for _, part := range all {
		ok, err := matchesResult(expr, part)
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrCodeValidation, "evaluate part filter on %s", part.ID)
		}
		if ok {
			matched = append(matched, part)
		}
	}
	if p.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[p.Offset:]
	return matched[:min(p.Limit, len(matched))], nil
}

func matchesResult(expr jmespath.JMESPath, part *model.BatchPart) (bool, error) {
	var doc any
	if len(part.Result) > 0 {
		if err := json.Unmarshal(part.Result, &doc); err != nil {
			return false, err
		}
	}
	v, err := expr.Search(doc)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// truthy follows JMESPath truthiness: false, null and empty values are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// Summary counts the parts of a batch per status.
func (s *BatchService) Summary(ctx context.Context, id string) (*model.BatchSummary, error) {
	b, err := s.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.Batches().CountParts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("count parts of batch %s: %w", id, err)
	}
	return &model.BatchSummary{
		Batch:   b,
		Total:   counts.Total,
		Pending: counts.Pending(),
		Success: counts.Success,
		Fail:    counts.Fail,
	}, nil
}

// DeleteBatch removes a batch, its parts and its outstanding jobs.
func (s *BatchService) DeleteBatch(ctx context.Context, id string) error {
	var removed int
	err := s.store.InTx(ctx, func(ctx context.Context, tx core.Repositories) error {
		n, err := tx.Jobs().DeleteByConfigField(ctx, core.DeleteByConfigFieldParams{
			HandlerTypes: []string{BatchPartHandlerType, BatchStatusHandlerType},
			Field:        "batch_id",
			Value:        id,
		})
		if err != nil {
			return fmt.Errorf("delete batch jobs: %w", err)
		}
		removed = n
		return tx.Batches().DeleteBatch(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete batch %s: %w", id, mapBatchError(err))
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "batch deleted", "batch_id", id, "jobs", removed)
	}
	return nil
}

// BatchTypes returns the batch types with a registered operation, sorted.
func (s *BatchService) BatchTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]string, 0, len(s.operations))
	for t := range s.operations {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

func mapBatchError(err error) error {
	switch {
	case errors.Is(err, data.ErrBatchNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "batch not found")
	case errors.Is(err, data.ErrBatchPartNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "batch part not found")
	default:
		return err
	}
}
