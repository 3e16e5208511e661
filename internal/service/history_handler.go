package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/jobexec/config"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/domain/history"
	domainjob "github.com/target/jobexec/internal/domain/job"
	"github.com/target/jobexec/internal/domain/model"
	"github.com/target/jobexec/internal/observability/metrics"
	"github.com/target/jobexec/internal/observability/statsd"
)

// HistoryHandlerOptions groups dependencies for HistoryHandler.
type HistoryHandlerOptions struct {
	Store        core.Store           // Required: transactional job store
	Jobs         *JobService          // Required: re-submission of declined facts
	Transformers *TransformerRegistry // Required: per-fact-type transformers
	Config       config.HistoryConfig // Optional: retry inheritance on group split
	Logger       *slog.Logger         // Optional: structured logger
	Metrics      statsd.Sink          // Optional: metrics sink (StatsD-compatible)
}

// HistoryHandler executes history jobs by applying their facts through the transformer
// registry. It serves every history handler type.
type HistoryHandler struct {
	store        core.Store
	jobs         *JobService
	transformers *TransformerRegistry
	resetRetries bool
	logger       *slog.Logger
	metrics      statsd.Sink
}

// NewHistoryHandler constructs a new HistoryHandler.
func NewHistoryHandler(opts HistoryHandlerOptions) (*HistoryHandler, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("job service is required")
	}
	if opts.Transformers == nil {
		return nil, errors.New("transformer registry is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "history_handler")
	}

	return &HistoryHandler{
		store:        opts.Store,
		jobs:         opts.Jobs,
		transformers: opts.Transformers,
		resetRetries: opts.Config.ResetRetriesOnGroupSplit,
		logger:       logger,
		metrics:      opts.Metrics,
	}, nil
}

// RegisterHistoryHandler binds h to every history handler type of exec.
func RegisterHistoryHandler(exec *ExecutorService, h *HistoryHandler) error {
	for _, t := range history.HandlerTypes() {
		if err := exec.Register(t, h); err != nil {
			return err
		}
	}
	return nil
}

// Execute implements Handler.
//
// A single fact that is declined skips the job without penalty. In a group every fact is
// applied independently: declined facts are re-submitted as single history jobs and the group
// succeeds. Any other transformer error rolls the whole job back and costs a retry.
func (h *HistoryHandler) Execute(ctx context.Context, j *model.Job) model.HandlerResult {
	encoding, docs, err := history.Decode(j.HandlerConfig)
	if err != nil {
		return model.FailedNonFatal(err)
	}
	if !encoding.Grouped() {
		return h.single(ctx, docs[0])
	}
	return h.group(ctx, j, docs)
}

func (h *HistoryHandler) single(ctx context.Context, doc model.FactDocument) model.HandlerResult {
	err := h.store.InTx(ctx, func(ctx context.Context, tx core.Repositories) error {
		return h.transformers.Apply(ctx, tx, doc)
	})
	switch {
	case err == nil:
		return model.Succeeded()
	case errors.Is(err, ErrDeclined):
		return model.Skipped(err)
	default:
		return model.Failed(fmt.Errorf("apply %s fact: %w", doc.Type, err))
	}
}

type declinedFact struct {
	doc    model.FactDocument
	reason error
}

func (h *HistoryHandler) group(ctx context.Context, j *model.Job, docs []model.FactDocument) model.HandlerResult {
	var (
		declined     []declinedFact
		deadLettered []*model.Job
	)
	err := h.store.InTx(ctx, func(ctx context.Context, tx core.Repositories) error {
		declined, deadLettered = nil, nil
		for _, doc := range docs {
			err := h.transformers.Apply(ctx, tx, doc)
			if err == nil {
				continue
			}
			if !errors.Is(err, ErrDeclined) {
				return fmt.Errorf("apply %s fact: %w", doc.Type, err)
			}
			declined = append(declined, declinedFact{doc: doc, reason: err})
		}
		for _, d := range declined {
			dead, err := h.resubmit(ctx, tx, j, d)
			if err != nil {
				return err
			}
			if dead != nil {
				deadLettered = append(deadLettered, dead)
			}
		}
		return nil
	})
	if err != nil {
		return model.Failed(err)
	}

	metrics.EmitHistorySplit(h.metrics, j.HandlerType, len(declined))
	for _, dead := range deadLettered {
		h.jobs.ReportDeadLetter(ctx, dead, 0, "")
	}
	if len(declined) > 0 && h.logger != nil {
		h.logger.InfoContext(ctx, "history group split",
			"job_id", j.ID,
			"facts", len(docs),
			"declined", len(declined),
			"dead_lettered", len(deadLettered),
		)
	}
	return model.Succeeded()
}

// resubmit turns a declined fact of group j into its own history job. The new job inherits
// one retry less than the group unless resetRetries is set; with none left it goes straight to
// Dead-Letter, which is returned.
func (h *HistoryHandler) resubmit(ctx context.Context, tx core.Repositories, j *model.Job, d declinedFact) (*model.Job, error) {
	cfg, err := history.EncodeSingle(d.doc)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode history job config: %w", err)
	}

	retries := j.Retries
	if !h.resetRetries {
		retries--
	}
	info := model.ExceptionInfo{Message: d.reason.Error(), Stacktrace: errorTrace(d.reason)}

	req := &model.CreateJobRequest{
		Kind:                model.JobKindHistory,
		HandlerType:         history.HandlerTypeSingle,
		HandlerConfig:       raw,
		ScopeID:             d.doc.Data[model.ScopeIDKey],
		TenantID:            j.TenantID,
		Retries:             max(retries, 1),
		ExceptionMessage:    info.Message,
		ExceptionStacktrace: info.Stacktrace,
	}
	created, err := h.jobs.CreateIn(ctx, tx, req)
	if err != nil {
		return nil, fmt.Errorf("resubmit %s fact: %w", d.doc.Type, err)
	}
	if retries > 0 {
		return nil, nil
	}

	tr, err := domainjob.DeadLetter(created, info)
	if err != nil {
		return nil, err
	}
	if err := tx.Jobs().Apply(ctx, tr); err != nil {
		return nil, fmt.Errorf("dead-letter resubmitted %s fact: %w", d.doc.Type, err)
	}
	return tr.Job, nil
}
