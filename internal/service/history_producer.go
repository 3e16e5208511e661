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
	"github.com/target/jobexec/internal/domain/model"
	"github.com/target/jobexec/internal/observability/metrics"
	"github.com/target/jobexec/internal/observability/statsd"
)

// HistoryProducerOptions groups dependencies for HistoryProducer.
type HistoryProducerOptions struct {
	Store   core.Store           // Required: transactional job store
	Jobs    *JobService          // Required: history job creation
	Config  config.HistoryConfig // Required: grouping and compression settings
	Enabled bool                 // Optional: false turns Flush into a no-op
	Logger  *slog.Logger         // Optional: structured logger
	Metrics statsd.Sink          // Optional: metrics sink (StatsD-compatible)
}

// HistoryProducer turns the facts of a committed unit of work into history jobs.
type HistoryProducer struct {
	store   core.Store
	jobs    *JobService
	config  config.HistoryConfig
	enabled bool
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewHistoryProducer constructs a new HistoryProducer.
func NewHistoryProducer(opts HistoryProducerOptions) (*HistoryProducer, error) {
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
		logger = opts.Logger.With("component", "history_producer")
	}

	return &HistoryProducer{
		store:   opts.Store,
		jobs:    opts.Jobs,
		config:  cfg,
		enabled: opts.Enabled,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Enabled reports whether flushed facts become jobs.
func (p *HistoryProducer) Enabled() bool {
	return p != nil && p.enabled
}

// Flush persists facts as history jobs in one transaction and returns how many jobs were
// created. Below the grouping threshold, or with grouping off, every fact gets its own job;
// otherwise a single job carries them all.
func (p *HistoryProducer) Flush(ctx context.Context, facts []model.HistoricRecord) (int, error) {
	if !p.Enabled() || len(facts) == 0 {
		return 0, nil
	}
	var created int
	err := p.store.InTx(ctx, func(ctx context.Context, tx core.Repositories) error {
		n, err := p.FlushIn(ctx, tx, facts)
		created = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// FlushIn is Flush joining the caller's transaction.
func (p *HistoryProducer) FlushIn(ctx context.Context, repos core.Repositories, facts []model.HistoricRecord) (int, error) {
	if !p.Enabled() || len(facts) == 0 {
		return 0, nil
	}

	docs := history.Documents(facts)
	configs, err := p.encode(docs)
	if err != nil {
		return 0, err
	}

	for _, cfg := range configs {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return 0, fmt.Errorf("encode history job config: %w", err)
		}
		req := &model.CreateJobRequest{
			Kind:          model.JobKindHistory,
			HandlerType:   cfg.Encoding.HandlerType(),
			HandlerConfig: raw,
			ScopeID:       scopeOf(docs, cfg),
			Retries:       p.config.Retries,
		}
		if _, err := p.jobs.CreateIn(ctx, repos, req); err != nil {
			return 0, fmt.Errorf("create history job: %w", err)
		}
	}

	encoding := history.EncodingSingle
	if len(configs) == 1 {
		encoding = configs[0].Encoding
	}
	metrics.EmitHistoryFlush(p.metrics, string(encoding), len(docs), len(configs))
	if p.logger != nil {
		p.logger.DebugContext(ctx, "history facts flushed",
			"facts", len(docs),
			"jobs", len(configs),
			"encoding", encoding,
		)
	}
	return len(configs), nil
}

func (p *HistoryProducer) encode(docs []model.FactDocument) ([]history.JobConfig, error) {
	if !p.config.GroupingEnabled || len(docs) < p.config.GroupingThreshold {
		out := make([]history.JobConfig, 0, len(docs))
		for _, doc := range docs {
			cfg, err := history.EncodeSingle(doc)
			if err != nil {
				return nil, err
			}
			out = append(out, cfg)
		}
		return out, nil
	}
	cfg, err := history.EncodeGroup(docs, history.CompressionPolicy{
		Enabled:  p.config.CompressionEnabled,
		MinBytes: p.config.CompressionMinBytes,
	})
	if err != nil {
		return nil, err
	}
	return []history.JobConfig{cfg}, nil
}

// scopeOf tags a job with the scope of its facts when they agree on one.
func scopeOf(docs []model.FactDocument, cfg history.JobConfig) string {
	if cfg.Encoding == history.EncodingSingle {
		var doc model.FactDocument
		if err := json.Unmarshal(cfg.Payload, &doc); err == nil {
			return doc.Data[model.ScopeIDKey]
		}
		return ""
	}
	scope := ""
	for i, doc := range docs {
		id := doc.Data[model.ScopeIDKey]
		if i > 0 && id != scope {
			return ""
		}
		scope = id
	}
	return scope
}
