package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/target/jobexec/internal/core"
	apperrors "github.com/target/jobexec/internal/errors"
	"github.com/target/jobexec/internal/observability/statsd"
)

// CategoryServiceOptions groups dependencies for CategoryService.
type CategoryServiceOptions struct {
	Registry core.CategoryRegistry // Required: shared enabled-category set
	Logger   *slog.Logger          // Optional: structured logger
	Metrics  statsd.Sink           // Optional: metrics sink (StatsD-compatible)
}

// CategoryService switches job categories on and off at runtime. Every executor reads the
// same registry on each acquisition round, so a change takes effect on the next poll.
type CategoryService struct {
	registry core.CategoryRegistry
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewCategoryService constructs a new CategoryService.
func NewCategoryService(opts CategoryServiceOptions) (*CategoryService, error) {
	if opts.Registry == nil {
		return nil, errors.New("category registry is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "category_service")
	}

	return &CategoryService{
		registry: opts.Registry,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// MustNewCategoryService constructs a new CategoryService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewCategoryService(opts CategoryServiceOptions) *CategoryService {
	svc, err := NewCategoryService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create CategoryService: %v", err))
	}
	return svc
}

// Enable admits jobs of the given categories to acquisition.
func (s *CategoryService) Enable(ctx context.Context, categories ...string) ([]string, error) {
	return s.change(ctx, "enable", s.registry.Enable, categories)
}

// Disable stops acquisition of jobs in the given categories. Jobs already locked finish.
func (s *CategoryService) Disable(ctx context.Context, categories ...string) ([]string, error) {
	return s.change(ctx, "disable", s.registry.Disable, categories)
}

// List returns the enabled categories, sorted.
func (s *CategoryService) List(ctx context.Context) ([]string, error) {
	enabled, err := s.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	if enabled == nil {
		enabled = []string{}
	}
	slices.Sort(enabled)
	return enabled, nil
}

// change applies op and returns the resulting enabled set.
func (s *CategoryService) change(
	ctx context.Context,
	action string,
	op func(context.Context, ...string) error,
	categories []string,
) ([]string, error) {
	cleaned := normalizeCategories(categories)
	if len(cleaned) == 0 {
		return nil, apperrors.Validationf("at least one category is required")
	}
	if err := op(ctx, cleaned...); err != nil {
		return nil, fmt.Errorf("%s categories: %w", action, err)
	}

	if s.metrics != nil {
		s.metrics.Count("category.change", int64(len(cleaned)), map[string]string{"action": action})
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job categories changed",
			"action", action,
			"categories", cleaned,
		)
	}
	return s.List(ctx)
}

// normalizeCategories trims, drops empty entries and dedupes, keeping first-seen order.
func normalizeCategories(categories []string) []string {
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c == "" || slices.Contains(out, c) {
			continue
		}
		out = append(out, c)
	}
	return out
}
