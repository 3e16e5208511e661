// Package failurenotifier fans dead-letter notifications out to the configured alert sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/target/jobexec/internal/domain/model"
	"github.com/target/jobexec/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// MutedHandlerTypes lists handler types whose dead letters are logged but never delivered.
	MutedHandlerTypes []string
}

// Service dispatches dead-letter events to all registered sinks.
type Service struct {
	logger *slog.Logger
	sinks  []SinkRegistration
	muted  map[string]struct{}
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "failure_notifier")
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{Name: name, Sink: entry.Sink})
	}

	muted := make(map[string]struct{}, len(opts.MutedHandlerTypes))
	for _, ht := range opts.MutedHandlerTypes {
		if ht = strings.TrimSpace(ht); ht != "" {
			muted[ht] = struct{}{}
		}
	}

	return &Service{logger: logger, sinks: sinks, muted: muted}
}

// NotifyDeadLetter fans the payload out to all sinks and waits for delivery.
func (s *Service) NotifyDeadLetter(ctx context.Context, payload notify.DeadLetterPayload) {
	if s == nil || len(s.sinks) == 0 {
		return
	}

	if _, ok := s.muted[payload.HandlerType]; ok {
		s.logger.DebugContext(ctx, "skipping notification for muted handler type",
			"job_id", payload.JobID,
			"handler_type", payload.HandlerType,
		)
		return
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendDeadLetter(ctx, payload); err != nil {
				s.logger.ErrorContext(ctx, "failure notifier delivery error",
					"sink", entry.Name,
					"job_id", payload.JobID,
					"handler_type", payload.HandlerType,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}

// PayloadFromJob builds the notification for a job that was just dead-lettered.
func PayloadFromJob(j *model.Job, attempts int, errorClass string, at time.Time) notify.DeadLetterPayload {
	return notify.DeadLetterPayload{
		JobID:       j.ID,
		HandlerType: j.HandlerType,
		Kind:        string(j.Kind),
		ScopeID:     j.ScopeID,
		TenantID:    j.TenantID,
		Category:    j.Category,
		Error:       j.ExceptionMessage,
		ErrorClass:  errorClass,
		Attempts:    attempts,
		OccurredAt:  at,
	}
}
