// Package notify defines the dead-letter notification payload shared by alert sinks.
package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// DeadLetterPayload describes a job that exhausted its retries and moved to the dead-letter partition.
type DeadLetterPayload struct {
	JobID       string
	HandlerType string
	Kind        string
	ScopeID     string
	TenantID    string
	Category    string
	Error       string
	ErrorClass  string
	Severity    string
	Attempts    int
	OccurredAt  time.Time
	Metadata    map[string]string
}

// Sink describes a destination capable of consuming dead-letter notifications.
type Sink interface {
	SendDeadLetter(ctx context.Context, payload DeadLetterPayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload DeadLetterPayload) error

// SendDeadLetter implements the Sink interface.
func (f SinkFunc) SendDeadLetter(ctx context.Context, payload DeadLetterPayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}

// DedupKey returns a stable identifier for repeated notifications about the same job.
func (p DeadLetterPayload) DedupKey() string {
	switch {
	case p.HandlerType == "" && p.JobID == "":
		return ""
	case p.HandlerType == "":
		return p.JobID
	case p.JobID == "":
		return p.HandlerType
	default:
		return p.HandlerType + ":" + p.JobID
	}
}
