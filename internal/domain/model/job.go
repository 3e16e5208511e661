// Package model defines the core data types shared by the job executor, the history pipeline and
// the batch manager.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobKind describes what produced a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobKind string

// JobState is the lifecycle partition a job row currently lives in.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobState string

const (
	// JobKindTimer is a job created for a timer event.
	JobKindTimer JobKind = "timer"
	// JobKindMessage is an async continuation job.
	JobKindMessage JobKind = "message"
	// JobKindExternalWorker is a job fetched and completed by an external worker.
	JobKindExternalWorker JobKind = "external-worker"
	// JobKindHistory is a job produced by the async history pipeline.
	JobKindHistory JobKind = "history"

	// JobStateTimer holds jobs whose due date is in the future.
	JobStateTimer JobState = "timer"
	// JobStateReady holds jobs that are eligible for acquisition.
	JobStateReady JobState = "ready"
	// JobStateSuspended holds jobs whose owning scope is suspended.
	JobStateSuspended JobState = "suspended"
	// JobStateDeadLetter holds jobs that exhausted their retries.
	JobStateDeadLetter JobState = "dead_letter"
	// JobStateHistory holds history jobs, processed by a dedicated executor.
	JobStateHistory JobState = "history"
)

// DefaultRetries is used when a create request does not specify a retry budget.
const DefaultRetries = 3

// ErrNoJobsAvailable is returned when no jobs are available for acquisition.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the JobKind is known.
func (k JobKind) Valid() bool {
	return k == JobKindTimer || k == JobKindMessage || k == JobKindExternalWorker || k == JobKindHistory
}

// UnmarshalText implements encoding.TextUnmarshaler for JobState to allow env and flag parsing.
func (s *JobState) UnmarshalText(text []byte) error {
	v := JobState(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobState: %q", v)
	}
	*s = v
	return nil
}

// Valid returns true if the JobState is known.
func (s JobState) Valid() bool {
	switch s {
	case JobStateTimer, JobStateReady, JobStateSuspended, JobStateDeadLetter, JobStateHistory:
		return true
	default:
		return false
	}
}

// Acquirable reports whether jobs in this partition may be picked up by an executor.
func (s JobState) Acquirable() bool {
	return s == JobStateTimer || s == JobStateReady || s == JobStateHistory
}

// Job is a unit of deferred, retryable work tied to an owning scope.
type Job struct {
	ID                  string          `json:"id"                             db:"id"`
	State               JobState        `json:"state"                          db:"state"`
	Kind                JobKind         `json:"kind"                           db:"kind"`
	HandlerType         string          `json:"handler_type"                   db:"handler_type"`
	HandlerConfig       json.RawMessage `json:"handler_config"                 db:"handler_config"`
	ScopeID             string          `json:"scope_id,omitempty"             db:"scope_id"`
	SubScopeID          string          `json:"sub_scope_id,omitempty"         db:"sub_scope_id"`
	ScopeType           string          `json:"scope_type,omitempty"           db:"scope_type"`
	ScopeDefinitionID   string          `json:"scope_definition_id,omitempty"  db:"scope_definition_id"`
	DueDate             *time.Time      `json:"due_date,omitempty"             db:"due_date"`
	Repeat              string          `json:"repeat,omitempty"               db:"repeat"`
	Retries             int             `json:"retries"                        db:"retries"`
	Exclusive           bool            `json:"exclusive"                      db:"exclusive"`
	Category            string          `json:"category,omitempty"             db:"category"`
	TenantID            string          `json:"tenant_id,omitempty"            db:"tenant_id"`
	LockOwner           *string         `json:"lock_owner,omitempty"           db:"lock_owner"`
	LockExpiresAt       *time.Time      `json:"lock_expires_at,omitempty"      db:"lock_expires_at"`
	ExceptionMessage    string          `json:"exception_message,omitempty"    db:"exception_message"`
	ExceptionStacktrace string          `json:"exception_stacktrace,omitempty" db:"exception_stacktrace"`
	CorrelationID       string          `json:"correlation_id,omitempty"       db:"correlation_id"`
	CreatedAt           time.Time       `json:"created_at"                     db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"                     db:"updated_at"`
}

// Locked reports whether the job currently carries a lock.
func (j *Job) Locked() bool {
	return j != nil && j.LockOwner != nil
}

// LockedBy reports whether the job is locked by owner.
func (j *Job) LockedBy(owner string) bool {
	return j.Locked() && *j.LockOwner == owner
}

// DueAt returns the effective due time; jobs without a due date are due since creation.
func (j *Job) DueAt() time.Time {
	if j.DueDate != nil {
		return *j.DueDate
	}
	return j.CreatedAt
}

// IsDue reports whether the job may be acquired at asOf.
func (j *Job) IsDue(asOf time.Time) bool {
	return j.Retries > 0 && !j.DueAt().After(asOf)
}

// Recurring reports whether the job reschedules itself after a successful execution.
func (j *Job) Recurring() bool {
	return strings.TrimSpace(j.Repeat) != ""
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.HandlerConfig != nil {
		c.HandlerConfig = append(json.RawMessage(nil), j.HandlerConfig...)
	}
	if j.DueDate != nil {
		t := *j.DueDate
		c.DueDate = &t
	}
	if j.LockOwner != nil {
		o := *j.LockOwner
		c.LockOwner = &o
	}
	if j.LockExpiresAt != nil {
		t := *j.LockExpiresAt
		c.LockExpiresAt = &t
	}
	return &c
}

// ExceptionInfo carries the diagnostic context of a failed attempt.
type ExceptionInfo struct {
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace,omitempty"`
}

// CreateJobRequest represents a request to create a new job.
type CreateJobRequest struct {
	Kind              JobKind         `json:"kind"`
	HandlerType       string          `json:"handler_type"`
	HandlerConfig     json.RawMessage `json:"handler_config,omitempty"`
	ScopeID           string          `json:"scope_id,omitempty"`
	SubScopeID        string          `json:"sub_scope_id,omitempty"`
	ScopeType         string          `json:"scope_type,omitempty"`
	ScopeDefinitionID string          `json:"scope_definition_id,omitempty"`
	DueDate           *time.Time      `json:"due_date,omitempty"`
	Repeat            string          `json:"repeat,omitempty"`
	Retries           int             `json:"retries,omitempty"`
	Exclusive         bool            `json:"exclusive,omitempty"`
	Category          string          `json:"category,omitempty"`
	TenantID          string          `json:"tenant_id,omitempty"`
	CorrelationID     string          `json:"correlation_id,omitempty"`
	// ExceptionMessage and ExceptionStacktrace seed the diagnostics of jobs re-created from a failure.
	ExceptionMessage    string `json:"exception_message,omitempty"`
	ExceptionStacktrace string `json:"exception_stacktrace,omitempty"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if !r.Kind.Valid() {
		return errors.New("invalid job kind")
	}
	if strings.TrimSpace(r.HandlerType) == "" {
		return errors.New("handler type is required")
	}
	if r.Retries < 0 {
		return errors.New("retries must be >= 0")
	}
	if r.Exclusive && strings.TrimSpace(r.ScopeID) == "" {
		return errors.New("exclusive jobs require a scope id")
	}
	if len(r.HandlerConfig) > 0 && !json.Valid(r.HandlerConfig) {
		return errors.New("handler config must be valid JSON")
	}
	return nil
}

// EffectiveRetries returns the retry budget for the new job.
func (r *CreateJobRequest) EffectiveRetries() int {
	if r.Retries > 0 {
		return r.Retries
	}
	return DefaultRetries
}

// JobListOptions filters job listings.
type JobListOptions struct {
	State       *JobState
	HandlerType string
	ScopeID     string
	Limit       int
	Offset      int
}

// JobStats counts jobs per lifecycle partition.
type JobStats struct {
	Timer      int `json:"timer"       yaml:"timer"`
	Ready      int `json:"ready"       yaml:"ready"`
	Locked     int `json:"locked"      yaml:"locked"`
	Suspended  int `json:"suspended"   yaml:"suspended"`
	DeadLetter int `json:"dead_letter" yaml:"dead_letter"`
	History    int `json:"history"     yaml:"history"`
}
