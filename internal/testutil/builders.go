package testutil

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/target/jobexec/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a message job request for the "noop" handler with three retries.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			Kind:          model.JobKindMessage,
			HandlerType:   "noop",
			HandlerConfig: json.RawMessage(`{}`),
			Retries:       3,
		},
	}
}

// WithKind sets the job kind.
func (b *JobRequestBuilder) WithKind(kind model.JobKind) *JobRequestBuilder {
	b.req.Kind = kind
	return b
}

// WithHandler sets the handler type and its configuration.
func (b *JobRequestBuilder) WithHandler(handlerType, config string) *JobRequestBuilder {
	b.req.HandlerType = handlerType
	b.req.HandlerConfig = json.RawMessage(config)
	return b
}

// WithScope sets the owning scope.
func (b *JobRequestBuilder) WithScope(scopeID string) *JobRequestBuilder {
	b.req.ScopeID = scopeID
	return b
}

// Exclusive marks the job exclusive within its scope.
func (b *JobRequestBuilder) Exclusive() *JobRequestBuilder {
	b.req.Exclusive = true
	return b
}

// WithDueDate sets the due date.
func (b *JobRequestBuilder) WithDueDate(due time.Time) *JobRequestBuilder {
	b.req.DueDate = &due
	return b
}

// WithRepeat sets the repeat schedule.
func (b *JobRequestBuilder) WithRepeat(repeat string) *JobRequestBuilder {
	b.req.Repeat = repeat
	return b
}

// WithRetries sets the retry budget.
func (b *JobRequestBuilder) WithRetries(retries int) *JobRequestBuilder {
	b.req.Retries = retries
	return b
}

// WithCategory sets the job category.
func (b *JobRequestBuilder) WithCategory(category string) *JobRequestBuilder {
	b.req.Category = category
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// NewJob returns a persisted-shape job in state with a fresh id, for repository tests.
func NewJob(state model.JobState, createdAt time.Time) *model.Job {
	return &model.Job{
		ID:            uuid.NewString(),
		State:         state,
		Kind:          model.JobKindMessage,
		HandlerType:   "noop",
		HandlerConfig: json.RawMessage(`{}`),
		Retries:       model.DefaultRetries,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}
