package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobState_UnmarshalText(t *testing.T) {
	var s JobState
	require.NoError(t, s.UnmarshalText([]byte(" Dead_Letter ")))
	assert.Equal(t, JobStateDeadLetter, s)

	err := s.UnmarshalText([]byte("locked"))
	require.Error(t, err)
	assert.Equal(t, JobStateDeadLetter, s, "value is unchanged on error")
}

func TestJobState_Acquirable(t *testing.T) {
	assert.True(t, JobStateTimer.Acquirable())
	assert.True(t, JobStateReady.Acquirable())
	assert.True(t, JobStateHistory.Acquirable())
	assert.False(t, JobStateSuspended.Acquirable())
	assert.False(t, JobStateDeadLetter.Acquirable())
}

func TestJob_IsDue(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)

	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{"no due date uses created_at", Job{Retries: 1, CreatedAt: now}, true},
		{"future due date", Job{Retries: 1, CreatedAt: now, DueDate: &later}, false},
		{"due exactly now", Job{Retries: 1, DueDate: &now}, true},
		{"no retries left", Job{Retries: 0, CreatedAt: now}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.IsDue(now))
		})
	}
}

func TestJob_Clone(t *testing.T) {
	owner := "worker-1"
	due := time.Now()
	j := &Job{ID: "a", LockOwner: &owner, LockExpiresAt: &due, DueDate: &due, HandlerConfig: json.RawMessage(`{"a":1}`)}

	c := j.Clone()
	*c.LockOwner = "worker-2"
	c.HandlerConfig[2] = 'b'

	assert.Equal(t, "worker-1", *j.LockOwner)
	assert.Equal(t, `{"a":1}`, string(j.HandlerConfig))
	assert.True(t, j.LockedBy("worker-1"))
	assert.False(t, j.LockedBy("worker-2"))
	assert.Nil(t, (*Job)(nil).Clone())
}

func TestCreateJobRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateJobRequest
		wantErr string
	}{
		{"valid", CreateJobRequest{Kind: JobKindMessage, HandlerType: "h"}, ""},
		{"bad kind", CreateJobRequest{Kind: "cron", HandlerType: "h"}, "invalid job kind"},
		{"missing handler", CreateJobRequest{Kind: JobKindTimer, HandlerType: " "}, "handler type is required"},
		{"negative retries", CreateJobRequest{Kind: JobKindTimer, HandlerType: "h", Retries: -1}, "retries must be >= 0"},
		{"exclusive without scope", CreateJobRequest{Kind: JobKindTimer, HandlerType: "h", Exclusive: true}, "exclusive jobs require a scope id"},
		{"bad config", CreateJobRequest{Kind: JobKindTimer, HandlerType: "h", HandlerConfig: json.RawMessage(`{`)}, "handler config must be valid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCreateJobRequest_EffectiveRetries(t *testing.T) {
	assert.Equal(t, DefaultRetries, (&CreateJobRequest{}).EffectiveRetries())
	assert.Equal(t, 7, (&CreateJobRequest{Retries: 7}).EffectiveRetries())
}

func TestHandlerResult_Constructors(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, Succeeded().Outcome)
	assert.Equal(t, OutcomeRetryableFailure, Failed(assert.AnError).Outcome)
	assert.True(t, FailedNonFatal(assert.AnError).NonFatal)
	assert.Equal(t, time.Second, FailedWithBackoff(assert.AnError, time.Second).Backoff)
	assert.Equal(t, OutcomeSkipNoPenalty, Skipped(nil).Outcome)
	assert.Equal(t, "skip", OutcomeSkipNoPenalty.String())
}

func TestStartBatchRequest_Validate(t *testing.T) {
	assert.NoError(t, (&StartBatchRequest{Type: BatchTypeCaseMigration}).Validate())
	assert.Error(t, (&StartBatchRequest{}).Validate())
	assert.Error(t, (&StartBatchRequest{Type: "x", ScopeIDs: []string{""}}).Validate())
	assert.Error(t, (&StartBatchRequest{Type: "x", Document: json.RawMessage("nope")}).Validate())
	assert.Equal(t, PartStatusFail, PartResult{Status: PartResultFail}.PartStatus())
	assert.Equal(t, PartStatusSuccess, PartResult{Status: PartResultSuccess}.PartStatus())
}
