package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/jobexec/internal/domain/model"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newJob(state model.JobState, retries int) *model.Job {
	return &model.Job{
		ID:          "job-1",
		State:       state,
		Kind:        model.JobKindMessage,
		HandlerType: "noop",
		Retries:     retries,
		CreatedAt:   t0,
	}
}

func lockJob(j *model.Job, owner string, until time.Time) {
	j.LockOwner = &owner
	j.LockExpiresAt = &until
}

func assertLockPair(t *testing.T, j *model.Job) {
	t.Helper()
	assert.Equal(t, j.LockOwner == nil, j.LockExpiresAt == nil, "lock owner and expiration must be set together")
}

func TestInitialState(t *testing.T) {
	future := t0.Add(time.Hour)
	past := t0.Add(-time.Hour)

	tests := []struct {
		name      string
		kind      model.JobKind
		due       *time.Time
		suspended bool
		want      model.JobState
	}{
		{"no due date is ready", model.JobKindMessage, nil, false, model.JobStateReady},
		{"past due date is ready", model.JobKindTimer, &past, false, model.JobStateReady},
		{"due now is ready", model.JobKindTimer, &t0, false, model.JobStateReady},
		{"future due date is timer", model.JobKindTimer, &future, false, model.JobStateTimer},
		{"history kind", model.JobKindHistory, nil, false, model.JobStateHistory},
		{"suspended scope wins", model.JobKindTimer, &future, true, model.JobStateSuspended},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InitialState(tt.kind, tt.due, tt.suspended, t0))
		})
	}
}

func TestSuspendActivate(t *testing.T) {
	j := newJob(model.JobStateReady, 3)
	j.ExceptionMessage = "kept"

	tr, err := Suspend(j)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSuspended, tr.Job.State)
	assert.Equal(t, []Op{DeleteFrom(model.JobStateReady), InsertInto(model.JobStateSuspended)}, tr.Ops)
	assert.Equal(t, 3, tr.Job.Retries)
	assert.Equal(t, "kept", tr.Job.ExceptionMessage)
	assert.Equal(t, model.JobStateReady, j.State, "input must not be mutated")

	again, err := Suspend(tr.Job)
	require.NoError(t, err)
	assert.True(t, again.Noop())

	back, err := Activate(tr.Job, t0)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateReady, back.Job.State)
	assert.Equal(t, 3, back.Job.Retries)

	future := t0.Add(time.Minute)
	tr.Job.DueDate = &future
	back, err = Activate(tr.Job, t0)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateTimer, back.Job.State)

	_, err = Suspend(newJob(model.JobStateDeadLetter, 0))
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = Activate(newJob(model.JobStateDeadLetter, 0), t0)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRecordFailure_RetriesLeft(t *testing.T) {
	j := newJob(model.JobStateReady, 3)
	lockJob(j, "w1", t0.Add(time.Minute))

	tr, err := RecordFailure(j, model.ExceptionInfo{Message: "boom", Stacktrace: "stack"}, t0, 0)
	require.NoError(t, err)

	assert.Equal(t, []Op{UpdateIn(model.JobStateReady)}, tr.Ops)
	assert.Equal(t, 2, tr.Job.Retries)
	assert.Nil(t, tr.Job.LockOwner)
	assertLockPair(t, tr.Job)
	assert.Nil(t, tr.Job.DueDate)
	assert.Equal(t, "boom", tr.Job.ExceptionMessage)
	assert.Equal(t, "stack", tr.Job.ExceptionStacktrace)
}

func TestRecordFailure_Backoff(t *testing.T) {
	j := newJob(model.JobStateTimer, 2)
	lockJob(j, "w1", t0.Add(time.Minute))

	tr, err := RecordFailure(j, model.ExceptionInfo{Message: "later"}, t0, 30*time.Second)
	require.NoError(t, err)

	require.NotNil(t, tr.Job.DueDate)
	assert.Equal(t, t0.Add(30*time.Second), *tr.Job.DueDate)
	assert.Equal(t, model.JobStateTimer, tr.Job.State)
	assert.Equal(t, 1, tr.Job.Retries)
}

func TestRecordFailure_LastRetryDeadLetters(t *testing.T) {
	j := newJob(model.JobStateReady, 1)
	lockJob(j, "w1", t0.Add(time.Minute))

	tr, err := RecordFailure(j, model.ExceptionInfo{Message: "fatal", Stacktrace: "trace"}, t0, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, model.JobStateDeadLetter, tr.Job.State)
	assert.Equal(t, []Op{DeleteFrom(model.JobStateReady), InsertInto(model.JobStateDeadLetter)}, tr.Ops)
	assert.Equal(t, 0, tr.Job.Retries)
	assertLockPair(t, tr.Job)
	assert.Nil(t, tr.Job.LockOwner)
	assert.Equal(t, "trace", tr.Job.ExceptionStacktrace)
	assert.Equal(t, j.ID, tr.Job.ID)

	_, err = RecordFailure(tr.Job, model.ExceptionInfo{}, t0, 0)
	require.ErrorIs(t, err, ErrInvalidTransition, "dead-letter jobs cannot fail again")
}

func TestSuspend_ClearsJobLock(t *testing.T) {
	j := newJob(model.JobStateReady, 3)
	lockJob(j, "worker-a", t0.Add(time.Minute))

	tr, err := Suspend(j)
	require.NoError(t, err)
	assert.Nil(t, tr.Job.LockOwner)
	assertLockPair(t, tr.Job)
	require.NotNil(t, tr.From.LockOwner, "the guard still names the holder")
	assert.Equal(t, "worker-a", *tr.From.LockOwner)

	back, err := Activate(tr.Job, t0)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateReady, back.Job.State)
	assert.Nil(t, back.Job.LockOwner, "activated jobs are acquirable again")
}

func TestResurrect(t *testing.T) {
	j := newJob(model.JobStateReady, 1)
	dl, err := DeadLetter(j, model.ExceptionInfo{Message: "gone"})
	require.NoError(t, err)

	tr, err := Resurrect(dl.Job, 3, false)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateReady, tr.Job.State)
	assert.Equal(t, 3, tr.Job.Retries)
	assert.Nil(t, tr.Job.LockOwner)
	assert.Nil(t, tr.Job.DueDate)
	assert.Equal(t, "gone", tr.Job.ExceptionMessage)
	assert.Equal(t, []Op{DeleteFrom(model.JobStateDeadLetter), InsertInto(model.JobStateReady)}, tr.Ops)

	_, err = Resurrect(dl.Job, 0, false)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = Resurrect(j, 3, false)
	require.ErrorIs(t, err, ErrInvalidTransition)

	h := newJob(model.JobStateHistory, 1)
	h.Kind = model.JobKindHistory
	hdl, err := DeadLetter(h, model.ExceptionInfo{})
	require.NoError(t, err)
	htr, err := Resurrect(hdl.Job, 2, true)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateHistory, htr.Job.State, "history jobs ignore scope suspension")
}

func TestResurrect_IntoSuspendedScope(t *testing.T) {
	dl, err := DeadLetter(newJob(model.JobStateReady, 1), model.ExceptionInfo{Message: "gone"})
	require.NoError(t, err)

	tr, err := Resurrect(dl.Job, 4, true)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSuspended, tr.Job.State)
	assert.Equal(t, 4, tr.Job.Retries)
	assert.Equal(t, []Op{DeleteFrom(model.JobStateDeadLetter), InsertInto(model.JobStateSuspended)}, tr.Ops)

	back, err := Activate(tr.Job, t0)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateReady, back.Job.State)
	assert.Equal(t, 4, back.Job.Retries)
}

func TestComplete(t *testing.T) {
	t.Run("one-shot job is deleted", func(t *testing.T) {
		tr, err := Complete(newJob(model.JobStateReady, 3), t0)
		require.NoError(t, err)
		assert.True(t, tr.Deleted())
	})

	t.Run("recurring job is rescheduled", func(t *testing.T) {
		j := newJob(model.JobStateReady, 3)
		j.Repeat = Every(time.Minute)
		lockJob(j, "w1", t0.Add(time.Minute))

		tr, err := Complete(j, t0)
		require.NoError(t, err)
		assert.False(t, tr.Deleted())
		assert.Equal(t, model.JobStateTimer, tr.Job.State)
		require.NotNil(t, tr.Job.DueDate)
		assert.Equal(t, t0.Add(time.Minute), *tr.Job.DueDate)
		assert.Nil(t, tr.Job.LockOwner)
		assertLockPair(t, tr.Job)
		assert.Equal(t, 3, tr.Job.Retries)
	})

	t.Run("invalid repeat", func(t *testing.T) {
		j := newJob(model.JobStateReady, 3)
		j.Repeat = "not a schedule"
		_, err := Complete(j, t0)
		require.ErrorIs(t, err, ErrInvalidRepeat)
	})
}

func TestUnlock(t *testing.T) {
	j := newJob(model.JobStateReady, 2)
	lockJob(j, "w1", t0)
	tr := Unlock(j)
	assert.Nil(t, tr.Job.LockOwner)
	assertLockPair(t, tr.Job)
	assert.Equal(t, 2, tr.Job.Retries)
	assert.True(t, j.Locked(), "input must not be mutated")
}
