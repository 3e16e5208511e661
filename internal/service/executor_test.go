package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/jobexec/internal/core"
	domainjob "github.com/target/jobexec/internal/domain/job"
	"github.com/target/jobexec/internal/domain/model"
	apperrors "github.com/target/jobexec/internal/errors"
	"github.com/target/jobexec/internal/observability/metrics"
)

var errTransient = errors.New("downstream unavailable")

func succeed(context.Context, *model.Job) model.HandlerResult { return model.Succeeded() }

func failWith(err error) HandlerFunc {
	return func(context.Context, *model.Job) model.HandlerResult { return model.Failed(err) }
}

func TestExecutorService_Register(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.exec.Register("b-handler", HandlerFunc(succeed)))
	require.NoError(t, f.exec.Register(" a-handler ", HandlerFunc(succeed)))
	assert.Error(t, f.exec.Register("a-handler", HandlerFunc(succeed)), "duplicate")
	assert.Error(t, f.exec.Register(" ", HandlerFunc(succeed)))
	assert.Error(t, f.exec.Register("c-handler", nil))

	assert.Equal(t, []string{"a-handler", "b-handler"}, f.exec.HandlerTypes())
}

func TestExecutorService_SuccessDeletesJob(t *testing.T) {
	f := newFixture(t)
	f.register("async-continuation", succeed)
	j := f.create(messageRequest("case-1"))

	execs := f.runAll("worker-1")
	require.Len(t, execs, 1)
	assert.Equal(t, j.ID, execs[0].JobID)
	assert.Equal(t, model.OutcomeSuccess, execs[0].Outcome)
	assert.Equal(t, metrics.TransitionSucceeded, execs[0].Transition)
	assert.Empty(t, execs[0].State)
	assert.Empty(t, f.store.Snapshot())
	assert.EqualValues(t, 1, f.metrics.Total("job.transition", map[string]string{"transition": "succeeded"}))
}

func TestExecutorService_RecurringJobReschedules(t *testing.T) {
	f := newFixture(t)
	var runs int
	f.register("timer-cycle", func(context.Context, *model.Job) model.HandlerResult {
		runs++
		if runs == 3 {
			return model.Finished()
		}
		return model.Succeeded()
	})
	f.create(&model.CreateJobRequest{
		Kind:        model.JobKindTimer,
		HandlerType: "timer-cycle",
		Repeat:      domainjob.Every(time.Minute),
	})

	execs := f.runAll("worker-1")
	require.Len(t, execs, 1)
	assert.Equal(t, metrics.TransitionRescheduled, execs[0].Transition)
	assert.Equal(t, model.JobStateTimer, execs[0].State)

	timers := f.jobsIn(model.JobStateTimer)
	require.Len(t, timers, 1)
	assert.Equal(t, fixtureEpoch.Add(time.Minute), *timers[0].DueDate)
	assert.Nil(t, timers[0].LockOwner)

	assert.Empty(t, f.runAll("worker-1"), "not due yet")
	f.clock.Advance(time.Minute)
	require.Len(t, f.runAll("worker-1"), 1)
	f.clock.Advance(time.Minute)
	execs = f.runAll("worker-1")
	require.Len(t, execs, 1)
	assert.Equal(t, metrics.TransitionSucceeded, execs[0].Transition)
	assert.Empty(t, f.store.Snapshot())
	assert.Equal(t, 3, runs)
}

func TestExecutorService_SkipKeepsRetries(t *testing.T) {
	f := newFixture(t)
	f.register("async-continuation", func(context.Context, *model.Job) model.HandlerResult {
		return model.Skipped(errors.New("scope not ready"))
	})
	j := f.create(messageRequest("case-1"))

	jobs := f.acquire("worker-1")
	require.Len(t, jobs, 1)
	exec, err := f.exec.Execute(context.Background(), jobs[0], "worker-1")
	require.NoError(t, err)
	assert.Equal(t, metrics.TransitionSkipped, exec.Transition)
	assert.Equal(t, model.JobStateReady, exec.State)

	got := f.get(j.ID)
	assert.Equal(t, j.Retries, got.Retries)
	assert.Nil(t, got.LockOwner)
	assert.Empty(t, got.ExceptionMessage)
}

func TestExecutorService_FailureRetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t, withRetryPolicy(domainjob.RetryPolicy{
		Budget:   3,
		Strategy: domainjob.ConstantBackoff{Interval: 10 * time.Second},
	}))
	f.register("async-continuation", failWith(errTransient))
	j := f.create(messageRequest("case-1"))

	execs := f.runAll("worker-1")
	require.Len(t, execs, 1)
	assert.Equal(t, metrics.TransitionRetried, execs[0].Transition)

	got := f.get(j.ID)
	assert.Equal(t, 2, got.Retries)
	assert.Nil(t, got.LockOwner)
	assert.Equal(t, fixtureEpoch.Add(10*time.Second), *got.DueDate)
	assert.Equal(t, errTransient.Error(), got.ExceptionMessage)
	assert.Empty(t, f.runAll("worker-1"), "backoff not elapsed")

	f.clock.Advance(10 * time.Second)
	require.Len(t, f.runAll("worker-1"), 1)
	f.clock.Advance(10 * time.Second)
	execs = f.runAll("worker-1")
	require.Len(t, execs, 1)
	assert.Equal(t, metrics.TransitionDeadLettered, execs[0].Transition)
	assert.Equal(t, model.JobStateDeadLetter, execs[0].State)

	dead := f.get(j.ID)
	assert.Equal(t, model.JobStateDeadLetter, dead.State)
	assert.Zero(t, dead.Retries)
	assert.Equal(t, errTransient.Error(), dead.ExceptionMessage)
	assert.Contains(t, dead.ExceptionStacktrace, "*errors.errorString")
	assert.Contains(t, dead.ExceptionStacktrace, "goroutine ")
	assert.EqualValues(t, 1, f.metrics.Total("job.transition", map[string]string{"transition": "dead_lettered"}))
}

func TestExecutorService_HandlerBackoffWins(t *testing.T) {
	f := newFixture(t, withRetryPolicy(domainjob.RetryPolicy{
		Strategy: domainjob.ConstantBackoff{Interval: time.Second},
	}))
	f.register("async-continuation", func(context.Context, *model.Job) model.HandlerResult {
		return model.FailedWithBackoff(errTransient, time.Hour)
	})
	j := f.create(messageRequest("case-1"))

	f.runAll("worker-1")
	assert.Equal(t, fixtureEpoch.Add(time.Hour), *f.get(j.ID).DueDate)
}

func TestExecutorService_PanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	f.register("async-continuation", func(context.Context, *model.Job) model.HandlerResult {
		panic("nil map write")
	})
	req := messageRequest("case-1")
	req.Retries = 1
	j := f.create(req)

	execs := f.runAll("worker-1")
	require.Len(t, execs, 1)
	var p *PanicError
	require.ErrorAs(t, execs[0].Err, &p)
	assert.Equal(t, "nil map write", p.Value)

	dead := f.get(j.ID)
	assert.Equal(t, model.JobStateDeadLetter, dead.State)
	assert.Contains(t, dead.ExceptionMessage, "handler panic: nil map write")
	assert.Contains(t, dead.ExceptionStacktrace, "runtime/debug.Stack")
	assert.EqualValues(t, 1, f.metrics.Total("job.transition", map[string]string{"error_class": "panic"}))
}

func TestExecutorService_UnknownHandlerIsFatal(t *testing.T) {
	f := newFixture(t)
	f.create(&model.CreateJobRequest{Kind: model.JobKindMessage, HandlerType: "unregistered", Retries: 1})

	execs := f.runAll("worker-1")
	require.Len(t, execs, 1)
	var fatal *FatalError
	require.ErrorAs(t, execs[0].Err, &fatal)
	assert.Equal(t, model.OutcomeRetryableFailure, execs[0].Outcome)
	assert.EqualValues(t, 1, f.metrics.Total("job.transition", map[string]string{"error_class": "fatal"}))
}

func TestExecutorService_NonFatalFailureDoesNotStopSiblings(t *testing.T) {
	f := newFixture(t)
	var ran []string
	f.register("async-continuation", func(_ context.Context, j *model.Job) model.HandlerResult {
		ran = append(ran, j.ScopeID)
		if j.ScopeID == "case-1" {
			return model.FailedNonFatal(errors.New("bad payload"))
		}
		return model.Succeeded()
	})
	failing := messageRequest("case-1")
	failing.Retries = 1
	f.create(failing)
	f.create(messageRequest("case-2"))

	execs := f.runAll("worker-1")
	require.Len(t, execs, 2)
	assert.ElementsMatch(t, []string{"case-1", "case-2"}, ran)
	assert.Len(t, f.jobsIn(model.JobStateDeadLetter), 1)
	assert.Len(t, f.store.Snapshot(), 1)
}

func TestExecutorService_ExclusiveScopeReleased(t *testing.T) {
	f := newFixture(t)
	f.register("async-continuation", succeed)
	for range 2 {
		req := messageRequest("case-1")
		req.Exclusive = true
		f.create(req)
	}

	first := f.acquire("worker-1")
	require.Len(t, first, 1, "second exclusive job waits for the scope")
	assert.Empty(t, f.acquire("worker-2"))

	_, err := f.exec.Execute(context.Background(), first[0], "worker-1")
	require.NoError(t, err)

	second := f.acquire("worker-2")
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func TestExecutorService_LockLostBeforeSettle(t *testing.T) {
	f := newFixture(t)
	f.register("async-continuation", succeed)
	f.create(messageRequest("case-1"))

	jobs := f.acquire("worker-1")
	require.Len(t, jobs, 1)

	// The sweep reclaims the lock and another worker takes the job.
	f.clock.Advance(10 * time.Minute)
	_, err := f.store.Jobs().ReleaseExpiredLocks(context.Background(), core.ReleaseLocksParams{AsOf: f.clock.Now()})
	require.NoError(t, err)
	require.Len(t, f.acquire("worker-2"), 1)

	exec, err := f.exec.Execute(context.Background(), jobs[0], "worker-1")
	require.NoError(t, err)
	assert.Equal(t, metrics.TransitionLockLost, exec.Transition)
	assert.Len(t, f.store.Snapshot(), 1, "job stays with worker-2")
}

func TestExecutorService_SuspendWhileRunning(t *testing.T) {
	f := newFixture(t)
	f.register("async-continuation", succeed)
	ctx := context.Background()
	req := messageRequest("case-1")
	req.Exclusive = true
	j := f.create(req)

	jobs := f.acquire("worker-a")
	require.Len(t, jobs, 1)

	_, err := f.jobs.SuspendScope(ctx, "case-1")
	require.NoError(t, err)
	assert.Nil(t, f.get(j.ID).LockOwner, "suspension clears the job lock")
	moved, err := f.jobs.ActivateScope(ctx, "case-1")
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	active := f.get(j.ID)
	assert.Equal(t, model.JobStateReady, active.State)
	assert.Nil(t, active.LockOwner)
	assert.Empty(t, f.acquire("worker-b"), "scope stays held while worker-a is still running")

	exec, err := f.exec.Execute(ctx, jobs[0], "worker-a")
	require.NoError(t, err)
	assert.Equal(t, metrics.TransitionLockLost, exec.Transition)

	sc, err := f.store.Scopes().Get(ctx, "case-1")
	require.NoError(t, err)
	assert.Nil(t, sc.LockOwner, "lost settle frees the scope")
	again := f.acquire("worker-b")
	require.Len(t, again, 1)
	assert.Equal(t, j.ID, again[0].ID)
}

func TestExecutorService_FailureCapturesStack(t *testing.T) {
	f := newFixture(t)
	f.register("async-continuation", failWith(apperrors.Wrap(errTransient, apperrors.ErrCodeTransient, "call crm")))
	req := messageRequest("case-1")
	req.Retries = 1
	j := f.create(req)

	f.runAll("worker-1")
	dead := f.get(j.ID)
	assert.Contains(t, dead.ExceptionStacktrace, "*errors.AppError")
	assert.Contains(t, dead.ExceptionStacktrace, "downstream unavailable")
	assert.Contains(t, dead.ExceptionStacktrace, "(*ExecutorService).run")

	custom := messageRequest("case-2")
	custom.Retries = 1
	custom.HandlerType = "custom-trace"
	f.register("custom-trace", func(context.Context, *model.Job) model.HandlerResult {
		r := model.Failed(errTransient)
		r.Stacktrace = "handler frames"
		return r
	})
	k := f.create(custom)
	f.runAll("worker-1")
	assert.Equal(t, "handler frames", f.get(k.ID).ExceptionStacktrace)
}

func TestExecutorService_ExecuteNow(t *testing.T) {
	f := newFixture(t)
	f.register("timer-start-event", succeed)
	ctx := context.Background()
	j := f.create(timerRequest("case-1", fixtureEpoch.Add(24*time.Hour)))

	exec, err := f.exec.ExecuteNow(ctx, j.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, metrics.TransitionSucceeded, exec.Transition)
	assert.Empty(t, f.store.Snapshot())

	_, err = f.exec.ExecuteNow(ctx, j.ID, "operator")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = f.exec.ExecuteNow(ctx, j.ID, " ")
	assert.True(t, apperrors.IsValidation(err))
}

func TestExecutorService_ExecuteNowRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dead := f.create(messageRequest("case-1"))
	_, err := f.jobs.MoveToDeadLetter(ctx, dead.ID, model.ExceptionInfo{Message: "boom"})
	require.NoError(t, err)
	_, err = f.exec.ExecuteNow(ctx, dead.ID, "operator")
	assert.True(t, apperrors.IsInvalidState(err))

	busy := f.create(messageRequest("case-2"))
	require.Len(t, f.acquire("worker-1"), 1)
	_, err = f.exec.ExecuteNow(ctx, busy.ID, "operator")
	assert.True(t, apperrors.IsConflict(err))
}

func TestErrorTrace(t *testing.T) {
	inner := errors.New("connection reset")
	err := apperrors.Wrap(inner, apperrors.ErrCodeTransient, "load scope")
	trace := errorTrace(err)
	assert.Contains(t, trace, "*errors.AppError")
	assert.Contains(t, trace, "*errors.errorString: connection reset")

	info := exceptionInfo(model.HandlerResult{Outcome: model.OutcomeRetryableFailure})
	assert.Equal(t, "handler failed without an error", info.Message)
}
