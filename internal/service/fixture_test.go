package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/data/memstore"
	domainjob "github.com/target/jobexec/internal/domain/job"
	"github.com/target/jobexec/internal/domain/model"
	"github.com/target/jobexec/internal/observability/statsd"
)

var fixtureEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fixture wires the job services over an in-memory store and a fixed clock.
type fixture struct {
	t       *testing.T
	clock   *clock.Fixed
	store   *memstore.Store
	metrics *statsd.Recorder
	jobs    *JobService
	acq     *AcquisitionService
	exec    *ExecutorService
}

type fixtureOption func(*ExecutorServiceOptions)

func withRetryPolicy(p domainjob.RetryPolicy) fixtureOption {
	return func(o *ExecutorServiceOptions) { o.RetryPolicy = p }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	clk := clock.NewFixed(fixtureEpoch)
	store := memstore.New(clk)
	rec := &statsd.Recorder{}

	jobs, err := NewJobService(JobServiceOptions{Store: store, Clock: clk, Metrics: rec})
	require.NoError(t, err)
	t.Cleanup(jobs.StopAllListeners)

	policy, err := domainjob.NewLockPolicy(5*time.Minute, 30*time.Minute)
	require.NoError(t, err)
	acq, err := NewAcquisitionService(AcquisitionServiceOptions{
		Store:      store,
		LockPolicy: policy,
		Clock:      clk,
		Metrics:    rec,
	})
	require.NoError(t, err)

	execOpts := ExecutorServiceOptions{
		Store:       store,
		Jobs:        jobs,
		Acquisition: acq,
		Clock:       clk,
		Metrics:     rec,
	}
	for _, opt := range opts {
		opt(&execOpts)
	}
	exec, err := NewExecutorService(execOpts)
	require.NoError(t, err)

	return &fixture{t: t, clock: clk, store: store, metrics: rec, jobs: jobs, acq: acq, exec: exec}
}

func (f *fixture) create(req *model.CreateJobRequest) *model.Job {
	f.t.Helper()
	j, err := f.jobs.Create(context.Background(), req)
	require.NoError(f.t, err)
	return j
}

// acquire locks every due job in partitions for owner.
func (f *fixture) acquire(owner string, partitions ...model.JobState) []*model.Job {
	f.t.Helper()
	jobs, err := f.acq.Acquire(context.Background(), AcquireRequest{
		Owner:      owner,
		MaxCount:   100,
		Partitions: partitions,
	})
	require.NoError(f.t, err)
	return jobs
}

func (f *fixture) get(id string) *model.Job {
	f.t.Helper()
	j, err := f.store.Jobs().Get(context.Background(), id)
	require.NoError(f.t, err)
	return j
}

func (f *fixture) jobsIn(state model.JobState) []*model.Job {
	f.t.Helper()
	jobs, err := f.store.Jobs().List(context.Background(), model.JobListOptions{State: &state})
	require.NoError(f.t, err)
	return jobs
}

func (f *fixture) register(handlerType string, fn HandlerFunc) {
	f.t.Helper()
	require.NoError(f.t, f.exec.Register(handlerType, fn))
}

// runAll acquires and executes due jobs of partitions until none are left.
func (f *fixture) runAll(owner string, partitions ...model.JobState) []*Execution {
	f.t.Helper()
	var out []*Execution
	for range 100 {
		jobs := f.acquire(owner, partitions...)
		if len(jobs) == 0 {
			return out
		}
		for _, j := range jobs {
			exec, err := f.exec.Execute(context.Background(), j, owner)
			require.NoError(f.t, err)
			out = append(out, exec)
		}
	}
	f.t.Fatal("jobs still due after 100 rounds")
	return out
}

func lockParams(id, owner string, expiresAt time.Time) core.LockParams {
	return core.LockParams{ID: id, Owner: owner, ExpiresAt: expiresAt}
}
