package jobrunner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/jobexec/config"
	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/data/memstore"
	domainjob "github.com/target/jobexec/internal/domain/job"
	"github.com/target/jobexec/internal/domain/model"
	"github.com/target/jobexec/internal/mocks"
	"github.com/target/jobexec/internal/observability/statsd"
	"github.com/target/jobexec/internal/service"
)

type harness struct {
	store   *memstore.Store
	jobs    *service.JobService
	acq     *service.AcquisitionService
	exec    *service.ExecutorService
	metrics *statsd.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New(clock.Real{})
	rec := &statsd.Recorder{}

	jobs := service.MustNewJobService(service.JobServiceOptions{Store: store, Metrics: rec})
	t.Cleanup(jobs.StopAllListeners)

	policy, err := domainjob.NewLockPolicy(time.Minute, 0)
	require.NoError(t, err)
	acq := service.MustNewAcquisitionService(service.AcquisitionServiceOptions{
		Store:      store,
		LockPolicy: policy,
		Metrics:    rec,
	})
	exec := service.MustNewExecutorService(service.ExecutorServiceOptions{
		Store:       store,
		Jobs:        jobs,
		Acquisition: acq,
		Metrics:     rec,
	})
	return &harness{store: store, jobs: jobs, acq: acq, exec: exec, metrics: rec}
}

func testConfig(concurrency int) config.ExecutorConfig {
	return config.ExecutorConfig{
		Concurrency:       concurrency,
		LockDuration:      time.Minute,
		MinPollDelay:      5 * time.Millisecond,
		DefaultPollDelay:  20 * time.Millisecond,
		MaxPollDelay:      50 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTTL:      30 * time.Millisecond,
	}
}

func (h *harness) runner(t *testing.T, opts RunnerOptions) *Runner {
	t.Helper()
	opts.Executor, opts.Acquisition, opts.Jobs = h.exec, h.acq, h.jobs
	opts.Metrics = h.metrics
	r, err := NewRunner(opts)
	require.NoError(t, err)
	return r
}

func (h *harness) create(t *testing.T, handlerType string, n int) {
	t.Helper()
	for range n {
		_, err := h.jobs.Create(context.Background(), &model.CreateJobRequest{
			Kind:        model.JobKindMessage,
			HandlerType: handlerType,
			ScopeID:     "case-1",
		})
		require.NoError(t, err)
	}
}

func start(r *Runner) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return cancel, done
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestNewRunner_RequiresServices(t *testing.T) {
	h := newHarness(t)
	_, err := NewRunner(RunnerOptions{Acquisition: h.acq, Jobs: h.jobs})
	assert.Error(t, err)
	_, err = NewRunner(RunnerOptions{Executor: h.exec, Jobs: h.jobs})
	assert.Error(t, err)
	_, err = NewRunner(RunnerOptions{Executor: h.exec, Acquisition: h.acq})
	assert.Error(t, err)

	r := h.runner(t, RunnerOptions{Name: "history-executor"})
	assert.Contains(t, r.WorkerID(), "history-executor-")
	assert.Equal(t, PhaseIdle, r.Phase())
}

func TestRunner_ExecutesWithinConcurrency(t *testing.T) {
	h := newHarness(t)
	var running, peak, ran atomic.Int32
	require.NoError(t, h.exec.Register("work", service.HandlerFunc(func(context.Context, *model.Job) model.HandlerResult {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		ran.Add(1)
		return model.Succeeded()
	})))

	r := h.runner(t, RunnerOptions{Config: testConfig(3)})
	cancel, done := start(r)
	h.create(t, "work", 10)

	assert.Eventually(t, func() bool { return ran.Load() == 10 }, 5*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	assert.LessOrEqual(t, peak.Load(), int32(3))
	stats, err := h.jobs.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.JobStats{}, *stats, "succeeded jobs are deleted")
	assert.Equal(t, PhaseStopped, r.Phase())
	assert.EqualValues(t, 10, h.metrics.Total("job.transition", map[string]string{"transition": "succeeded"}))
}

func TestRunner_HistoryPartitionOnly(t *testing.T) {
	h := newHarness(t)
	var ran atomic.Int32
	require.NoError(t, h.exec.Register("async-history", service.HandlerFunc(func(context.Context, *model.Job) model.HandlerResult {
		ran.Add(1)
		return model.Succeeded()
	})))

	r := h.runner(t, RunnerOptions{
		Config:     testConfig(1),
		Name:       "history-executor",
		Partitions: []model.JobState{model.JobStateHistory},
	})
	cancel, done := start(r)

	h.create(t, "other", 1)
	_, err := h.jobs.Create(context.Background(), &model.CreateJobRequest{
		Kind:        model.JobKindHistory,
		HandlerType: "async-history",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return ran.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	stats, err := h.jobs.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Ready, "ready jobs belong to the main executor")
	assert.Zero(t, stats.History)
}

func TestRunner_ShutdownHandsBackInterruptedJob(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	var once sync.Once
	require.NoError(t, h.exec.Register("slow", service.HandlerFunc(func(ctx context.Context, _ *model.Job) model.HandlerResult {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return model.Failed(ctx.Err())
	})))

	r := h.runner(t, RunnerOptions{Config: testConfig(1)})
	cancel, done := start(r)
	h.create(t, "slow", 1)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	stop(t, cancel, done)

	list, err := h.jobs.List(context.Background(), model.JobListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].LockOwner, "lock released on shutdown")
	assert.Equal(t, model.DefaultRetries, list[0].Retries, "no retry charged")
	assert.Equal(t, model.JobStateReady, list[0].State)
}

func (h *harness) createExclusive(t *testing.T, handlerType string) string {
	t.Helper()
	j, err := h.jobs.Create(context.Background(), &model.CreateJobRequest{
		Kind:        model.JobKindMessage,
		HandlerType: handlerType,
		ScopeID:     "case-1",
		Exclusive:   true,
	})
	require.NoError(t, err)
	return j.ID
}

func TestRunner_ReleaseFreesJobAndScope(t *testing.T) {
	h := newHarness(t)
	id := h.createExclusive(t, "work")
	r := h.runner(t, RunnerOptions{Config: testConfig(1), WorkerID: "worker-a"})

	jobs, err := h.acq.Acquire(context.Background(), service.AcquireRequest{Owner: r.WorkerID(), MaxCount: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	r.release(context.Background(), jobs)

	j, err := h.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, j.LockOwner, "job row unlocked")
	assert.Equal(t, model.DefaultRetries, j.Retries)
	sc, err := h.store.Scopes().Get(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Nil(t, sc.LockOwner, "scope unlocked")

	again, err := h.acq.Acquire(context.Background(), service.AcquireRequest{Owner: "worker-b", MaxCount: 1})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, id, again[0].ID)
}

// settleFailStore rejects every transaction so settling a finished job fails.
type settleFailStore struct {
	*memstore.Store
}

func (settleFailStore) InTx(context.Context, func(context.Context, core.Repositories) error) error {
	return errors.New("connection reset by peer")
}

func TestRunner_SettleFailureReleasesLocks(t *testing.T) {
	h := newHarness(t)
	h.exec = service.MustNewExecutorService(service.ExecutorServiceOptions{
		Store:       settleFailStore{Store: h.store},
		Jobs:        h.jobs,
		Acquisition: h.acq,
		Metrics:     h.metrics,
	})
	var ran atomic.Int32
	require.NoError(t, h.exec.Register("work", service.HandlerFunc(func(context.Context, *model.Job) model.HandlerResult {
		ran.Add(1)
		return model.Succeeded()
	})))
	h.createExclusive(t, "work")

	r := h.runner(t, RunnerOptions{Config: testConfig(1)})
	cancel, done := start(r)
	// The lock lasts a minute and nothing sweeps, so a second run means the failed settle
	// handed back both the job and its scope.
	assert.Eventually(t, func() bool { return ran.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	list, err := h.jobs.List(context.Background(), model.JobListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].LockOwner)
	assert.Equal(t, model.DefaultRetries, list[0].Retries, "no retry charged")
}

func TestRunner_Heartbeats(t *testing.T) {
	h := newHarness(t)
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkerRegistry(ctrl)

	r := h.runner(t, RunnerOptions{Config: testConfig(1), WorkerID: "worker-1", Workers: workers})

	beats := make(chan struct{}, 16)
	workers.EXPECT().Heartbeat(gomock.Any(), "worker-1", 30*time.Millisecond).
		DoAndReturn(func(context.Context, string, time.Duration) error {
			select {
			case beats <- struct{}{}:
			default:
			}
			return nil
		}).MinTimes(2)
	workers.EXPECT().Deregister(gomock.Any(), "worker-1").Return(nil)

	cancel, done := start(r)
	for range 2 {
		select {
		case <-beats:
		case <-time.After(5 * time.Second):
			t.Fatal("missing heartbeat")
		}
	}
	stop(t, cancel, done)
}

func TestNextPollDelay(t *testing.T) {
	cfg := config.ExecutorConfig{
		MinPollDelay:     100 * time.Millisecond,
		DefaultPollDelay: time.Second,
		MaxPollDelay:     5 * time.Second,
	}
	tests := []struct {
		name     string
		prev     time.Duration
		acquired int
		capacity int
		want     time.Duration
	}{
		{name: "full cycle", prev: 4 * time.Second, acquired: 4, capacity: 4, want: 100 * time.Millisecond},
		{name: "partial cycle", prev: 4 * time.Second, acquired: 1, capacity: 4, want: time.Second},
		{name: "first empty cycle", prev: 0, acquired: 0, capacity: 4, want: time.Second},
		{name: "empty after full", prev: 100 * time.Millisecond, acquired: 0, capacity: 4, want: time.Second},
		{name: "empty doubles", prev: time.Second, acquired: 0, capacity: 4, want: 2 * time.Second},
		{name: "empty caps", prev: 4 * time.Second, acquired: 0, capacity: 4, want: 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextPollDelay(cfg, tt.prev, tt.acquired, tt.capacity))
		})
	}
}
