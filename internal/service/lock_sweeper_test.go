package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/jobexec/config"
	"github.com/target/jobexec/internal/mocks"
)

func newTestSweeper(t *testing.T, f *fixture, workers *mocks.MockWorkerRegistry) *LockSweeperService {
	t.Helper()
	opts := LockSweeperServiceOptions{
		Store:   f.store,
		Config:  config.SweeperConfig{Interval: time.Minute, BatchSize: 1},
		Clock:   f.clock,
		Metrics: f.metrics,
	}
	if workers != nil {
		opts.Workers = workers
	}
	svc, err := NewLockSweeperService(opts)
	require.NoError(t, err)
	return svc
}

func TestNewLockSweeperService(t *testing.T) {
	f := newFixture(t)
	_, err := NewLockSweeperService(LockSweeperServiceOptions{Config: config.SweeperConfig{Interval: time.Minute}})
	assert.Error(t, err)
	_, err = NewLockSweeperService(LockSweeperServiceOptions{Store: f.store})
	assert.Error(t, err)
}

func TestLockSweeperService_ReleasesExpiredLocksOfDeadWorkers(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkerRegistry(ctrl)
	sweeper := newTestSweeper(t, f, workers)
	ctx := context.Background()

	for _, scope := range []string{"case-1", "case-2", "case-3"} {
		req := messageRequest(scope)
		req.Exclusive = true
		f.create(req)
	}
	require.Len(t, f.acquire("worker-dead"), 3)

	// Nothing has expired yet.
	workers.EXPECT().LiveWorkers(gomock.Any()).Return([]string{}, nil)
	res, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	f.clock.Advance(6 * time.Minute)
	workers.EXPECT().LiveWorkers(gomock.Any()).Return([]string{"worker-live"}, nil)
	res, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Jobs: 3, Scopes: 3}, res, "batches drain until empty")

	assert.Len(t, f.acquire("worker-live"), 3)
	assert.EqualValues(t, 3, f.metrics.Total("job.transition", map[string]string{"transition": "swept"}))
	assert.EqualValues(t, 6, f.metrics.Total("sweeper.locks_released", nil))
}

func TestLockSweeperService_LiveWorkerKeepsExpiredLock(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkerRegistry(ctrl)
	sweeper := newTestSweeper(t, f, workers)

	j := f.create(messageRequest("case-1"))
	require.Len(t, f.acquire("worker-slow"), 1)
	f.clock.Advance(time.Hour)

	workers.EXPECT().LiveWorkers(gomock.Any()).Return([]string{"worker-slow"}, nil)
	res, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Jobs)
	require.NotNil(t, f.get(j.ID).LockOwner)
	assert.EqualValues(t, 1, f.metrics.Total("sweeper.run", map[string]string{"result": "noop"}))
}

func TestLockSweeperService_LivenessErrorReleasesNothing(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	workers := mocks.NewMockWorkerRegistry(ctrl)
	sweeper := newTestSweeper(t, f, workers)

	j := f.create(messageRequest("case-1"))
	require.Len(t, f.acquire("worker-1"), 1)
	f.clock.Advance(time.Hour)

	boom := errors.New("redis timeout")
	workers.EXPECT().LiveWorkers(gomock.Any()).Return(nil, boom)
	_, err := sweeper.SweepOnce(context.Background())
	require.ErrorIs(t, err, boom)
	require.NotNil(t, f.get(j.ID).LockOwner)
	assert.EqualValues(t, 1, f.metrics.Total("sweeper.run", map[string]string{"result": "error"}))
}

func TestLockSweeperService_WithoutRegistryTreatsOwnersAsDead(t *testing.T) {
	f := newFixture(t)
	sweeper := newTestSweeper(t, f, nil)

	j := f.create(messageRequest("case-1"))
	require.Len(t, f.acquire("worker-1"), 1)
	f.clock.Advance(time.Hour)

	res, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Jobs)
	assert.Nil(t, f.get(j.ID).LockOwner)
}

func TestLockSweeperService_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	sweeper := newTestSweeper(t, f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
