package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/data/memstore"
	domainjob "github.com/target/jobexec/internal/domain/job"
	"github.com/target/jobexec/internal/domain/model"
	"github.com/target/jobexec/internal/mocks"
)

func TestNewAcquisitionService(t *testing.T) {
	policy, err := domainjob.NewLockPolicy(time.Minute, 0)
	require.NoError(t, err)
	store := memstore.New(clock.NewFixed(fixtureEpoch))

	_, err = NewAcquisitionService(AcquisitionServiceOptions{LockPolicy: policy})
	assert.Error(t, err)
	_, err = NewAcquisitionService(AcquisitionServiceOptions{Store: store})
	assert.Error(t, err)
	svc, err := NewAcquisitionService(AcquisitionServiceOptions{Store: store, LockPolicy: policy})
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestAcquisitionService_OldestDueFirst(t *testing.T) {
	f := newFixture(t)
	late := f.create(timerRequest("case-1", fixtureEpoch.Add(-time.Minute)))
	early := f.create(timerRequest("case-2", fixtureEpoch.Add(-time.Hour)))
	f.create(timerRequest("case-3", fixtureEpoch.Add(time.Hour)))

	jobs, err := f.acq.Acquire(context.Background(), AcquireRequest{Owner: "worker-1", MaxCount: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, early.ID, jobs[0].ID)
	require.NotNil(t, jobs[0].LockOwner)
	assert.Equal(t, "worker-1", *jobs[0].LockOwner)
	assert.Equal(t, fixtureEpoch.Add(5*time.Minute), *jobs[0].LockExpiresAt)

	jobs = f.acquire("worker-2")
	require.Len(t, jobs, 1, "the future timer is not due")
	assert.Equal(t, late.ID, jobs[0].ID)
	assert.Empty(t, f.acquire("worker-3"))
}

func TestAcquisitionService_Validation(t *testing.T) {
	f := newFixture(t)
	f.create(messageRequest("case-1"))

	_, err := f.acq.Acquire(context.Background(), AcquireRequest{MaxCount: 1})
	assert.Error(t, err)

	jobs, err := f.acq.Acquire(context.Background(), AcquireRequest{Owner: "worker-1"})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestAcquisitionService_LockDurationPolicy(t *testing.T) {
	f := newFixture(t)
	f.create(messageRequest("case-1"))
	f.create(messageRequest("case-2"))

	jobs, err := f.acq.Acquire(context.Background(), AcquireRequest{
		Owner:        "worker-1",
		MaxCount:     1,
		LockDuration: 2 * time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, fixtureEpoch.Add(30*time.Minute), *jobs[0].LockExpiresAt, "clamped to the maximum")

	jobs, err = f.acq.Acquire(context.Background(), AcquireRequest{
		Owner:        "worker-1",
		MaxCount:     1,
		LockDuration: 90 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, fixtureEpoch.Add(90*time.Second), *jobs[0].LockExpiresAt)
}

func TestAcquisitionService_HistoryPartition(t *testing.T) {
	f := newFixture(t)
	f.create(messageRequest("case-1"))
	h := f.create(&model.CreateJobRequest{Kind: model.JobKindHistory, HandlerType: "async-history"})

	jobs := f.acquire("history-1", model.JobStateHistory)
	require.Len(t, jobs, 1)
	assert.Equal(t, h.ID, jobs[0].ID)

	jobs = f.acquire("worker-1")
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobKindMessage, jobs[0].Kind)
}

func TestAcquisitionService_CategoryFilter(t *testing.T) {
	ctrl := gomock.NewController(t)
	registry := mocks.NewMockCategoryRegistry(ctrl)

	clk := clock.NewFixed(fixtureEpoch)
	store := memstore.New(clk)
	policy, err := domainjob.NewLockPolicy(time.Minute, 0)
	require.NoError(t, err)
	acq := MustNewAcquisitionService(AcquisitionServiceOptions{
		Store:      store,
		LockPolicy: policy,
		Categories: registry,
		Clock:      clk,
	})
	jobs := MustNewJobService(JobServiceOptions{Store: store, Clock: clk, Notifier: &stubJobNotifier{}})

	for _, category := range []string{"billing", "reports", ""} {
		req := messageRequest("case-" + category)
		req.Category = category
		_, err := jobs.Create(context.Background(), req)
		require.NoError(t, err)
	}

	registry.EXPECT().List(gomock.Any()).Return([]string{"billing"}, nil)
	got, err := acq.Acquire(context.Background(), AcquireRequest{Owner: "worker-1", MaxCount: 10})
	require.NoError(t, err)
	categories := make([]string, 0, len(got))
	for _, j := range got {
		categories = append(categories, j.Category)
	}
	assert.ElementsMatch(t, []string{"billing", ""}, categories)

	// An empty registry still admits uncategorized jobs; reports stays parked.
	registry.EXPECT().List(gomock.Any()).Return(nil, nil)
	got, err = acq.Acquire(context.Background(), AcquireRequest{Owner: "worker-1", MaxCount: 10})
	require.NoError(t, err)
	assert.Empty(t, got)

	boom := errors.New("redis down")
	registry.EXPECT().List(gomock.Any()).Return(nil, boom)
	_, err = acq.Acquire(context.Background(), AcquireRequest{Owner: "worker-1", MaxCount: 10})
	assert.ErrorIs(t, err, boom)
}

func TestAcquisitionService_ScopeBusyReleasesJobLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := messageRequest("case-1")
	req.Exclusive = true
	j := f.create(req)

	ok, err := f.store.Scopes().TryLock(ctx, lockParams("case-1", "engine", fixtureEpoch.Add(time.Minute)))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Empty(t, f.acquire("worker-1"))
	assert.Nil(t, f.get(j.ID).LockOwner, "job lock released after losing the scope")
	assert.EqualValues(t, 1, f.metrics.Total("job.transition", map[string]string{"transition": "scope_busy"}))

	// An expired scope lock still blocks until the sweep finds its holder dead.
	f.clock.Advance(2 * time.Minute)
	assert.Empty(t, f.acquire("worker-1"))

	n, err := f.store.Scopes().ReleaseExpiredLocks(ctx, core.ReleaseLocksParams{AsOf: f.clock.Now(), LiveOwners: []string{"engine"}})
	require.NoError(t, err)
	assert.Zero(t, n, "live holder keeps its scope")
	n, err = f.store.Scopes().ReleaseExpiredLocks(ctx, core.ReleaseLocksParams{AsOf: f.clock.Now()})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	jobs := f.acquire("worker-1")
	require.Len(t, jobs, 1)
}

func TestAcquisitionService_ReleaseUnlocksJobAndScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := messageRequest("case-1")
	req.Exclusive = true
	j := f.create(req)

	jobs := f.acquire("worker-1")
	require.Len(t, jobs, 1)
	require.True(t, f.get(j.ID).LockedBy("worker-1"))

	require.NoError(t, f.acq.Release(ctx, jobs[0], "worker-1"))
	got := f.get(j.ID)
	assert.Nil(t, got.LockOwner)
	assert.Equal(t, model.DefaultRetries, got.Retries, "release charges no retry")
	sc, err := f.store.Scopes().Get(ctx, "case-1")
	require.NoError(t, err)
	assert.Nil(t, sc.LockOwner)

	// Released work is immediately acquirable again, by anyone.
	assert.Len(t, f.acquire("worker-2"), 1)
}

func TestAcquisitionService_NonExclusiveSkipsScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(messageRequest("case-1"))
	f.create(messageRequest("case-1"))

	ok, err := f.store.Scopes().TryLock(ctx, lockParams("case-1", "engine", fixtureEpoch.Add(time.Hour)))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Len(t, f.acquire("worker-1"), 2)
}
