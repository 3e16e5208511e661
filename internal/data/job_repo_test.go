package data

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/domain/job"
	"github.com/target/jobexec/internal/domain/model"
)

func strPtr(s string) *string { return &s }

func TestJobRepo_InsertNotifiesAcquirablePartition(t *testing.T) {
	db, mock, cfg := newSQLMock(t)
	repo := NewJobRepo(db, cfg)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_notify($1::text, $2::text)")).
		WithArgs("job_added_ready", "j-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	j := &model.Job{ID: "j-1", State: model.JobStateReady, Kind: model.JobKindMessage, HandlerType: "noop", Retries: 3}
	require.NoError(t, repo.Insert(context.Background(), j))
	assert.Equal(t, testNow, j.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_InsertSuspendedSkipsNotify(t *testing.T) {
	db, mock, cfg := newSQLMock(t)
	repo := NewJobRepo(db, cfg)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	j := &model.Job{ID: "j-1", State: model.JobStateSuspended, Kind: model.JobKindMessage, HandlerType: "noop"}
	require.NoError(t, repo.Insert(context.Background(), j))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_InsertRejectsInvalidInput(t *testing.T) {
	db, _, cfg := newSQLMock(t)
	repo := NewJobRepo(db, cfg)

	require.ErrorIs(t, repo.Insert(context.Background(), &model.Job{}), ErrIDRequired)
	require.Error(t, repo.Insert(context.Background(), &model.Job{ID: "x", State: "bogus"}))
}

func TestJobRepo_GetNotFound(t *testing.T) {
	db, mock, cfg := newSQLMock(t)
	repo := NewJobRepo(db, cfg)

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRepo_GetScansNullableColumns(t *testing.T) {
	db, mock, cfg := newSQLMock(t)
	repo := NewJobRepo(db, cfg)

	due := testNow.Add(time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
		WithArgs("j-1").
		WillReturnRows(jobRow(sqlmock.NewRows(jobColumnNames), "j-1", "timer", due, "worker-a"))

	j, err := repo.Get(context.Background(), "j-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateTimer, j.State)
	require.NotNil(t, j.DueDate)
	assert.True(t, due.Equal(*j.DueDate))
	assert.True(t, j.LockedBy("worker-a"))
	assert.Equal(t, "scope-1", j.ScopeID)
	assert.Empty(t, j.SubScopeID)
	assert.JSONEq(t, `{"a":1}`, string(j.HandlerConfig))
}

func TestJobRepo_ApplyMoveIsGuarded(t *testing.T) {
	db, mock, cfg := newSQLMock(t)
	repo := NewJobRepo(db, cfg)

	from := &model.Job{ID: "j-1", State: model.JobStateReady, Kind: model.JobKindMessage, HandlerType: "noop", Retries: 3, CreatedAt: testNow}
	tr, err := job.Suspend(from)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM jobs")).
		WithArgs("j-1", "ready", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Apply(context.Background(), tr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_ApplyStaleRollsBack(t *testing.T) {
	db, mock, cfg := newSQLMock(t)
	repo := NewJobRepo(db, cfg)

	from := &model.Job{ID: "j-1", State: model.JobStateReady, Kind: model.JobKindMessage, HandlerType: "noop", Retries: 3}
	tr, err := job.Suspend(from)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM jobs")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	require.ErrorIs(t, repo.Apply(context.Background(), tr), ErrStaleJob)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_ApplyUpdateMatchesLockOwner(t *testing.T) {
	db, mock, cfg := newSQLMock(t)
	repo := NewJobRepo(db, cfg)

	from := &model.Job{ID: "j-1", State: model.JobStateReady, Kind: model.JobKindMessage, HandlerType: "noop", Retries: 3, LockOwner: strPtr("worker-a")}
	tr := job.Unlock(from)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs")).
		WithArgs("j-1", "ready", "worker-a", nil, 3, nil, nil, nil, nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_notify")).
		WithArgs("job_added_ready", "j-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, repo.Apply(context.Background(), tr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_AcquireDue(t *testing.T) {
	db, mock, cfg := newSQLMock(t)
	repo := NewJobRepo(db, cfg)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY COALESCE(due_date, created_at) ASC, id ASC")).
		WithArgs([]string{"timer", "ready"}, testNow, false, []string{"billing"}, 10).
		WillReturnRows(jobRow(jobRow(sqlmock.NewRows(jobColumnNames), "j-1", "ready", nil, nil), "j-2", "timer", testNow, nil))

	jobs, err := repo.AcquireDue(context.Background(), core.AcquireParams{
		MaxCount:          10,
		AsOf:              testNow,
		EnabledCategories: []string{"billing"},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j-1", jobs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_AcquireDueWithoutCategoryFilter(t *testing.T) {
	db, mock, cfg := newSQLMock(t)
	repo := NewJobRepo(db, cfg)

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs")).
		WithArgs([]string{"history"}, testNow, true, []string{}, 5).
		WillReturnRows(sqlmock.NewRows(jobColumnNames))

	jobs, err := repo.AcquireDue(context.Background(), core.AcquireParams{
		MaxCount:   5,
		AsOf:       testNow,
		Partitions: []model.JobState{model.JobStateHistory},
	})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestJobRepo_Lock(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"won", 1, true},
		{"lost race", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, cfg := newSQLMock(t)
			repo := NewJobRepo(db, cfg)
			exp := testNow.Add(5 * time.Minute)

			mock.ExpectExec(regexp.QuoteMeta("AND lock_owner IS NULL")).
				WithArgs("j-1", "worker-a", exp, testNow).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			ok, err := repo.Lock(context.Background(), core.LockParams{ID: "j-1", Owner: "worker-a", ExpiresAt: exp})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestJobRepo_ReleaseExpiredLocks(t *testing.T) {
	db, mock, cfg := newSQLMock(t)
	repo := NewJobRepo(db, cfg)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_xact_lock($1, $2)")).
		WithArgs(advisoryLockSweepMajor, advisoryLockSweepJobs).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(testNow, []string{"worker-a"}, 500).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	n, err := repo.ReleaseExpiredLocks(context.Background(), core.ReleaseLocksParams{AsOf: testNow, LiveOwners: []string{"worker-a"}})
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_ReleaseExpiredLocksSkipsWhenLockHeld(t *testing.T) {
	db, mock, cfg := newSQLMock(t)
	repo := NewJobRepo(db, cfg)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("pg_try_advisory_xact_lock")).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))
	mock.ExpectCommit()

	n, err := repo.ReleaseExpiredLocks(context.Background(), core.ReleaseLocksParams{AsOf: testNow})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_ListBuildsFilters(t *testing.T) {
	db, mock, cfg := newSQLMock(t)
	repo := NewJobRepo(db, cfg)

	state := model.JobStateDeadLetter
	mock.ExpectQuery(regexp.QuoteMeta("WHERE state = $1 AND scope_id = $2 ORDER BY COALESCE(due_date, created_at) ASC, id ASC LIMIT $3")).
		WithArgs("dead_letter", "scope-1", 20).
		WillReturnRows(jobRow(sqlmock.NewRows(jobColumnNames), "j-9", "dead_letter", nil, nil))

	jobs, err := repo.List(context.Background(), model.JobListOptions{State: &state, ScopeID: "scope-1", Limit: 20})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobStateDeadLetter, jobs[0].State)
}

func TestJobRepo_DeleteByConfigField(t *testing.T) {
	db, mock, cfg := newSQLMock(t)
	repo := NewJobRepo(db, cfg)

	mock.ExpectExec(regexp.QuoteMeta("handler_config->>$2 = $3")).
		WithArgs([]string{"batch-part", "batch-status"}, "batchId", "b-1").
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.DeleteByConfigField(context.Background(), core.DeleteByConfigFieldParams{
		HandlerTypes: []string{"batch-part", "batch-status"},
		Field:        "batchId",
		Value:        "b-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}
