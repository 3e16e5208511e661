package data

import (
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/target/jobexec/internal/clock"
)

// arrayConverter lets string slices through unchanged, as the pgx driver does.
type arrayConverter struct{}

func (arrayConverter) ConvertValue(v any) (driver.Value, error) {
	if s, ok := v.([]string); ok {
		return s, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock, RepoConfig) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(arrayConverter{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock, RepoConfig{Clock: clock.NewFixed(testNow)}
}

var jobColumnNames = []string{
	"id", "state", "kind", "handler_type", "handler_config", "scope_id", "sub_scope_id",
	"scope_type", "scope_definition_id", "due_date", "repeat", "retries", "exclusive",
	"category", "tenant_id", "lock_owner", "lock_expires_at", "exception_message",
	"exception_stacktrace", "correlation_id", "created_at", "updated_at",
}

func jobRow(rows *sqlmock.Rows, id, state string, due any, owner any) *sqlmock.Rows {
	return rows.AddRow(
		id, state, "message", "noop", []byte(`{"a":1}`), "scope-1", nil,
		"case", nil, due, nil, 3, false,
		nil, nil, owner, nil, nil,
		nil, nil, testNow.Add(-time.Hour), testNow.Add(-time.Hour),
	)
}
