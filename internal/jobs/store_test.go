package jobs

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rishansujesh/jobsched/internal/schedule"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db, NewRegistry()), mock
}

func configRows() *sqlmock.Rows {
	cols := strings.Split(strings.NewReplacer("\n", "", " ", "").Replace(configColumns), ",")
	return sqlmock.NewRows(cols)
}

func addConfigRow(rows *sqlmock.Rows, id string, typ JobType, params string, queue any, pos any) *sqlmock.Rows {
	var p any
	if params != "" {
		p = []byte(params)
	}
	return rows.AddRow(id, "name-"+id, string(typ), "CRON", "0 0 * * * ?", 0, true,
		"SCHEDULED", "NOT_STARTED", "", nil, nil, nil,
		queue, pos, p, false, nil, "", int64(3), t0, t0)
}

func TestSQLStore_GetDecodesParameters(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM job_configurations WHERE id = $1")).
		WithArgs("a").
		WillReturnRows(addConfigRow(configRows(), "a", TypeShellCommand, `{"command":"echo hi"}`, "Q", int64(1)))

	c, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, TypeShellCommand, c.Type)
	assert.Equal(t, schedule.Cron, c.SchedulingType)
	assert.Equal(t, "Q", c.QueueName)
	require.NotNil(t, c.QueuePosition)
	assert.Equal(t, 1, *c.QueuePosition)
	require.IsType(t, &ShellCommandParameters{}, c.Parameters)
	assert.Equal(t, "echo hi", c.Parameters.(*ShellCommandParameters).Command)
	assert.Equal(t, int64(3), c.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM job_configurations WHERE id = $1")).
		WithArgs("x").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), "x")
	assert.True(t, IsNotFound(err))
}

func TestSQLStore_CreateConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO job_configurations")).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.Create(context.Background(), &Configuration{ID: "a", Name: "a", Type: TypeSleep, SchedulingType: schedule.OnceASAP})
	assert.True(t, IsConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ListBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)
	enabled := true
	mock.ExpectQuery(regexp.QuoteMeta("WHERE enabled = $1 AND queue_name = $2 ORDER BY created_at, id")).
		WithArgs(true, "Q").
		WillReturnRows(addConfigRow(addConfigRow(configRows(), "a", TypeSleep, "", "Q", int64(0)), "b", TypeSleep, "", "Q", int64(1)))

	out, err := s.List(context.Background(), Filter{Enabled: &enabled, QueueName: "Q"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateVersionConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE job_configurations SET")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM job_configurations WHERE id = $1")).
		WithArgs("a").
		WillReturnRows(addConfigRow(configRows(), "a", TypeSleep, "", nil, nil))

	_, err := s.Update(context.Background(), &Configuration{ID: "a", Name: "a", Type: TypeSleep, Version: 1})
	assert.True(t, IsConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_TryStart(t *testing.T) {
	s, mock := newMockStore(t)
	at := t0.Add(time.Second)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE job_configurations j1 SET")).
		WithArgs("a", "node-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE job_configurations j1 SET")).
		WithArgs("a", "node-2", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.TryStart(context.Background(), "a", "node-1", at)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.TryStart(context.Background(), "a", "node-2", at)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_TryFinishPassesStatus(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`last_executed_status = CASE WHEN cancel THEN 'STOPPED'`).
		WithArgs("a", "FAILED", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.TryFinish(context.Background(), "a", StatusFailed, t0)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_HeartbeatReturnsCancel(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("RETURNING cancel")).
		WithArgs("a", t0).
		WillReturnRows(sqlmock.NewRows([]string{"cancel"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("RETURNING cancel")).
		WithArgs("gone", t0).
		WillReturnError(sql.ErrNoRows)

	cancelled, err := s.Heartbeat(context.Background(), "a", t0)
	require.NoError(t, err)
	assert.True(t, cancelled)
	_, err = s.Heartbeat(context.Background(), "gone", t0)
	assert.True(t, IsNotFound(err))
}

func TestSQLStore_UpdateProgressNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("progress = $3::jsonb")).
		WithArgs("a", t0, `{"x":1}`, "E1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateProgress(context.Background(), "a", []byte(`{"x":1}`), "E1", t0)
	assert.True(t, IsNotFound(err))
}

func TestSQLStore_LastIDsAndTypes(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT job_type FROM job_configurations WHERE status = 'RUNNING'")).
		WillReturnRows(sqlmock.NewRows([]string{"job_type"}).AddRow("HTTP_CALL").AddRow("SLEEP"))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE job_type = $1 AND status = 'RUNNING'")).
		WithArgs("SLEEP").
		WillReturnError(sql.ErrNoRows)

	types, err := s.RunningTypes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []JobType{TypeHTTPCall, TypeSleep}, types)

	id, err := s.LastRunningID(context.Background(), TypeSleep)
	require.NoError(t, err)
	assert.Empty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_RescheduleStaleCountsRows(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("last_executed_status = 'FAILED'")).
		WithArgs(t0, float64(300)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.RescheduleStale(context.Background(), 5*time.Minute, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLStore_LockQueueLocked(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_xact_lock($1)")).
		WithArgs(schedule.LockKey("queue:Q")).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))
	mock.ExpectRollback()

	called := false
	err := s.LockQueue(context.Background(), "Q", func(context.Context) error {
		called = true
		return nil
	})
	assert.True(t, IsConflict(err))
	assert.False(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LockQueueRunsFn(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_xact_lock($1)")).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectCommit()

	called := false
	err := s.LockQueue(context.Background(), "Q", func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateAllCommitsTogether(t *testing.T) {
	s, mock := newMockStore(t)
	a := &Configuration{ID: "a", Type: TypeSleep, SchedulingType: schedule.Cron, Version: 3}
	b := &Configuration{ID: "b", Type: TypeSleep, SchedulingType: schedule.Cron, Version: 3}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE job_configurations SET")).
		WillReturnRows(addConfigRow(configRows(), "a", TypeSleep, "", "Q", int64(0)))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE job_configurations SET")).
		WillReturnRows(addConfigRow(configRows(), "b", TypeSleep, "", "Q", int64(1)))
	mock.ExpectCommit()

	out, err := s.UpdateAll(context.Background(), []*Configuration{a, b})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateAllRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	a := &Configuration{ID: "a", Type: TypeSleep, SchedulingType: schedule.Cron, Version: 3}
	b := &Configuration{ID: "b", Type: TypeSleep, SchedulingType: schedule.Cron, Version: 3}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE job_configurations SET")).
		WillReturnRows(addConfigRow(configRows(), "a", TypeSleep, "", "Q", int64(0)))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE job_configurations SET")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.UpdateAll(context.Background(), []*Configuration{a, b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateAllJoinsQueueLock(t *testing.T) {
	s, mock := newMockStore(t)
	a := &Configuration{ID: "a", Type: TypeSleep, SchedulingType: schedule.Cron, Version: 3}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_xact_lock($1)")).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE job_configurations SET")).
		WillReturnRows(addConfigRow(configRows(), "a", TypeSleep, "", "Q", int64(0)))
	mock.ExpectCommit()

	err := s.LockQueue(context.Background(), "Q", func(ctx context.Context) error {
		_, err := s.UpdateAll(ctx, []*Configuration{a})
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_FindRunErrorsBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"id", "job_type", "executed_by", "created_at", "last_executed", "last_finished", "error_codes", "errors"}
	mock.ExpectQuery(regexp.QuoteMeta("WHERE error_codes <> ''\nAND executed_by = $1\nAND string_to_array(error_codes, ' ') && string_to_array($2, ' ')\nAND job_type = ANY (string_to_array($3, ' '))")).
		WithArgs("n1", "E1 E2", "SLEEP HTTP_CALL").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("a", string(TypeSleep), "n1", t0, t0, nil, "E1 E3", []byte(`[{"code":"E1"}]`)))

	rs, err := s.FindRunErrors(context.Background(), ErrorsFilter{
		ExecutedBy: "n1",
		Codes:      []string{"E1", "E2"},
		Types:      []JobType{TypeSleep, TypeHTTPCall},
	})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "a", rs[0].ID)
	assert.Equal(t, []string{"E1", "E3"}, rs[0].Codes)
	assert.Nil(t, rs[0].Finished)
	require.NotNil(t, rs[0].Executed)
	assert.JSONEq(t, `[{"code":"E1"}]`, string(rs[0].Errors))
	require.NoError(t, mock.ExpectationsWereMet())
}
