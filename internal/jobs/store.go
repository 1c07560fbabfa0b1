package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rishansujesh/jobsched/internal/schedule"
)

// SQLStore is the Postgres Store over the job_configurations table.
type SQLStore struct {
	DB        *sql.DB
	Registry  *Registry
	DefaultTO time.Duration // default timeout per query
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *sql.DB, reg *Registry) *SQLStore {
	return &SQLStore{DB: db, Registry: reg, DefaultTO: 5 * time.Second}
}

const configColumns = `id, name, job_type, scheduling_type, cron_expression, delay_seconds, enabled,
status, last_executed_status, executed_by, last_executed, last_finished, last_alive,
queue_name, queue_position, parameters, cancel, progress, error_codes, version, created_at, updated_at`

// oneOffCond matches configurations that run once and have nothing to revert to.
const oneOffCond = `(queue_position IS NULL AND scheduling_type = 'ONCE_ASAP' AND cron_expression = '' AND delay_seconds <= 0)`

// revertedType is the scheduling type after a forced ONCE_ASAP run.
const revertedType = `CASE
    WHEN scheduling_type <> 'ONCE_ASAP' THEN scheduling_type
    WHEN cron_expression <> '' THEN 'CRON'
    WHEN delay_seconds > 0 THEN 'FIXED_DELAY'
    ELSE scheduling_type END`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scan(row rowScanner) (*Configuration, error) {
	var c Configuration
	var lastExecuted, lastFinished, alive sql.NullTime
	var queueName sql.NullString
	var queuePos sql.NullInt64
	var params, progress []byte
	if err := row.Scan(&c.ID, &c.Name, &c.Type, &c.SchedulingType, &c.CronExpression, &c.Delay, &c.Enabled,
		&c.Status, &c.LastExecutedStatus, &c.ExecutedBy, &lastExecuted, &lastFinished, &alive,
		&queueName, &queuePos, &params, &c.Cancel, &progress, &c.ErrorCodes, &c.Version, &c.Created, &c.LastUpdated); err != nil {
		return nil, err
	}
	c.LastExecuted = nullTime(lastExecuted)
	c.LastFinished = nullTime(lastFinished)
	c.LastAlive = nullTime(alive)
	c.QueueName = queueName.String
	if queuePos.Valid {
		c.QueuePosition = IntPtr(int(queuePos.Int64))
	}
	if len(progress) > 0 {
		c.Progress = json.RawMessage(progress)
	}
	p, err := DecodeParameters(s.Registry, c.Type, params)
	if err != nil {
		return nil, errors.Wrapf(err, "job configuration %s", c.ID)
	}
	c.Parameters = p
	return &c, nil
}

func (s *SQLStore) scanAll(rows *sql.Rows) ([]*Configuration, error) {
	defer rows.Close()
	var out []*Configuration
	for rows.Next() {
		c, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

/* ===================== Configurations ===================== */

func (s *SQLStore) Create(ctx context.Context, cfg *Configuration) (*Configuration, error) {
	ctx, cancel := WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	params, err := EncodeParameters(cfg.Parameters)
	if err != nil {
		return nil, err
	}
	status, lastStatus := cfg.Status, cfg.LastExecutedStatus
	if status == "" {
		status = StatusScheduled
	}
	if lastStatus == "" {
		lastStatus = StatusNotStarted
	}
	q := `
INSERT INTO job_configurations (id, name, job_type, scheduling_type, cron_expression, delay_seconds, enabled,
  status, last_executed_status, queue_name, queue_position, parameters, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, 1, now(), now())
RETURNING ` + configColumns + `;`
	c, err := s.scan(s.DB.QueryRowContext(ctx, q, id, cfg.Name, string(cfg.Type), string(cfg.SchedulingType),
		cfg.CronExpression, cfg.Delay, cfg.Enabled, string(status), string(lastStatus),
		nullString(cfg.QueueName), nullInt(cfg.QueuePosition), jsonArg(params)))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, Conflictf("job configuration %s already exists", id)
		}
		return nil, errors.Wrap(err, "create job configuration")
	}
	return c, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Configuration, error) {
	ctx, cancel := WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	c, err := s.scan(s.DB.QueryRowContext(ctx, `SELECT `+configColumns+` FROM job_configurations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundf("job configuration %s not found", id)
	}
	return c, errors.Wrap(err, "get job configuration")
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*Configuration, error) {
	ctx, cancel := WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	// Build dynamic pieces
	var where []string
	args := []any{}
	i := 1
	if f.Enabled != nil {
		where = append(where, fmt.Sprintf("enabled = $%d", i))
		args = append(args, *f.Enabled)
		i++
	}
	if f.QueueName != "" {
		where = append(where, fmt.Sprintf("queue_name = $%d", i))
		args = append(args, f.QueueName)
		i++
	}
	if f.Type != "" {
		where = append(where, fmt.Sprintf("job_type = $%d", i))
		args = append(args, string(f.Type))
	}
	q := `SELECT ` + configColumns + ` FROM job_configurations`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list job configurations")
	}
	return s.scanAll(rows)
}

func (s *SQLStore) Update(ctx context.Context, cfg *Configuration) (*Configuration, error) {
	return s.update(ctx, s.DB, cfg)
}

// UpdateAll runs the writes in the transaction of an enclosing LockQueue, or
// in one of its own.
func (s *SQLStore) UpdateAll(ctx context.Context, cfgs []*Configuration) ([]*Configuration, error) {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return s.updateAll(ctx, tx, cfgs)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()
	out, err := s.updateAll(ctx, tx, cfgs)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, Conflictf("queue position already taken")
		}
		return nil, errors.Wrap(err, "commit")
	}
	return out, nil
}

func (s *SQLStore) updateAll(ctx context.Context, q queryRower, cfgs []*Configuration) ([]*Configuration, error) {
	out := make([]*Configuration, 0, len(cfgs))
	for _, cfg := range cfgs {
		c, err := s.update(ctx, q, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) update(ctx context.Context, db queryRower, cfg *Configuration) (*Configuration, error) {
	ctx, cancel := WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	params, err := EncodeParameters(cfg.Parameters)
	if err != nil {
		return nil, err
	}
	q := `
UPDATE job_configurations SET
  name = $2, scheduling_type = $3, cron_expression = $4, delay_seconds = $5, enabled = $6,
  queue_name = $7, queue_position = $8, parameters = $9::jsonb,
  version = version + 1, updated_at = now()
WHERE id = $1 AND version = $10 AND job_type = $11
RETURNING ` + configColumns + `;`
	c, err := s.scan(db.QueryRowContext(ctx, q, cfg.ID, cfg.Name, string(cfg.SchedulingType), cfg.CronExpression,
		cfg.Delay, cfg.Enabled, nullString(cfg.QueueName), nullInt(cfg.QueuePosition), jsonArg(params),
		cfg.Version, string(cfg.Type)))
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := s.Get(ctx, cfg.ID)
		if gerr != nil {
			return nil, gerr
		}
		if cur.Type != cfg.Type {
			return nil, Validationf("job type of %s cannot change from %s to %s", cfg.ID, cur.Type, cfg.Type)
		}
		return nil, Conflictf("job configuration %s was modified concurrently (version %d, have %d)", cfg.ID, cur.Version, cfg.Version)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, Conflictf("queue position of %s already taken", cfg.ID)
		}
		return nil, errors.Wrap(err, "update job configuration")
	}
	return c, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	res, err := s.DB.ExecContext(ctx, `DELETE FROM job_configurations WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete job configuration")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundf("job configuration %s not found", id)
	}
	return nil
}

/* ===================== Entries & queues ===================== */

func (s *SQLStore) GetEntry(ctx context.Context, id string) (*Entry, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e := c.Entry()
	return &e, nil
}

func (s *SQLStore) DueEntries(ctx context.Context) ([]Entry, error) {
	ctx, cancel := WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	q := `
SELECT ` + configColumns + `
FROM job_configurations j1
WHERE enabled = true
AND status = 'SCHEDULED'
AND (queue_position IS NULL OR queue_position = 0 OR scheduling_type = 'ONCE_ASAP')
AND NOT EXISTS (
  SELECT 1 FROM job_configurations j2
  WHERE j2.job_type = j1.job_type AND j2.id <> j1.id AND j2.status = 'RUNNING')
ORDER BY job_type, created_at, id;`
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "due entries")
	}
	cs, err := s.scanAll(rows)
	if err != nil {
		return nil, errors.Wrap(err, "due entries")
	}
	out := make([]Entry, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Entry())
	}
	return out, nil
}

func (s *SQLStore) NextInQueue(ctx context.Context, queue string, fromPosition int) (*Entry, error) {
	ctx, cancel := WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	c, err := s.scan(s.DB.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM job_configurations WHERE queue_name = $1 AND queue_position = $2`,
		queue, fromPosition+1))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "next in queue")
	}
	e := c.Entry()
	return &e, nil
}

func (s *SQLStore) JobsInQueue(ctx context.Context, queue string) ([]*Configuration, error) {
	ctx, cancel := WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+configColumns+` FROM job_configurations WHERE queue_name = $1 ORDER BY queue_position`, queue)
	if err != nil {
		return nil, errors.Wrap(err, "jobs in queue")
	}
	return s.scanAll(rows)
}

func (s *SQLStore) QueueNames(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT DISTINCT queue_name FROM job_configurations WHERE queue_name IS NOT NULL ORDER BY queue_name`)
}

/* ===================== Transitions ===================== */

func (s *SQLStore) TryStart(ctx context.Context, id, node string, at time.Time) (bool, error) {
	// only flip from SCHEDULED to RUNNING if no other job of same type is RUNNING
	return s.exec(ctx, "try start", `
UPDATE job_configurations j1 SET
  status = 'RUNNING', executed_by = $2, last_executed = $3, last_alive = $3,
  progress = NULL, error_codes = '', cancel = false, updated_at = $3
WHERE id = $1
AND status = 'SCHEDULED'
AND enabled = true
AND NOT EXISTS (
  SELECT 1 FROM job_configurations j2
  WHERE j2.job_type = j1.job_type AND j2.id <> j1.id AND j2.status = 'RUNNING');`, id, node, at)
}

func (s *SQLStore) TryFinish(ctx context.Context, id string, status JobStatus, at time.Time) (bool, error) {
	return s.exec(ctx, "try finish", `
UPDATE job_configurations SET
  last_executed_status = CASE WHEN cancel THEN 'STOPPED' ELSE $2 END,
  last_finished = $3,
  last_alive = NULL,
  cancel = false,
  enabled = CASE WHEN `+oneOffCond+` THEN false ELSE enabled END,
  status = 'SCHEDULED',
  last_executed = CASE WHEN scheduling_type = 'ONCE_ASAP' AND cron_expression <> '' THEN $3 ELSE last_executed END,
  scheduling_type = `+revertedType+`,
  updated_at = $3
WHERE id = $1 AND status = 'RUNNING';`, id, string(status), at)
}

func (s *SQLStore) TryCancel(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.exec(ctx, "try cancel", `
UPDATE job_configurations SET
  cancel = (status = 'RUNNING'),
  enabled = CASE WHEN status <> 'RUNNING' AND `+oneOffCond+` THEN false ELSE enabled END,
  scheduling_type = CASE WHEN status = 'RUNNING' THEN scheduling_type ELSE `+revertedType+` END,
  last_executed_status = CASE WHEN status = 'RUNNING' THEN last_executed_status ELSE 'STOPPED' END,
  updated_at = $2
WHERE id = $1
AND (
  status = 'RUNNING' AND cancel = false
  OR status = 'SCHEDULED' AND scheduling_type = 'ONCE_ASAP');`, id, at)
}

func (s *SQLStore) TryExecuteNow(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.exec(ctx, "try execute now", `
UPDATE job_configurations SET
  scheduling_type = 'ONCE_ASAP', cancel = false, status = 'SCHEDULED', updated_at = $2
WHERE id = $1
AND enabled = true
AND status <> 'RUNNING'
AND (scheduling_type <> 'ONCE_ASAP' OR last_finished IS NULL);`, id, at)
}

func (s *SQLStore) TrySkip(ctx context.Context, queue string, at time.Time) (bool, error) {
	return s.exec(ctx, "try skip", `
UPDATE job_configurations SET
  last_executed_status = 'NOT_STARTED', last_executed = $2, last_finished = $2,
  last_alive = NULL, progress = NULL, cancel = false, updated_at = $2
WHERE queue_name = $1
AND status = 'SCHEDULED'
AND queue_position > 0
AND (
  last_executed IS NULL
  OR last_executed < (SELECT last_executed FROM job_configurations WHERE queue_name = $1 AND queue_position = 0 LIMIT 1));`,
		queue, at)
}

func (s *SQLStore) Heartbeat(ctx context.Context, id string, at time.Time) (bool, error) {
	ctx, cancel := WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	var cancelled bool
	err := s.DB.QueryRowContext(ctx, `
UPDATE job_configurations SET
  last_alive = CASE WHEN status = 'RUNNING' THEN $2 ELSE last_alive END
WHERE id = $1
RETURNING cancel;`, id, at).Scan(&cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, NotFoundf("job configuration %s not found", id)
	}
	return cancelled, errors.Wrap(err, "heartbeat")
}

func (s *SQLStore) UpdateProgress(ctx context.Context, id string, progress json.RawMessage, errorCodes string, at time.Time) error {
	ok, err := s.exec(ctx, "update progress", `
UPDATE job_configurations SET
  last_alive = CASE WHEN status = 'RUNNING' THEN $2 ELSE last_alive END,
  progress = $3::jsonb,
  error_codes = $4
WHERE id = $1;`, id, at, jsonArg(progress), errorCodes)
	if err != nil {
		return err
	}
	if !ok {
		return NotFoundf("job configuration %s not found", id)
	}
	return nil
}

func (s *SQLStore) FindRunErrors(ctx context.Context, f ErrorsFilter) ([]RunErrors, error) {
	ctx, cancel := WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	where := []string{"error_codes <> ''"}
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ID != "" {
		add("id = $%d", f.ID)
	}
	if f.ExecutedBy != "" {
		add("executed_by = $%d", f.ExecutedBy)
	}
	if f.From != nil {
		add("last_executed >= $%d", *f.From)
	}
	if f.To != nil {
		add("last_executed <= $%d", *f.To)
	}
	if len(f.Codes) > 0 {
		add("string_to_array(error_codes, ' ') && string_to_array($%d, ' ')", strings.Join(f.Codes, " "))
	}
	if len(f.Types) > 0 {
		types := make([]string, 0, len(f.Types))
		for _, t := range f.Types {
			types = append(types, string(t))
		}
		add("job_type = ANY (string_to_array($%d, ' '))", strings.Join(types, " "))
	}
	q := `
SELECT id, job_type, executed_by, created_at, last_executed, last_finished, error_codes, progress -> 'errors'
FROM job_configurations
WHERE ` + strings.Join(where, "\nAND ") + `
ORDER BY last_executed DESC NULLS LAST, id;`

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "find run errors")
	}
	defer rows.Close()
	out := []RunErrors{}
	for rows.Next() {
		var r RunErrors
		var executed, finished sql.NullTime
		var codes string
		var errs []byte
		if err := rows.Scan(&r.ID, &r.Type, &r.ExecutedBy, &r.Created, &executed, &finished, &codes, &errs); err != nil {
			return nil, errors.Wrap(err, "find run errors")
		}
		r.Executed = nullTime(executed)
		r.Finished = nullTime(finished)
		r.Codes = strings.Fields(codes)
		if len(errs) > 0 {
			r.Errors = json.RawMessage(errs)
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "find run errors")
}

func (s *SQLStore) Progress(ctx context.Context, id string) (json.RawMessage, error) {
	ctx, cancel := WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	var raw []byte
	err := s.DB.QueryRowContext(ctx, `SELECT progress FROM job_configurations WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundf("job configuration %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "progress")
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

/* ===================== Lookups ===================== */

func (s *SQLStore) RunningTypes(ctx context.Context) ([]JobType, error) {
	return s.jobTypes(ctx, `SELECT DISTINCT job_type FROM job_configurations WHERE status = 'RUNNING' ORDER BY job_type`)
}

func (s *SQLStore) CompletedTypes(ctx context.Context) ([]JobType, error) {
	return s.jobTypes(ctx, `
SELECT DISTINCT job_type FROM job_configurations
WHERE status <> 'RUNNING'
AND last_finished >= last_executed
AND progress IS NOT NULL
ORDER BY job_type`)
}

func (s *SQLStore) LastRunningID(ctx context.Context, t JobType) (string, error) {
	return s.singleID(ctx, `
SELECT id FROM job_configurations
WHERE job_type = $1 AND status = 'RUNNING'
ORDER BY last_executed DESC, id LIMIT 1`, string(t))
}

func (s *SQLStore) LastCompletedID(ctx context.Context, t JobType) (string, error) {
	return s.singleID(ctx, `
SELECT id FROM job_configurations
WHERE job_type = $1 AND status <> 'RUNNING' AND last_finished IS NOT NULL
ORDER BY last_finished DESC, id LIMIT 1`, string(t))
}

func (s *SQLStore) CancelledIDs(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT id FROM job_configurations WHERE status = 'RUNNING' AND cancel = true ORDER BY id`)
}

/* ===================== Housekeeping ===================== */

func (s *SQLStore) RescheduleStale(ctx context.Context, timeout time.Duration, at time.Time) (int, error) {
	return s.count(ctx, "reschedule stale", `
UPDATE job_configurations SET
  status = 'SCHEDULED',
  enabled = CASE WHEN `+oneOffCond+` THEN false ELSE enabled END,
  scheduling_type = `+revertedType+`,
  cancel = false,
  last_executed_status = 'FAILED',
  last_finished = $1,
  last_alive = NULL,
  updated_at = $1
WHERE status = 'RUNNING'
AND (COALESCE(last_alive, last_executed) IS NULL
  OR COALESCE(last_alive, last_executed) < $1::timestamptz - $2::float8 * interval '1 second');`,
		at, timeout.Seconds())
}

func (s *SQLStore) DeleteFinished(ctx context.Context, ttl time.Duration, at time.Time) (int, error) {
	return s.count(ctx, "delete finished", `
DELETE FROM job_configurations
WHERE `+oneOffCond+`
AND status <> 'RUNNING'
AND last_finished IS NOT NULL
AND last_finished < $1::timestamptz - $2::float8 * interval '1 second';`, at, ttl.Seconds())
}

// txKey carries the transaction of LockQueue to UpdateAll.
type txKey struct{}

// LockQueue serializes queue mutations across nodes with a transaction scoped
// advisory lock on the queue name. fn sees the first lock's transaction.
func (s *SQLStore) LockQueue(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	err := schedule.WithTxLock(ctx, s.DB, "queue:"+name, func(tx *sql.Tx) error {
		if _, nested := ctx.Value(txKey{}).(*sql.Tx); nested {
			return fn(ctx)
		}
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
	if errors.Is(err, schedule.ErrLocked) {
		return Conflictf("queue %s is being modified concurrently", name)
	}
	return err
}

/* ===================== helpers ===================== */

// exec reports whether the conditional update matched a row. Losing a race on
// one of the partial unique indexes counts as not matching.
func (s *SQLStore) exec(ctx context.Context, op, q string, args ...any) (bool, error) {
	n, err := s.count(ctx, op, q, args...)
	if isUniqueViolation(err) {
		return false, nil
	}
	return n > 0, err
}

func (s *SQLStore) count(ctx context.Context, op, q string, args ...any) (int, error) {
	ctx, cancel := WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, errors.Wrap(err, op)
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, op)
}

func (s *SQLStore) strings(ctx context.Context, q string, args ...any) ([]string, error) {
	ctx, cancel := WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLStore) jobTypes(ctx context.Context, q string) ([]JobType, error) {
	vs, err := s.strings(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]JobType, 0, len(vs))
	for _, v := range vs {
		out = append(out, JobType(v))
	}
	return out, nil
}

func (s *SQLStore) singleID(ctx context.Context, q string, args ...any) (string, error) {
	ctx, cancel := WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	var id string
	err := s.DB.QueryRowContext(ctx, q, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, errors.Wrap(err, "lookup id")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return int64(*i)
}

func jsonArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
