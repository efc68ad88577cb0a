package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"fitsched/internal/recurrence"
	"fitsched/internal/schedule"
	logx "fitsched/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements schedule.Store.
type SQLiteStore struct {
	db     *sql.DB
	log    logx.Logger
	ownsDB bool
}

var _ schedule.Store = (*SQLiteStore)(nil)

// NewSQLiteStore runs migrations on db and returns a store using it.
func NewSQLiteStore(ctx context.Context, db *sql.DB, log logx.Logger) (*SQLiteStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	st := &SQLiteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrationsFS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

const scheduleColumns = `id, title, description, action, entity_id, user_id, data,
	frequency, week_days, month_days, months, time_of_day, interval_min, end_time,
	start_date, end_date, timezone, cron_expression, next_run_at, status, last_run_at,
	execution_count, success_count, failure_count, last_exec_status, last_error, history,
	retry_on_failure, max_retries, retry_delay_min, current_retries, created_at, updated_at`

func (s *SQLiteStore) Insert(ctx context.Context, sc *schedule.Schedule) error {
	args, err := rowArgs(sc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		args...,
	)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*schedule.Schedule, error) {
	return getRow(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRow(ctx context.Context, q queryer, id string) (*schedule.Schedule, error) {
	row := q.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &schedule.NotFoundError{Kind: "schedule", ID: id}
	}
	return sc, err
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*schedule.Schedule) error) (*schedule.Schedule, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sc, err := getRow(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(sc); err != nil {
		return nil, err
	}
	sc.ID = id
	args, err := rowArgs(sc)
	if err != nil {
		return nil, err
	}
	// args[0] is id; move it to the WHERE clause.
	_, err = tx.ExecContext(ctx,
		`UPDATE schedules SET title=?, description=?, action=?, entity_id=?, user_id=?, data=?,
			frequency=?, week_days=?, month_days=?, months=?, time_of_day=?, interval_min=?, end_time=?,
			start_date=?, end_date=?, timezone=?, cron_expression=?, next_run_at=?, status=?, last_run_at=?,
			execution_count=?, success_count=?, failure_count=?, last_exec_status=?, last_error=?, history=?,
			retry_on_failure=?, max_retries=?, retry_delay_min=?, current_retries=?, created_at=?, updated_at=?
		 WHERE id = ?`,
		append(args[1:], id)...,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &schedule.NotFoundError{Kind: "schedule", ID: id}
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, f schedule.Filter) ([]*schedule.Schedule, int, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedules`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules`+cond+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	out, err := scanAll(rows)
	return out, total, err
}

func (s *SQLiteStore) ListByNextRun(ctx context.Context, status schedule.Status, from, to time.Time) ([]*schedule.Schedule, error) {
	q := `SELECT ` + scheduleColumns + ` FROM schedules WHERE status = ? AND next_run_at IS NOT NULL`
	args := []any{string(status)}
	if !from.IsZero() {
		q += ` AND next_run_at >= ?`
		args = append(args, from.UnixMilli())
	}
	if !to.IsZero() {
		q += ` AND next_run_at < ?`
		args = append(args, to.UnixMilli())
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY next_run_at, id`, args...)
	if err != nil {
		return nil, err
	}
	return scanAll(rows)
}

func (s *SQLiteStore) Actions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT action FROM schedules ORDER BY action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func rowArgs(sc *schedule.Schedule) ([]any, error) {
	week, err := json.Marshal(nonNilInts(sc.WeekDays))
	if err != nil {
		return nil, err
	}
	month, err := json.Marshal(nonNilInts(sc.MonthDays))
	if err != nil {
		return nil, err
	}
	months, err := json.Marshal(nonNilInts(sc.Months))
	if err != nil {
		return nil, err
	}
	hist := sc.ExecutionHistory
	if hist == nil {
		hist = []schedule.ExecutionRecord{}
	}
	history, err := json.Marshal(hist)
	if err != nil {
		return nil, err
	}
	var data any
	if len(sc.Data) > 0 {
		data = string(sc.Data)
	}
	return []any{
		sc.ID, sc.Title, sc.Description, sc.Action, sc.EntityID, sc.UserID, data,
		string(sc.Frequency), string(week), string(month), string(months), sc.TimeOfDay, sc.Interval, sc.EndTime,
		sc.StartDate.UnixMilli(), msPtr(sc.EndDate), sc.Timezone, sc.CronExpression, msPtr(sc.NextRunDate), string(sc.Status), msPtr(sc.LastRunAt),
		sc.ExecutionCount, sc.SuccessCount, sc.FailureCount, string(sc.LastExecutionStatus), sc.LastErrorMessage, string(history),
		boolInt(sc.RetryOnFailure), sc.MaxRetries, sc.RetryDelayMinutes, sc.CurrentRetries, sc.CreatedAt.UnixMilli(), sc.UpdatedAt.UnixMilli(),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r scanner) (*schedule.Schedule, error) {
	var (
		sc                        schedule.Schedule
		data                      sql.NullString
		freq, status, lastStatus  string
		week, month, months, hist string
		start, created, updated   int64
		endDate, nextRun, lastRun sql.NullInt64
		retryOnFailure            int
	)
	err := r.Scan(
		&sc.ID, &sc.Title, &sc.Description, &sc.Action, &sc.EntityID, &sc.UserID, &data,
		&freq, &week, &month, &months, &sc.TimeOfDay, &sc.Interval, &sc.EndTime,
		&start, &endDate, &sc.Timezone, &sc.CronExpression, &nextRun, &status, &lastRun,
		&sc.ExecutionCount, &sc.SuccessCount, &sc.FailureCount, &lastStatus, &sc.LastErrorMessage, &hist,
		&retryOnFailure, &sc.MaxRetries, &sc.RetryDelayMinutes, &sc.CurrentRetries, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	if data.Valid && data.String != "" {
		sc.Data = json.RawMessage(data.String)
	}
	sc.Frequency = recurrence.Frequency(freq)
	sc.Status = schedule.Status(status)
	sc.LastExecutionStatus = schedule.ExecStatus(lastStatus)
	sc.RetryOnFailure = retryOnFailure != 0
	sc.StartDate = time.UnixMilli(start).UTC()
	sc.CreatedAt = time.UnixMilli(created).UTC()
	sc.UpdatedAt = time.UnixMilli(updated).UTC()
	sc.EndDate = timePtr(endDate)
	sc.NextRunDate = timePtr(nextRun)
	sc.LastRunAt = timePtr(lastRun)

	for _, f := range []struct {
		raw string
		dst *[]int
	}{{week, &sc.WeekDays}, {month, &sc.MonthDays}, {months, &sc.Months}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("schedule %s: decode day set: %w", sc.ID, err)
		}
		if len(*f.dst) == 0 {
			*f.dst = nil
		}
	}
	if err := json.Unmarshal([]byte(hist), &sc.ExecutionHistory); err != nil {
		return nil, fmt.Errorf("schedule %s: decode history: %w", sc.ID, err)
	}
	if sc.ExecutionHistory == nil {
		sc.ExecutionHistory = []schedule.ExecutionRecord{}
	}
	return &sc, nil
}

func scanAll(rows *sql.Rows) ([]*schedule.Schedule, error) {
	defer rows.Close()
	var out []*schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
