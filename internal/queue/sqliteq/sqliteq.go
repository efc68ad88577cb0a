// Package sqliteq is a queue.Dispatcher on SQLite. It can share the
// schedule database handle; it never holds a transaction while a handler
// runs.
package sqliteq

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"fitsched/internal/queue"
	"fitsched/internal/runtime/supervisor"
	logx "fitsched/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Queue struct {
	db     *sql.DB
	opts   queue.Options
	log    logx.Logger
	now    func() time.Time
	wake   chan struct{}
	closed atomic.Bool
	ownsDB bool
}

var (
	_ queue.Dispatcher = (*Queue)(nil)
	_ queue.Claimer    = (*Queue)(nil)
)

// New migrates db and returns a queue on it. The caller keeps ownership of db.
func New(ctx context.Context, db *sql.DB, opts queue.Options, log logx.Logger) (*Queue, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		db:   db,
		opts: opts.WithDefaults(),
		log:  log,
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
	if err := q.migrate(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// OwnDB makes Close also close the database handle.
func (q *Queue) OwnDB() { q.ownsDB = true }

// SetClock overrides the time source.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

func (q *Queue) migrate(ctx context.Context) error {
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
		if _, err := q.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

const jobColumns = `id, queue, name, data, tags, state, run_at, repeat_every, repeat_until,
	attempts, last_error, created_at, updated_at, finished_at`

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) check(op, name string) error {
	if q.closed.Load() {
		return queue.Wrap(op, name, queue.ErrClosed)
	}
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, spec queue.JobSpec) (*queue.Job, bool, error) {
	if err := queue.ValidateSpec(spec); err != nil {
		return nil, false, err
	}
	if err := q.check("enqueue", spec.Queue); err != nil {
		return nil, false, err
	}
	j := queue.NewJob(spec, q.now())
	every, until := repeatArgs(j.Repeat)
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_jobs(id, queue, name, data, tags, state, run_at, repeat_every, repeat_until, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(queue, id) DO NOTHING`,
		j.ID, j.Queue, j.Name, []byte(j.Data), encodeTags(j.Tags), string(j.State), j.RunAt.UnixMilli(),
		every, until, j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, false, queue.Wrap("enqueue", spec.Queue, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := q.Get(ctx, spec.Queue, spec.ID)
		return existing, false, err
	}
	q.signal()
	return j, true, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJob(ctx context.Context, db queryer, name, id string) (*queue.Job, error) {
	row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE queue = ? AND id = ?`, name, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.NotFound(name, id)
	}
	return j, queue.Wrap("get", name, err)
}

func (q *Queue) Get(ctx context.Context, name, id string) (*queue.Job, error) {
	return getJob(ctx, q.db, name, id)
}

func (q *Queue) Remove(ctx context.Context, name, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE queue = ? AND id = ?`, name, id)
	if err != nil {
		return queue.Wrap("remove", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.NotFound(name, id)
	}
	return nil
}

func (q *Queue) Retry(ctx context.Context, name, id string) error {
	j, err := q.Get(ctx, name, id)
	if err != nil {
		return err
	}
	if j.State != queue.StateFailed {
		return queue.NotFailed(name, id, j.State)
	}
	now := q.now().UnixMilli()
	_, err = q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET state = ?, run_at = ?, updated_at = ?, finished_at = NULL, locked_until = 0
		 WHERE queue = ? AND id = ? AND state = ?`,
		string(queue.StateWaiting), now, now, name, id, string(queue.StateFailed),
	)
	if err != nil {
		return queue.Wrap("retry", name, err)
	}
	q.signal()
	return nil
}

func (q *Queue) setPaused(ctx context.Context, name string, paused bool) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_meta(queue, paused) VALUES(?, ?)
		 ON CONFLICT(queue) DO UPDATE SET paused = excluded.paused`,
		name, boolInt(paused),
	)
	return err
}

func (q *Queue) Pause(ctx context.Context, name string) error {
	return queue.Wrap("pause", name, q.setPaused(ctx, name, true))
}

func (q *Queue) Resume(ctx context.Context, name string) error {
	if err := q.setPaused(ctx, name, false); err != nil {
		return queue.Wrap("resume", name, err)
	}
	q.signal()
	return nil
}

func filterSQL(name string, f queue.JobFilter, now time.Time) (string, []any) {
	where := []string{"queue = ?"}
	args := []any{name}
	if len(f.States) > 0 {
		where = append(where, "state IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.States)), ",")+")")
		for _, s := range f.States {
			args = append(args, string(s))
		}
	}
	if f.Tag != "" {
		where = append(where, "instr(tags, ?) > 0")
		args = append(args, ","+f.Tag+",")
	}
	if f.OlderThan > 0 {
		where = append(where, "updated_at <= ?")
		args = append(args, now.Add(-f.OlderThan).UnixMilli())
	}
	if !f.EndsBefore.IsZero() {
		where = append(where, "max(run_at, repeat_until) < ?")
		args = append(args, f.EndsBefore.UnixMilli())
	}
	return strings.Join(where, " AND "), args
}

func (q *Queue) Clean(ctx context.Context, name string, f queue.JobFilter) (int, error) {
	where, args := filterSQL(name, f, q.now())
	query := `DELETE FROM queue_jobs WHERE ` + where
	if f.Limit > 0 {
		query = `DELETE FROM queue_jobs WHERE rowid IN (SELECT rowid FROM queue_jobs WHERE ` + where + ` LIMIT ?)`
		args = append(args, f.Limit)
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, queue.Wrap("clean", name, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *Queue) Jobs(ctx context.Context, name string, f queue.JobFilter) ([]*queue.Job, error) {
	where, args := filterSQL(name, f, q.now())
	query := `SELECT ` + jobColumns + ` FROM queue_jobs WHERE ` + where + ` ORDER BY run_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queue.Wrap("jobs", name, err)
	}
	defer rows.Close()
	var out []*queue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, queue.Wrap("jobs", name, err)
		}
		out = append(out, j)
	}
	return out, queue.Wrap("jobs", name, rows.Err())
}

func (q *Queue) Stats(ctx context.Context, name string) (queue.Stats, error) {
	st := queue.Stats{Queue: name}
	var paused int
	err := q.db.QueryRowContext(ctx, `SELECT paused FROM queue_meta WHERE queue = ?`, name).Scan(&paused)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, queue.Wrap("stats", name, err)
	}
	st.Paused = paused != 0

	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM queue_jobs WHERE queue = ? GROUP BY state`, name)
	if err != nil {
		return st, queue.Wrap("stats", name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return st, queue.Wrap("stats", name, err)
		}
		st.Add(queue.State(state), n)
	}
	return st, queue.Wrap("stats", name, rows.Err())
}

// Claim implements queue.Claimer. An active job whose lock expired is
// treated as stalled and claimed again.
func (q *Queue) Claim(ctx context.Context, name string) (*queue.Job, error) {
	if err := q.check("claim", name); err != nil {
		return nil, err
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, queue.Wrap("claim", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	var paused int
	err = tx.QueryRowContext(ctx, `SELECT paused FROM queue_meta WHERE queue = ?`, name).Scan(&paused)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, queue.Wrap("claim", name, err)
	}
	if paused != 0 {
		return nil, nil
	}

	now := q.now()
	ms := now.UnixMilli()
	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs
		 WHERE queue = ? AND (
			(state IN (?, ?) AND run_at <= ?) OR
			(state = ? AND locked_until < ?))
		 ORDER BY run_at, id LIMIT 1`,
		name, string(queue.StateWaiting), string(queue.StateDelayed), ms, string(queue.StateActive), ms,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, queue.Wrap("claim", name, err)
	}
	if j.State == queue.StateActive {
		q.log.Warn("reclaiming stalled job", logx.String("queue", name), logx.String("job_id", j.ID))
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE queue_jobs SET state = ?, locked_until = ?, updated_at = ? WHERE queue = ? AND id = ?`,
		string(queue.StateActive), now.Add(q.opts.VisibilityTimeout).UnixMilli(), ms, name, j.ID,
	)
	if err != nil {
		return nil, queue.Wrap("claim", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, queue.Wrap("claim", name, err)
	}
	j.State = queue.StateActive
	j.UpdatedAt = time.UnixMilli(ms).UTC()
	return j, nil
}

func (q *Queue) Finish(ctx context.Context, job *queue.Job, runErr error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return queue.Wrap("finish", job.Queue, err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getJob(ctx, tx, job.Queue, job.ID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	next := queue.Finished(cur, runErr, q.now())
	_, err = tx.ExecContext(ctx,
		`UPDATE queue_jobs SET state = ?, run_at = ?, attempts = ?, last_error = ?, locked_until = 0,
			updated_at = ?, finished_at = ?
		 WHERE queue = ? AND id = ?`,
		string(next.State), next.RunAt.UnixMilli(), next.Attempts, next.LastError,
		next.UpdatedAt.UnixMilli(), msPtr(next.FinishedAt), job.Queue, job.ID,
	)
	if err != nil {
		return queue.Wrap("finish", job.Queue, err)
	}
	return queue.Wrap("finish", job.Queue, tx.Commit())
}

// Prune deletes completed and failed jobs finished before the retention window.
func (q *Queue) Prune(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.opts.Retention).UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_jobs WHERE state IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		string(queue.StateCompleted), string(queue.StateFailed), cutoff,
	)
	if err != nil {
		return 0, queue.Wrap("prune", "", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *Queue) Consume(ctx context.Context, name string, h queue.Handler) error {
	if err := q.check("consume", name); err != nil {
		return err
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(q.log), supervisor.WithCancelOnError(true))
	sup.Go0("queue."+name+".prune", func(ctx context.Context) {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			if n, err := q.Prune(ctx); err != nil {
				q.log.Warn("queue prune failed", logx.Err(err))
			} else if n > 0 {
				q.log.Info("queue pruned", logx.Int("removed", n))
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	})
	sup.Go("queue."+name+".pool", func(ctx context.Context) error {
		return queue.RunPool(ctx, name, q, h, q.opts, q.log, q.wake)
	})
	return sup.Wait(context.Background())
}

func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	if q.ownsDB {
		return q.db.Close()
	}
	return nil
}
