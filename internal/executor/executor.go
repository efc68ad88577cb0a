package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"fitsched/internal/action"
	"fitsched/internal/eventbus"
	"fitsched/internal/queue"
	"fitsched/internal/recurrence"
	"fitsched/internal/schedule"
	logx "fitsched/pkg/logx"
)

// Actions runs registered actions.
type Actions interface {
	Execute(ctx context.Context, name string, call action.Call) error
	Has(name string) bool
}

// Schedules is the part of schedule.Service the executor drives.
type Schedules interface {
	Now() time.Time
	Get(ctx context.Context, id string) (*schedule.Schedule, error)
	GetTodaysSchedules(ctx context.Context) ([]*schedule.Schedule, error)
	RepairOverdue(ctx context.Context) (int, error)
	TrackExecution(ctx context.Context, id string, success bool, errMsg string) (*schedule.Schedule, error)
	ExecuteAndUpdateNext(ctx context.Context, id string) (*schedule.Schedule, error)
	ResetRetries(ctx context.Context, id string) (*schedule.Schedule, error)
	BeginRetry(ctx context.Context, id string, retryable bool) (*schedule.Schedule, int, bool, error)
	Complete(ctx context.Context, id string) (*schedule.Schedule, error)
	Actions(ctx context.Context) ([]string, error)
}

var _ Schedules = (*schedule.Service)(nil)

type Config struct {
	Queue       string
	Location    *time.Location
	Tick        string // 5-field cron, evaluated in Location
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = "schedules"
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Tick == "" {
		c.Tick = "0 0 * * *"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	return c
}

// TickResult summarizes one SetupDailySchedules pass.
type TickResult struct {
	Day        string        `json:"day"`
	Due        int           `json:"due"`
	Dispatched int           `json:"dispatched"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Cleaned    int           `json:"cleaned"`
	Repaired   int           `json:"repaired"`
	Took       time.Duration `json:"took"`
}

type Executor struct {
	svc     Schedules
	actions Actions
	q       queue.Dispatcher
	bus     eventbus.Bus
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	cron    *cron.Cron
	running bool

	tickMu sync.Mutex
	last   atomic.Pointer[TickResult]
}

type Option func(*Executor)

func WithBus(b eventbus.Bus) Option   { return func(e *Executor) { e.bus = b } }
func WithLogger(l logx.Logger) Option { return func(e *Executor) { e.log = l } }
func WithConfig(c Config) Option      { return func(e *Executor) { e.cfg = c } }

func New(svc Schedules, actions Actions, q queue.Dispatcher, opts ...Option) *Executor {
	e := &Executor{svc: svc, actions: actions, q: q, bus: eventbus.Nop(), log: logx.Nop()}
	for _, o := range opts {
		o(e)
	}
	e.cfg = e.cfg.withDefaults()
	return e
}

func (e *Executor) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Queue returns the queue jobs are dispatched to.
func (e *Executor) Queue() string { return e.config().Queue }

// LastTick returns the result of the most recent tick, if any.
func (e *Executor) LastTick() (TickResult, bool) {
	if r := e.last.Load(); r != nil {
		return *r, true
	}
	return TickResult{}, false
}

// VerifyActions warns about stored schedules whose action has no handler
// and returns their names.
func (e *Executor) VerifyActions(ctx context.Context) ([]string, error) {
	names, err := e.svc.Actions(ctx)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, n := range names {
		if !e.actions.Has(n) {
			missing = append(missing, n)
			e.log.Warn("schedule action has no registered handler", logx.String("action", n))
		}
	}
	return missing, nil
}

// SetupDailySchedules is the daily tick: drop yesterday's stale pending jobs,
// repair overdue schedules and dispatch everything due today.
func (e *Executor) SetupDailySchedules(ctx context.Context) (TickResult, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	cfg := e.config()
	started := time.Now()
	now := e.svc.Now()
	today := now.In(cfg.Location)
	res := TickResult{Day: dayKey(today)}

	// Jobs with a run still ahead (a window crossing the executor's
	// midnight) are kept.
	prev := dayKey(today.AddDate(0, 0, -1))
	dayStart, _ := recurrence.DayBounds(now, cfg.Location)
	n, err := e.q.Clean(ctx, cfg.Queue, queue.JobFilter{
		Tag:        DayTag(prev),
		States:     []queue.State{queue.StateWaiting, queue.StateDelayed},
		EndsBefore: dayStart,
	})
	if err != nil {
		e.log.Warn("cleaning previous day jobs failed", logx.String("day", prev), logx.Err(err))
	}
	res.Cleaned = n

	if res.Repaired, err = e.svc.RepairOverdue(ctx); err != nil {
		e.log.Warn("overdue repair incomplete", logx.Err(err))
	}

	due, err := e.svc.GetTodaysSchedules(ctx)
	if err != nil {
		return res, fmt.Errorf("load today's schedules: %w", err)
	}
	res.Due = len(due)

	var dispatched, completed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for _, sc := range due {
		sc := sc
		g.Go(func() error {
			done, err := e.dispatch(gctx, cfg, sc, now, res.Day)
			switch {
			case err != nil:
				failed.Add(1)
				e.log.Error("schedule dispatch failed", logx.String("schedule_id", sc.ID), logx.Err(err))
			case done:
				completed.Add(1)
			default:
				dispatched.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Dispatched = int(dispatched.Load())
	res.Completed = int(completed.Load())
	res.Failed = int(failed.Load())
	res.Took = time.Since(started)
	e.last.Store(&res)

	e.log.Info("daily schedules set up",
		logx.String("day", res.Day),
		logx.Int("due", res.Due),
		logx.Int("dispatched", res.Dispatched),
		logx.Int("completed", res.Completed),
		logx.Int("failed", res.Failed),
		logx.Duration("took", res.Took),
	)
	e.bus.Publish(eventbus.Event{Type: eventbus.TickFinished, Data: eventbus.Tick{
		Scheduled:  res.Due,
		Dispatched: res.Dispatched,
		Failed:     res.Failed,
		Took:       res.Took,
	}})
	return res, nil
}

// dispatch enqueues today's jobs for sc. It reports done=true when the
// schedule was completed instead.
func (e *Executor) dispatch(ctx context.Context, cfg Config, sc *schedule.Schedule, now time.Time, today string) (done bool, err error) {
	if sc.EndDate != nil && now.After(*sc.EndDate) {
		if _, err := e.svc.Complete(ctx, sc.ID); err != nil {
			return false, err
		}
		return true, nil
	}
	if sc.NextRunDate == nil {
		return false, errors.New("schedule has no next run date")
	}

	loc := sc.Location()
	fire := sc.NextRunDate.In(loc)
	tags := []string{DayTag(today), ScheduleTag(sc.ID)}
	base := Payload{ScheduleID: sc.ID, Day: dayKey(fire), Slot: slotKey(fire)}

	if !sc.HasInterval() {
		p := base
		p.Kind = KindRun
		return false, e.enqueue(ctx, cfg.Queue, p, delayUntil(now, fire), nil, tags)
	}

	steps := Window(fire, sc.EndTime, time.Duration(sc.Interval)*time.Minute)
	end := windowEnd(fire, sc.EndTime)

	// The repeating run job starts at the first step not yet in the past.
	var first time.Time
	for _, s := range steps {
		if !s.Before(now) {
			first = s
			break
		}
	}
	if !first.IsZero() {
		p := base
		p.Kind = KindRun
		rep := &queue.Repeat{Every: time.Duration(sc.Interval) * time.Minute, Until: steps[len(steps)-1]}
		if err := e.enqueue(ctx, cfg.Queue, p, delayUntil(now, first), rep, tags); err != nil {
			return false, err
		}
	}

	adv := base
	adv.Kind = KindAdvance
	adv.Slot = slotKey(end)
	return false, e.enqueue(ctx, cfg.Queue, adv, delayUntil(now, end), nil, tags)
}

func (e *Executor) enqueue(ctx context.Context, q string, p Payload, delay time.Duration, rep *queue.Repeat, tags []string) error {
	job, created, err := e.q.Enqueue(ctx, queue.JobSpec{
		ID:     p.JobID(),
		Queue:  q,
		Name:   p.Kind,
		Data:   p.encode(),
		Delay:  delay,
		Repeat: rep,
		Tags:   tags,
	})
	if err != nil {
		return err
	}
	if created {
		e.log.Debug("job dispatched", logx.String("job_id", job.ID), logx.Time("run_at", job.RunAt))
		e.bus.Publish(eventbus.Event{Type: eventbus.JobDispatched, Data: p})
	}
	return nil
}

func delayUntil(now, at time.Time) time.Duration {
	return max(at.Sub(now), 0)
}

// Window returns the interval steps of a day: start, start+every, ... up to
// and including endTime (HH:MM, on start's day). It never crosses midnight
// and always contains start.
func Window(start time.Time, endTime string, every time.Duration) []time.Time {
	end := windowEnd(start, endTime)
	steps := []time.Time{start}
	if every <= 0 {
		return steps
	}
	for t := start.Add(every); !t.After(end) && recurrence.SameDay(t, start, start.Location()); t = t.Add(every) {
		steps = append(steps, t)
	}
	return steps
}

// windowEnd is endTime on start's day, 23:59 when unset, never before start.
func windowEnd(start time.Time, endTime string) time.Time {
	h, m := 23, 59
	if endTime != "" {
		if eh, em, err := recurrence.ParseTimeOfDay(endTime); err == nil {
			h, m = eh, em
		}
	}
	y, mo, d := start.Date()
	end := time.Date(y, mo, d, h, m, 0, 0, start.Location())
	if end.Before(start) {
		return start
	}
	return end
}
