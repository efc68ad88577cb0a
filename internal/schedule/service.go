package schedule

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fitsched/internal/eventbus"
	"fitsched/internal/recurrence"
	logx "fitsched/pkg/logx"
)

// Service orchestrates create/update/track/advance on schedules.
type Service struct {
	store Store
	calc  *recurrence.Calculator
	loc   atomic.Pointer[time.Location]
	bus   eventbus.Bus
	log   logx.Logger
	newID func() string
}

type Option func(*Service)

func WithCalculator(c *recurrence.Calculator) Option { return func(s *Service) { s.calc = c } }

// WithLocation sets the zone whose calendar day GetTodaysSchedules uses.
func WithLocation(loc *time.Location) Option { return func(s *Service) { s.SetLocation(loc) } }

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithLogger(l logx.Logger) Option { return func(s *Service) { s.log = l } }

func WithIDFunc(fn func() string) Option { return func(s *Service) { s.newID = fn } }

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		calc:  recurrence.NewCalculator(),
		bus:   eventbus.Nop(),
		log:   logx.Nop(),
		newID: uuid.NewString,
	}
	s.loc.Store(time.UTC)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Now() time.Time { return s.calc.Now() }

func (s *Service) Location() *time.Location { return s.loc.Load() }

// SetLocation swaps the "today" zone (config reload). Safe for concurrent use.
func (s *Service) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc.Store(loc)
	}
}

func (s *Service) publish(typ string, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// Create validates in, computes cron and next run, and persists a new schedule.
// tz is the caller's default timezone (e.g. a request header).
func (s *Service) Create(ctx context.Context, in Input, tz string) (*Schedule, error) {
	now := s.Now().UTC()
	if in.Title == nil || strings.TrimSpace(*in.Title) == "" {
		return nil, invalid("title", "required")
	}
	if in.Action == nil || strings.TrimSpace(*in.Action) == "" {
		return nil, invalid("action", "required")
	}
	if in.TimeOfDay == nil || strings.TrimSpace(*in.TimeOfDay) == "" {
		return nil, invalid("timeOfDay", "required")
	}

	sc := &Schedule{
		ID:                s.newID(),
		Status:            StatusActive,
		Timezone:          firstNonEmpty(deref(in.Timezone), tz, "UTC"),
		StartDate:         now,
		MaxRetries:        DefaultMaxRetries,
		RetryDelayMinutes: DefaultRetryDelayMinutes,
		ExecutionHistory:  []ExecutionRecord{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := applyFields(sc, in); err != nil {
		return nil, err
	}
	if err := applyRecurrence(sc, in); err != nil {
		return nil, err
	}
	if err := s.recompute(sc); err != nil {
		return nil, err
	}
	if err := applyStatus(sc, in.Status); err != nil {
		return nil, err
	}
	if err := validateWindow(sc); err != nil {
		return nil, err
	}

	if err := s.store.Insert(ctx, sc); err != nil {
		return nil, err
	}
	s.log.Info("schedule created",
		logx.String("schedule_id", sc.ID),
		logx.String("action", sc.Action),
		logx.String("cron", sc.CronExpression),
		logx.String("status", string(sc.Status)),
	)
	s.publish(eventbus.ScheduleCreated, sc.ID)
	return sc, nil
}

// Update patches a schedule. Touching any recurrence field merges it with
// the stored rule and recomputes cron, next run and status.
func (s *Service) Update(ctx context.Context, id string, in Input, tz string) (*Schedule, error) {
	now := s.Now().UTC()
	sc, err := s.store.Update(ctx, id, func(sc *Schedule) error {
		if err := applyFields(sc, in); err != nil {
			return err
		}
		if in.touchesRecurrence() {
			if sc.Timezone == "" {
				sc.Timezone = firstNonEmpty(tz, "UTC")
			}
			if err := applyRecurrence(sc, in); err != nil {
				return err
			}
			if err := s.recompute(sc); err != nil {
				return err
			}
		}
		if err := applyStatus(sc, in.Status); err != nil {
			return err
		}
		if err := validateWindow(sc); err != nil {
			return err
		}
		sc.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(eventbus.ScheduleUpdated, sc.ID)
	if sc.Status == StatusCompleted {
		s.publish(eventbus.ScheduleCompleted, sc.ID)
	}
	return sc, nil
}

// TrackExecution records one execution outcome.
func (s *Service) TrackExecution(ctx context.Context, id string, success bool, errMsg string) (*Schedule, error) {
	now := s.Now().UTC()
	return s.store.Update(ctx, id, func(sc *Schedule) error {
		sc.ExecutionCount++
		sc.LastRunAt = &now
		rec := ExecutionRecord{ExecutedAt: now, Status: ExecSuccess}
		if success {
			sc.SuccessCount++
			sc.LastErrorMessage = ""
		} else {
			sc.FailureCount++
			sc.LastErrorMessage = errMsg
			rec.Status = ExecFailed
			rec.ErrorMessage = errMsg
		}
		sc.LastExecutionStatus = rec.Status
		sc.ExecutionHistory = append([]ExecutionRecord{rec}, sc.ExecutionHistory...)
		if len(sc.ExecutionHistory) > HistoryLimit {
			sc.ExecutionHistory = sc.ExecutionHistory[:HistoryLimit]
		}
		sc.UpdatedAt = now
		return nil
	})
}

// ExecuteAndUpdateNext completes ONCE schedules and advances the rest to
// their next fire strictly after now, completing them past endDate.
func (s *Service) ExecuteAndUpdateNext(ctx context.Context, id string) (*Schedule, error) {
	now := s.Now().UTC()
	sc, err := s.store.Update(ctx, id, func(sc *Schedule) error {
		sc.UpdatedAt = now
		if sc.Frequency == recurrence.Once {
			sc.Status = StatusCompleted
			return nil
		}
		from := now
		if sc.StartDate.After(from) {
			from = sc.StartDate.Add(-time.Nanosecond)
		}
		next, err := s.calc.NextRunDate(sc.CronExpression, from, sc.Timezone)
		if err != nil {
			return fromParse(err)
		}
		if sc.EndDate != nil && next.After(*sc.EndDate) {
			sc.Status = StatusCompleted
			return nil
		}
		sc.NextRunDate = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	if sc.Status == StatusCompleted {
		s.log.Info("schedule completed", logx.String("schedule_id", sc.ID))
		s.publish(eventbus.ScheduleCompleted, sc.ID)
	}
	return sc, nil
}

// GetTodaysSchedules returns ACTIVE schedules whose next run falls on the
// current calendar day of the service location: [00:00, next 00:00).
func (s *Service) GetTodaysSchedules(ctx context.Context) ([]*Schedule, error) {
	start, end := recurrence.DayBounds(s.Now(), s.Location())
	return s.store.ListByNextRun(ctx, StatusActive, start.UTC(), end.UTC())
}

// RepairOverdue advances ACTIVE schedules whose next run is before today
// (e.g. missed during an outage) to their next fire from now.
func (s *Service) RepairOverdue(ctx context.Context) (int, error) {
	start, _ := recurrence.DayBounds(s.Now(), s.Location())
	start = start.UTC()
	stale, err := s.store.ListByNextRun(ctx, StatusActive, time.Time{}, start)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, st := range stale {
		_, err := s.store.Update(ctx, st.ID, func(sc *Schedule) error {
			if sc.Status != StatusActive || sc.NextRunDate == nil || !sc.NextRunDate.Before(start) {
				return nil
			}
			return s.recompute(sc)
		})
		if err != nil {
			s.log.Warn("overdue schedule repair failed", logx.String("schedule_id", st.ID), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("overdue schedules repaired", logx.Int("count", n))
	}
	return n, errors.Join(errs...)
}

// ResetRetries zeroes the retry counter.
func (s *Service) ResetRetries(ctx context.Context, id string) (*Schedule, error) {
	return s.store.Update(ctx, id, func(sc *Schedule) error {
		sc.CurrentRetries = 0
		return nil
	})
}

// Complete marks a schedule COMPLETED (e.g. its endDate has passed).
func (s *Service) Complete(ctx context.Context, id string) (*Schedule, error) {
	now := s.Now().UTC()
	changed := false
	sc, err := s.store.Update(ctx, id, func(sc *Schedule) error {
		if sc.Status != StatusCompleted {
			sc.Status, sc.UpdatedAt, changed = StatusCompleted, now, true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.log.Info("schedule completed", logx.String("schedule_id", id))
		s.publish(eventbus.ScheduleCompleted, id)
	}
	return sc, nil
}

// BeginRetry claims the next retry attempt. When retries are disabled,
// exhausted, or retryable is false, it resets the counter and returns ok=false.
func (s *Service) BeginRetry(ctx context.Context, id string, retryable bool) (sc *Schedule, attempt int, ok bool, err error) {
	sc, err = s.store.Update(ctx, id, func(sc *Schedule) error {
		if retryable && sc.RetryOnFailure && sc.CurrentRetries < sc.MaxRetries {
			sc.CurrentRetries++
			attempt, ok = sc.CurrentRetries, true
			return nil
		}
		sc.CurrentRetries = 0
		attempt, ok = 0, false
		return nil
	})
	if err != nil {
		return nil, 0, false, err
	}
	if ok {
		s.publish(eventbus.ScheduleRetry, id)
	}
	return sc, attempt, ok, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Schedule, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Schedule, int, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, invalid("status", "unknown status %q", f.Status)
	}
	return s.store.List(ctx, f)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("schedule deleted", logx.String("schedule_id", id))
	s.publish(eventbus.ScheduleDeleted, id)
	return nil
}

// Actions lists action names referenced by stored schedules.
func (s *Service) Actions(ctx context.Context) ([]string, error) {
	return s.store.Actions(ctx)
}

// recompute derives cron, next run and status from the recurrence fields.
// PAUSED is kept unless the rule has no run left before endDate.
func (s *Service) recompute(sc *Schedule) error {
	expr, err := recurrence.GenerateCronExpression(sc.recurrenceConfig(), sc.TimeOfDay, 0)
	if err != nil {
		return fromParse(err)
	}
	next, err := s.calc.CalculateNextRun(expr, sc.StartDate, sc.EndDate, sc.Timezone)
	if err != nil {
		return fromParse(err)
	}
	sc.CronExpression = expr
	at := next.At
	sc.NextRunDate = &at
	switch {
	case !next.Active:
		sc.Status = StatusCompleted
	case sc.Status != StatusPaused:
		sc.Status = StatusActive
	}
	return nil
}
