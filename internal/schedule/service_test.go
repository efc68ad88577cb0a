package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fitsched/internal/eventbus"
	"fitsched/internal/recurrence"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestService(now time.Time) (*Service, *MemoryStore, *testClock) {
	clk := &testClock{now: now}
	st := NewMemoryStore()
	var n atomic.Int64
	svc := NewService(st,
		WithCalculator(recurrence.NewCalculator(recurrence.WithClock(clk.Now))),
		WithIDFunc(func() string { return fmt.Sprintf("s%d", n.Add(1)) }),
	)
	return svc, st, clk
}

func ptr[T any](v T) *T { return &v }

func TestCreateDailyScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, clk := newTestService(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))

	sc, err := svc.Create(ctx, Input{
		Title:     ptr("Morning check-in"),
		Action:    ptr("log.message"),
		Frequency: ptr("DAILY"),
		TimeOfDay: ptr("09:00"),
		Timezone:  ptr("UTC"),
		StartDate: ptr("2024-01-01"),
	}, "")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if want := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC); !sc.NextRunDate.Equal(want) {
		t.Fatalf("NextRunDate = %v, want %v", sc.NextRunDate, want)
	}
	if sc.Status != StatusActive || sc.CronExpression != "0 9 * * *" {
		t.Fatalf("schedule = %s %q, want ACTIVE \"0 9 * * *\"", sc.Status, sc.CronExpression)
	}
	if sc.ExecutionCount != 0 || sc.MaxRetries != DefaultMaxRetries || sc.RetryDelayMinutes != DefaultRetryDelayMinutes {
		t.Fatalf("defaults = %+v", sc)
	}

	clk.Set(time.Date(2024, 1, 1, 9, 0, 2, 0, time.UTC))
	if _, err := svc.TrackExecution(ctx, sc.ID, true, ""); err != nil {
		t.Fatalf("TrackExecution error: %v", err)
	}
	sc, err = svc.ExecuteAndUpdateNext(ctx, sc.ID)
	if err != nil {
		t.Fatalf("ExecuteAndUpdateNext error: %v", err)
	}
	if want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC); !sc.NextRunDate.Equal(want) {
		t.Fatalf("NextRunDate = %v, want %v", sc.NextRunDate, want)
	}
	if sc.SuccessCount != 1 || sc.LastExecutionStatus != ExecSuccess {
		t.Fatalf("counters = %d %s", sc.SuccessCount, sc.LastExecutionStatus)
	}
}

func TestCreateWeeklyCron(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sc, err := svc.Create(context.Background(), Input{
		Title:     ptr("Gym"),
		Action:    ptr("log.message"),
		Frequency: ptr("weekly"),
		WeekDays:  &[]int{1, 3, 5},
		TimeOfDay: ptr("07:30"),
	}, "")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if sc.CronExpression != "30 7 * * 1,3,5" {
		t.Fatalf("cron = %q, want \"30 7 * * 1,3,5\"", sc.CronExpression)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	base := func() Input {
		return Input{Title: ptr("x"), Action: ptr("a"), TimeOfDay: ptr("08:00")}
	}
	tests := []struct {
		name  string
		mut   func(*Input)
		field string
	}{
		{"weekly empty", func(in *Input) { in.Frequency = ptr("WEEKLY"); in.WeekDays = &[]int{} }, "weekDays"},
		{"weekly missing", func(in *Input) { in.Frequency = ptr("WEEKLY") }, "weekDays"},
		{"monthly missing", func(in *Input) { in.Frequency = ptr("MONTHLY") }, "monthDays"},
		{"yearly missing", func(in *Input) { in.Frequency = ptr("YEARLY") }, "months"},
		{"bad frequency", func(in *Input) { in.Frequency = ptr("HOURLY") }, "frequency"},
		{"bad time", func(in *Input) { in.TimeOfDay = ptr("8am") }, "timeOfDay"},
		{"no title", func(in *Input) { in.Title = nil }, "title"},
		{"no action", func(in *Input) { in.Action = ptr(" ") }, "action"},
		{"bad timezone", func(in *Input) { in.Timezone = ptr("Mars/Olympus") }, "timezone"},
		{"bad end time", func(in *Input) { in.Interval = ptr(30); in.EndTime = ptr("07:00") }, "endTime"},
		{"bad date", func(in *Input) { in.StartDate = ptr("yesterday") }, "startDate"},
		{"end before start", func(in *Input) { in.StartDate = ptr("2024-02-01"); in.EndDate = ptr("2024-01-01") }, "endDate"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := base()
			tt.mut(&in)
			_, err := svc.Create(context.Background(), in, "")
			var ve *ValidationError
			if !errors.As(err, &ve) || !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestCreateTimezoneDefaultsAndEndDate(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	sc, err := svc.Create(context.Background(), Input{
		Title:     ptr("x"),
		Action:    ptr("a"),
		Frequency: ptr("DAILY"),
		TimeOfDay: ptr("18:00"),
		EndDate:   ptr("2024-05-03"),
	}, "Asia/Tokyo")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Timezone != "Asia/Tokyo" {
		t.Fatalf("Timezone = %q, want header default", sc.Timezone)
	}
	// 2024-05-03 23:59:59.999 JST
	want := time.Date(2024, 5, 3, 14, 59, 59, int(999*time.Millisecond), time.UTC)
	if !sc.EndDate.Equal(want) {
		t.Fatalf("EndDate = %v, want %v", sc.EndDate, want)
	}
	// 18:00 JST on 05-01 is 09:00Z, already past at 12:00Z; next is 05-02 09:00Z
	if next := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC); !sc.NextRunDate.Equal(next) {
		t.Fatalf("NextRunDate = %v, want %v", sc.NextRunDate, next)
	}

	sc2, err := svc.Create(context.Background(), Input{Title: ptr("y"), Action: ptr("a"), TimeOfDay: ptr("10:00")}, "")
	if err != nil {
		t.Fatal(err)
	}
	if sc2.Timezone != "UTC" || sc2.Frequency != recurrence.Once {
		t.Fatalf("defaults = %s %s, want UTC ONCE", sc2.Timezone, sc2.Frequency)
	}
}

func TestCreatePastEndDateIsCompleted(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	sc, err := svc.Create(context.Background(), Input{
		Title:     ptr("x"),
		Action:    ptr("a"),
		Frequency: ptr("DAILY"),
		TimeOfDay: ptr("08:00"),
		StartDate: ptr("2024-05-01"),
		EndDate:   ptr("2024-05-01"),
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Status != StatusCompleted {
		t.Fatalf("Status = %s, want COMPLETED", sc.Status)
	}
}

func TestUpdateRecomputesOnlyWhenRecurrenceTouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sc, err := svc.Create(ctx, Input{Title: ptr("x"), Action: ptr("a"), Frequency: ptr("DAILY"), TimeOfDay: ptr("09:00")}, "")
	if err != nil {
		t.Fatal(err)
	}

	patched, err := svc.Update(ctx, sc.ID, Input{Title: ptr("renamed"), Interval: ptr(30), EndTime: ptr("11:00")}, "")
	if err != nil {
		t.Fatal(err)
	}
	if patched.Title != "renamed" || patched.CronExpression != sc.CronExpression || !patched.NextRunDate.Equal(*sc.NextRunDate) {
		t.Fatalf("plain patch changed recurrence: %+v", patched)
	}

	moved, err := svc.Update(ctx, sc.ID, Input{Frequency: ptr("WEEKLY"), WeekDays: &[]int{2}}, "")
	if err != nil {
		t.Fatal(err)
	}
	if moved.CronExpression != "0 9 * * 2" {
		t.Fatalf("cron = %q, want \"0 9 * * 2\"", moved.CronExpression)
	}
	if want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC); !moved.NextRunDate.Equal(want) {
		t.Fatalf("NextRunDate = %v, want %v", moved.NextRunDate, want)
	}

	if _, err := svc.Update(ctx, sc.ID, Input{Frequency: ptr("MONTHLY")}, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if _, err := svc.Update(ctx, "missing", Input{Title: ptr("z")}, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestUpdateKeepsPausedOnRecompute(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sc, err := svc.Create(ctx, Input{Title: ptr("x"), Action: ptr("a"), Frequency: ptr("DAILY"), TimeOfDay: ptr("09:00")}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Update(ctx, sc.ID, Input{Status: ptr("paused")}, ""); err != nil {
		t.Fatal(err)
	}
	got, err := svc.Update(ctx, sc.ID, Input{TimeOfDay: ptr("10:00")}, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPaused || got.CronExpression != "0 10 * * *" {
		t.Fatalf("got %s %q, want PAUSED \"0 10 * * *\"", got.Status, got.CronExpression)
	}
}

func TestTrackExecutionCapsHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, clk := newTestService(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sc, err := svc.Create(ctx, Input{Title: ptr("x"), Action: ptr("a"), TimeOfDay: ptr("09:00")}, "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 60; i++ {
		clk.Set(time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC))
		ok := i%2 == 0
		sc, err = svc.TrackExecution(ctx, sc.ID, ok, fmt.Sprintf("err %d", i))
		if err != nil {
			t.Fatal(err)
		}
		if len(sc.ExecutionHistory) > HistoryLimit {
			t.Fatalf("history len = %d after %d calls", len(sc.ExecutionHistory), i+1)
		}
	}
	if len(sc.ExecutionHistory) != HistoryLimit {
		t.Fatalf("history len = %d, want %d", len(sc.ExecutionHistory), HistoryLimit)
	}
	for i := 1; i < len(sc.ExecutionHistory); i++ {
		if sc.ExecutionHistory[i].ExecutedAt.After(sc.ExecutionHistory[i-1].ExecutedAt) {
			t.Fatalf("history not newest-first at %d", i)
		}
	}
	if sc.ExecutionCount != 60 || sc.SuccessCount != 30 || sc.FailureCount != 30 {
		t.Fatalf("counters = %d/%d/%d", sc.ExecutionCount, sc.SuccessCount, sc.FailureCount)
	}
	if sc.LastExecutionStatus != ExecFailed || sc.LastErrorMessage != "err 59" {
		t.Fatalf("last = %s %q", sc.LastExecutionStatus, sc.LastErrorMessage)
	}
}

func TestExecuteAndUpdateNextOnceCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, clk := newTestService(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sc, err := svc.Create(ctx, Input{Title: ptr("x"), Action: ptr("a"), TimeOfDay: ptr("09:00")}, "")
	if err != nil {
		t.Fatal(err)
	}
	before := *sc.NextRunDate
	clk.Set(time.Date(2024, 1, 1, 9, 0, 1, 0, time.UTC))
	for i := 0; i < 2; i++ {
		sc, err = svc.ExecuteAndUpdateNext(ctx, sc.ID)
		if err != nil {
			t.Fatal(err)
		}
	}
	if sc.Status != StatusCompleted || !sc.NextRunDate.Equal(before) {
		t.Fatalf("got %s %v, want COMPLETED %v", sc.Status, sc.NextRunDate, before)
	}
}

func TestExecuteAndUpdateNextCompletesPastEndDate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, clk := newTestService(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sc, err := svc.Create(ctx, Input{
		Title: ptr("x"), Action: ptr("a"), Frequency: ptr("DAILY"), TimeOfDay: ptr("09:00"),
		EndDate: ptr("2024-01-02"),
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	clk.Set(time.Date(2024, 1, 1, 9, 1, 0, 0, time.UTC))
	if sc, err = svc.ExecuteAndUpdateNext(ctx, sc.ID); err != nil || sc.Status != StatusActive {
		t.Fatalf("first advance = %v %v", sc, err)
	}
	clk.Set(time.Date(2024, 1, 2, 9, 1, 0, 0, time.UTC))
	if sc, err = svc.ExecuteAndUpdateNext(ctx, sc.ID); err != nil || sc.Status != StatusCompleted {
		t.Fatalf("second advance status = %v %v, want COMPLETED", sc.Status, err)
	}
}

func TestGetTodaysSchedulesUsesHalfOpenDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, clk := newTestService(time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC))
	mk := func(tod string) *Schedule {
		sc, err := svc.Create(ctx, Input{Title: ptr(tod), Action: ptr("a"), Frequency: ptr("DAILY"), TimeOfDay: ptr(tod)}, "")
		if err != nil {
			t.Fatal(err)
		}
		return sc
	}
	today := mk("09:00")
	tomorrowMidnight := mk("00:00") // next fire 2024-01-02 00:00, excluded
	paused := mk("10:00")
	if _, err := svc.Update(ctx, paused.ID, Input{Status: ptr("PAUSED")}, ""); err != nil {
		t.Fatal(err)
	}

	clk.Set(time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC))
	got, err := svc.GetTodaysSchedules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != today.ID {
		ids := []string{}
		for _, s := range got {
			ids = append(ids, s.ID)
		}
		t.Fatalf("today = %v, want [%s] (excluding %s)", ids, today.ID, tomorrowMidnight.ID)
	}
}

func TestRepairOverdue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, clk := newTestService(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sc, err := svc.Create(ctx, Input{Title: ptr("x"), Action: ptr("a"), Frequency: ptr("DAILY"), TimeOfDay: ptr("09:00")}, "")
	if err != nil {
		t.Fatal(err)
	}
	clk.Set(time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC))
	n, err := svc.RepairOverdue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RepairOverdue = %d, %v, want 1", n, err)
	}
	got, _ := svc.Get(ctx, sc.ID)
	if want := time.Date(2024, 1, 6, 9, 0, 0, 0, time.UTC); !got.NextRunDate.Equal(want) {
		t.Fatalf("NextRunDate = %v, want %v", got.NextRunDate, want)
	}
}

func TestBeginRetryExhaustsAndResets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sc, err := svc.Create(ctx, Input{
		Title: ptr("x"), Action: ptr("a"), TimeOfDay: ptr("09:00"),
		RetryOnFailure: ptr(true), MaxRetries: ptr(2),
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	wantOK := []bool{true, true, false}
	for i, want := range wantOK {
		got, attempt, ok, err := svc.BeginRetry(ctx, sc.ID, true)
		if err != nil {
			t.Fatal(err)
		}
		if ok != want {
			t.Fatalf("failure %d: ok = %v, want %v", i+1, ok, want)
		}
		if ok && attempt != i+1 {
			t.Fatalf("attempt = %d, want %d", attempt, i+1)
		}
		if !ok && got.CurrentRetries != 0 {
			t.Fatalf("CurrentRetries = %d after exhaustion, want 0", got.CurrentRetries)
		}
	}

	if _, _, ok, _ := svc.BeginRetry(ctx, sc.ID, false); ok {
		t.Fatalf("non-retryable failure claimed a retry")
	}
}

func TestListAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	for i := 0; i < 3; i++ {
		if _, err := svc.Create(ctx, Input{Title: ptr("x"), Action: ptr("a"), TimeOfDay: ptr("09:00")}, ""); err != nil {
			t.Fatal(err)
		}
	}
	list, total, err := svc.List(ctx, Filter{Limit: 2})
	if err != nil || total != 3 || len(list) != 2 {
		t.Fatalf("List = %d/%d, %v", len(list), total, err)
	}
	if err := svc.Delete(ctx, list[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, list[0].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}
	if _, _, err := svc.List(ctx, Filter{Status: "BOGUS"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("List bad status err = %v", err)
	}
}

func TestCompletePublishesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	clk := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc := NewService(NewMemoryStore(),
		WithCalculator(recurrence.NewCalculator(recurrence.WithClock(clk.Now))),
		WithBus(bus),
	)
	sc, err := svc.Create(ctx, Input{Title: ptr("x"), Action: ptr("a"), TimeOfDay: ptr("09:00")}, "")
	if err != nil {
		t.Fatal(err)
	}
	<-events // created

	for i := 0; i < 2; i++ {
		got, err := svc.Complete(ctx, sc.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != StatusCompleted {
			t.Fatalf("Status = %s, want COMPLETED", got.Status)
		}
	}
	if ev := <-events; ev.Type != eventbus.ScheduleCompleted {
		t.Fatalf("event = %s, want %s", ev.Type, eventbus.ScheduleCompleted)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second event %s", ev.Type)
	default:
	}
	if _, err := svc.Complete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Complete missing err = %v", err)
	}
}

func TestSetLocationDuringTodaysLookup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	// 2024-01-01 20:00 UTC is already 2024-01-02 in Tokyo, where the next
	// fire at 2024-01-02 10:00 UTC falls on today.
	svc, _, _ := newTestService(time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC))
	if _, err := svc.Create(ctx, Input{Title: ptr("x"), Action: ptr("a"), Frequency: ptr("DAILY"), TimeOfDay: ptr("10:00")}, ""); err != nil {
		t.Fatal(err)
	}
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			if i%2 == 0 {
				svc.SetLocation(tokyo)
			} else {
				svc.SetLocation(time.UTC)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			if _, err := svc.GetTodaysSchedules(ctx); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	wg.Wait()

	svc.SetLocation(time.UTC)
	if got, _ := svc.GetTodaysSchedules(ctx); len(got) != 0 {
		t.Fatalf("UTC today = %d schedules, want 0", len(got))
	}
	svc.SetLocation(tokyo)
	if got, _ := svc.GetTodaysSchedules(ctx); len(got) != 1 {
		t.Fatalf("Tokyo today = %d schedules, want 1", len(got))
	}
	svc.SetLocation(nil)
	if svc.Location() != tokyo {
		t.Fatalf("SetLocation(nil) changed location to %v", svc.Location())
	}
}
