package sqliteq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fitsched/internal/queue"
	"fitsched/internal/storage"
	logx "fitsched/pkg/logx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenDB(ctx, storage.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	q, err := New(ctx, db, queue.Options{VisibilityTimeout: time.Minute, Retention: time.Hour}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.OwnDB()
	t.Cleanup(func() { _ = q.Close() })
	c := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	q.SetClock(c.Now)
	return q, c
}

func TestEnqueueIsIdempotent(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)
	ctx := context.Background()

	spec := queue.JobSpec{ID: "s1:2026-03-02:0900:run", Queue: "schedules", Name: "run", Data: []byte(`{"a":1}`), Tags: []string{"day:2026-03-02", "schedule:s1"}}
	j, created, err := q.Enqueue(ctx, spec)
	if err != nil || !created {
		t.Fatalf("Enqueue = %v, created %v", err, created)
	}
	if j.State != queue.StateWaiting {
		t.Fatalf("state = %s, want waiting", j.State)
	}

	spec.Data = []byte(`{"a":2}`)
	j2, created, err := q.Enqueue(ctx, spec)
	if err != nil || created {
		t.Fatalf("second Enqueue = %v, created %v", err, created)
	}
	if string(j2.Data) != `{"a":1}` {
		t.Fatalf("data = %s, want original payload", j2.Data)
	}
	if !j2.HasTag("schedule:s1") || len(j2.Tags) != 2 {
		t.Fatalf("tags = %v", j2.Tags)
	}
}

func TestEnqueueValidates(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)
	for _, spec := range []queue.JobSpec{
		{Queue: "q"},
		{ID: "a"},
		{ID: "a", Queue: "q", Delay: -time.Second},
		{ID: "a", Queue: "q", Tags: []string{"x,y"}},
		{ID: "a", Queue: "q", Repeat: &queue.Repeat{}},
	} {
		if _, _, err := q.Enqueue(context.Background(), spec); !errors.Is(err, queue.ErrQueue) {
			t.Fatalf("Enqueue(%+v) = %v, want queue error", spec, err)
		}
	}
}

func TestClaimFinish(t *testing.T) {
	t.Parallel()
	q, c := newQueue(t)
	ctx := context.Background()

	if _, _, err := q.Enqueue(ctx, queue.JobSpec{ID: "later", Queue: "q", Delay: 10 * time.Minute}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := q.Enqueue(ctx, queue.JobSpec{ID: "now", Queue: "q"}); err != nil {
		t.Fatal(err)
	}

	j, err := q.Claim(ctx, "q")
	if err != nil || j == nil || j.ID != "now" {
		t.Fatalf("Claim = %v, %v; want job now", j, err)
	}
	if j2, _ := q.Claim(ctx, "q"); j2 != nil {
		t.Fatalf("second Claim = %s, want nothing due", j2.ID)
	}
	if err := q.Finish(ctx, j, nil); err != nil {
		t.Fatal(err)
	}
	got, _ := q.Get(ctx, "q", "now")
	if got.State != queue.StateCompleted || got.Attempts != 1 || got.FinishedAt == nil {
		t.Fatalf("job = %+v", got)
	}

	c.Add(10 * time.Minute)
	j, _ = q.Claim(ctx, "q")
	if j == nil || j.ID != "later" {
		t.Fatalf("Claim after delay = %v", j)
	}
	if err := q.Finish(ctx, j, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	got, _ = q.Get(ctx, "q", "later")
	if got.State != queue.StateFailed || got.LastError != "boom" {
		t.Fatalf("job = %+v", got)
	}

	if err := q.Retry(ctx, "q", "now"); !errors.Is(err, queue.ErrNotRetryable) {
		t.Fatalf("Retry(completed) = %v", err)
	}
	if err := q.Retry(ctx, "q", "later"); err != nil {
		t.Fatalf("Retry = %v", err)
	}
	if j, _ := q.Claim(ctx, "q"); j == nil || j.ID != "later" {
		t.Fatalf("Claim after retry = %v", j)
	}
}

func TestStalledJobIsReclaimed(t *testing.T) {
	t.Parallel()
	q, c := newQueue(t)
	ctx := context.Background()
	_, _, _ = q.Enqueue(ctx, queue.JobSpec{ID: "a", Queue: "q"})

	if j, _ := q.Claim(ctx, "q"); j == nil {
		t.Fatal("expected claim")
	}
	if j, _ := q.Claim(ctx, "q"); j != nil {
		t.Fatal("job claimed twice inside visibility timeout")
	}
	c.Add(2 * time.Minute)
	if j, _ := q.Claim(ctx, "q"); j == nil || j.ID != "a" {
		t.Fatalf("stalled job not reclaimed: %v", j)
	}
}

func TestRepeatJobReschedules(t *testing.T) {
	t.Parallel()
	q, c := newQueue(t)
	ctx := context.Background()
	start := c.Now()
	_, _, err := q.Enqueue(ctx, queue.JobSpec{
		ID: "r", Queue: "q",
		Repeat: &queue.Repeat{Every: 30 * time.Minute, Until: start.Add(time.Hour)},
	})
	if err != nil {
		t.Fatal(err)
	}

	runs := 0
	for i := 0; i < 5; i++ {
		if j, _ := q.Claim(ctx, "q"); j != nil {
			runs++
			if err := q.Finish(ctx, j, nil); err != nil {
				t.Fatal(err)
			}
		}
		c.Add(30 * time.Minute)
	}
	if runs != 3 {
		t.Fatalf("runs = %d, want 3 (start, +30m, +60m)", runs)
	}
	got, _ := q.Get(ctx, "q", "r")
	if got.State != queue.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
}

func TestPauseResumeStats(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)
	ctx := context.Background()
	_, _, _ = q.Enqueue(ctx, queue.JobSpec{ID: "a", Queue: "q"})
	_, _, _ = q.Enqueue(ctx, queue.JobSpec{ID: "b", Queue: "q", Delay: time.Hour})

	if err := q.Pause(ctx, "q"); err != nil {
		t.Fatal(err)
	}
	if j, _ := q.Claim(ctx, "q"); j != nil {
		t.Fatal("claimed from paused queue")
	}
	st, err := q.Stats(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Paused || st.Waiting != 1 || st.Delayed != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if err := q.Resume(ctx, "q"); err != nil {
		t.Fatal(err)
	}
	if j, _ := q.Claim(ctx, "q"); j == nil {
		t.Fatal("no claim after resume")
	}
}

func TestCleanByTagAndState(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)
	ctx := context.Background()
	for _, s := range []queue.JobSpec{
		{ID: "y1", Queue: "q", Delay: time.Hour, Tags: []string{"day:2026-03-01"}},
		{ID: "y2", Queue: "q", Tags: []string{"day:2026-03-01"}},
		{ID: "t1", Queue: "q", Delay: time.Hour, Tags: []string{"day:2026-03-02"}},
		{ID: "r1", Queue: "q", Delay: time.Hour, Tags: []string{"schedule:x"}},
	} {
		if _, _, err := q.Enqueue(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	n, err := q.Clean(ctx, "q", queue.JobFilter{Tag: "day:2026-03-01", States: []queue.State{queue.StateDelayed, queue.StateWaiting}})
	if err != nil || n != 2 {
		t.Fatalf("Clean = %d, %v; want 2", n, err)
	}
	jobs, _ := q.Jobs(ctx, "q", queue.JobFilter{})
	if len(jobs) != 2 {
		t.Fatalf("jobs left = %d, want 2", len(jobs))
	}
	if err := q.Remove(ctx, "q", "t1"); err != nil {
		t.Fatal(err)
	}
	if err := q.Remove(ctx, "q", "t1"); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatalf("Remove twice = %v", err)
	}
}

func TestCleanKeepsWindowsRunningPastCutoff(t *testing.T) {
	t.Parallel()
	q, c := newQueue(t)
	ctx := context.Background()
	for _, s := range []queue.JobSpec{
		{ID: "today", Queue: "q", Delay: time.Hour},
		{ID: "tomorrow", Queue: "q", Delay: 20 * time.Hour},
		{ID: "window", Queue: "q", Delay: time.Hour, Repeat: &queue.Repeat{Every: 30 * time.Minute, Until: c.Now().Add(16 * time.Hour)}},
	} {
		if _, _, err := q.Enqueue(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	midnight := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	n, err := q.Clean(ctx, "q", queue.JobFilter{States: []queue.State{queue.StateDelayed}, EndsBefore: midnight})
	if err != nil || n != 1 {
		t.Fatalf("Clean = %d, %v; want 1", n, err)
	}
	if _, err := q.Get(ctx, "q", "today"); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatalf("Get(today) = %v, want ErrJobNotFound", err)
	}
	for _, id := range []string{"tomorrow", "window"} {
		if _, err := q.Get(ctx, "q", id); err != nil {
			t.Fatalf("Get(%s) = %v", id, err)
		}
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	q, c := newQueue(t)
	ctx := context.Background()
	_, _, _ = q.Enqueue(ctx, queue.JobSpec{ID: "a", Queue: "q"})
	j, _ := q.Claim(ctx, "q")
	_ = q.Finish(ctx, j, nil)

	if n, _ := q.Prune(ctx); n != 0 {
		t.Fatalf("Prune inside retention = %d", n)
	}
	c.Add(2 * time.Hour)
	if n, _ := q.Prune(ctx); n != 1 {
		t.Fatalf("Prune = %d, want 1", n)
	}
}

func TestConsumeRunsJobs(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)
	q.SetClock(time.Now)
	q.opts.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan string, 2)
	go func() {
		_ = q.Consume(ctx, "q", func(_ context.Context, j *queue.Job) error {
			done <- j.ID
			return nil
		})
	}()

	_, _, _ = q.Enqueue(context.Background(), queue.JobSpec{ID: "a", Queue: "q"})
	select {
	case id := <-done:
		if id != "a" {
			t.Fatalf("ran %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job not consumed")
	}
}
