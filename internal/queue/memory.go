package queue

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	logx "fitsched/pkg/logx"
)

// Memory is an in-process Dispatcher. Jobs are lost on restart; it backs
// tests and the "memory" driver.
type Memory struct {
	mu     sync.Mutex
	jobs   map[string]map[string]*Job
	paused map[string]bool
	wake   chan struct{}
	opts   Options
	log    logx.Logger
	now    func() time.Time
	closed bool
}

var _ Dispatcher = (*Memory)(nil)

func NewMemory(opts Options, log logx.Logger) *Memory {
	return &Memory{
		jobs:   map[string]map[string]*Job{},
		paused: map[string]bool{},
		wake:   make(chan struct{}, 1),
		opts:   opts.WithDefaults(),
		log:    log,
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) queue(name string) map[string]*Job {
	q := m.jobs[name]
	if q == nil {
		q = map[string]*Job{}
		m.jobs[name] = q
	}
	return q
}

func clone(j *Job) *Job {
	cp := *j
	cp.Tags = slices.Clone(j.Tags)
	if j.Repeat != nil {
		r := *j.Repeat
		cp.Repeat = &r
	}
	return &cp
}

// NewJob builds the stored form of spec as of now.
func NewJob(spec JobSpec, now time.Time) *Job {
	j := &Job{
		ID:        spec.ID,
		Queue:     spec.Queue,
		Name:      spec.Name,
		Data:      spec.Data,
		Tags:      slices.Clone(spec.Tags),
		State:     StateWaiting,
		RunAt:     now.Add(spec.Delay),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if spec.Repeat != nil {
		r := *spec.Repeat
		j.Repeat = &r
	}
	if spec.Delay > 0 {
		j.State = StateDelayed
	}
	return j
}

func (m *Memory) Enqueue(_ context.Context, spec JobSpec) (*Job, bool, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, Wrap("enqueue", spec.Queue, ErrClosed)
	}
	q := m.queue(spec.Queue)
	if existing, ok := q[spec.ID]; ok {
		return clone(existing), false, nil
	}
	j := NewJob(spec, m.now())
	q[j.ID] = j
	m.signal()
	return clone(j), true, nil
}

func (m *Memory) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Memory) Get(_ context.Context, queue, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[queue][id]
	if !ok {
		return nil, NotFound(queue, id)
	}
	return clone(j), nil
}

func (m *Memory) Remove(_ context.Context, queue, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[queue][id]; !ok {
		return NotFound(queue, id)
	}
	delete(m.jobs[queue], id)
	return nil
}

func (m *Memory) Retry(_ context.Context, queue, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[queue][id]
	if !ok {
		return NotFound(queue, id)
	}
	if j.State != StateFailed {
		return NotFailed(queue, id, j.State)
	}
	now := m.now()
	j.State, j.RunAt, j.UpdatedAt, j.FinishedAt = StateWaiting, now, now, nil
	m.signal()
	return nil
}

func (m *Memory) Pause(_ context.Context, queue string) error {
	m.mu.Lock()
	m.paused[queue] = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) Resume(_ context.Context, queue string) error {
	m.mu.Lock()
	delete(m.paused, queue)
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *Memory) Clean(_ context.Context, queue string, f JobFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, j := range m.jobs[queue] {
		if f.Limit > 0 && n >= f.Limit {
			break
		}
		if f.Match(j, now) {
			delete(m.jobs[queue], id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Jobs(_ context.Context, queue string, f JobFilter) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []*Job
	for _, j := range m.jobs[queue] {
		if f.Match(j, now) {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].RunAt.Equal(out[k].RunAt) {
			return out[i].RunAt.Before(out[k].RunAt)
		}
		return out[i].ID < out[k].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Stats(_ context.Context, queue string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Queue: queue, Paused: m.paused[queue]}
	for _, j := range m.jobs[queue] {
		st.Add(j.State, 1)
	}
	return st, nil
}

// Claim implements Claimer. Active jobs past the visibility timeout are
// handed out again.
func (m *Memory) Claim(_ context.Context, queue string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, Wrap("claim", queue, ErrClosed)
	}
	if m.paused[queue] {
		return nil, nil
	}
	now := m.now()
	var best *Job
	for _, j := range m.jobs[queue] {
		due := (j.State == StateWaiting || j.State == StateDelayed) && !j.RunAt.After(now)
		stalled := j.State == StateActive && now.Sub(j.UpdatedAt) > m.opts.VisibilityTimeout
		if !due && !stalled {
			continue
		}
		if best == nil || j.RunAt.Before(best.RunAt) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.State = StateActive
	best.UpdatedAt = now
	return clone(best), nil
}

func (m *Memory) Finish(_ context.Context, job *Job, runErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[job.Queue][job.ID]
	if !ok {
		// Removed while running.
		return nil
	}
	next := Finished(cur, runErr, m.now())
	m.jobs[job.Queue][job.ID] = next
	return nil
}

// RunDue claims and runs every due job of queue on the calling goroutine.
// It returns how many jobs ran.
func (m *Memory) RunDue(ctx context.Context, queue string, h Handler) (int, error) {
	n := 0
	for {
		job, err := m.Claim(ctx, queue)
		if err != nil || job == nil {
			return n, err
		}
		runErr := runJob(ctx, job, h, m.opts.VisibilityTimeout)
		if err := m.Finish(ctx, job, runErr); err != nil {
			return n, err
		}
		n++
	}
}

func (m *Memory) Consume(ctx context.Context, queue string, h Handler) error {
	return RunPool(ctx, queue, m, h, m.opts, m.log, m.wake)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
