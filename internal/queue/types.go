package queue

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// AllStates lists states in lifecycle order.
var AllStates = []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed}

func (s State) Valid() bool { return slices.Contains(AllStates, s) }

// Repeat re-runs a job every Every until the next run would be after Until.
type Repeat struct {
	Every time.Duration `json:"every"`
	Until time.Time     `json:"until"`
}

// JobSpec describes a job to enqueue.
type JobSpec struct {
	ID     string
	Queue  string
	Name   string
	Data   json.RawMessage
	Delay  time.Duration
	Repeat *Repeat
	Tags   []string
}

// Job is the stored form of a job.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	State      State           `json:"state"`
	RunAt      time.Time       `json:"runAt"`
	Repeat     *Repeat         `json:"repeat,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

func (j *Job) HasTag(tag string) bool { return slices.Contains(j.Tags, tag) }

// NextRepeat returns the following occurrence of a repeating job.
func (j *Job) NextRepeat() (time.Time, bool) {
	if j.Repeat == nil || j.Repeat.Every <= 0 {
		return time.Time{}, false
	}
	next := j.RunAt.Add(j.Repeat.Every)
	if !j.Repeat.Until.IsZero() && next.After(j.Repeat.Until) {
		return time.Time{}, false
	}
	return next, true
}

// JobFilter selects jobs for listing and cleaning. Empty fields match all.
type JobFilter struct {
	States    []State
	Tag       string
	OlderThan time.Duration
	// EndsBefore keeps only jobs whose last scheduled run (Repeat.Until for
	// repeating jobs) is before it.
	EndsBefore time.Time
	Limit      int
}

// LastRun is the final instant the job is scheduled to run at.
func (j *Job) LastRun() time.Time {
	if j.Repeat != nil && j.Repeat.Until.After(j.RunAt) {
		return j.Repeat.Until
	}
	return j.RunAt
}

func (f JobFilter) Match(j *Job, now time.Time) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, j.State) {
		return false
	}
	if f.Tag != "" && !j.HasTag(f.Tag) {
		return false
	}
	if f.OlderThan > 0 && now.Sub(j.UpdatedAt) < f.OlderThan {
		return false
	}
	if !f.EndsBefore.IsZero() && !j.LastRun().Before(f.EndsBefore) {
		return false
	}
	return true
}

// Stats counts jobs per state.
type Stats struct {
	Queue     string `json:"queue"`
	Paused    bool   `json:"paused"`
	Waiting   int    `json:"waiting"`
	Delayed   int    `json:"delayed"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

func (s *Stats) Add(st State, n int) {
	switch st {
	case StateWaiting:
		s.Waiting += n
	case StateDelayed:
		s.Delayed += n
	case StateActive:
		s.Active += n
	case StateCompleted:
		s.Completed += n
	case StateFailed:
		s.Failed += n
	}
}

// Handler processes one job. A returned error marks the occurrence failed;
// repeating jobs still advance to their next run.
type Handler func(ctx context.Context, job *Job) error

// Dispatcher is a durable delayed-job queue.
type Dispatcher interface {
	// Enqueue stores a job. created is false when the id already existed.
	Enqueue(ctx context.Context, spec JobSpec) (job *Job, created bool, err error)
	Get(ctx context.Context, queue, id string) (*Job, error)
	Remove(ctx context.Context, queue, id string) error
	// Retry moves a failed job back to waiting.
	Retry(ctx context.Context, queue, id string) error
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	// Clean removes jobs matching f and reports how many were removed.
	Clean(ctx context.Context, queue string, f JobFilter) (int, error)
	Jobs(ctx context.Context, queue string, f JobFilter) ([]*Job, error)
	Stats(ctx context.Context, queue string) (Stats, error)
	// Consume runs workers for queue until ctx is done.
	Consume(ctx context.Context, queue string, h Handler) error
	Close() error
}

// Options tune worker behavior shared by all backends.
type Options struct {
	Workers           int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	Retention         time.Duration
}

func (o Options) WithDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	return o
}
