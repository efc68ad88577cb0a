package schedule

import (
	"encoding/json"
	"time"

	"fitsched/internal/recurrence"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusPaused    Status = "PAUSED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusPaused:
		return true
	}
	return false
}

type ExecStatus string

const (
	ExecSuccess ExecStatus = "SUCCESS"
	ExecFailed  ExecStatus = "FAILED"
)

// HistoryLimit caps Schedule.ExecutionHistory.
const HistoryLimit = 50

// Retry policy defaults applied at create.
const (
	DefaultMaxRetries        = 3
	DefaultRetryDelayMinutes = 5
)

type ExecutionRecord struct {
	ExecutedAt   time.Time  `json:"executedAt"`
	Status       ExecStatus `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Schedule is a persisted recurrence rule plus the action it triggers.
// Times are stored in UTC; Timezone names the zone the rule is evaluated in.
type Schedule struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Action      string          `json:"action"`
	EntityID    string          `json:"entityId,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`

	Frequency recurrence.Frequency `json:"frequency"`
	WeekDays  []int                `json:"weekDays,omitempty"`
	MonthDays []int                `json:"monthDays,omitempty"`
	Months    []int                `json:"months,omitempty"`
	TimeOfDay string               `json:"timeOfDay"`
	Interval  int                  `json:"interval,omitempty"` // minutes; 0 = fixed-time
	EndTime   string               `json:"endTime,omitempty"`
	StartDate time.Time            `json:"startDate"`
	EndDate   *time.Time           `json:"endDate,omitempty"`
	Timezone  string               `json:"timezone"`

	CronExpression      string            `json:"cronExpression"`
	NextRunDate         *time.Time        `json:"nextRunDate,omitempty"`
	Status              Status            `json:"status"`
	LastRunAt           *time.Time        `json:"lastRunAt,omitempty"`
	ExecutionCount      int               `json:"executionCount"`
	SuccessCount        int               `json:"successCount"`
	FailureCount        int               `json:"failureCount"`
	LastExecutionStatus ExecStatus        `json:"lastExecutionStatus,omitempty"`
	LastErrorMessage    string            `json:"lastErrorMessage,omitempty"`
	ExecutionHistory    []ExecutionRecord `json:"executionHistory"`

	RetryOnFailure    bool `json:"retryOnFailure"`
	MaxRetries        int  `json:"maxRetries"`
	RetryDelayMinutes int  `json:"retryDelayMinutes"`
	CurrentRetries    int  `json:"currentRetries"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasInterval reports whether the schedule dispatches repeatedly within a window.
func (s *Schedule) HasInterval() bool { return s != nil && s.Interval > 0 }

// Location resolves Timezone (UTC when empty or unknown).
func (s *Schedule) Location() *time.Location {
	loc, err := recurrence.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s *Schedule) recurrenceConfig() recurrence.Config {
	return recurrence.Config{
		Frequency: s.Frequency,
		WeekDays:  s.WeekDays,
		MonthDays: s.MonthDays,
		Months:    s.Months,
	}
}

// Clone returns a deep copy.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Data = append(json.RawMessage(nil), s.Data...)
	cp.WeekDays = append([]int(nil), s.WeekDays...)
	cp.MonthDays = append([]int(nil), s.MonthDays...)
	cp.Months = append([]int(nil), s.Months...)
	cp.ExecutionHistory = append([]ExecutionRecord(nil), s.ExecutionHistory...)
	cp.EndDate = cloneTime(s.EndDate)
	cp.NextRunDate = cloneTime(s.NextRunDate)
	cp.LastRunAt = cloneTime(s.LastRunAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Input is the create/patch payload. Nil fields are "not provided".
type Input struct {
	Title       *string         `json:"title,omitempty"`
	Description *string         `json:"description,omitempty"`
	Action      *string         `json:"action,omitempty"`
	EntityID    *string         `json:"entityId,omitempty"`
	UserID      *string         `json:"userId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`

	Frequency *string `json:"frequency,omitempty"`
	WeekDays  *[]int  `json:"weekDays,omitempty"`
	MonthDays *[]int  `json:"monthDays,omitempty"`
	Months    *[]int  `json:"months,omitempty"`
	TimeOfDay *string `json:"timeOfDay,omitempty"`
	Interval  *int    `json:"interval,omitempty"`
	EndTime   *string `json:"endTime,omitempty"`
	// StartDate and EndDate accept "YYYY-MM-DD" (in the schedule timezone) or RFC 3339.
	StartDate *string `json:"startDate,omitempty"`
	EndDate   *string `json:"endDate,omitempty"`
	Timezone  *string `json:"timezone,omitempty"`

	Status            *string `json:"status,omitempty"`
	RetryOnFailure    *bool   `json:"retryOnFailure,omitempty"`
	MaxRetries        *int    `json:"maxRetries,omitempty"`
	RetryDelayMinutes *int    `json:"retryDelayMinutes,omitempty"`
}

// touchesRecurrence reports whether applying in requires a cron/next-run recompute.
func (in Input) touchesRecurrence() bool {
	return in.StartDate != nil || in.Frequency != nil || in.TimeOfDay != nil ||
		in.WeekDays != nil || in.MonthDays != nil || in.Months != nil ||
		in.Timezone != nil || in.EndDate != nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status   Status
	Action   string
	EntityID string
	UserID   string
	Limit    int
	Offset   int
}
