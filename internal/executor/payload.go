package executor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Job kinds.
const (
	KindRun     = "run"
	KindAdvance = "advance"
	KindRetry   = "retry"
)

// Payload is the queue job data.
type Payload struct {
	ScheduleID string `json:"scheduleId"`
	Kind       string `json:"kind"`
	Day        string `json:"day"`
	Slot       string `json:"slot"`
	Attempt    int    `json:"attempt,omitempty"`
	// Deferrals counts re-enqueues caused by an open circuit breaker.
	Deferrals int `json:"deferrals,omitempty"`
}

func (p Payload) encode() json.RawMessage {
	b, _ := json.Marshal(p)
	return b
}

func decodePayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("decode job payload: %w", err)
	}
	if p.ScheduleID == "" {
		return p, fmt.Errorf("job payload without scheduleId")
	}
	return p, nil
}

// JobID returns the deterministic id of a job: <schedule>:<day>:<HHMM>:<kind>.
// Retry kinds carry the attempt number, deferred runs a ".d<N>" suffix.
func (p Payload) JobID() string {
	kind := p.Kind
	if kind == KindRetry {
		kind += strconv.Itoa(p.Attempt)
	}
	if p.Deferrals > 0 {
		kind += ".d" + strconv.Itoa(p.Deferrals)
	}
	return p.ScheduleID + ":" + p.Day + ":" + p.Slot + ":" + kind
}

func dayKey(t time.Time) string { return t.Format(time.DateOnly) }

func slotKey(t time.Time) string { return t.Format("1504") }

// DayTag tags jobs dispatched by the tick of a given executor day.
func DayTag(day string) string { return "day:" + day }

// ScheduleTag tags every job of a schedule.
func ScheduleTag(id string) string { return "schedule:" + id }
