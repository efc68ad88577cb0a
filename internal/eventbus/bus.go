package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the schedule service and executor.
const (
	ScheduleCreated   = "schedule.created"
	ScheduleUpdated   = "schedule.updated"
	ScheduleDeleted   = "schedule.deleted"
	ScheduleExecuted  = "schedule.executed"
	ScheduleCompleted = "schedule.completed"
	ScheduleRetry     = "schedule.retry"
	JobDispatched     = "executor.dispatched"
	TickFinished      = "executor.tick"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Execution is the Data of ScheduleExecuted.
type Execution struct {
	ScheduleID string
	Action     string
	Success    bool
	Took       time.Duration
}

// Tick is the Data of TickFinished.
type Tick struct {
	Scheduled  int
	Dispatched int
	Failed     int
	Took       time.Duration
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop drops every event.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Hold the read lock across sends so unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
