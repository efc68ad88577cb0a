package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	logx "fitsched/pkg/logx"
)

// Call carries the arguments a scheduled action is invoked with.
type Call struct {
	Data       json.RawMessage
	EntityID   string
	UserID     string
	ScheduleID string
	Attempt    int
}

// Handler performs one action. Delivery is at-least-once, so handlers must
// be idempotent or deduplicate on (ScheduleID, EntityID).
type Handler func(ctx context.Context, call Call) error

// Meta describes a registered action.
type Meta struct {
	Description string
	// NonRetryable disables the schedule retry policy for this action.
	NonRetryable bool
	// Timeout bounds one invocation; 0 uses the registry default.
	Timeout time.Duration
}

// Info is the public view of a registration.
type Info struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Retryable   bool          `json:"retryable"`
	Timeout     time.Duration `json:"timeout"`
}

type entry struct {
	handler Handler
	meta    Meta
}

// Registry maps action names to handlers.
type Registry struct {
	mu             sync.RWMutex
	actions        map[string]entry
	defaultTimeout time.Duration
	circuits       *circuits
	log            logx.Logger
	now            func() time.Time
}

type Option func(*Registry)

func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

func WithCircuit(cfg CircuitConfig) Option {
	return func(r *Registry) { r.circuits = newCircuits(cfg) }
}

func WithLogger(l logx.Logger) Option { return func(r *Registry) { r.log = l } }

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		actions:        map[string]entry{},
		defaultTimeout: 30 * time.Second,
		circuits:       newCircuits(CircuitConfig{}),
		log:            logx.Nop(),
		now:            time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a handler. Names are case-sensitive and must be unique.
func (r *Registry) Register(name string, h Handler, meta Meta) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("action name required")
	}
	if h == nil {
		return fmt.Errorf("action %s: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.actions[name]; dup {
		return fmt.Errorf("action %s already registered", name)
	}
	r.actions[name] = entry{handler: h, meta: meta}
	r.log.Debug("action registered", logx.String("action", name))
	return nil
}

// MustRegister is Register that panics on error, for init-time wiring.
func (r *Registry) MustRegister(name string, h Handler, meta Meta) {
	if err := r.Register(name, h, meta); err != nil {
		panic(err)
	}
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.actions))
	for n := range r.actions {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Describe() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.actions))
	for n, e := range r.actions {
		out = append(out, Info{
			Name:        n,
			Description: e.meta.Description,
			Retryable:   !e.meta.NonRetryable,
			Timeout:     r.timeoutFor(e.meta),
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OpenCircuits returns how many (action, schedule) pairs are currently
// short-circuited.
func (r *Registry) OpenCircuits() int { return r.circuits.openCount(r.now()) }

func (r *Registry) timeoutFor(m Meta) time.Duration {
	if m.Timeout > 0 {
		return m.Timeout
	}
	return r.defaultTimeout
}

// Execute runs the named handler under its timeout. A handler that overruns
// is abandoned (its context is canceled) and reported as ErrTimeout.
// Panics are recovered into an ExecutionError. While the breaker of
// (name, call.ScheduleID) is open the handler is skipped with a
// CircuitOpenError.
func (r *Registry) Execute(ctx context.Context, name string, call Call) error {
	r.mu.RLock()
	e, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return &NotFoundError{Name: name}
	}

	key := circuitKey(name, call.ScheduleID)
	now := r.now()
	if open, until := r.circuits.isOpen(key, now); open {
		return &CircuitOpenError{Action: name, ScheduleID: call.ScheduleID, Until: until, Wait: until.Sub(now)}
	}

	timeout := r.timeoutFor(e.meta)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("action panicked", logx.String("action", name), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
				done <- fmt.Errorf("panic: %v", p)
			}
		}()
		done <- e.handler(runCtx, call)
	}()

	var err error
	select {
	case err = <-done:
	case <-runCtx.Done():
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
	}
	r.circuits.record(key, r.now(), err)
	if err == nil {
		return nil
	}
	return &ExecutionError{
		Action:    name,
		Err:       err,
		retryable: !e.meta.NonRetryable && !IsPermanent(err),
	}
}
