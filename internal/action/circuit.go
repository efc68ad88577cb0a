package action

import (
	"sync"
	"time"
)

// CircuitConfig configures the consecutive-failure breaker kept per
// (action, schedule) pair.
// Trip < 0 disables it; zero values take defaults.
type CircuitConfig struct {
	Trip       int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ResetAfter time.Duration
}

func (c CircuitConfig) withDefaults() CircuitConfig {
	if c.Trip == 0 {
		c.Trip = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// circuits opens a key after Trip consecutive failures for an
// exponentially growing cooldown; one success closes it.
type circuits struct {
	cfg CircuitConfig
	mu  sync.Mutex
	m   map[string]*circuitState
}

func circuitKey(action, scheduleID string) string { return action + "\x00" + scheduleID }

func newCircuits(cfg CircuitConfig) *circuits {
	return &circuits{cfg: cfg.withDefaults(), m: map[string]*circuitState{}}
}

func (c *circuits) state(name string, now time.Time) *circuitState {
	st := c.m[name]
	if st == nil {
		st = &circuitState{}
		c.m[name] = st
	}
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > c.cfg.ResetAfter {
		*st = circuitState{}
	}
	return st
}

func (c *circuits) isOpen(name string, now time.Time) (bool, time.Time) {
	if c.cfg.Trip < 0 {
		return false, time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(name, now)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (c *circuits) record(name string, now time.Time, err error) {
	if c.cfg.Trip < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(name, now)
	if err == nil {
		*st = circuitState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < c.cfg.Trip {
		return
	}
	d := c.cfg.BaseDelay
	for i := 0; i < st.fails-c.cfg.Trip && d < c.cfg.MaxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, c.cfg.MaxDelay))
}

func (c *circuits) openCount(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, st := range c.m {
		if now.Before(st.openUntil) {
			n++
		}
	}
	return n
}
