package recurrence

import (
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ErrNoFireTime is returned when a valid cron never fires (e.g. "0 0 30 2 *").
var ErrNoFireTime = errors.New("cron has no upcoming fire time")

// NextRun is the result of CalculateNextRun.
type NextRun struct {
	At     time.Time
	Active bool
}

// Calculator computes fire times. The zero value uses time.Now.
type Calculator struct {
	now func() time.Time
}

type Option func(*Calculator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Calculator) Now() time.Time {
	if c == nil || c.now == nil {
		return time.Now()
	}
	return c.now()
}

// LoadLocation resolves an IANA name; empty means UTC.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &ParseError{Field: "timezone", Value: tz, Err: err}
	}
	return loc, nil
}

// Parse parses a 5-field expression evaluated in tz.
func Parse(expr, tz string) (cron.Schedule, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, &ParseError{Field: "cronExpression", Value: expr, Err: errors.New("timezone prefix not allowed")}
	}
	sched, err := parser.Parse("CRON_TZ=" + loc.String() + " " + expr)
	if err != nil {
		return nil, &ParseError{Field: "cronExpression", Value: expr, Err: err}
	}
	return sched, nil
}

// CalculateNextRun finds the earliest fire at or after max(now, start).
// Active is false when that fire is after end (or there is none).
func (c *Calculator) CalculateNextRun(expr string, start time.Time, end *time.Time, tz string) (NextRun, error) {
	sched, err := Parse(expr, tz)
	if err != nil {
		return NextRun{}, err
	}
	from := c.Now()
	if start.After(from) {
		from = start
	}
	// Next is strictly-after; step back 1ns to include from itself.
	at := sched.Next(from.Add(-time.Nanosecond))
	if at.IsZero() {
		return NextRun{}, ErrNoFireTime
	}
	at = at.UTC()
	active := end == nil || !at.After(*end)
	return NextRun{At: at, Active: active}, nil
}

// NextRunDate returns the first fire strictly after from.
func (c *Calculator) NextRunDate(expr string, from time.Time, tz string) (time.Time, error) {
	sched, err := Parse(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	at := sched.Next(from)
	if at.IsZero() {
		return time.Time{}, ErrNoFireTime
	}
	return at.UTC(), nil
}

// DayBounds returns [local midnight, next local midnight) of the day containing t in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	lt := t.In(loc)
	start := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// EndOfDay normalizes t to 23:59:59.999 of its calendar day in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 23, 59, 59, int(999*time.Millisecond), loc)
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
