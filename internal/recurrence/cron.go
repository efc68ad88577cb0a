package recurrence

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type Frequency string

const (
	Once    Frequency = "ONCE"
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// ParseFrequency accepts any casing; empty means ONCE.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToUpper(strings.TrimSpace(s)))
	switch f {
	case "":
		return Once, nil
	case Once, Daily, Weekly, Monthly, Yearly:
		return f, nil
	}
	return "", &ParseError{Field: "frequency", Value: s, Err: errors.New("unknown frequency")}
}

// Config is the calendar part of a recurrence rule.
// Only the set matching Frequency is read.
type Config struct {
	Frequency Frequency
	WeekDays  []int // 0=Sun..6=Sat
	MonthDays []int // 1..31
	Months    []int // 1..12
}

// ParseError reports a malformed recurrence input.
type ParseError struct {
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s: invalid %q: %v", e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	m := reHHMM.FindStringSubmatch(s)
	if len(m) != 3 {
		return 0, 0, &ParseError{Field: "timeOfDay", Value: s, Err: errors.New("want HH:MM")}
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, 0, &ParseError{Field: "timeOfDay", Value: s, Err: errors.New("out of range")}
	}
	return hour, minute, nil
}

// MinuteOfDay parses "HH:MM" into minutes since midnight.
func MinuteOfDay(s string) (int, error) {
	h, m, err := ParseTimeOfDay(s)
	if err != nil {
		return 0, err
	}
	return h*60 + m, nil
}

// GenerateCronExpression formats "m h dom mon dow" for cfg at timeOfDay,
// shifted by delayMinutes (wrapping past midnight).
func GenerateCronExpression(cfg Config, timeOfDay string, delayMinutes int) (string, error) {
	h, m, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return "", err
	}
	total := ((h*60+m+delayMinutes)%1440 + 1440) % 1440
	h, m = total/60, total%60

	dom, mon, dow := "*", "*", "*"
	switch cfg.Frequency {
	case Once, Daily, "":
	case Weekly:
		if dow, err = joinSet("weekDays", cfg.WeekDays, 0, 6); err != nil {
			return "", err
		}
	case Monthly:
		if dom, err = joinSet("monthDays", cfg.MonthDays, 1, 31); err != nil {
			return "", err
		}
	case Yearly:
		if mon, err = joinSet("months", cfg.Months, 1, 12); err != nil {
			return "", err
		}
	default:
		return "", &ParseError{Field: "frequency", Value: string(cfg.Frequency), Err: errors.New("unknown frequency")}
	}
	return fmt.Sprintf("%d %d %s %s %s", m, h, dom, mon, dow), nil
}

// joinSet sorts and de-duplicates vals and checks every value is in [lo, hi].
func joinSet(field string, vals []int, lo, hi int) (string, error) {
	if len(vals) == 0 {
		return "", &ParseError{Field: field, Err: errors.New("required")}
	}
	cp := append([]int(nil), vals...)
	sort.Ints(cp)
	parts := make([]string, 0, len(cp))
	for i, v := range cp {
		if v < lo || v > hi {
			return "", &ParseError{Field: field, Value: strconv.Itoa(v), Err: fmt.Errorf("must be %d..%d", lo, hi)}
		}
		if i > 0 && cp[i-1] == v {
			continue
		}
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ","), nil
}
