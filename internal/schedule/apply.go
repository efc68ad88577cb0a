package schedule

import (
	"encoding/json"
	"strings"
	"time"

	"fitsched/internal/recurrence"
)

// applyFields copies the non-recurrence fields of in onto sc.
func applyFields(sc *Schedule, in Input) error {
	if in.Title != nil {
		t := strings.TrimSpace(*in.Title)
		if t == "" {
			return invalid("title", "must not be empty")
		}
		sc.Title = t
	}
	if in.Description != nil {
		sc.Description = *in.Description
	}
	if in.Action != nil {
		a := strings.TrimSpace(*in.Action)
		if a == "" {
			return invalid("action", "must not be empty")
		}
		sc.Action = a
	}
	if in.EntityID != nil {
		sc.EntityID = strings.TrimSpace(*in.EntityID)
	}
	if in.UserID != nil {
		sc.UserID = strings.TrimSpace(*in.UserID)
	}
	if in.Data != nil {
		if !json.Valid(in.Data) {
			return invalid("data", "must be valid JSON")
		}
		sc.Data = append(json.RawMessage(nil), in.Data...)
		if string(sc.Data) == "null" {
			sc.Data = nil
		}
	}
	if in.Interval != nil {
		if *in.Interval < 0 || *in.Interval > 1440 {
			return invalid("interval", "must be 0..1440 minutes")
		}
		sc.Interval = *in.Interval
	}
	if in.EndTime != nil {
		et := strings.TrimSpace(*in.EndTime)
		if et != "" {
			if _, _, err := recurrence.ParseTimeOfDay(et); err != nil {
				return invalid("endTime", "want HH:MM")
			}
		}
		sc.EndTime = et
	}
	if in.RetryOnFailure != nil {
		sc.RetryOnFailure = *in.RetryOnFailure
	}
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 {
			return invalid("maxRetries", "must be >= 0")
		}
		sc.MaxRetries = *in.MaxRetries
	}
	if in.RetryDelayMinutes != nil {
		if *in.RetryDelayMinutes < 0 {
			return invalid("retryDelayMinutes", "must be >= 0")
		}
		sc.RetryDelayMinutes = *in.RetryDelayMinutes
	}
	return nil
}

// applyRecurrence merges the recurrence fields of in into sc.
// The timezone is applied first so dates are read in the new zone.
func applyRecurrence(sc *Schedule, in Input) error {
	if in.Timezone != nil && strings.TrimSpace(*in.Timezone) != "" {
		sc.Timezone = strings.TrimSpace(*in.Timezone)
	}
	loc, err := recurrence.LoadLocation(sc.Timezone)
	if err != nil {
		return fromParse(err)
	}
	sc.Timezone = loc.String()

	if in.Frequency != nil {
		f, err := recurrence.ParseFrequency(*in.Frequency)
		if err != nil {
			return fromParse(err)
		}
		sc.Frequency = f
	}
	if sc.Frequency == "" {
		sc.Frequency = recurrence.Once
	}
	if in.WeekDays != nil {
		sc.WeekDays = append([]int(nil), (*in.WeekDays)...)
	}
	if in.MonthDays != nil {
		sc.MonthDays = append([]int(nil), (*in.MonthDays)...)
	}
	if in.Months != nil {
		sc.Months = append([]int(nil), (*in.Months)...)
	}
	if in.TimeOfDay != nil {
		sc.TimeOfDay = strings.TrimSpace(*in.TimeOfDay)
	}
	if in.StartDate != nil && strings.TrimSpace(*in.StartDate) != "" {
		t, err := parseDate("startDate", *in.StartDate, loc)
		if err != nil {
			return err
		}
		sc.StartDate = t.UTC()
	}
	if in.EndDate != nil {
		if strings.TrimSpace(*in.EndDate) == "" {
			sc.EndDate = nil
		} else {
			t, err := parseDate("endDate", *in.EndDate, loc)
			if err != nil {
				return err
			}
			eod := recurrence.EndOfDay(t, loc).UTC()
			sc.EndDate = &eod
		}
	}
	if sc.EndDate != nil && sc.EndDate.Before(sc.StartDate) {
		return invalid("endDate", "must not be before startDate")
	}
	return nil
}

// applyStatus applies an explicit status request.
func applyStatus(sc *Schedule, raw *string) error {
	if raw == nil {
		return nil
	}
	st := Status(strings.ToUpper(strings.TrimSpace(*raw)))
	if !st.Valid() {
		return invalid("status", "unknown status %q", *raw)
	}
	if st == StatusActive && sc.EndDate != nil && sc.NextRunDate != nil && sc.NextRunDate.After(*sc.EndDate) {
		return invalid("status", "schedule has no run left before endDate")
	}
	sc.Status = st
	return nil
}

// validateWindow checks the interval window is well formed.
func validateWindow(sc *Schedule) error {
	if !sc.HasInterval() || sc.EndTime == "" {
		return nil
	}
	start, err := recurrence.MinuteOfDay(sc.TimeOfDay)
	if err != nil {
		return fromParse(err)
	}
	end, err := recurrence.MinuteOfDay(sc.EndTime)
	if err != nil {
		return invalid("endTime", "want HH:MM")
	}
	if end < start {
		return invalid("endTime", "must not be before timeOfDay")
	}
	return nil
}

// parseDate accepts "YYYY-MM-DD" (midnight in loc) or RFC 3339.
func parseDate(field, raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.ParseInLocation(time.DateOnly, raw, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, invalid(field, "want YYYY-MM-DD or RFC 3339, got %q", raw)
	}
	return t, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
