package action

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound    = errors.New("action not found")
	ErrTimeout     = errors.New("action timed out")
	ErrCircuitOpen = errors.New("action skipped: circuit breaker open")
)

// NotFoundError reports an unregistered action name. It matches ErrNotFound.
type NotFoundError struct{ Name string }

func (e *NotFoundError) Error() string        { return fmt.Sprintf("action %q not registered", e.Name) }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CircuitOpenError reports a call skipped without invoking the handler
// because the (action, schedule) breaker is open. It matches ErrCircuitOpen.
type CircuitOpenError struct {
	Action     string
	ScheduleID string
	Until      time.Time
	// Wait is how long the breaker stays open from the time of the call.
	Wait time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("action %s: %v until %s", e.Action, ErrCircuitOpen, e.Until.Format(time.RFC3339))
}
func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// ExecutionError wraps a handler failure (error, panic or timeout).
type ExecutionError struct {
	Action    string
	Err       error
	retryable bool
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("action %s: %v", e.Action, e.Err) }
func (e *ExecutionError) Unwrap() error { return e.Err }

// Permanent marks a handler error as non-retryable.
//
// Example:
//
//	return action.Permanent(fmt.Errorf("bad payload: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Retryable reports whether a failure from Registry.Execute may be retried.
// Unknown actions, permanent errors and actions registered NonRetryable are not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || IsPermanent(err) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.retryable
	}
	return true
}
