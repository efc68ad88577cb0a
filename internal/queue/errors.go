package queue

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrQueue matches every backend failure.
	ErrQueue       = errors.New("queue error")
	ErrJobNotFound = errors.New("job not found")
	ErrClosed      = errors.New("queue closed")
	// ErrNotRetryable is returned when retrying a job that has not failed.
	ErrNotRetryable = errors.New("only failed jobs can be retried")
)

// Error wraps a backend failure with the operation that caused it.
type Error struct {
	Op    string
	Queue string
	Err   error
}

func (e *Error) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("queue %s %s: %v", e.Op, e.Queue, e.Err)
}

func (e *Error) Unwrap() error        { return e.Err }
func (e *Error) Is(target error) bool { return target == ErrQueue }

// Wrap returns nil for a nil err and otherwise an *Error.
func Wrap(op, queue string, err error) error {
	if err == nil {
		return nil
	}
	var qe *Error
	if errors.As(err, &qe) {
		return err
	}
	return &Error{Op: op, Queue: queue, Err: err}
}

// NotFound reports a missing job.
func NotFound(queue, id string) error {
	return &Error{Op: "get", Queue: queue, Err: fmt.Errorf("%w: %s", ErrJobNotFound, id)}
}

func validateSpec(s JobSpec) error {
	switch {
	case s.ID == "":
		return errors.New("job id required")
	case s.Queue == "":
		return errors.New("queue name required")
	case s.Delay < 0:
		return errors.New("negative delay")
	case s.Repeat != nil && s.Repeat.Every <= 0:
		return errors.New("repeat every must be positive")
	}
	for _, t := range s.Tags {
		if t == "" || strings.Contains(t, ",") {
			return fmt.Errorf("invalid tag %q", t)
		}
	}
	return nil
}

// ValidateSpec checks a spec before a backend stores it.
func ValidateSpec(s JobSpec) error { return Wrap("enqueue", s.Queue, validateSpec(s)) }

// NotFailed is returned by Retry on a job that is not failed.
func NotFailed(queue, id string, st State) error {
	return &Error{Op: "retry", Queue: queue, Err: fmt.Errorf("%w: job %s is %s", ErrNotRetryable, id, st)}
}
