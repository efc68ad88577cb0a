package schedule

import (
	"errors"
	"fmt"

	"fitsched/internal/recurrence"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
)

// ValidationError names the offending field. It matches ErrValidation.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// fromParse converts a recurrence.ParseError into a ValidationError.
func fromParse(err error) error {
	var pe *recurrence.ParseError
	if errors.As(err, &pe) {
		return &ValidationError{Field: pe.Field, Message: pe.Err.Error(), Err: err}
	}
	if errors.Is(err, recurrence.ErrNoFireTime) {
		return &ValidationError{Field: "cronExpression", Message: err.Error(), Err: err}
	}
	return err
}

// NotFoundError reports a missing record. It matches ErrNotFound.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
