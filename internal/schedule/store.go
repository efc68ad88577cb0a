package schedule

import (
	"context"
	"time"
)

// Store persists schedules. Implementations return *NotFoundError for
// unknown ids.
type Store interface {
	Insert(ctx context.Context, s *Schedule) error
	Get(ctx context.Context, id string) (*Schedule, error)
	// Update loads id, applies fn and persists the result atomically.
	// If fn returns an error nothing is written.
	Update(ctx context.Context, id string, fn func(s *Schedule) error) (*Schedule, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]*Schedule, int, error)
	// ListByNextRun returns schedules with the given status whose
	// nextRunDate is in [from, to). A zero bound is open.
	ListByNextRun(ctx context.Context, status Status, from, to time.Time) ([]*Schedule, error)
	// Actions returns the distinct action names referenced by stored schedules.
	Actions(ctx context.Context) ([]string, error)
}
