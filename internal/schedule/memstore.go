package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Data is lost on restart; it backs
// tests and the "memory" storage driver.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Schedule
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{rows: map[string]*Schedule{}} }

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Insert(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.rows[s.ID]; dup {
		return fmt.Errorf("schedule %q already exists", s.ID)
	}
	m.rows[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, &NotFoundError{Kind: "schedule", ID: id}
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*Schedule) error) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, &NotFoundError{Kind: "schedule", ID: id}
	}
	cp := s.Clone()
	if err := fn(cp); err != nil {
		return nil, err
	}
	m.rows[id] = cp.Clone()
	return cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return &NotFoundError{Kind: "schedule", ID: id}
	}
	delete(m.rows, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Schedule, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Schedule
	for _, s := range m.rows {
		if (f.Status == "" || s.Status == f.Status) && (f.Action == "" || s.Action == f.Action) &&
			(f.EntityID == "" || s.EntityID == f.EntityID) && (f.UserID == "" || s.UserID == f.UserID) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := len(out)
	if f.Offset < len(out) {
		out = out[f.Offset:]
	} else {
		out = nil
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (m *MemoryStore) ListByNextRun(_ context.Context, st Status, from, to time.Time) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Schedule
	for _, s := range m.rows {
		if s.Status != st || s.NextRunDate == nil {
			continue
		}
		if !from.IsZero() && s.NextRunDate.Before(from) {
			continue
		}
		if !to.IsZero() && !s.NextRunDate.Before(to) {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunDate.Before(*out[j].NextRunDate) })
	return out, nil
}

func (m *MemoryStore) Actions(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, s := range m.rows {
		if !seen[s.Action] {
			seen[s.Action] = true
			out = append(out, s.Action)
		}
	}
	sort.Strings(out)
	return out, nil
}
