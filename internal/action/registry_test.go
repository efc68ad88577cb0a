package action

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegisterRejectsDuplicatesAndEmpty(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	noop := func(context.Context, Call) error { return nil }
	if err := r.Register("a", noop, Meta{}); err != nil {
		t.Fatalf("Register = %v", err)
	}
	if err := r.Register("a", noop, Meta{}); err == nil {
		t.Fatalf("duplicate Register = nil, want error")
	}
	if err := r.Register(" ", noop, Meta{}); err == nil {
		t.Fatalf("empty name Register = nil, want error")
	}
	if err := r.Register("b", nil, Meta{}); err == nil {
		t.Fatalf("nil handler Register = nil, want error")
	}
	if got := r.Names(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("Names = %v, want [a]", got)
	}
}

func TestExecutePassesCall(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var got Call
	r.MustRegister("capture", func(_ context.Context, c Call) error {
		got = c
		return nil
	}, Meta{})

	in := Call{Data: []byte(`{"x":1}`), EntityID: "e1", UserID: "u1"}
	if err := r.Execute(context.Background(), "capture", in); err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if string(got.Data) != `{"x":1}` || got.EntityID != "e1" || got.UserID != "u1" {
		t.Fatalf("call = %+v", got)
	}
}

func TestExecuteErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	r := NewRegistry(WithDefaultTimeout(20*time.Millisecond), WithCircuit(CircuitConfig{Trip: -1}))
	r.MustRegister("fail", func(context.Context, Call) error { return boom }, Meta{})
	r.MustRegister("permanent", func(context.Context, Call) error { return Permanent(boom) }, Meta{})
	r.MustRegister("once", func(context.Context, Call) error { return boom }, Meta{NonRetryable: true})
	r.MustRegister("panic", func(context.Context, Call) error { panic("kaboom") }, Meta{})
	r.MustRegister("slow", func(ctx context.Context, _ Call) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil
	}, Meta{})

	tests := []struct {
		name      string
		action    string
		is        error
		retryable bool
	}{
		{"handler error", "fail", boom, true},
		{"permanent", "permanent", boom, false},
		{"non retryable action", "once", boom, false},
		{"panic", "panic", nil, true},
		{"timeout", "slow", ErrTimeout, true},
		{"unknown", "missing", ErrNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Execute(context.Background(), tt.action, Call{})
			if err == nil {
				t.Fatalf("Execute = nil, want error")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Fatalf("Execute = %v, want errors.Is %v", err, tt.is)
			}
			if got := Retryable(err); got != tt.retryable {
				t.Fatalf("Retryable(%v) = %v, want %v", err, got, tt.retryable)
			}
		})
	}
}

func TestExecuteCircuitOpensAfterTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(WithCircuit(CircuitConfig{Trip: 2, BaseDelay: time.Minute}))
	r.now = func() time.Time { return now }

	calls := 0
	fail := true
	r.MustRegister("flaky", func(context.Context, Call) error {
		calls++
		if fail {
			return errors.New("down")
		}
		return nil
	}, Meta{})

	call := Call{ScheduleID: "a"}
	for i := 0; i < 2; i++ {
		_ = r.Execute(context.Background(), "flaky", call)
	}
	err := r.Execute(context.Background(), "flaky", call)
	var open *CircuitOpenError
	if !errors.As(err, &open) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Execute = %v, want CircuitOpenError", err)
	}
	if open.Wait != time.Minute || open.ScheduleID != "a" {
		t.Fatalf("open = %+v, want 1m wait for schedule a", open)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if !Retryable(err) {
		t.Fatalf("circuit open error should be retryable")
	}
	if got := r.OpenCircuits(); got != 1 {
		t.Fatalf("OpenCircuits = %d, want 1", got)
	}

	now = now.Add(2 * time.Minute)
	fail = false
	if err := r.Execute(context.Background(), "flaky", call); err != nil {
		t.Fatalf("Execute after cooldown = %v", err)
	}
	if got := r.OpenCircuits(); got != 0 {
		t.Fatalf("OpenCircuits = %d, want 0", got)
	}
}

func TestCircuitIsPerSchedule(t *testing.T) {
	t.Parallel()

	r := NewRegistry(WithCircuit(CircuitConfig{Trip: 2, BaseDelay: time.Minute}))
	invoked := map[string]int{}
	r.MustRegister("http.webhook", func(_ context.Context, c Call) error {
		invoked[c.ScheduleID]++
		if c.ScheduleID == "a" {
			return errors.New("endpoint gone")
		}
		return nil
	}, Meta{})

	for i := 0; i < 5; i++ {
		_ = r.Execute(context.Background(), "http.webhook", Call{ScheduleID: "a"})
	}
	if invoked["a"] != 2 {
		t.Fatalf("schedule a invoked %d times, want 2", invoked["a"])
	}
	if err := r.Execute(context.Background(), "http.webhook", Call{ScheduleID: "b"}); err != nil {
		t.Fatalf("schedule b Execute = %v, want nil", err)
	}
	if invoked["b"] != 1 {
		t.Fatalf("schedule b invoked %d times, want 1", invoked["b"])
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	r := NewRegistry(WithDefaultTimeout(time.Second))
	r.MustRegister("b", func(context.Context, Call) error { return nil }, Meta{Description: "second", NonRetryable: true})
	r.MustRegister("a", func(context.Context, Call) error { return nil }, Meta{Timeout: 5 * time.Second})

	got := r.Describe()
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "b" {
		t.Fatalf("Describe = %+v", got)
	}
	if got[0].Timeout != 5*time.Second || !got[0].Retryable {
		t.Fatalf("a = %+v", got[0])
	}
	if got[1].Timeout != time.Second || got[1].Retryable || got[1].Description != "second" {
		t.Fatalf("b = %+v", got[1])
	}
}
