package eventbus

import "testing"

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: ScheduleCreated})
	b.Publish(Event{Type: ScheduleUpdated}) // a is full, dropped for a only

	if e := <-a; e.Type != ScheduleCreated || e.Time.IsZero() {
		t.Fatalf("a got %+v, want stamped %s", e, ScheduleCreated)
	}
	if len(c) != 2 {
		t.Fatalf("len(c) = %d, want 2", len(c))
	}

	unsubA()
	unsubA()
	b.Publish(Event{Type: ScheduleDeleted})
	if _, ok := <-a; ok {
		t.Fatalf("a still open after unsubscribe")
	}
}
