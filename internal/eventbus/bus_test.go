package eventbus

import (
	"testing"
	"time"
)

func TestFilteredSubscribersOnlySeeMatches(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	one, unsubOne := b.SubscribeFiltered(4, ForHabit(TypeEventsChanged, "h1"))
	defer unsubOne()

	b.Publish(Event{Type: TypeEventsChanged, HabitID: "h2"})
	b.Publish(Event{Type: TypeEventsChanged, HabitID: "h1"})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	select {
	case e := <-one:
		if e.HabitID != "h1" || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("filtered subscriber got nothing")
	}
	if len(one) != 0 {
		t.Fatalf("filtered subscriber should not see h2")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: TypeReminderFired})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked")
	}
	unsub()
	unsub()
	b.Publish(Event{Type: TypeReminderFired})
}
