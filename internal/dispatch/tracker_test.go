package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"taper/internal/habit"
)

func TestRoute(t *testing.T) {
	t.Parallel()

	taper := habit.Habit{StartPerDay: 4, EndPerDay: 0}
	ramp := habit.Habit{StartPerDay: 0, EndPerDay: 4, IsRampUp: true}
	taperToOne := habit.Habit{StartPerDay: 4, EndPerDay: 1}

	cases := []struct {
		name     string
		h        habit.Habit
		finalDay bool
		precise  bool
		want     BackendKind
	}{
		{"final day of a taper to zero", taper, true, true, BackendPrecise},
		{"earlier day", taper, false, true, BackendDeferred},
		{"precise unavailable", taper, true, false, BackendDeferred},
		{"ramp up", ramp, true, true, BackendDeferred},
		{"taper ending above zero", taperToOne, true, true, BackendDeferred},
	}
	for _, tc := range cases {
		if got := Route(tc.h, tc.finalDay, tc.precise); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestFinalDay(t *testing.T) {
	t.Parallel()

	if _, ok := FinalDay(nil, time.UTC); ok {
		t.Fatalf("empty plan has no final day")
	}
	at := time.Date(2024, 6, 1, 23, 30, 0, 0, time.UTC)
	plan := []habit.ScheduleEvent{{ScheduledAt: at.Add(24 * time.Hour)}, {ScheduledAt: at}}
	day, ok := FinalDay(plan, time.UTC)
	if !ok || day != habit.DateOf(at.Add(24*time.Hour)) {
		t.Fatalf("day=%s ok=%v", day, ok)
	}
	// The same instant is already the next day east of UTC.
	berlin := time.FixedZone("CEST", 2*3600)
	if day, _ := FinalDay(plan, berlin); day != habit.DateOf(at.Add(48*time.Hour)) {
		t.Fatalf("zoned day=%s", day)
	}
}

func TestTrackerRecordAndFired(t *testing.T) {
	t.Parallel()

	tr := NewTracker(newFakeBackend("dq"), nil, 0)
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tr.Record(Record{HabitID: "h", EventID: "e2", Backend: BackendDeferred, ScheduledAt: at.Add(time.Hour)})
	tr.Record(Record{HabitID: "h", EventID: "e1", Backend: BackendDeferred, ScheduledAt: at})

	if prev, replaced := tr.Record(Record{HabitID: "h", EventID: "e1", Backend: BackendPrecise, ScheduledAt: at}); !replaced || prev.Backend != BackendDeferred {
		t.Fatalf("replace: prev=%+v replaced=%v", prev, replaced)
	}
	recs := tr.ForHabit("h")
	if len(recs) != 2 || recs[0].EventID != "e1" {
		t.Fatalf("ForHabit=%+v", recs)
	}
	if _, ok := tr.Fired("e1"); !ok {
		t.Fatalf("Fired should find e1")
	}
	if _, ok := tr.Fired("e1"); ok {
		t.Fatalf("second Fired should be a no-op")
	}
	if tr.Len() != 1 {
		t.Fatalf("Len=%d", tr.Len())
	}
}

func TestTrackerCancelAllKeepsFailedRecords(t *testing.T) {
	t.Parallel()

	dq := newFakeBackend("dq")
	px := newFakeBackend("px")
	tr := NewTracker(dq, px, time.Second)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		ev := habit.ScheduleEvent{ID: id, HabitID: "h"}
		if _, err := dq.Enqueue(ctx, "h", ev, 0); err != nil {
			t.Fatal(err)
		}
		tr.Record(Record{HabitID: "h", EventID: id, Backend: BackendDeferred})
	}
	if _, err := px.ScheduleExact(ctx, "h", habit.ScheduleEvent{ID: "c", HabitID: "h"}); err != nil {
		t.Fatal(err)
	}
	tr.Record(Record{HabitID: "h", EventID: "c", Backend: BackendPrecise})

	px.cancelErr = errBoom
	cancelled, err := tr.CancelAll(ctx, "h")
	if !errors.Is(err, errBoom) {
		t.Fatalf("err=%v", err)
	}
	if len(cancelled) != 2 || dq.count("h") != 0 {
		t.Fatalf("cancelled=%d deferred left=%d", len(cancelled), dq.count("h"))
	}
	if recs := tr.ForHabit("h"); len(recs) != 1 || recs[0].EventID != "c" {
		t.Fatalf("failed record should stay tracked: %+v", recs)
	}

	px.cancelErr = nil
	if _, err := tr.CancelAll(ctx, "h"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if tr.Len() != 0 || px.count("h") != 0 {
		t.Fatalf("not fully cancelled")
	}
	if _, ok, err := tr.CancelOne(ctx, "never-armed"); ok || err != nil {
		t.Fatalf("CancelOne of unknown: ok=%v err=%v", ok, err)
	}
}

func TestGatesAdmitInteractiveBeforeSweep(t *testing.T) {
	t.Parallel()

	g := newGates()
	ctx := context.Background()
	release, err := g.acquire(ctx, "h", PrioritySweep)
	if err != nil {
		t.Fatal(err)
	}

	order := make(chan Priority, 2)
	sweepReady := make(chan struct{})
	go func() {
		close(sweepReady)
		rel, err := g.acquire(ctx, "h", PrioritySweep)
		if err != nil {
			return
		}
		order <- PrioritySweep
		rel()
	}()
	<-sweepReady
	time.Sleep(10 * time.Millisecond)

	go func() {
		rel, err := g.acquire(ctx, "h", PriorityInteractive)
		if err != nil {
			return
		}
		order <- PriorityInteractive
		time.Sleep(5 * time.Millisecond)
		rel()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		g.mu.Lock()
		waiting := g.m["h"] != nil && g.m["h"].interactive == 1
		g.mu.Unlock()
		if waiting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("interactive waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}
	release()

	if first := <-order; first != PriorityInteractive {
		t.Fatalf("first admitted=%s want interactive", first)
	}
	if second := <-order; second != PrioritySweep {
		t.Fatalf("second admitted=%s", second)
	}
}

func TestGatesHonorContext(t *testing.T) {
	t.Parallel()

	g := newGates()
	release, _ := g.acquire(context.Background(), "h", PriorityInteractive)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.acquire(ctx, "h", PriorityInteractive); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
	g.mu.Lock()
	n := g.m["h"].interactive
	g.mu.Unlock()
	if n != 0 {
		t.Fatalf("abandoned waiter still counted: %d", n)
	}
}
