package precise

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taper/internal/dispatch"
	"taper/internal/habit"
	"taper/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	calls int
	fail  int
	ch    chan dispatch.Delivery
}

func (r *recorder) deliver(ctx context.Context, d dispatch.Delivery) error {
	r.mu.Lock()
	r.calls++
	fail := r.calls <= r.fail
	r.mu.Unlock()
	if fail {
		return errors.New("not yet")
	}
	r.ch <- d
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTimer(t *testing.T, cfg Config) (*Timer, *recorder) {
	t.Helper()
	rec := &recorder{ch: make(chan dispatch.Delivery, 8)}
	tm := New(cfg, rec.deliver, logx.Nop())
	t.Cleanup(func() { _ = tm.Stop(context.Background()) })
	return tm, rec
}

func in(d time.Duration, id string) habit.ScheduleEvent {
	return habit.ScheduleEvent{ID: id, HabitID: "h", ScheduledAt: time.Now().Add(d)}
}

func TestScheduleExactFires(t *testing.T) {
	t.Parallel()

	tm, rec := newTimer(t, Config{})
	handle, err := tm.ScheduleExact(context.Background(), "h", in(10*time.Millisecond, "e1"))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-rec.ch:
		if d.Backend != dispatch.BackendPrecise || d.Handle != handle || d.EventID != "e1" {
			t.Fatalf("delivery=%+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timer never fired")
	}
}

func TestScheduleExactRefusals(t *testing.T) {
	t.Parallel()

	tm, _ := newTimer(t, Config{MaxArmed: 1})
	ctx := context.Background()

	if _, err := tm.ScheduleExact(ctx, "h", in(-time.Minute, "past")); !errors.Is(err, dispatch.ErrInPast) {
		t.Fatalf("past: %v", err)
	}
	if _, err := tm.ScheduleExact(ctx, "h", in(time.Hour, "a")); err != nil {
		t.Fatal(err)
	}
	if _, err := tm.ScheduleExact(ctx, "h", in(time.Hour, "b")); !errors.Is(err, dispatch.ErrPreciseUnavailable) {
		t.Fatalf("ceiling: %v", err)
	}
	// Re-arming an already armed event does not count against the ceiling.
	if _, err := tm.ScheduleExact(ctx, "h", in(2*time.Hour, "a")); err != nil {
		t.Fatalf("re-arm: %v", err)
	}

	tm.SetCapability(false)
	if tm.CanScheduleExact() {
		t.Fatalf("capability should be revoked")
	}
	_ = tm.CancelOne(ctx, "a")
	if _, err := tm.ScheduleExact(ctx, "h", in(time.Hour, "c")); !errors.Is(err, dispatch.ErrPreciseUnavailable) {
		t.Fatalf("revoked: %v", err)
	}
}

func TestCancelDisarms(t *testing.T) {
	t.Parallel()

	tm, rec := newTimer(t, Config{})
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := tm.ScheduleExact(ctx, "h", in(20*time.Millisecond, id)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := tm.ScheduleExact(ctx, "other", in(time.Hour, "c")); err != nil {
		t.Fatal(err)
	}
	if err := tm.CancelAllForHabit(ctx, "h"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Fatalf("cancelled timers fired %d times", n)
	}
	if snap := tm.Snapshot(); snap.Armed != 1 {
		t.Fatalf("armed=%d want 1", snap.Armed)
	}
}

func TestDeliveryRetries(t *testing.T) {
	t.Parallel()

	tm, rec := newTimer(t, Config{RetryMax: 2, RetryDelay: 5 * time.Millisecond})
	rec.fail = 2
	if _, err := tm.ScheduleExact(context.Background(), "h", in(5*time.Millisecond, "e1")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("never delivered")
	}
	if n := rec.count(); n != 3 {
		t.Fatalf("calls=%d want 3", n)
	}
}

func TestStopRefusesNewTimers(t *testing.T) {
	t.Parallel()

	tm, _ := newTimer(t, Config{})
	if err := tm.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := tm.ScheduleExact(context.Background(), "h", in(time.Hour, "e")); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v", err)
	}
}

func TestExhaustedRetriesAreAbandoned(t *testing.T) {
	t.Parallel()

	tm, rec := newTimer(t, Config{RetryMax: 1, RetryDelay: 5 * time.Millisecond})
	rec.fail = 100
	gaveUp := make(chan dispatch.Delivery, 2)
	tm.SetAbandonFunc(func(d dispatch.Delivery, cause error) {
		if cause == nil {
			t.Errorf("abandoned without a cause")
		}
		gaveUp <- d
	})

	handle, err := tm.ScheduleExact(context.Background(), "h", in(5*time.Millisecond, "e1"))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-gaveUp:
		if d.EventID != "e1" || d.HabitID != "h" || d.Handle != handle || d.Backend != dispatch.BackendPrecise {
			t.Fatalf("abandoned=%+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("never abandoned")
	}
	if n := rec.count(); n != 2 {
		t.Fatalf("calls=%d want 2", n)
	}
	snap := tm.Snapshot()
	if snap.Armed != 0 || snap.Failed != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
	select {
	case d := <-gaveUp:
		t.Fatalf("abandoned twice: %+v", d)
	case <-time.After(30 * time.Millisecond):
	}
}
