package deferred

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

type sink struct {
	mu    sync.Mutex
	got   []dispatch.Delivery
	calls int
	fail  func(call int) error
	ch    chan dispatch.Delivery
}

func newSink() *sink { return &sink{ch: make(chan dispatch.Delivery, 16)} }

func (s *sink) deliver(ctx context.Context, d dispatch.Delivery) error {
	s.mu.Lock()
	s.calls++
	call := s.calls
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		if err := fail(call); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.got = append(s.got, d)
	s.mu.Unlock()
	s.ch <- d
	return nil
}

func (s *sink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func startService(t *testing.T, cfg Config, sk *sink) *Service {
	t.Helper()
	s := New(cfg, sk.deliver, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func event(id string) habit.ScheduleEvent {
	return habit.ScheduleEvent{ID: id, HabitID: "h", ScheduledAt: time.Now()}
}

func waitDelivery(t *testing.T, sk *sink) dispatch.Delivery {
	t.Helper()
	select {
	case d := <-sk.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery")
		return dispatch.Delivery{}
	}
}

func TestEnqueueDelivers(t *testing.T) {
	t.Parallel()

	sk := newSink()
	s := startService(t, Config{Workers: 1}, sk)

	handle, err := s.Enqueue(context.Background(), "h", event("e1"), 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	d := waitDelivery(t, sk)
	if d.EventID != "e1" || d.HabitID != "h" || d.Backend != dispatch.BackendDeferred || d.Handle != handle {
		t.Fatalf("delivery=%+v handle=%s", d, handle)
	}
	deadline := time.Now().Add(time.Second)
	for len(s.Snapshot().History) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("delivery not recorded")
		}
		time.Sleep(time.Millisecond)
	}
	if snap := s.Snapshot(); snap.Delivered != 1 || snap.Pending != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestEnqueueRejectsPastAndStopped(t *testing.T) {
	t.Parallel()

	sk := newSink()
	s := New(Config{}, sk.deliver, logx.Nop())
	if _, err := s.Enqueue(context.Background(), "h", event("e1"), time.Second); !errors.Is(err, ErrStopped) {
		t.Fatalf("before start: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())
	if _, err := s.Enqueue(context.Background(), "h", event("e1"), -time.Second); !errors.Is(err, dispatch.ErrInPast) {
		t.Fatalf("past: %v", err)
	}
}

func TestCancelBeforeDue(t *testing.T) {
	t.Parallel()

	sk := newSink()
	s := startService(t, Config{Workers: 1}, sk)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := s.Enqueue(ctx, "h", event(id), 30*time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Enqueue(ctx, "other", event("c"), 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelOne(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelAllForHabit(ctx, "h"); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelOne(ctx, "unknown"); err != nil {
		t.Fatalf("cancel unknown: %v", err)
	}

	if d := waitDelivery(t, sk); d.EventID != "c" {
		t.Fatalf("delivered %s", d.EventID)
	}
	time.Sleep(60 * time.Millisecond)
	if n := sk.callCount(); n != 1 {
		t.Fatalf("calls=%d want 1", n)
	}
}

func TestReenqueueReplaces(t *testing.T) {
	t.Parallel()

	sk := newSink()
	s := startService(t, Config{Workers: 1}, sk)
	ctx := context.Background()

	first, _ := s.Enqueue(ctx, "h", event("e1"), 20*time.Millisecond)
	second, err := s.Enqueue(ctx, "h", event("e1"), 40*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatalf("handles should differ")
	}
	if d := waitDelivery(t, sk); d.Handle != second {
		t.Fatalf("handle=%s want %s", d.Handle, second)
	}
	time.Sleep(50 * time.Millisecond)
	if n := sk.callCount(); n != 1 {
		t.Fatalf("calls=%d", n)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()

	sk := newSink()
	sk.fail = func(call int) error {
		if call < 3 {
			return errors.New("transient")
		}
		return nil
	}
	s := startService(t, Config{Workers: 1, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, sk)
	if _, err := s.Enqueue(context.Background(), "h", event("e1"), 0); err != nil {
		t.Fatal(err)
	}
	waitDelivery(t, sk)
	if n := sk.callCount(); n != 3 {
		t.Fatalf("calls=%d want 3", n)
	}
}

func TestNoRetryStopsAttempts(t *testing.T) {
	t.Parallel()

	sk := newSink()
	sk.fail = func(int) error { return NoRetry(errors.New("permanent")) }
	s := startService(t, Config{Workers: 1, RetryMax: 5, RetryBase: time.Millisecond}, sk)
	if _, err := s.Enqueue(context.Background(), "h", event("e1"), 0); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(s.Snapshot().History) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("failure not recorded")
		}
		time.Sleep(time.Millisecond)
	}
	if n := sk.callCount(); n != 1 {
		t.Fatalf("calls=%d want 1", n)
	}
	if h := s.Snapshot().History; len(h) != 1 || h[0].Error != "permanent" {
		t.Fatalf("history=%+v", h)
	}
}

func TestDueTimeFlex(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 1, 9, 7, 30, 0, time.UTC)
	cases := []struct {
		at   time.Time
		flex time.Duration
		want time.Time
	}{
		{base, 0, base},
		{base, 5 * time.Minute, time.Date(2024, 1, 1, 9, 10, 0, 0, time.UTC)},
		{time.Date(2024, 1, 1, 9, 10, 0, 0, time.UTC), 5 * time.Minute, time.Date(2024, 1, 1, 9, 10, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := dueTime(tc.at, tc.flex); !got.Equal(tc.want) {
			t.Fatalf("dueTime(%s, %s)=%s want %s", tc.at, tc.flex, got, tc.want)
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	for retry := 1; retry < 10; retry++ {
		d := backoffDelay(cfg, retry, nil)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("retry %d: %s", retry, d)
		}
	}
	if d := backoffDelay(cfg, 2, nil); d != time.Second {
		t.Fatalf("second retry=%s want 1s", d)
	}
}

type abandoned struct {
	d     dispatch.Delivery
	cause error
}

func abandonInto(s *Service) chan abandoned {
	ch := make(chan abandoned, 4)
	s.SetAbandonFunc(func(d dispatch.Delivery, cause error) { ch <- abandoned{d, cause} })
	return ch
}

func TestFailedDeliveryIsAbandoned(t *testing.T) {
	t.Parallel()

	sk := newSink()
	sk.fail = func(int) error { return errors.New("sink down") }
	s := startService(t, Config{Workers: 1, RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, sk)
	gaveUp := abandonInto(s)

	handle, err := s.Enqueue(context.Background(), "h", event("e1"), 0)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case a := <-gaveUp:
		if a.d.EventID != "e1" || a.d.Handle != handle || a.d.Backend != dispatch.BackendDeferred {
			t.Fatalf("abandoned=%+v", a.d)
		}
		if a.cause == nil || a.cause.Error() != "sink down" {
			t.Fatalf("cause=%v", a.cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("never abandoned")
	}
	if n := sk.callCount(); n != 2 {
		t.Fatalf("calls=%d want 2", n)
	}
}

func TestStaleJobIsAbandoned(t *testing.T) {
	t.Parallel()

	sk := newSink()
	sk.fail = func(call int) error {
		if call == 1 {
			time.Sleep(100 * time.Millisecond)
		}
		return nil
	}
	s := startService(t, Config{Workers: 1, MaxQueueDelay: 20 * time.Millisecond}, sk)
	gaveUp := abandonInto(s)

	for _, id := range []string{"e1", "e2"} {
		if _, err := s.Enqueue(context.Background(), "h", event(id), 0); err != nil {
			t.Fatal(err)
		}
	}
	first := waitDelivery(t, sk)
	select {
	case a := <-gaveUp:
		if a.d.EventID == first.EventID {
			t.Fatalf("delivered event %s was also abandoned", a.d.EventID)
		}
		if !errors.Is(a.cause, ErrStale) {
			t.Fatalf("cause=%v", a.cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stale job never abandoned")
	}
}

func TestStoppedRetryIsNotAbandoned(t *testing.T) {
	t.Parallel()

	sk := newSink()
	sk.fail = func(int) error { return errors.New("sink down") }
	s := New(Config{Workers: 1, RetryMax: 3, RetryBase: time.Second, RetryMaxDelay: time.Second}, sk.deliver, logx.Nop())
	s.Start(context.Background())
	gaveUp := abandonInto(s)

	if _, err := s.Enqueue(context.Background(), "h", event("e1"), 0); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sk.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("never attempted")
		}
		time.Sleep(time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	select {
	case a := <-gaveUp:
		t.Fatalf("abandoned on shutdown: %+v", a.d)
	default:
	}
}
