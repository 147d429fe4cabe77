package redisq

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"taper/internal/dispatch"
	"taper/internal/habit"
	"taper/pkg/logx"
)

func TestKeys(t *testing.T) {
	t.Parallel()

	if got := DelayedKey("r"); got != "taper:r:delayed" {
		t.Fatalf("delayed=%s", got)
	}
	if got := HabitKey("r", "h1"); got != "taper:r:habit:h1" {
		t.Fatalf("habit=%s", got)
	}
}

func TestDecodePayloadRejectsIncomplete(t *testing.T) {
	t.Parallel()

	if _, err := decodePayload(`{"event_id":"e"}`); err == nil {
		t.Fatalf("missing habit id should fail")
	}
	if _, err := decodePayload(`not json`); err == nil {
		t.Fatalf("garbage should fail")
	}
	p, err := decodePayload(`{"habit_id":"h","event_id":"e","handle":"rq-e-1-1","attempts":2}`)
	if err != nil || p.Attempts != 2 || p.Handle != "rq-e-1-1" {
		t.Fatalf("p=%+v err=%v", p, err)
	}
}

func TestBackoffCaps(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 5 * time.Second}.withDefaults()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := backoff(cfg, i+1); got != w {
			t.Fatalf("attempt %d: %s want %s", i+1, got, w)
		}
	}
}

func TestEnqueueCancel(t *testing.T) {
	ctx := context.Background()
	q, got := newIntegrationQueue(t)

	habitID := "h-" + uuid.NewString()
	for _, id := range []string{"a", "b"} {
		ev := habit.ScheduleEvent{ID: habitID + id, HabitID: habitID, ScheduledAt: time.Now()}
		handle, err := q.Enqueue(ctx, habitID, ev, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(handle, "rq-"+ev.ID+"-") {
			t.Fatalf("handle=%s", handle)
		}
	}
	if err := q.CancelOne(ctx, habitID+"a"); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.rdb.SCard(ctx, HabitKey(q.cfg.Queue, habitID)).Result(); n != 1 {
		t.Fatalf("habit set=%d want 1", n)
	}
	if err := q.CancelAllForHabit(ctx, habitID); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.rdb.ZCard(ctx, DelayedKey(q.cfg.Queue)).Result(); n != 0 {
		t.Fatalf("delayed=%d want 0", n)
	}
	if len(got.list()) != 0 {
		t.Fatalf("nothing should have been delivered")
	}
}

func TestDueReminderIsDelivered(t *testing.T) {
	ctx := context.Background()
	q, got := newIntegrationQueue(t)
	q.Start(ctx)
	t.Cleanup(func() { _ = q.Stop(context.Background()) })

	ev := habit.ScheduleEvent{ID: uuid.NewString(), HabitID: "h", ScheduledAt: time.Now()}
	handle, err := q.Enqueue(ctx, "h", ev, 0)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(got.list()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("not delivered")
		}
		time.Sleep(20 * time.Millisecond)
	}
	d := got.list()[0]
	if d.EventID != ev.ID || d.Handle != handle || d.Backend != dispatch.BackendDeferred {
		t.Fatalf("delivery=%+v", d)
	}
}

type deliveries struct {
	mu sync.Mutex
	ds []dispatch.Delivery
}

func (d *deliveries) add(ctx context.Context, del dispatch.Delivery) error {
	d.mu.Lock()
	d.ds = append(d.ds, del)
	d.mu.Unlock()
	return nil
}

func (d *deliveries) list() []dispatch.Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatch.Delivery(nil), d.ds...)
}

// newIntegrationQueue needs a live server: TAPER_TEST_REDIS_URL=redis://localhost:6379/15
func newIntegrationQueue(t *testing.T) (*Queue, *deliveries) {
	t.Helper()
	url := os.Getenv("TAPER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TAPER_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rdb, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	queue := "test-" + uuid.NewString()
	t.Cleanup(func() {
		keys, _ := rdb.Keys(context.Background(), "taper:"+queue+":*").Result()
		if len(keys) > 0 {
			_ = rdb.Del(context.Background(), keys...).Err()
		}
		_ = rdb.Close()
	})
	got := &deliveries{}
	return New(rdb, Config{Queue: queue, PollInterval: 20 * time.Millisecond, BlockTimeout: 100 * time.Millisecond}, got.add, logx.Nop()), got
}
