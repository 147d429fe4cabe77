package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"taper/internal/dispatch"
	"taper/internal/eventbus"
	"taper/internal/habit"
	"taper/pkg/logx"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (c *captureSink) Send(ctx context.Context, m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type mapDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *mapDedup) PutDedup(ctx context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[key] = until
	return nil
}

func (d *mapDedup) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.m[key]
	return u, ok, nil
}

func reminder(id string) dispatch.Reminder {
	return dispatch.Reminder{
		Habit: habit.Habit{ID: "h", Name: "Coffee"},
		Event: habit.ScheduleEvent{ID: id, HabitID: "h", ScheduledAt: time.Now()},
	}
}

func TestNotifyDedupsPerEvent(t *testing.T) {
	sink := &captureSink{}
	bus := eventbus.New()
	sent, unsubscribe := bus.SubscribeFiltered(4, eventbus.OfType(eventbus.TypeReminderSent))
	defer unsubscribe()

	s := New(Config{DedupWindow: time.Hour, RatePerSec: 100}, sink, logx.Nop(), bus, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Notify(ctx, reminder("e1")); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Notify(ctx, reminder("e2")); err != nil {
		t.Fatal(err)
	}
	if n := sink.count(); n != 2 {
		t.Fatalf("sink got %d want 2", n)
	}
	select {
	case ev := <-sent:
		if ev.Data.(SentEvent).EventID != "e1" {
			t.Fatalf("event=%+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatalf("no sent event")
	}
}

func TestNotifyPersistedDedupSurvivesRestart(t *testing.T) {
	store := &mapDedup{m: map[string]time.Time{}}
	cfg := Config{DedupWindow: time.Hour, PersistDedup: true, RatePerSec: 100}

	first := &captureSink{}
	if err := New(cfg, first, logx.Nop(), nil, store).Notify(context.Background(), reminder("e1")); err != nil {
		t.Fatal(err)
	}
	second := &captureSink{}
	if err := New(cfg, second, logx.Nop(), nil, store).Notify(context.Background(), reminder("e1")); err != nil {
		t.Fatal(err)
	}
	if first.count() != 1 || second.count() != 0 {
		t.Fatalf("first=%d second=%d", first.count(), second.count())
	}
}

func TestNotifySinkErrorIsNotRemembered(t *testing.T) {
	sink := &captureSink{err: errors.New("offline")}
	s := New(Config{DedupWindow: time.Hour, RatePerSec: 100}, sink, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), reminder("e1")); err == nil {
		t.Fatalf("expected error")
	}
	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()
	if err := s.Notify(context.Background(), reminder("e1")); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 1 {
		t.Fatalf("retry should reach the sink")
	}
	if h := s.History(); len(h) != 2 || h[0].Error == "" {
		t.Fatalf("history=%+v", h)
	}
}

func TestComposeDefaults(t *testing.T) {
	m := Compose(dispatch.Reminder{Habit: habit.Habit{ID: "walk", IsRampUp: true}, Event: habit.ScheduleEvent{ID: "e"}})
	if m.Title != "walk" || m.Body != "Time for walk!" || len(m.Actions) != 3 {
		t.Fatalf("m=%+v", m)
	}
	custom := Compose(dispatch.Reminder{Habit: habit.Habit{ID: "x", Name: "Snacks", Message: "Drink water instead"}})
	if custom.Body != "Drink water instead" || custom.Title != "Snacks" {
		t.Fatalf("custom=%+v", custom)
	}
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	ws := &WriterSink{W: &buf}
	at := time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC)
	if err := ws.Send(context.Background(), Message{EventID: "e", Title: "Walk", Body: "Go", ScheduledAt: at, Actions: []habit.ResponseType{habit.ResponseCompleted}}); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); !strings.HasPrefix(got, "2024-06-03 09:30  Walk: Go  [completed]") {
		t.Fatalf("line=%q", got)
	}
}
