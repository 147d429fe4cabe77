package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taper/internal/eventbus"
	"taper/internal/habit"
	"taper/pkg/logx"
)

func openers(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemory(eventbus.New())
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "taper.db")}, logx.Nop(), eventbus.New())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
		"postgres": func(t *testing.T) Store {
			dsn := os.Getenv("TAPER_TEST_POSTGRES_DSN")
			if dsn == "" {
				t.Skip("TAPER_TEST_POSTGRES_DSN not set")
			}
			st, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop(), eventbus.New())
			if err != nil {
				t.Fatalf("open postgres: %v", err)
			}
			ctx := context.Background()
			for _, id := range []string{"walk", "snack"} {
				_ = st.DeleteHabit(ctx, id)
			}
			t.Cleanup(func() {
				for _, id := range []string{"walk", "snack"} {
					_ = st.DeleteHabit(ctx, id)
				}
				_ = st.Close()
			})
			return st
		},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	for name, open := range openers(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

var base = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func TestHabitCRUD(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		h := habit.Habit{ID: "walk", Name: "Walk", StartPerDay: 2, EndPerDay: 6, Weeks: 3, StartDate: habit.NewDate(2024, 6, 3), IsRampUp: true, IsActive: true}
		if err := st.PutHabit(ctx, h); err != nil {
			t.Fatal(err)
		}
		h.Weeks = 4
		if err := st.PutHabit(ctx, h); err != nil {
			t.Fatal(err)
		}
		got, err := st.GetHabit(ctx, "walk")
		if err != nil {
			t.Fatal(err)
		}
		if got != h {
			t.Fatalf("got %+v want %+v", got, h)
		}
		list, _ := st.ListHabits(ctx)
		if len(list) != 1 {
			t.Fatalf("list=%d", len(list))
		}
		if err := st.DeleteHabit(ctx, "walk"); err != nil {
			t.Fatal(err)
		}
		if _, err := st.GetHabit(ctx, "walk"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("after delete: %v", err)
		}
	})
}

func TestEventLifecycle(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		inserted, err := st.InsertAll(ctx, []habit.ScheduleEvent{
			{HabitID: "snack", ScheduledAt: base.Add(2 * time.Hour)},
			{HabitID: "snack", ScheduledAt: base},
			{HabitID: "snack", ScheduledAt: base.Add(4 * time.Hour), IsSnoozed: true},
		})
		if err != nil {
			t.Fatal(err)
		}
		for _, ev := range inserted {
			if ev.ID == "" {
				t.Fatalf("id not assigned")
			}
		}

		list, _ := st.ListForHabit(ctx, "snack")
		if len(list) != 3 || !list[0].ScheduledAt.Equal(base) {
			t.Fatalf("list not ordered: %+v", list)
		}

		sent, err := st.MarkSent(ctx, list[0].ID, base.Add(time.Minute))
		if err != nil || sent.SentAt == nil {
			t.Fatalf("MarkSent: %+v %v", sent, err)
		}
		again, _ := st.MarkSent(ctx, list[0].ID, base.Add(time.Hour))
		if !again.SentAt.Equal(base.Add(time.Minute)) {
			t.Fatalf("MarkSent must keep the first time, got %s", again.SentAt)
		}
		if _, err := st.MarkSent(ctx, "missing", base); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing: %v", err)
		}

		resp, err := st.Respond(ctx, list[0].ID, habit.ResponseCompleted, base.Add(2*time.Minute))
		if err != nil || resp.Response != habit.ResponseCompleted || resp.RespondedAt == nil {
			t.Fatalf("Respond: %+v %v", resp, err)
		}

		n, err := st.DeleteFutureForHabit(ctx, "snack", base, true)
		if err != nil || n != 1 {
			t.Fatalf("DeleteFuture keep snoozed: n=%d err=%v", n, err)
		}
		left, _ := st.ListForHabit(ctx, "snack")
		if len(left) != 2 || !left[1].IsSnoozed {
			t.Fatalf("left=%+v", left)
		}
		if n, _ := st.DeleteFutureForHabit(ctx, "snack", base, false); n != 1 {
			t.Fatalf("snoozed should go when not kept: %d", n)
		}
		if err := st.DeleteForHabit(ctx, "snack"); err != nil {
			t.Fatal(err)
		}
		if all, _ := st.ListForHabit(ctx, "snack"); len(all) != 0 {
			t.Fatalf("DeleteForHabit left %d", len(all))
		}
	})
}

func TestSettings(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		w, err := st.AwakeWindow(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if w != habit.DefaultAwakeWindow() {
			t.Logf("window already set: %s", w)
		}
		want := habit.AwakeWindow{Start: habit.TimeOfDay{Hour: 7, Minute: 30}, End: habit.TimeOfDay{Hour: 23}}
		if err := st.SetAwakeWindow(ctx, want); err != nil {
			t.Fatal(err)
		}
		if got, _ := st.AwakeWindow(ctx); got != want {
			t.Fatalf("window=%s want %s", got, want)
		}

		if err := st.SetLastRescheduleAt(ctx, base); err != nil {
			t.Fatal(err)
		}
		if got, _ := st.LastRescheduleAt(ctx); !got.Equal(base) {
			t.Fatalf("last=%s", got)
		}

		until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
		if err := st.PutDedup(ctx, "k", until); err != nil {
			t.Fatal(err)
		}
		if got, ok, err := st.GetDedup(ctx, "k"); err != nil || !ok || !got.Equal(until) {
			t.Fatalf("dedup=%s ok=%v err=%v", got, ok, err)
		}

		if err := st.AppendAudit(ctx, AuditEntry{HabitID: "walk", Action: "reschedule", Priority: "sweep", Armed: 3}); err != nil {
			t.Fatal(err)
		}
		if err := st.AppendAudit(ctx, AuditEntry{Action: "reschedule_all", Armed: 9}); err != nil {
			t.Fatal(err)
		}
		audit, err := st.ListAudit(ctx, 1)
		if err != nil || len(audit) != 1 || audit[0].Action != "reschedule_all" {
			t.Fatalf("audit=%+v err=%v", audit, err)
		}
	})
}

func TestObserveForHabit(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch, err := st.ObserveForHabit(ctx, "walk")
		if err != nil {
			t.Fatal(err)
		}
		if first := <-ch; len(first) != 0 {
			t.Fatalf("initial=%d", len(first))
		}
		if _, err := st.InsertAll(ctx, []habit.ScheduleEvent{{HabitID: "walk", ScheduledAt: base}}); err != nil {
			t.Fatal(err)
		}
		select {
		case got := <-ch:
			if len(got) != 1 {
				t.Fatalf("after insert=%d", len(got))
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no update")
		}

		cancel()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
			case <-deadline:
				t.Fatalf("channel not closed after cancel")
			}
		}
	})
}

func TestObserveAwakeWindow(t *testing.T) {
	st := NewMemory(eventbus.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := st.ObserveAwakeWindow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if w := <-ch; w != habit.DefaultAwakeWindow() {
		t.Fatalf("initial=%s", w)
	}
	want := habit.AwakeWindow{Start: habit.TimeOfDay{Hour: 6}, End: habit.TimeOfDay{Hour: 20}}
	_ = st.SetAwakeWindow(ctx, want)
	select {
	case w := <-ch:
		if w != want {
			t.Fatalf("got %s", w)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no update")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "bolt"}, logx.Nop(), nil); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(Config{Driver: "none"}, logx.Nop(), nil); !errors.Is(err, ErrDisabled) {
		t.Fatalf("none: %v", err)
	}
}
