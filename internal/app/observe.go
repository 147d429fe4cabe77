package app

import (
	"context"
	"sync"
	"time"

	"taper/internal/dispatch"
	"taper/internal/eventbus"
	"taper/internal/habit"
	"taper/internal/storage"
	logx "taper/pkg/logx"
)

// startAudit turns re-plan and response events into audit rows.
func (a *App) startAudit() {
	events, unsub := a.bus.SubscribeFiltered(256, eventbus.OfType(eventbus.TypeReplanFinished, eventbus.TypeReminderAnswered))
	a.sup.Go0("audit", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				entry, ok := auditEntry(e)
				if !ok {
					continue
				}
				// The store may already be closing during shutdown.
				wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := a.store.AppendAudit(wctx, entry); err != nil {
					a.log.Warn("audit write failed", logx.String("habit", entry.HabitID), logx.Err(err))
				}
				cancel()
			}
		}
	})
}

func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	switch d := e.Data.(type) {
	case dispatch.Result:
		return storage.AuditEntry{
			At:       e.Time,
			HabitID:  e.HabitID,
			Action:   "replan",
			Priority: d.Priority,
			Armed:    d.Armed,
			Skipped:  d.Skipped,
			TookMS:   d.Took.Milliseconds(),
		}, true
	case dispatch.Answer:
		return storage.AuditEntry{
			At:      d.At,
			HabitID: e.HabitID,
			Action:  "respond:" + string(d.Response),
		}, true
	}
	return storage.AuditEntry{}, false
}

// startEventLog mirrors every bus event to the debug log.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("habit", e.HabitID), logx.Time("time", e.Time))
			}
		}
	})
}

// habitObservers logs a status line whenever a habit's stored events change.
type habitObservers struct {
	store storage.Store
	log   logx.Logger

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

func newHabitObservers(store storage.Store, log logx.Logger) *habitObservers {
	return &habitObservers{store: store, log: log, cancel: map[string]context.CancelFunc{}}
}

func (o *habitObservers) watch(ctx context.Context, habitID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.cancel[habitID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	ch, err := o.store.ObserveForHabit(ctx, habitID)
	if err != nil {
		cancel()
		o.log.Warn("observe habit failed", logx.String("habit", habitID), logx.Err(err))
		return
	}
	o.cancel[habitID] = cancel
	go o.run(habitID, ch)
}

func (o *habitObservers) forget(habitID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.cancel[habitID]; ok {
		cancel()
		delete(o.cancel, habitID)
	}
}

func (o *habitObservers) run(habitID string, ch <-chan []habit.ScheduleEvent) {
	for events := range ch {
		st := summarize(events, time.Now())
		fields := []logx.Field{
			logx.String("habit", habitID),
			logx.Int("pending", st.pending),
			logx.Int("sent", st.sent),
			logx.Int("answered", st.answered),
		}
		if !st.next.IsZero() {
			fields = append(fields, logx.Time("next", st.next))
		}
		o.log.Debug("habit.status", fields...)
	}
}

type habitStatus struct {
	pending, sent, answered int
	next                    time.Time
}

func summarize(events []habit.ScheduleEvent, now time.Time) habitStatus {
	var st habitStatus
	for _, ev := range events {
		switch {
		case ev.Response != habit.ResponseNone:
			st.answered++
		case ev.SentAt != nil:
			st.sent++
		case ev.Pending(now):
			st.pending++
			if st.next.IsZero() || ev.ScheduledAt.Before(st.next) {
				st.next = ev.ScheduledAt
			}
		}
	}
	return st
}
