package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"taper/internal/eventbus"
	"taper/internal/habit"
)

type memoryStore struct {
	signals

	mu       sync.RWMutex
	habits   map[string]habit.Habit
	events   map[string]habit.ScheduleEvent
	window   *habit.AwakeWindow
	last     time.Time
	audit    []AuditEntry
	dedup    map[string]time.Time
	auditCap int
}

// NewMemory returns a process-local Store.
func NewMemory(bus eventbus.Bus) Store {
	if bus == nil {
		bus = eventbus.New()
	}
	return &memoryStore{
		signals:  signals{bus: bus},
		habits:   map[string]habit.Habit{},
		events:   map[string]habit.ScheduleEvent{},
		dedup:    map[string]time.Time{},
		auditCap: 1000,
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) PutHabit(ctx context.Context, h habit.Habit) error {
	if h.ID == "" {
		return &habit.ConfigError{Field: "id", Reason: "is required"}
	}
	s.mu.Lock()
	s.habits[h.ID] = h
	s.mu.Unlock()
	s.habitChanged(h.ID)
	return nil
}

func (s *memoryStore) GetHabit(ctx context.Context, id string) (habit.Habit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.habits[id]
	if !ok {
		return habit.Habit{}, ErrNotFound
	}
	return h, nil
}

func (s *memoryStore) ListHabits(ctx context.Context) ([]habit.Habit, error) {
	s.mu.RLock()
	out := make([]habit.Habit, 0, len(s.habits))
	for _, h := range s.habits {
		out = append(out, h)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteHabit removes the habit and all of its events.
func (s *memoryStore) DeleteHabit(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.habits, id)
	for eid, ev := range s.events {
		if ev.HabitID == id {
			delete(s.events, eid)
		}
	}
	s.mu.Unlock()
	s.habitChanged(id)
	s.eventsChanged(id)
	return nil
}

func (s *memoryStore) InsertAll(ctx context.Context, events []habit.ScheduleEvent) ([]habit.ScheduleEvent, error) {
	out := make([]habit.ScheduleEvent, 0, len(events))
	touched := map[string]struct{}{}
	s.mu.Lock()
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		s.events[ev.ID] = ev
		out = append(out, ev)
		touched[ev.HabitID] = struct{}{}
	}
	s.mu.Unlock()
	for id := range touched {
		s.eventsChanged(id)
	}
	return out, nil
}

func (s *memoryStore) DeleteForHabit(ctx context.Context, habitID string) error {
	s.mu.Lock()
	for id, ev := range s.events {
		if ev.HabitID == habitID {
			delete(s.events, id)
		}
	}
	s.mu.Unlock()
	s.eventsChanged(habitID)
	return nil
}

func (s *memoryStore) DeleteFutureForHabit(ctx context.Context, habitID string, from time.Time, keepSnoozed bool) (int, error) {
	n := 0
	s.mu.Lock()
	for id, ev := range s.events {
		if deleteFutureMatch(ev, habitID, from, keepSnoozed) {
			delete(s.events, id)
			n++
		}
	}
	s.mu.Unlock()
	if n > 0 {
		s.eventsChanged(habitID)
	}
	return n, nil
}

func (s *memoryStore) ObserveForHabit(ctx context.Context, habitID string) (<-chan []habit.ScheduleEvent, error) {
	return observeEvents(ctx, s.bus, habitID, s.ListForHabit)
}

func (s *memoryStore) GetAll(ctx context.Context) ([]habit.ScheduleEvent, error) {
	return s.filtered(func(habit.ScheduleEvent) bool { return true }), nil
}

func (s *memoryStore) ListForHabit(ctx context.Context, habitID string) ([]habit.ScheduleEvent, error) {
	return s.filtered(func(ev habit.ScheduleEvent) bool { return ev.HabitID == habitID }), nil
}

func (s *memoryStore) filtered(keep func(habit.ScheduleEvent) bool) []habit.ScheduleEvent {
	s.mu.RLock()
	out := make([]habit.ScheduleEvent, 0, len(s.events))
	for _, ev := range s.events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	s.mu.RUnlock()
	sortEvents(out)
	return out
}

func (s *memoryStore) Get(ctx context.Context, id string) (habit.ScheduleEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return habit.ScheduleEvent{}, ErrNotFound
	}
	return ev, nil
}

func (s *memoryStore) MarkSent(ctx context.Context, id string, at time.Time) (habit.ScheduleEvent, error) {
	return s.update(id, func(ev *habit.ScheduleEvent) {
		if ev.SentAt == nil {
			ev.SentAt = &at
		}
	})
}

func (s *memoryStore) Respond(ctx context.Context, id string, resp habit.ResponseType, at time.Time) (habit.ScheduleEvent, error) {
	return s.update(id, func(ev *habit.ScheduleEvent) {
		ev.Response = resp
		ev.RespondedAt = &at
	})
}

func (s *memoryStore) update(id string, fn func(ev *habit.ScheduleEvent)) (habit.ScheduleEvent, error) {
	s.mu.Lock()
	ev, ok := s.events[id]
	if !ok {
		s.mu.Unlock()
		return habit.ScheduleEvent{}, ErrNotFound
	}
	fn(&ev)
	s.events[id] = ev
	s.mu.Unlock()
	s.eventsChanged(ev.HabitID)
	return ev, nil
}

func (s *memoryStore) AwakeWindow(ctx context.Context) (habit.AwakeWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.window == nil {
		return habit.DefaultAwakeWindow(), nil
	}
	return *s.window, nil
}

func (s *memoryStore) SetAwakeWindow(ctx context.Context, w habit.AwakeWindow) error {
	s.mu.Lock()
	s.window = &w
	s.mu.Unlock()
	s.windowChanged(w)
	return nil
}

func (s *memoryStore) ObserveAwakeWindow(ctx context.Context) (<-chan habit.AwakeWindow, error) {
	return observeWindow(ctx, s.bus, s.AwakeWindow)
}

func (s *memoryStore) LastRescheduleAt(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, nil
}

func (s *memoryStore) SetLastRescheduleAt(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	s.last = at
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.audit = append(s.audit, e)
	if len(s.audit) > s.auditCap {
		s.audit = s.audit[len(s.audit)-s.auditCap:]
	}
	s.mu.Unlock()
	return nil
}

// ListAudit returns the newest entries first.
func (s *memoryStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]AuditEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

func (s *memoryStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	s.dedup[key] = until
	now := time.Now()
	for k, u := range s.dedup {
		if u.Before(now) {
			delete(s.dedup, k)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	until, ok := s.dedup[key]
	return until, ok, nil
}

func sortEvents(events []habit.ScheduleEvent) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].ScheduledAt.Equal(events[j].ScheduledAt) {
			return events[i].ScheduledAt.Before(events[j].ScheduledAt)
		}
		return events[i].ID < events[j].ID
	})
}
