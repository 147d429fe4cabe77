package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"taper/internal/habit"
)

type fakeStore struct {
	mu     sync.Mutex
	seq    int
	events map[string]habit.ScheduleEvent
	habits map[string]habit.Habit
	window habit.AwakeWindow
	last   time.Time

	failInsert error
	windowCh   chan habit.AwakeWindow
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:   map[string]habit.ScheduleEvent{},
		habits:   map[string]habit.Habit{},
		window:   habit.DefaultAwakeWindow(),
		windowCh: make(chan habit.AwakeWindow, 4),
	}
}

func (s *fakeStore) InsertAll(ctx context.Context, events []habit.ScheduleEvent) ([]habit.ScheduleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert != nil {
		return nil, s.failInsert
	}
	out := make([]habit.ScheduleEvent, 0, len(events))
	for _, ev := range events {
		s.seq++
		ev.ID = fmt.Sprintf("ev-%d", s.seq)
		s.events[ev.ID] = ev
		out = append(out, ev)
	}
	return out, nil
}

func (s *fakeStore) DeleteForHabit(ctx context.Context, habitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ev := range s.events {
		if ev.HabitID == habitID {
			delete(s.events, id)
		}
	}
	return nil
}

func (s *fakeStore) DeleteFutureForHabit(ctx context.Context, habitID string, from time.Time, keepSnoozed bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ev := range s.events {
		if ev.HabitID != habitID || ev.SentAt != nil || ev.Response != habit.ResponseNone || ev.ScheduledAt.Before(from) || (keepSnoozed && ev.IsSnoozed) {
			continue
		}
		delete(s.events, id)
		n++
	}
	return n, nil
}

func (s *fakeStore) ObserveForHabit(ctx context.Context, habitID string) (<-chan []habit.ScheduleEvent, error) {
	list, _ := s.ListForHabit(ctx, habitID)
	ch := make(chan []habit.ScheduleEvent, 1)
	ch <- list
	close(ch)
	return ch, nil
}

func (s *fakeStore) GetAll(ctx context.Context) ([]habit.ScheduleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(func(habit.ScheduleEvent) bool { return true }), nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (habit.ScheduleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return habit.ScheduleEvent{}, ErrNotFound
	}
	return ev, nil
}

func (s *fakeStore) ListForHabit(ctx context.Context, habitID string) ([]habit.ScheduleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(func(ev habit.ScheduleEvent) bool { return ev.HabitID == habitID }), nil
}

func (s *fakeStore) sortedLocked(keep func(habit.ScheduleEvent) bool) []habit.ScheduleEvent {
	var out []habit.ScheduleEvent
	for _, ev := range s.events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}

func (s *fakeStore) MarkSent(ctx context.Context, id string, at time.Time) (habit.ScheduleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return habit.ScheduleEvent{}, ErrNotFound
	}
	if ev.SentAt == nil {
		ev.SentAt = &at
		s.events[id] = ev
	}
	return ev, nil
}

func (s *fakeStore) Respond(ctx context.Context, id string, resp habit.ResponseType, at time.Time) (habit.ScheduleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return habit.ScheduleEvent{}, ErrNotFound
	}
	ev.Response = resp
	ev.RespondedAt = &at
	s.events[id] = ev
	return ev, nil
}

func (s *fakeStore) AwakeWindow(ctx context.Context) (habit.AwakeWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window, nil
}

func (s *fakeStore) ObserveAwakeWindow(ctx context.Context) (<-chan habit.AwakeWindow, error) {
	return s.windowCh, nil
}

func (s *fakeStore) LastRescheduleAt(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

func (s *fakeStore) SetLastRescheduleAt(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = at
	return nil
}

func (s *fakeStore) GetHabit(ctx context.Context, id string) (habit.Habit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.habits[id]
	if !ok {
		return habit.Habit{}, ErrNotFound
	}
	return h, nil
}

func (s *fakeStore) ListHabits(ctx context.Context) ([]habit.Habit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]habit.Habit, 0, len(s.habits))
	for _, h := range s.habits {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) DeleteHabit(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.habits, id)
	return nil
}

func (s *fakeStore) putHabit(h habit.Habit) {
	s.mu.Lock()
	s.habits[h.ID] = h
	s.mu.Unlock()
}

func (s *fakeStore) pending(habitID string, now time.Time) []habit.ScheduleEvent {
	list, _ := s.ListForHabit(context.Background(), habitID)
	var out []habit.ScheduleEvent
	for _, ev := range list {
		if ev.Pending(now) {
			out = append(out, ev)
		}
	}
	return out
}

type armedItem struct {
	habitID string
	at      time.Time
}

// fakeBackend implements both DeferredQueue and PreciseTimer.
type fakeBackend struct {
	name string

	mu        sync.Mutex
	armed     map[string]armedItem
	exact     bool
	armCalls  int
	failOn    map[int]error // armCalls index (1-based) -> error
	armErr    error
	cancelErr error
	armDelay  time.Duration
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, armed: map[string]armedItem{}, exact: true, failOn: map[int]error{}}
}

func (b *fakeBackend) arm(habitID string, ev habit.ScheduleEvent) (string, error) {
	if b.armDelay > 0 {
		time.Sleep(b.armDelay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.armCalls++
	if err := b.failOn[b.armCalls]; err != nil {
		return "", err
	}
	if b.armErr != nil {
		return "", b.armErr
	}
	b.armed[ev.ID] = armedItem{habitID: habitID, at: ev.ScheduledAt}
	return b.name + ":" + ev.ID, nil
}

func (b *fakeBackend) Enqueue(ctx context.Context, habitID string, ev habit.ScheduleEvent, delay time.Duration) (string, error) {
	return b.arm(habitID, ev)
}

func (b *fakeBackend) CanScheduleExact() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exact
}

func (b *fakeBackend) ScheduleExact(ctx context.Context, habitID string, ev habit.ScheduleEvent) (string, error) {
	return b.arm(habitID, ev)
}

func (b *fakeBackend) CancelAllForHabit(ctx context.Context, habitID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelErr != nil {
		return b.cancelErr
	}
	for id, it := range b.armed {
		if it.habitID == habitID {
			delete(b.armed, id)
		}
	}
	return nil
}

func (b *fakeBackend) CancelOne(ctx context.Context, eventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelErr != nil {
		return b.cancelErr
	}
	delete(b.armed, eventID)
	return nil
}

func (b *fakeBackend) count(habitID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, it := range b.armed {
		if habitID == "" || it.habitID == habitID {
			n++
		}
	}
	return n
}

func (b *fakeBackend) has(eventID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.armed[eventID]
	return ok
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []Reminder
	err  error
}

func (n *fakeNotifier) Notify(ctx context.Context, r Reminder) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, r)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type harness struct {
	store    *fakeStore
	deferred *fakeBackend
	precise  *fakeBackend
	notifier *fakeNotifier
	coord    *Coordinator
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(),
		deferred: newFakeBackend("dq"),
		precise:  newFakeBackend("px"),
		notifier: &fakeNotifier{},
		now:      time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
	}
	h.coord = New(Config{Location: time.UTC, BackendTimeout: time.Second}, Deps{
		Events:   h.store,
		Settings: h.store,
		Habits:   h.store,
		Deferred: h.deferred,
		Precise:  h.precise,
		Notifier: h.notifier,
		Now:      func() time.Time { return h.now },
	})
	return h
}

func (h *harness) habit(id string, start, end, weeks int) habit.Habit {
	hb := habit.Habit{
		ID:          id,
		Name:        id,
		StartPerDay: start,
		EndPerDay:   end,
		Weeks:       weeks,
		StartDate:   habit.DateOf(h.now),
		IsRampUp:    end > start,
		IsActive:    true,
	}
	h.store.putHabit(hb)
	return hb
}

var errBoom = errors.New("boom")
