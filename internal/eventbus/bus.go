package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published inside taper.
const (
	TypeEventsChanged     = "store.events.changed"
	TypeHabitChanged      = "store.habit.changed"
	TypeWindowChanged     = "store.window.changed"
	TypeReminderArmed     = "dispatch.armed"
	TypeReminderFired     = "dispatch.fired"
	TypeReminderAbandoned = "dispatch.abandoned"
	TypeReminderSent      = "notify.sent"
	TypeReminderAnswered  = "dispatch.answered"
	TypeReplanFinished    = "dispatch.replan.finished"
	TypeSweepFinished     = "sweep.finished"
)

// Event is a small in-memory signal used to decouple components.
//
// Publish never blocks; a slow subscriber drops events instead of stalling
// the publisher. HabitID is empty for process-wide events.
type Event struct {
	Type    string
	HabitID string
	Time    time.Time
	Data    any
}

// Filter selects the events a subscriber wants. A nil Filter accepts everything.
type Filter func(Event) bool

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	SubscribeFiltered(buffer int, f Filter) (ch <-chan Event, unsubscribe func())
}

// ForHabit accepts events of the given type for one habit.
func ForHabit(typ, habitID string) Filter {
	return func(e Event) bool { return e.Type == typ && e.HabitID == habitID }
}

// OfType accepts events of any of the given types.
func OfType(types ...string) Filter {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]subscriber{}}
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter == nil || s.filter(e) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		// Unsubscribe may close the channel concurrently.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribeFiltered(buffer, nil)
}

func (b *memBus) SubscribeFiltered(buffer int, f Filter) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = subscriber{ch: ch, filter: f}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
