package storage

import (
	"context"
	"time"

	"taper/internal/eventbus"
	"taper/internal/habit"
)

// signals publishes store mutations. Observers re-read on each signal so
// every driver gets change streams without triggers or LISTEN/NOTIFY.
type signals struct {
	bus eventbus.Bus
}

func (s signals) eventsChanged(habitID string) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeEventsChanged, HabitID: habitID, Time: time.Now()})
}

func (s signals) habitChanged(habitID string) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeHabitChanged, HabitID: habitID, Time: time.Now()})
}

func (s signals) windowChanged(w habit.AwakeWindow) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeWindowChanged, Time: time.Now(), Data: w})
}

// observe emits load() once and again after every matching signal until ctx
// ends. Only the latest value is kept for a slow reader.
func observe[T any](ctx context.Context, bus eventbus.Bus, f eventbus.Filter, load func(context.Context) (T, error)) (<-chan T, error) {
	first, err := load(ctx)
	if err != nil {
		return nil, err
	}
	sig, unsubscribe := bus.SubscribeFiltered(8, f)
	out := make(chan T, 1)
	out <- first

	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sig:
				if !ok {
					return
				}
				v, err := load(ctx)
				if err != nil {
					continue
				}
				// Replace an unread value rather than block.
				select {
				case <-out:
				default:
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func observeEvents(ctx context.Context, bus eventbus.Bus, habitID string, list func(context.Context, string) ([]habit.ScheduleEvent, error)) (<-chan []habit.ScheduleEvent, error) {
	return observe(ctx, bus, eventbus.ForHabit(eventbus.TypeEventsChanged, habitID), func(c context.Context) ([]habit.ScheduleEvent, error) {
		return list(c, habitID)
	})
}

func observeWindow(ctx context.Context, bus eventbus.Bus, get func(context.Context) (habit.AwakeWindow, error)) (<-chan habit.AwakeWindow, error) {
	return observe(ctx, bus, eventbus.OfType(eventbus.TypeWindowChanged), get)
}
