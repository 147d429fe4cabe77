package dispatch

import (
	"context"
	"time"

	"taper/internal/habit"
)

// BackendKind names the delivery mechanism that holds an armed reminder.
type BackendKind string

const (
	// BackendDeferred is best-effort and may batch or delay delivery.
	BackendDeferred BackendKind = "deferred"
	// BackendPrecise fires at the exact instant but is a scarce resource.
	BackendPrecise BackendKind = "precise"
)

// Record remembers where an event was armed so it can be cancelled later.
type Record struct {
	HabitID     string      `json:"habit_id"`
	EventID     string      `json:"event_id"`
	Backend     BackendKind `json:"backend"`
	Handle      string      `json:"handle"`
	ScheduledAt time.Time   `json:"scheduled_at"`
	ArmedAt     time.Time   `json:"armed_at"`
}

// Delivery is what a backend hands back when an armed reminder comes due.
type Delivery struct {
	HabitID     string
	EventID     string
	ScheduledAt time.Time
	Backend     BackendKind
	Handle      string
}

// DeliverFunc is the callback backends invoke when a reminder fires.
// A non-nil error asks the backend to retry if it supports retries.
type DeliverFunc func(ctx context.Context, d Delivery) error

// AbandonFunc is invoked once a backend gives up on a delivery: retries are
// exhausted, the failure is permanent or the item went stale in the queue.
type AbandonFunc func(d Delivery, cause error)

// Reminder is passed to the Notifier once an event has been marked sent.
type Reminder struct {
	Habit habit.Habit
	Event habit.ScheduleEvent
}

// Priority orders competing mutations of the same habit.
type Priority int

const (
	// PrioritySweep is used by the periodic re-plan.
	PrioritySweep Priority = iota
	// PriorityInteractive is used for user-driven edits and config reloads.
	PriorityInteractive
)

func (p Priority) String() string {
	if p == PriorityInteractive {
		return "interactive"
	}
	return "sweep"
}

// EventStore persists ScheduleEvents. InsertAll assigns ids.
type EventStore interface {
	InsertAll(ctx context.Context, events []habit.ScheduleEvent) ([]habit.ScheduleEvent, error)
	DeleteForHabit(ctx context.Context, habitID string) error
	// DeleteFutureForHabit removes unsent, unanswered events at or after
	// from. keepSnoozed leaves snoozed follow-ups in place.
	DeleteFutureForHabit(ctx context.Context, habitID string, from time.Time, keepSnoozed bool) (int, error)
	ObserveForHabit(ctx context.Context, habitID string) (<-chan []habit.ScheduleEvent, error)
	GetAll(ctx context.Context) ([]habit.ScheduleEvent, error)
	Get(ctx context.Context, id string) (habit.ScheduleEvent, error)
	ListForHabit(ctx context.Context, habitID string) ([]habit.ScheduleEvent, error)
	// MarkSent records the first delivery time and returns the updated event.
	MarkSent(ctx context.Context, id string, at time.Time) (habit.ScheduleEvent, error)
	Respond(ctx context.Context, id string, resp habit.ResponseType, at time.Time) (habit.ScheduleEvent, error)
}

// SettingsStore holds process-wide planning settings.
type SettingsStore interface {
	AwakeWindow(ctx context.Context) (habit.AwakeWindow, error)
	ObserveAwakeWindow(ctx context.Context) (<-chan habit.AwakeWindow, error)
	LastRescheduleAt(ctx context.Context) (time.Time, error)
	SetLastRescheduleAt(ctx context.Context, at time.Time) error
}

// HabitStore is the coordinator's view of habit definitions.
type HabitStore interface {
	GetHabit(ctx context.Context, id string) (habit.Habit, error)
	ListHabits(ctx context.Context) ([]habit.Habit, error)
	DeleteHabit(ctx context.Context, id string) error
}

// DeferredQueue is the always-available delivery path.
type DeferredQueue interface {
	Enqueue(ctx context.Context, habitID string, ev habit.ScheduleEvent, delay time.Duration) (handle string, err error)
	CancelAllForHabit(ctx context.Context, habitID string) error
	CancelOne(ctx context.Context, eventID string) error
}

// PreciseTimer fires at exact instants when the host allows it.
type PreciseTimer interface {
	CanScheduleExact() bool
	ScheduleExact(ctx context.Context, habitID string, ev habit.ScheduleEvent) (handle string, err error)
	CancelAllForHabit(ctx context.Context, habitID string) error
	CancelOne(ctx context.Context, eventID string) error
}

// Notifier presents a due reminder to the user.
type Notifier interface {
	Notify(ctx context.Context, r Reminder) error
}
