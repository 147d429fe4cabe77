package notify

import (
	"time"

	"taper/internal/habit"
)

// Config controls reminder presentation.
type Config struct {
	// RatePerSec caps deliveries to the sink. Burst equals the rate.
	RatePerSec int
	// DedupWindow suppresses a second presentation of the same event.
	DedupWindow     time.Duration
	DedupMaxEntries int
	// PersistDedup mirrors dedup state to storage so it survives restarts.
	PersistDedup bool
	HistorySize  int
}

// Message is what a Sink presents to the user.
type Message struct {
	HabitID     string
	EventID     string
	Title       string
	Body        string
	ScheduledAt time.Time
	Snoozed     bool
	// Actions the user can answer with.
	Actions []habit.ResponseType
}

type HistoryItem struct {
	At      time.Time
	HabitID string
	EventID string
	Title   string
	Error   string
}

// SentEvent is published on the bus after a reminder reached the sink.
type SentEvent struct {
	HabitID     string    `json:"habit_id"`
	EventID     string    `json:"event_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	At          time.Time `json:"at"`
	Late        string    `json:"late,omitempty"`
}
