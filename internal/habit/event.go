package habit

import (
	"fmt"
	"strings"
	"time"
)

// ResponseType is the user's answer to a delivered reminder.
type ResponseType string

const (
	ResponseNone      ResponseType = ""
	ResponseCompleted ResponseType = "completed"
	ResponseDenied    ResponseType = "denied"
	ResponseSnoozed   ResponseType = "snoozed"
)

func ParseResponse(s string) (ResponseType, error) {
	switch r := ResponseType(strings.ToLower(strings.TrimSpace(s))); r {
	case ResponseCompleted, ResponseDenied, ResponseSnoozed:
		return r, nil
	}
	return ResponseNone, fmt.Errorf("unknown response %q", s)
}

// ScheduleEvent is one planned reminder.
type ScheduleEvent struct {
	ID          string       `json:"id"`
	HabitID     string       `json:"habit_id"`
	ScheduledAt time.Time    `json:"scheduled_at"`
	SentAt      *time.Time   `json:"sent_at,omitempty"`
	Response    ResponseType `json:"response,omitempty"`
	RespondedAt *time.Time   `json:"responded_at,omitempty"`
	IsSnoozed   bool         `json:"is_snoozed,omitempty"`
}

// State is derived from the stored fields, never stored itself.
type State string

const (
	StateScheduled State = "scheduled"
	StateSent      State = "sent"
	StateMissed    State = "missed"
	StateCompleted State = "completed"
	StateDenied    State = "denied"
	StateSnoozed   State = "snoozed"
)

// State reports the lifecycle state at now. Missed means the instant passed
// without the reminder ever going out.
func (e ScheduleEvent) State(now time.Time) State {
	switch e.Response {
	case ResponseCompleted:
		return StateCompleted
	case ResponseDenied:
		return StateDenied
	case ResponseSnoozed:
		return StateSnoozed
	}
	if e.SentAt != nil {
		return StateSent
	}
	if e.ScheduledAt.Before(now) {
		return StateMissed
	}
	return StateScheduled
}

// Pending reports whether the event still waits for delivery.
func (e ScheduleEvent) Pending(now time.Time) bool {
	return e.SentAt == nil && e.Response == ResponseNone && !e.ScheduledAt.Before(now)
}
