package habit

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidHabitConfig is returned for habit definitions that cannot be planned.
var ErrInvalidHabitConfig = errors.New("invalid habit config")

// ConfigError names the offending field. It unwraps to ErrInvalidHabitConfig.
type ConfigError struct {
	HabitID string
	Field   string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.HabitID == "" {
		return fmt.Sprintf("invalid habit config: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid habit config %q: %s %s", e.HabitID, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidHabitConfig }

// Habit is a reminder plan that changes frequency linearly over Weeks.
type Habit struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Message     string `json:"message,omitempty"`

	StartPerDay int  `json:"start_per_day"`
	EndPerDay   int  `json:"end_per_day"`
	Weeks       int  `json:"weeks"`
	StartDate   Date `json:"start_date"`

	// IsRampUp marks a habit being encouraged (EndPerDay >= StartPerDay).
	IsRampUp bool `json:"is_ramp_up"`
	IsActive bool `json:"is_active"`
}

// TotalDays is the length of the plan.
func (h Habit) TotalDays() int { return h.Weeks * 7 }

// EndDate is the last planned day (inclusive).
func (h Habit) EndDate() Date { return h.StartDate.AddDays(h.TotalDays() - 1) }

// TapersToZero reports whether the plan ends with no reminders at all.
func (h Habit) TapersToZero() bool { return !h.IsRampUp && h.EndPerDay == 0 }

// Validate reports problems that make the habit unplannable.
func (h Habit) Validate() error {
	switch {
	case h.Weeks < 1:
		return &ConfigError{HabitID: h.ID, Field: "weeks", Reason: fmt.Sprintf("must be >= 1 (got %d)", h.Weeks)}
	case h.StartPerDay < 0:
		return &ConfigError{HabitID: h.ID, Field: "start_per_day", Reason: fmt.Sprintf("must be >= 0 (got %d)", h.StartPerDay)}
	case h.EndPerDay < 0:
		return &ConfigError{HabitID: h.ID, Field: "end_per_day", Reason: fmt.Sprintf("must be >= 0 (got %d)", h.EndPerDay)}
	case h.StartDate.IsZero():
		return &ConfigError{HabitID: h.ID, Field: "start_date", Reason: "is required"}
	}
	return nil
}

// DisplayName falls back to the id when the habit has no name.
func (h Habit) DisplayName() string {
	if n := strings.TrimSpace(h.Name); n != "" {
		return n
	}
	return h.ID
}
