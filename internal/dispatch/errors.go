package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores for unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrPreciseUnavailable means the precise backend cannot take this
	// reminder right now. The coordinator falls back to the deferred queue.
	ErrPreciseUnavailable = errors.New("precise timer unavailable")
	// ErrInPast is returned by backends asked to arm an instant that has passed.
	ErrInPast = errors.New("reminder instant already passed")
)

// ArmError is a single reminder that could not be armed. The batch goes on.
type ArmError struct {
	HabitID string
	EventID string
	Backend BackendKind
	Err     error
}

func (e *ArmError) Error() string {
	return fmt.Sprintf("arm %s on %s backend (habit %s): %v", e.EventID, e.Backend, e.HabitID, e.Err)
}

func (e *ArmError) Unwrap() error { return e.Err }

// StoreError is a persistence failure. Nothing is armed for events it covers.
type StoreError struct {
	Op      string
	HabitID string
	Err     error
}

func (e *StoreError) Error() string {
	if e.HabitID == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s (habit %s): %v", e.Op, e.HabitID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// CancelError means previously armed reminders could not all be withdrawn,
// so no new ones were armed.
type CancelError struct {
	HabitID string
	Err     error
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("cancel reminders for habit %s: %v", e.HabitID, e.Err)
}

func (e *CancelError) Unwrap() error { return e.Err }
