package deferred

import (
	"errors"
	"fmt"
	"time"
)

// Config controls the in-process deferred queue.
type Config struct {
	Workers   int
	QueueSize int

	// FlexWindow rounds due times up to a multiple of itself so reminders
	// close together are delivered in one batch. 0 disables batching.
	FlexWindow time.Duration

	// DeliveryTimeout bounds one delivery attempt.
	DeliveryTimeout time.Duration

	// MaxQueueDelay drops deliveries that waited longer than this past their
	// due time. 0 keeps them regardless of lateness.
	MaxQueueDelay time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

var (
	ErrStopped   = errors.New("deferred queue stopped")
	ErrQueueFull = errors.New("deferred queue full")
	ErrStale     = errors.New("deferred: queue delay exceeded")
)

// NoRetry marks a delivery failure as permanent.
//
//	return deferred.NoRetry(fmt.Errorf("habit gone: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// HistoryItem is one finished (or dropped) delivery.
type HistoryItem struct {
	EventID  string
	HabitID  string
	DueAt    time.Time
	Started  time.Time
	Lateness time.Duration
	Attempts int
	Error    string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running      bool
	Workers      int
	QueueLen     int
	QueueCap     int
	Pending      int
	Delivered    uint64
	Failed       uint64
	DroppedStale uint64
	Requeued     uint64
	History      []HistoryItem
}

// dueTime applies flex batching: the result is never earlier than at.
func dueTime(at time.Time, flex time.Duration) time.Time {
	if flex <= 0 {
		return at
	}
	t := at.Truncate(flex)
	if t.Before(at) {
		t = t.Add(flex)
	}
	return t
}
