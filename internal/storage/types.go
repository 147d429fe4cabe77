package storage

import (
	"context"
	"errors"
	"time"

	"taper/internal/dispatch"
	"taper/internal/habit"
)

var ErrDisabled = errors.New("storage disabled")

// ErrNotFound is dispatch.ErrNotFound so callers can match either.
var ErrNotFound = dispatch.ErrNotFound

// Config configures storage.
//
// Driver values:
//   - "memory"
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a libpq style URL
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
}

// Store is the full persistence API.
type Store interface {
	dispatch.EventStore
	dispatch.SettingsStore
	dispatch.HabitStore

	PutHabit(ctx context.Context, h habit.Habit) error
	SetAwakeWindow(ctx context.Context, w habit.AwakeWindow) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// AuditEntry records one re-plan or response.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	HabitID  string
	Action   string
	Priority string
	Armed    int
	Skipped  int
	Error    string
	TookMS   int64
}

const (
	settingAwakeWindow      = "awake_window"
	settingLastRescheduleAt = "last_reschedule_at"
)

// deleteFutureMatch is the shared predicate of DeleteFutureForHabit.
func deleteFutureMatch(ev habit.ScheduleEvent, habitID string, from time.Time, keepSnoozed bool) bool {
	if ev.HabitID != habitID || ev.SentAt != nil || ev.Response != habit.ResponseNone {
		return false
	}
	if ev.ScheduledAt.Before(from) {
		return false
	}
	return !(keepSnoozed && ev.IsSnoozed)
}
