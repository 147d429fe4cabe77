// Package storage persists habits, their schedule events and planning
// settings.
//
// Drivers:
//   - "memory": process-local, used by tests and the preview command
//   - "sqlite": single file via modernc.org/sqlite (the default)
//   - "postgres": shared database via pgx
//
// Every driver publishes change signals on the event bus so ObserveForHabit
// and ObserveAwakeWindow behave the same regardless of backend. It also keeps
// a small audit trail of re-plans and the notifier's dedup state.
package storage
