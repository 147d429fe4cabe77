package app

import (
	"context"
	"time"

	"taper/internal/dispatch"
	rtsup "taper/internal/runtime/supervisor"
	"taper/internal/sweep"
)

// Status is served on the diagnostics /status route.
type Status struct {
	Started        time.Time         `json:"started"`
	Uptime         string            `json:"uptime"`
	Config         string            `json:"config"`
	Timezone       string            `json:"timezone"`
	AwakeWindow    string            `json:"awake_window"`
	Habits         int               `json:"habits"`
	Storage        string            `json:"storage"`
	Deferred       string            `json:"deferred"`
	LastReschedule *time.Time        `json:"last_reschedule,omitempty"`
	Dispatch       dispatch.Snapshot `json:"dispatch"`
	Sweep          sweep.Snapshot    `json:"sweep"`
	Tasks          []rtsup.Stats     `json:"tasks"`
	Error          string            `json:"error,omitempty"`
}

func (a *App) Status(ctx context.Context) any {
	// The committed config, which may be a reload ahead of what is applied.
	_, r := a.cfgm.Get()
	st := Status{
		Started:     a.started,
		Uptime:      time.Since(a.started).Truncate(time.Second).String(),
		Config:      a.cfgm.Path(),
		Timezone:    r.Location.String(),
		AwakeWindow: r.Window.String(),
		Habits:      len(r.Habits),
		Storage:     r.Storage.Driver,
		Deferred:    r.DeferredDriver,
		Dispatch:    a.coord.Snapshot(),
		Sweep:       a.sweep.Snapshot(),
	}
	if a.sup != nil {
		st.Tasks = a.sup.Snapshot()
	}
	if last, err := a.store.LastRescheduleAt(ctx); err == nil && !last.IsZero() {
		st.LastReschedule = &last
	}
	if err := a.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// Health reports the first fatal error, if any.
func (a *App) Health() error { return a.Err() }

// RunSweep runs the full re-plan now, outside the cron schedule.
func (a *App) RunSweep(ctx context.Context) (bool, error) { return a.sweep.RunNow(ctx) }
