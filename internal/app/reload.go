package app

import (
	"context"
	"strings"

	"taper/internal/config"
	"taper/internal/dispatch"
	logx "taper/pkg/logx"
)

func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case u, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; the diff is taken against what was applied.
			drain:
				for {
					select {
					case newer, ok := <-sub:
						if !ok {
							break drain
						}
						u.Resolved, u.Config = newer.Resolved, newer.Config
					default:
						break drain
					}
				}
				a.applyConfig(c, u.Resolved)
			}
		}
	})
}

// applyConfig moves the running app from a.resolved to r.
func (a *App) applyConfig(ctx context.Context, r config.Resolved) {
	change := config.Diff(a.resolved, r)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", change.Fields()...)
	a.resolved = r

	if len(change.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect",
			logx.String("sections", strings.Join(change.RestartRequired, ",")))
	}
	if change.LoggingChanged {
		a.logs.Apply(r.Logging)
	}

	a.coord.Apply(r.Dispatch)
	if a.deferred != nil {
		a.deferred.Apply(r.Deferred)
	}
	a.precise.Apply(r.Precise)
	a.precise.SetCapability(r.PreciseEnabled)
	a.notif.Apply(r.Notifier)
	if change.SinkChanged || change.LocationChanged {
		a.notif.SetSink(a.buildSink(r))
	}
	if err := a.sweep.Apply(sweepConfig(r)); err != nil {
		a.log.Warn("sweep config rejected; keeping previous", logx.Err(err))
	}
	a.diag.Reconfigure(ctx, r.Debug)

	// A window change reaches the coordinator through the store observer.
	if err := a.syncStore(ctx, r, &change); err != nil {
		a.log.Error("config sync failed", logx.Err(err))
	}
	for _, id := range change.HabitsAdded {
		a.observers.watch(ctx, id)
	}
	for _, id := range change.HabitsRemoved {
		a.observers.forget(id)
	}

	switch {
	case change.LocationChanged || change.PreciseChanged:
		if _, err := a.coord.RescheduleAll(ctx, dispatch.PriorityInteractive); err != nil {
			a.log.Error("re-plan after config change failed", logx.Err(err))
		}
	case !change.WindowChanged:
		for _, id := range append(append([]string{}, change.HabitsAdded...), change.HabitsChanged...) {
			h, ok := r.Habit(id)
			if !ok {
				continue
			}
			if _, err := a.coord.Reschedule(ctx, h); err != nil {
				a.log.Error("re-plan failed", logx.String("habit", id), logx.Err(err))
			}
		}
	}

	a.log.Info("config reloaded", change.Fields()...)
}
