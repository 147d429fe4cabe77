package config

import (
	"sort"

	logx "taper/pkg/logx"
)

// Change describes what a reload altered.
type Change struct {
	// Sections lists changed top-level sections in file order.
	Sections []string

	HabitsAdded   []string
	HabitsChanged []string
	HabitsRemoved []string

	WindowChanged   bool
	LocationChanged bool
	PreciseChanged  bool // enabled flag flipped
	LoggingChanged  bool
	SinkChanged     bool

	// RestartRequired names sections whose changes only apply after a restart.
	RestartRequired []string
}

// Empty reports whether nothing observable changed.
func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Replan reports whether every habit must be re-planned.
func (c Change) Replan() bool { return c.WindowChanged || c.LocationChanged || c.PreciseChanged }

// Fields returns log attributes for the change. Secrets never appear.
func (c Change) Fields() []logx.Field {
	f := []logx.Field{logx.Strings("sections", c.Sections)}
	if len(c.HabitsAdded) > 0 {
		f = append(f, logx.Strings("habits_added", c.HabitsAdded))
	}
	if len(c.HabitsChanged) > 0 {
		f = append(f, logx.Strings("habits_changed", c.HabitsChanged))
	}
	if len(c.HabitsRemoved) > 0 {
		f = append(f, logx.Strings("habits_removed", c.HabitsRemoved))
	}
	if c.Replan() {
		f = append(f, logx.Bool("replan_all", true))
	}
	if len(c.RestartRequired) > 0 {
		f = append(f, logx.Strings("restart_required", c.RestartRequired))
	}
	return f
}

// Diff compares two resolved configs.
func Diff(old, cur Resolved) Change {
	var c Change
	mark := func(section string, changed bool) bool {
		if changed {
			c.Sections = append(c.Sections, section)
		}
		return changed
	}

	c.LoggingChanged = mark("logging", old.Logging != cur.Logging)
	if mark("storage", old.Storage != cur.Storage) {
		c.RestartRequired = append(c.RestartRequired, "storage")
	}

	c.WindowChanged = old.Window != cur.Window
	c.LocationChanged = locName(old) != locName(cur)
	mark("schedule", c.WindowChanged || c.LocationChanged || old.Dispatch.Lookahead != cur.Dispatch.Lookahead ||
		old.Dispatch.SnoozeDelay != cur.Dispatch.SnoozeDelay || old.Dispatch.BackendTimeout != cur.Dispatch.BackendTimeout ||
		old.Dispatch.Workers != cur.Dispatch.Workers)

	deferredChanged := old.DeferredDriver != cur.DeferredDriver || old.RedisURL != cur.RedisURL || old.Redis != cur.Redis
	if deferredChanged {
		c.RestartRequired = append(c.RestartRequired, "deferred")
	}
	mark("deferred", deferredChanged || old.Deferred != cur.Deferred)

	c.PreciseChanged = old.PreciseEnabled != cur.PreciseEnabled
	mark("precise", c.PreciseChanged || old.Precise != cur.Precise)
	mark("sweep", old.Sweep != cur.Sweep)
	c.SinkChanged = old.NotifierSink != cur.NotifierSink || !old.WebPush.Equal(cur.WebPush)
	mark("notifier", c.SinkChanged || old.Notifier != cur.Notifier)
	if mark("systemd", old.SystemdNotify != cur.SystemdNotify) {
		c.RestartRequired = append(c.RestartRequired, "systemd")
	}
	mark("debug", old.Debug != cur.Debug)

	prev := make(map[string]int, len(old.Habits))
	for i, h := range old.Habits {
		prev[h.ID] = i
	}
	for _, h := range cur.Habits {
		i, ok := prev[h.ID]
		switch {
		case !ok:
			c.HabitsAdded = append(c.HabitsAdded, h.ID)
		case old.Habits[i] != h:
			c.HabitsChanged = append(c.HabitsChanged, h.ID)
		}
		delete(prev, h.ID)
	}
	for id := range prev {
		c.HabitsRemoved = append(c.HabitsRemoved, id)
	}
	sort.Strings(c.HabitsRemoved)
	mark("habits", len(c.HabitsAdded)+len(c.HabitsChanged)+len(c.HabitsRemoved) > 0)

	return c
}

func locName(r Resolved) string {
	if r.Location == nil {
		return ""
	}
	return r.Location.String()
}
