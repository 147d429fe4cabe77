package dispatch

import (
	"time"

	"taper/internal/habit"
)

// Route picks the backend for one reminder.
//
// The precise timer is reserved for the last reminders of a habit tapering
// to zero: those on the final day of the plan that still has any. Everything
// else goes to the deferred queue.
func Route(h habit.Habit, onFinalDay bool, preciseAvailable bool) BackendKind {
	if h.TapersToZero() && preciseAvailable && onFinalDay {
		return BackendPrecise
	}
	return BackendDeferred
}

// FinalDay returns the calendar day in loc of the plan's last reminder. ok is
// false for an empty plan.
func FinalDay(plan []habit.ScheduleEvent, loc *time.Location) (day habit.Date, ok bool) {
	var last time.Time
	for _, ev := range plan {
		if !ok || ev.ScheduledAt.After(last) {
			last, ok = ev.ScheduledAt, true
		}
	}
	if !ok {
		return habit.Date{}, false
	}
	return habit.DateOf(last.In(loc)), true
}
