package schedule

import (
	"time"

	"taper/internal/habit"
)

// Resolve turns the awake window on date into two instants in loc.
//
// Wall-clock times that do not exist (DST gap) snap forward to the end of the
// gap. Wall-clock times that exist twice (DST overlap) take the second
// occurrence. A window with End <= Start runs into the next day. The result
// always has end strictly after start.
func Resolve(date habit.Date, w habit.AwakeWindow, loc *time.Location) (start, end time.Time) {
	if loc == nil {
		loc = time.Local
	}
	start = LocalInstant(date, w.Start, loc)

	switch {
	case w.End.Seconds() == w.Start.Seconds():
		end = start.Add(time.Second)
	case w.End.Seconds() < w.Start.Seconds():
		end = LocalInstant(date.AddDays(1), w.End, loc)
	default:
		end = LocalInstant(date, w.End, loc)
	}
	if !end.After(start) {
		end = start.Add(time.Second)
	}
	return start, end
}

// LocalInstant maps a wall-clock time on date to an instant in loc.
func LocalInstant(date habit.Date, tod habit.TimeOfDay, loc *time.Location) time.Time {
	wall := time.Date(date.Year, date.Month, date.Day, tod.Hour, tod.Minute, tod.Second, 0, time.UTC)

	// Offsets in effect around this wall time; a transition inside the
	// window yields two of them.
	offsets := make([]int, 0, 3)
	for _, probe := range []time.Duration{-24 * time.Hour, 0, 24 * time.Hour} {
		_, off := wall.Add(probe).In(loc).Zone()
		if !containsInt(offsets, off) {
			offsets = append(offsets, off)
		}
	}

	var best time.Time
	for _, off := range offsets {
		t := wall.Add(-time.Duration(off) * time.Second).In(loc)
		if sameWall(t, wall) && (best.IsZero() || t.After(best)) {
			best = t
		}
	}
	if !best.IsZero() {
		return best
	}

	// No offset produces this wall time: it sits in a gap.
	if len(offsets) >= 2 {
		lo, hi := wall, wall
		for _, off := range offsets {
			t := wall.Add(-time.Duration(off) * time.Second)
			if t.Before(lo) {
				lo = t
			}
			if t.After(hi) {
				hi = t
			}
		}
		if t, ok := firstTransition(lo, hi, loc); ok {
			return t
		}
	}
	return time.Date(date.Year, date.Month, date.Day, tod.Hour, tod.Minute, tod.Second, 0, loc)
}

// firstTransition finds the first second in (lo, hi] whose offset differs from lo's.
func firstTransition(lo, hi time.Time, loc *time.Location) (time.Time, bool) {
	_, loOff := lo.In(loc).Zone()
	if _, hiOff := hi.In(loc).Zone(); hiOff == loOff {
		return time.Time{}, false
	}
	l, h := lo.Unix(), hi.Unix()
	for h-l > 1 {
		mid := l + (h-l)/2
		if _, off := time.Unix(mid, 0).In(loc).Zone(); off == loOff {
			l = mid
		} else {
			h = mid
		}
	}
	return time.Unix(h, 0).In(loc), true
}

func sameWall(t, wall time.Time) bool {
	y1, m1, d1 := t.Date()
	y2, m2, d2 := wall.Date()
	return y1 == y2 && m1 == m2 && d1 == d2 &&
		t.Hour() == wall.Hour() && t.Minute() == wall.Minute() && t.Second() == wall.Second()
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
