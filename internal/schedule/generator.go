package schedule

import (
	"sort"
	"time"

	"taper/internal/habit"
)

// Day is the plan for one calendar day of a habit.
type Day struct {
	Index    int
	Date     habit.Date
	Count    int
	Start    time.Time
	End      time.Time
	Instants []time.Time
}

// DailyCounts returns the reminder count for every day of the plan.
//
// Counts follow the straight line from StartPerDay to EndPerDay, rounded
// half up and clamped at zero, then forced monotonic in the direction of
// travel. The first and last day are pinned to the configured endpoints.
func DailyCounts(h habit.Habit) ([]int, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	n := h.TotalDays()
	counts := make([]int, n)
	for d := range counts {
		counts[d] = max(0, idealRounded(h.StartPerDay, h.EndPerDay, d, n))
	}

	lo, hi := min(h.StartPerDay, h.EndPerDay), max(h.StartPerDay, h.EndPerDay)
	decreasing := h.EndPerDay < h.StartPerDay
	for d := range counts {
		counts[d] = min(max(counts[d], lo), hi)
		if d == 0 {
			continue
		}
		if decreasing {
			counts[d] = min(counts[d], counts[d-1])
		} else {
			counts[d] = max(counts[d], counts[d-1])
		}
	}
	counts[0] = h.StartPerDay
	counts[n-1] = h.EndPerDay
	return counts, nil
}

// idealRounded computes round_half_up(start + (end-start)*day/(total-1))
// in integer arithmetic so .5 cases are exact.
func idealRounded(start, end, day, total int) int {
	if total == 1 {
		return end - start
	}
	den := total - 1
	num := start*den + (end-start)*day
	return floorDiv(2*num+den, 2*den)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Plan lays out every day of the habit with its resolved window and instants.
func Plan(h habit.Habit, w habit.AwakeWindow, loc *time.Location) ([]Day, error) {
	counts, err := DailyCounts(h)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}

	days := make([]Day, 0, len(counts))
	for i, count := range counts {
		date := h.StartDate.AddDays(i)
		start, end := Resolve(date, w, loc)
		day := Day{Index: i, Date: date, Count: count, Start: start, End: end}
		if count > 0 {
			day.Instants = spread(start, end, count)
		}
		days = append(days, day)
	}
	return days, nil
}

// spread places count instants at the midpoints of count equal slices of [start, end).
func spread(start, end time.Time, count int) []time.Time {
	span := int64(end.Sub(start) / time.Second)
	if span < 1 {
		span = 1
	}
	out := make([]time.Time, count)
	c := int64(count)
	for i := int64(0); i < c; i++ {
		offset := span * (2*i + 1) / (2 * c)
		out[i] = start.Add(time.Duration(offset) * time.Second)
	}
	return out
}

// Generate produces every reminder instant of the habit, ascending.
// It is pure: the result depends only on its arguments.
func Generate(h habit.Habit, w habit.AwakeWindow, loc *time.Location) ([]habit.ScheduleEvent, error) {
	days, err := Plan(h, w, loc)
	if err != nil {
		return nil, err
	}
	var events []habit.ScheduleEvent
	for _, d := range days {
		for _, at := range d.Instants {
			events = append(events, habit.ScheduleEvent{HabitID: h.ID, ScheduledAt: at})
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].ScheduledAt.Before(events[j].ScheduledAt) })
	return events, nil
}

// CountsByDate groups events by their calendar date in loc.
func CountsByDate(events []habit.ScheduleEvent, loc *time.Location) map[habit.Date]int {
	if loc == nil {
		loc = time.Local
	}
	out := make(map[habit.Date]int, len(events))
	for _, e := range events {
		out[habit.DateOf(e.ScheduledAt.In(loc))]++
	}
	return out
}

// Upcoming keeps events inside [from, from+lookahead).
func Upcoming(events []habit.ScheduleEvent, from time.Time, lookahead time.Duration) []habit.ScheduleEvent {
	until := from.Add(lookahead)
	out := make([]habit.ScheduleEvent, 0, len(events))
	for _, e := range events {
		if !e.ScheduledAt.Before(from) && e.ScheduledAt.Before(until) {
			out = append(out, e)
		}
	}
	return out
}
