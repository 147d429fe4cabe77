package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Tracker remembers which backend holds each armed reminder, per habit,
// so a re-plan can withdraw every one of them first.
type Tracker struct {
	deferred DeferredQueue
	precise  PreciseTimer
	timeout  time.Duration

	mu      sync.Mutex
	byEvent map[string]Record
	byHabit map[string]map[string]struct{}
}

// NewTracker wires the tracker to the backends it cancels on.
// precise may be nil. timeout bounds every backend call (0 disables it).
func NewTracker(deferred DeferredQueue, precise PreciseTimer, timeout time.Duration) *Tracker {
	return &Tracker{
		deferred: deferred,
		precise:  precise,
		timeout:  timeout,
		byEvent:  map[string]Record{},
		byHabit:  map[string]map[string]struct{}{},
	}
}

// Record stores rec. An existing record for the same event is replaced and returned.
func (t *Tracker) Record(rec Record) (prev Record, replaced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, replaced = t.byEvent[rec.EventID]
	if replaced && prev.HabitID != rec.HabitID {
		t.unindexLocked(prev)
	}
	t.byEvent[rec.EventID] = rec
	set := t.byHabit[rec.HabitID]
	if set == nil {
		set = map[string]struct{}{}
		t.byHabit[rec.HabitID] = set
	}
	set[rec.EventID] = struct{}{}
	return prev, replaced
}

// Lookup returns the live record for an event.
func (t *Tracker) Lookup(eventID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byEvent[eventID]
	return rec, ok
}

// Fired drops the record once its reminder has been delivered.
func (t *Tracker) Fired(eventID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byEvent[eventID]
	if ok {
		t.unindexLocked(rec)
	}
	return rec, ok
}

// Release drops the record d was delivered for, unless the event has been
// re-armed since.
func (t *Tracker) Release(d Delivery) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byEvent[d.EventID]
	if !ok || !rec.matches(d) {
		return Record{}, false
	}
	t.unindexLocked(rec)
	return rec, true
}

// ForHabit lists live records of a habit, ordered by instant.
func (t *Tracker) ForHabit(habitID string) []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.byHabit[habitID]))
	for id := range t.byHabit[habitID] {
		out = append(out, t.byEvent[id])
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}

// Len returns the number of live records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byEvent)
}

// CountByBackend returns live records per backend.
func (t *Tracker) CountByBackend() map[BackendKind]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[BackendKind]int{}
	for _, rec := range t.byEvent {
		out[rec.Backend]++
	}
	return out
}

// CancelOne withdraws a single reminder. Unknown events are a no-op.
func (t *Tracker) CancelOne(ctx context.Context, eventID string) (Record, bool, error) {
	rec, ok := t.Fired(eventID)
	if !ok {
		return Record{}, false, nil
	}
	if err := t.cancelRecord(ctx, rec); err != nil {
		t.Record(rec)
		return rec, false, err
	}
	return rec, true, nil
}

// CancelAll withdraws every reminder of the habit from both backends and
// returns the records that were cancelled. It also asks each backend to drop
// anything it still holds for the habit, which covers reminders armed by an
// earlier process. Records whose cancellation failed stay tracked.
func (t *Tracker) CancelAll(ctx context.Context, habitID string) ([]Record, error) {
	t.mu.Lock()
	ids := t.byHabit[habitID]
	recs := make([]Record, 0, len(ids))
	for id := range ids {
		recs = append(recs, t.byEvent[id])
		delete(t.byEvent, id)
	}
	delete(t.byHabit, habitID)
	t.mu.Unlock()

	var errs []error
	cancelled := recs[:0:0]
	for _, rec := range recs {
		if err := t.cancelRecord(ctx, rec); err != nil {
			errs = append(errs, err)
			t.Record(rec)
			continue
		}
		cancelled = append(cancelled, rec)
	}

	if err := t.call(ctx, func(ctx context.Context) error { return t.deferred.CancelAllForHabit(ctx, habitID) }); err != nil {
		errs = append(errs, fmt.Errorf("deferred: %w", err))
	}
	if t.precise != nil {
		if err := t.call(ctx, func(ctx context.Context) error { return t.precise.CancelAllForHabit(ctx, habitID) }); err != nil {
			errs = append(errs, fmt.Errorf("precise: %w", err))
		}
	}
	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].ScheduledAt.Before(cancelled[j].ScheduledAt) })
	return cancelled, errors.Join(errs...)
}

func (t *Tracker) cancelRecord(ctx context.Context, rec Record) error {
	switch rec.Backend {
	case BackendPrecise:
		if t.precise == nil {
			return nil
		}
		return t.call(ctx, func(ctx context.Context) error { return t.precise.CancelOne(ctx, rec.EventID) })
	default:
		return t.call(ctx, func(ctx context.Context) error { return t.deferred.CancelOne(ctx, rec.EventID) })
	}
}

func (t *Tracker) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if t.timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return fn(cctx)
}

func (t *Tracker) unindexLocked(rec Record) {
	delete(t.byEvent, rec.EventID)
	if set := t.byHabit[rec.HabitID]; set != nil {
		delete(set, rec.EventID)
		if len(set) == 0 {
			delete(t.byHabit, rec.HabitID)
		}
	}
}

func (rec Record) matches(d Delivery) bool {
	return rec.Backend == d.Backend && (d.Handle == "" || rec.Handle == d.Handle)
}
