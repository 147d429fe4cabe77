package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"taper/internal/eventbus"
	"taper/internal/habit"
	"taper/internal/schedule"
	"taper/pkg/logx"
)

// Config tunes the coordinator. Zero fields take the defaults below.
type Config struct {
	Location       *time.Location
	Lookahead      time.Duration
	SnoozeDelay    time.Duration
	BackendTimeout time.Duration
	// Workers bounds how many habits RescheduleAll re-plans at once.
	Workers int
}

const (
	DefaultLookahead      = 7 * 24 * time.Hour
	DefaultSnoozeDelay    = 15 * time.Minute
	DefaultBackendTimeout = 10 * time.Second
	DefaultWorkers        = 4
)

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Lookahead <= 0 {
		c.Lookahead = DefaultLookahead
	}
	if c.SnoozeDelay <= 0 {
		c.SnoozeDelay = DefaultSnoozeDelay
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = DefaultBackendTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

// Deps are the collaborators of a Coordinator. Precise, Notifier and Bus may be nil.
type Deps struct {
	Events   EventStore
	Settings SettingsStore
	Habits   HabitStore
	Deferred DeferredQueue
	Precise  PreciseTimer
	Notifier Notifier
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

// Coordinator turns habit plans into armed reminders and keeps them in sync
// with habit edits, awake-window edits and backend capability changes.
type Coordinator struct {
	events   EventStore
	settings SettingsStore
	habits   HabitStore
	deferred DeferredQueue
	precise  PreciseTimer
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	tracker *Tracker
	gates   *gates

	mu  sync.RWMutex
	cfg Config
}

// Result summarizes one habit re-plan.
type Result struct {
	HabitID   string `json:"habit_id"`
	Generated int    `json:"generated"`
	Persisted int    `json:"persisted"`
	Armed     int    `json:"armed"`
	Precise   int    `json:"precise"`
	Deferred  int    `json:"deferred"`
	Skipped   int    `json:"skipped"`
	Cancelled int    `json:"cancelled"`

	Priority string        `json:"priority"`
	Took     time.Duration `json:"took"`
}

func New(cfg Config, deps Deps) *Coordinator {
	cfg = cfg.withDefaults()
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		events:   deps.Events,
		settings: deps.Settings,
		habits:   deps.Habits,
		deferred: deps.Deferred,
		precise:  deps.Precise,
		notifier: deps.Notifier,
		bus:      deps.Bus,
		log:      deps.Log,
		now:      now,
		tracker:  NewTracker(deps.Deferred, deps.Precise, cfg.BackendTimeout),
		gates:    newGates(),
		cfg:      cfg,
	}
}

// Apply swaps the tuning at runtime. Already armed reminders are untouched;
// callers re-plan when the change affects instants.
func (c *Coordinator) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Coordinator) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Tracker exposes the live dispatch records.
func (c *Coordinator) Tracker() *Tracker { return c.tracker }

func (c *Coordinator) preciseAvailable() bool {
	return c.precise != nil && c.precise.CanScheduleExact()
}

// Reschedule re-plans one habit as an interactive change.
func (c *Coordinator) Reschedule(ctx context.Context, h habit.Habit) (Result, error) {
	return c.reschedule(ctx, h, PriorityInteractive)
}

// RescheduleWithPriority re-plans one habit with an explicit admission priority.
func (c *Coordinator) RescheduleWithPriority(ctx context.Context, h habit.Habit, prio Priority) (Result, error) {
	return c.reschedule(ctx, h, prio)
}

func (c *Coordinator) reschedule(ctx context.Context, h habit.Habit, prio Priority) (Result, error) {
	res := Result{HabitID: h.ID, Priority: prio.String()}
	if h.IsActive {
		if err := h.Validate(); err != nil {
			return res, err
		}
	}

	release, err := c.gates.acquire(ctx, h.ID, prio)
	if err != nil {
		return res, err
	}
	defer release()

	cfg := c.config()
	log := c.log.With(logx.String("habit", h.ID), logx.String("priority", prio.String()))
	started := c.now()

	cancelled, err := c.tracker.CancelAll(ctx, h.ID)
	res.Cancelled = len(cancelled)
	if err != nil {
		log.Error("reschedule.cancel_failed", logx.Err(err))
		return res, &CancelError{HabitID: h.ID, Err: err}
	}

	now := c.now()
	if !h.IsActive {
		if _, err := c.events.DeleteFutureForHabit(ctx, h.ID, now, false); err != nil {
			return res, &StoreError{Op: "delete_future", HabitID: h.ID, Err: err}
		}
		log.Info("reschedule.inactive", logx.Int("cancelled", res.Cancelled))
		res.Took = c.now().Sub(started)
		c.publish(eventbus.TypeReplanFinished, h.ID, res)
		return res, nil
	}

	window, err := c.settings.AwakeWindow(ctx)
	if err != nil {
		return res, &StoreError{Op: "awake_window", HabitID: h.ID, Err: err}
	}

	if _, err := c.events.DeleteFutureForHabit(ctx, h.ID, now, true); err != nil {
		return res, &StoreError{Op: "delete_future", HabitID: h.ID, Err: err}
	}

	plan, err := schedule.Generate(h, window, cfg.Location)
	if err != nil {
		return res, err
	}
	res.Generated = len(plan)
	finalDay, hasFinal := FinalDay(plan, cfg.Location)
	onFinal := func(ev habit.ScheduleEvent) bool {
		return hasFinal && habit.DateOf(ev.ScheduledAt.In(cfg.Location)) == finalDay
	}

	// Rows that survived the delete were already sent or answered, or are
	// snoozed follow-ups. Snoozed ones live outside the plan and are re-armed
	// as they are; a planned instant already taken by a kept row is not
	// generated again.
	existing, err := c.events.ListForHabit(ctx, h.ID)
	if err != nil {
		return res, &StoreError{Op: "list", HabitID: h.ID, Err: err}
	}
	var snoozed []habit.ScheduleEvent
	taken := map[int64]struct{}{}
	for _, ev := range existing {
		switch {
		case ev.IsSnoozed && ev.Pending(now):
			snoozed = append(snoozed, ev)
		case !ev.IsSnoozed && !ev.ScheduledAt.Before(now):
			taken[ev.ScheduledAt.UnixNano()] = struct{}{}
		}
	}
	upcoming := slices.DeleteFunc(schedule.Upcoming(plan, now, cfg.Lookahead), func(ev habit.ScheduleEvent) bool {
		_, ok := taken[ev.ScheduledAt.UnixNano()]
		return ok
	})

	persisted, err := c.events.InsertAll(ctx, upcoming)
	if err != nil {
		return res, &StoreError{Op: "insert", HabitID: h.ID, Err: err}
	}
	res.Persisted = len(persisted)

	for _, ev := range persisted {
		c.armCounted(ctx, h, ev, onFinal(ev), &res, log)
	}
	for _, ev := range snoozed {
		c.armCounted(ctx, h, ev, onFinal(ev), &res, log)
	}

	res.Took = c.now().Sub(started)
	log.Info("reschedule.done",
		logx.Int("generated", res.Generated),
		logx.Int("persisted", res.Persisted),
		logx.Int("armed", res.Armed),
		logx.Int("precise", res.Precise),
		logx.Int("skipped", res.Skipped),
		logx.Int("cancelled", res.Cancelled),
		logx.Duration("took", res.Took),
	)
	c.publish(eventbus.TypeReplanFinished, h.ID, res)
	return res, nil
}

func (c *Coordinator) armCounted(ctx context.Context, h habit.Habit, ev habit.ScheduleEvent, onFinalDay bool, res *Result, log logx.Logger) {
	rec, err := c.arm(ctx, h, ev, onFinalDay)
	if err != nil {
		res.Skipped++
		log.Warn("reschedule.arm_failed", logx.String("event", ev.ID), logx.Time("at", ev.ScheduledAt), logx.Err(err))
		return
	}
	res.Armed++
	if rec.Backend == BackendPrecise {
		res.Precise++
	} else {
		res.Deferred++
	}
}

// arm routes and arms one persisted event and records where it went.
func (c *Coordinator) arm(ctx context.Context, h habit.Habit, ev habit.ScheduleEvent, onFinalDay bool) (Record, error) {
	cfg := c.config()
	kind := Route(h, onFinalDay, c.preciseAvailable())

	var (
		handle string
		err    error
	)
	if kind == BackendPrecise {
		actx, cancel := context.WithTimeout(ctx, cfg.BackendTimeout)
		handle, err = c.precise.ScheduleExact(actx, h.ID, ev)
		cancel()
		if errors.Is(err, ErrPreciseUnavailable) {
			c.log.Debug("reschedule.precise_fallback", logx.String("habit", h.ID), logx.String("event", ev.ID), logx.Err(err))
			kind = BackendDeferred
		} else if err != nil {
			return Record{}, &ArmError{HabitID: h.ID, EventID: ev.ID, Backend: kind, Err: err}
		}
	}
	if kind == BackendDeferred {
		actx, cancel := context.WithTimeout(ctx, cfg.BackendTimeout)
		handle, err = c.deferred.Enqueue(actx, h.ID, ev, ev.ScheduledAt.Sub(c.now()))
		cancel()
		if err != nil {
			return Record{}, &ArmError{HabitID: h.ID, EventID: ev.ID, Backend: kind, Err: err}
		}
	}

	rec := Record{
		HabitID:     h.ID,
		EventID:     ev.ID,
		Backend:     kind,
		Handle:      handle,
		ScheduledAt: ev.ScheduledAt,
		ArmedAt:     c.now(),
	}
	if prev, replaced := c.tracker.Record(rec); replaced && prev.Backend != rec.Backend {
		// Same-backend re-arms replace in place; a switch leaves the old one behind.
		if err := c.tracker.cancelRecord(ctx, prev); err != nil {
			c.log.Warn("reschedule.stale_cancel_failed", logx.String("event", prev.EventID), logx.Err(err))
		}
	}
	c.publish(eventbus.TypeReminderArmed, h.ID, rec)
	return rec, nil
}

// CancelHabit withdraws every armed reminder of the habit.
func (c *Coordinator) CancelHabit(ctx context.Context, habitID string) error {
	release, err := c.gates.acquire(ctx, habitID, PriorityInteractive)
	if err != nil {
		return err
	}
	defer release()

	cancelled, err := c.tracker.CancelAll(ctx, habitID)
	c.log.Info("habit.cancelled", logx.String("habit", habitID), logx.Int("cancelled", len(cancelled)), logx.Err(err))
	if err != nil {
		return &CancelError{HabitID: habitID, Err: err}
	}
	return nil
}

// DeleteHabit cancels the habit's reminders, then removes its events and the habit.
func (c *Coordinator) DeleteHabit(ctx context.Context, habitID string) error {
	release, err := c.gates.acquire(ctx, habitID, PriorityInteractive)
	if err != nil {
		return err
	}
	defer release()

	if _, err := c.tracker.CancelAll(ctx, habitID); err != nil {
		return &CancelError{HabitID: habitID, Err: err}
	}
	if err := c.events.DeleteForHabit(ctx, habitID); err != nil {
		return &StoreError{Op: "delete_events", HabitID: habitID, Err: err}
	}
	if err := c.habits.DeleteHabit(ctx, habitID); err != nil && !errors.Is(err, ErrNotFound) {
		return &StoreError{Op: "delete_habit", HabitID: habitID, Err: err}
	}
	c.log.Info("habit.deleted", logx.String("habit", habitID))
	return nil
}

// Answer is published with TypeReminderAnswered.
type Answer struct {
	EventID  string             `json:"event_id"`
	Response habit.ResponseType `json:"response"`
	At       time.Time          `json:"at"`
}

// Summary aggregates a RescheduleAll run.
type Summary struct {
	Habits  int      `json:"habits"`
	Failed  int      `json:"failed"`
	Results []Result `json:"results"`
}

// RescheduleAll re-plans every stored habit, several habits at a time.
// Each habit is still serialized with any other change to it.
func (c *Coordinator) RescheduleAll(ctx context.Context, prio Priority) (Summary, error) {
	habits, err := c.habits.ListHabits(ctx)
	if err != nil {
		return Summary{}, &StoreError{Op: "list_habits", Err: err}
	}
	cfg := c.config()

	var (
		mu   sync.Mutex
		sum  = Summary{Habits: len(habits)}
		errs []error
		wg   sync.WaitGroup
		sem  = make(chan struct{}, cfg.Workers)
	)
	for _, h := range habits {
		h := h
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return sum, ctx.Err()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := c.reschedule(ctx, h, prio)
			mu.Lock()
			defer mu.Unlock()
			sum.Results = append(sum.Results, res)
			if err != nil {
				sum.Failed++
				errs = append(errs, fmt.Errorf("habit %s: %w", h.ID, err))
			}
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		c.log.Warn("reschedule_all.partial", logx.Int("habits", sum.Habits), logx.Int("failed", sum.Failed), logx.Err(err))
		return sum, err
	}
	if err := c.settings.SetLastRescheduleAt(ctx, c.now()); err != nil {
		return sum, &StoreError{Op: "set_last_reschedule", Err: err}
	}
	c.log.Info("reschedule_all.done", logx.Int("habits", sum.Habits), logx.String("priority", prio.String()))
	return sum, nil
}

// RescheduleIfStale runs RescheduleAll only when the last full run is older
// than maxAge. It reports whether a run happened.
func (c *Coordinator) RescheduleIfStale(ctx context.Context, maxAge time.Duration, prio Priority) (bool, error) {
	last, err := c.settings.LastRescheduleAt(ctx)
	if err != nil {
		return false, &StoreError{Op: "last_reschedule", Err: err}
	}
	if !last.IsZero() && c.now().Sub(last) < maxAge {
		c.log.Debug("reschedule_all.fresh", logx.Time("last", last), logx.Duration("max_age", maxAge))
		return false, nil
	}
	_, err = c.RescheduleAll(ctx, prio)
	return true, err
}

// Respond records the user's answer to a reminder. Snoozing creates a new
// reminder SnoozeDelay from now, routed like any other.
func (c *Coordinator) Respond(ctx context.Context, eventID string, resp habit.ResponseType) (*habit.ScheduleEvent, error) {
	ev, err := c.events.Get(ctx, eventID)
	if err != nil {
		return nil, &StoreError{Op: "get_event", Err: err}
	}
	h, err := c.habits.GetHabit(ctx, ev.HabitID)
	if err != nil {
		return nil, &StoreError{Op: "get_habit", HabitID: ev.HabitID, Err: err}
	}

	release, err := c.gates.acquire(ctx, h.ID, PriorityInteractive)
	if err != nil {
		return nil, err
	}
	defer release()

	cfg := c.config()
	now := c.now()
	if _, err := c.events.Respond(ctx, eventID, resp, now); err != nil {
		return nil, &StoreError{Op: "respond", HabitID: h.ID, Err: err}
	}
	// An answered reminder must not fire afterwards.
	if _, _, err := c.tracker.CancelOne(ctx, eventID); err != nil {
		c.log.Warn("respond.cancel_failed", logx.String("event", eventID), logx.Err(err))
	}
	c.log.Info("reminder.responded", logx.String("habit", h.ID), logx.String("event", eventID), logx.String("response", string(resp)))
	c.publish(eventbus.TypeReminderAnswered, h.ID, Answer{EventID: eventID, Response: resp, At: now})

	if resp != habit.ResponseSnoozed || !h.IsActive {
		return nil, nil
	}

	follow := habit.ScheduleEvent{
		HabitID:     h.ID,
		ScheduledAt: now.Add(cfg.SnoozeDelay).In(cfg.Location),
		IsSnoozed:   true,
	}
	inserted, err := c.events.InsertAll(ctx, []habit.ScheduleEvent{follow})
	if err != nil {
		return nil, &StoreError{Op: "insert_snooze", HabitID: h.ID, Err: err}
	}
	if len(inserted) != 1 {
		return nil, &StoreError{Op: "insert_snooze", HabitID: h.ID, Err: fmt.Errorf("store returned %d events", len(inserted))}
	}
	follow = inserted[0]

	onFinal, err := c.onFinalDay(ctx, h, follow.ScheduledAt, cfg.Location)
	if err != nil {
		return &follow, err
	}
	if _, err := c.arm(ctx, h, follow, onFinal); err != nil {
		c.log.Warn("snooze.arm_failed", logx.String("event", follow.ID), logx.Err(err))
		return &follow, err
	}
	return &follow, nil
}

// onFinalDay reports whether at falls on the last day of h's current plan.
func (c *Coordinator) onFinalDay(ctx context.Context, h habit.Habit, at time.Time, loc *time.Location) (bool, error) {
	window, err := c.settings.AwakeWindow(ctx)
	if err != nil {
		return false, &StoreError{Op: "awake_window", HabitID: h.ID, Err: err}
	}
	plan, err := schedule.Generate(h, window, loc)
	if err != nil {
		return false, err
	}
	day, ok := FinalDay(plan, loc)
	return ok && habit.DateOf(at.In(loc)) == day, nil
}

// HandleFire is the DeliverFunc target of both backends. Fires for records
// that were cancelled or replaced meanwhile are dropped.
func (c *Coordinator) HandleFire(ctx context.Context, d Delivery) error {
	rec, ok := c.tracker.Lookup(d.EventID)
	if !ok || !rec.matches(d) {
		c.log.Debug("fire.stale", logx.String("habit", d.HabitID), logx.String("event", d.EventID), logx.String("backend", string(d.Backend)))
		return nil
	}

	ev, err := c.events.MarkSent(ctx, d.EventID, c.now())
	if errors.Is(err, ErrNotFound) {
		c.tracker.Fired(d.EventID)
		c.log.Debug("fire.event_gone", logx.String("event", d.EventID))
		return nil
	}
	if err != nil {
		return &StoreError{Op: "mark_sent", HabitID: d.HabitID, Err: err}
	}

	if c.notifier != nil {
		h, err := c.habits.GetHabit(ctx, d.HabitID)
		if err != nil {
			h = habit.Habit{ID: d.HabitID}
		}
		if err := c.notifier.Notify(ctx, Reminder{Habit: h, Event: ev}); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}

	c.tracker.Fired(d.EventID)
	c.publish(eventbus.TypeReminderFired, d.HabitID, rec)
	c.log.Debug("fire.delivered",
		logx.String("habit", d.HabitID),
		logx.String("event", d.EventID),
		logx.String("backend", string(d.Backend)),
		logx.Duration("lag", c.now().Sub(d.ScheduledAt)),
	)
	return nil
}

// Abandon is the AbandonFunc target of both backends. The record of a
// delivery that will never happen is dropped so it no longer counts as armed.
func (c *Coordinator) Abandon(d Delivery, cause error) {
	rec, ok := c.tracker.Release(d)
	if !ok {
		return
	}
	fields := []logx.Field{
		logx.String("habit", d.HabitID),
		logx.String("event", d.EventID),
		logx.String("backend", string(d.Backend)),
	}
	if cause != nil {
		fields = append(fields, logx.Err(cause))
	}
	c.log.Warn("fire.abandoned", fields...)
	c.publish(eventbus.TypeReminderAbandoned, d.HabitID, rec)
}

// WatchAwakeWindow re-plans every habit when the stored awake window changes.
// It blocks until ctx ends.
func (c *Coordinator) WatchAwakeWindow(ctx context.Context) error {
	ch, err := c.settings.ObserveAwakeWindow(ctx)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case base, ok := <-ch:
		if !ok {
			return ctx.Err()
		}
		return c.FollowAwakeWindow(ctx, base, ch)
	}
}

// FollowAwakeWindow consumes an already subscribed window stream, re-planning
// whenever a value differs from the last one seen, starting from base.
func (c *Coordinator) FollowAwakeWindow(ctx context.Context, base habit.AwakeWindow, ch <-chan habit.AwakeWindow) error {
	last := base
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			if w == last {
				continue
			}
			c.log.Info("awake_window.changed", logx.String("from", last.String()), logx.String("to", w.String()))
			last = w
			if _, err := c.RescheduleAll(ctx, PriorityInteractive); err != nil && ctx.Err() == nil {
				c.log.Error("awake_window.reschedule_failed", logx.Err(err))
			}
		}
	}
}

// Snapshot is a diagnostics view of the coordinator.
type Snapshot struct {
	Armed     int                 `json:"armed"`
	ByBackend map[BackendKind]int `json:"by_backend"`
	Busy      int                 `json:"busy"`
	Precise   bool                `json:"precise_available"`
}

func (c *Coordinator) Snapshot() Snapshot {
	return Snapshot{
		Armed:     c.tracker.Len(),
		ByBackend: c.tracker.CountByBackend(),
		Busy:      c.gates.busy(),
		Precise:   c.preciseAvailable(),
	}
}

func (c *Coordinator) publish(typ, habitID string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, HabitID: habitID, Time: c.now(), Data: data})
}
