// Package precise arms one in-process timer per reminder so delivery happens
// at the exact scheduled instant. Timers are a scarce resource: the number
// armed at once is capped and the capability can be revoked at runtime.
package precise

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"taper/internal/dispatch"
	"taper/internal/habit"
	"taper/pkg/logx"
)

// ErrStopped is returned by ScheduleExact after Stop.
var ErrStopped = errors.New("precise timer stopped")

// Config tunes the timer. Zero values take defaults.
type Config struct {
	// MaxArmed caps concurrently armed timers. Beyond it ScheduleExact
	// reports dispatch.ErrPreciseUnavailable.
	MaxArmed        int
	DeliveryTimeout time.Duration
	RetryMax        int
	RetryDelay      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxArmed <= 0 {
		c.MaxArmed = 500
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	return c
}

type armed struct {
	habitID     string
	eventID     string
	scheduledAt time.Time
	ver         uint64
	attempt     int
	timer       *time.Timer
}

func (a *armed) handle() string { return fmt.Sprintf("px-%s-%d", a.eventID, a.ver) }

func (a *armed) delivery() dispatch.Delivery {
	return dispatch.Delivery{
		HabitID:     a.habitID,
		EventID:     a.eventID,
		ScheduledAt: a.scheduledAt,
		Backend:     dispatch.BackendPrecise,
		Handle:      a.handle(),
	}
}

// Timer is the precise backend: one time.AfterFunc per armed reminder,
// versioned so a stale callback never delivers.
type Timer struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	deliver dispatch.DeliverFunc
	abandon dispatch.AbandonFunc
	now     func() time.Time

	exact   atomic.Bool
	stopped bool
	ver     uint64
	armed   map[string]*armed
	byHabit map[string]map[string]struct{}
	wg      sync.WaitGroup

	fired  atomic.Uint64
	failed atomic.Uint64
}

// New returns a Timer with the capability granted.
func New(cfg Config, deliver dispatch.DeliverFunc, log logx.Logger) *Timer {
	t := &Timer{
		cfg:     cfg.withDefaults(),
		log:     log,
		deliver: deliver,
		now:     time.Now,
		armed:   map[string]*armed{},
		byHabit: map[string]map[string]struct{}{},
	}
	t.exact.Store(true)
	return t
}

// SetAbandonFunc registers fn to hear about deliveries that failed for good.
func (t *Timer) SetAbandonFunc(fn dispatch.AbandonFunc) {
	t.mu.Lock()
	t.abandon = fn
	t.mu.Unlock()
}

// Apply swaps the tuning; armed timers keep their schedule.
func (t *Timer) Apply(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg.withDefaults()
	t.mu.Unlock()
}

// CanScheduleExact reports whether exact scheduling is currently granted.
func (t *Timer) CanScheduleExact() bool { return t.exact.Load() }

// SetCapability grants or revokes exact scheduling. Timers already armed
// keep running; only new requests are refused.
func (t *Timer) SetCapability(ok bool) {
	if t.exact.Swap(ok) != ok {
		t.log.Info("precise capability changed", logx.Bool("exact", ok))
	}
}

// ScheduleExact arms a timer for ev and returns its handle. Re-arming an
// event replaces the earlier timer.
func (t *Timer) ScheduleExact(ctx context.Context, habitID string, ev habit.ScheduleEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !t.exact.Load() {
		return "", fmt.Errorf("precise: capability revoked: %w", dispatch.ErrPreciseUnavailable)
	}
	if ev.ID == "" {
		return "", errors.New("precise: event id is required")
	}
	delay := ev.ScheduledAt.Sub(t.now())
	if delay < 0 {
		return "", fmt.Errorf("precise: %w (%s)", dispatch.ErrInPast, ev.ScheduledAt.Format(time.RFC3339))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return "", ErrStopped
	}
	old := t.armed[ev.ID]
	if old == nil && len(t.armed) >= t.cfg.MaxArmed {
		return "", fmt.Errorf("precise: %d timers armed: %w", len(t.armed), dispatch.ErrPreciseUnavailable)
	}
	if old != nil {
		old.timer.Stop()
		t.unindexLocked(old)
	}

	t.ver++
	a := &armed{habitID: habitID, eventID: ev.ID, scheduledAt: ev.ScheduledAt, ver: t.ver}
	a.timer = time.AfterFunc(delay, func() { t.fire(a) })
	t.armed[a.eventID] = a
	set := t.byHabit[habitID]
	if set == nil {
		set = map[string]struct{}{}
		t.byHabit[habitID] = set
	}
	set[a.eventID] = struct{}{}
	return a.handle(), nil
}

// CancelOne disarms eventID. Unknown events are a no-op.
func (t *Timer) CancelOne(ctx context.Context, eventID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a := t.armed[eventID]; a != nil {
		a.timer.Stop()
		t.unindexLocked(a)
	}
	return nil
}

// CancelAllForHabit disarms every timer armed for habitID.
func (t *Timer) CancelAllForHabit(ctx context.Context, habitID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.byHabit[habitID] {
		if a := t.armed[id]; a != nil {
			a.timer.Stop()
			t.unindexLocked(a)
		}
	}
	return nil
}

func (t *Timer) unindexLocked(a *armed) {
	delete(t.armed, a.eventID)
	if set := t.byHabit[a.habitID]; set != nil {
		delete(set, a.eventID)
		if len(set) == 0 {
			delete(t.byHabit, a.habitID)
		}
	}
}

// currentLocked reports whether a is still the armed entry for its event.
func (t *Timer) currentLocked(a *armed) bool {
	cur := t.armed[a.eventID]
	return cur != nil && cur.ver == a.ver && !t.stopped
}

func (t *Timer) fire(a *armed) {
	t.mu.Lock()
	if !t.currentLocked(a) {
		t.mu.Unlock()
		return
	}
	cfg := t.cfg
	a.attempt++
	attempt := a.attempt
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		err := t.deliverOnce(cfg.DeliveryTimeout, a)

		t.mu.Lock()
		if !t.currentLocked(a) {
			t.mu.Unlock()
			return
		}
		if err == nil {
			t.unindexLocked(a)
			t.fired.Add(1)
			t.mu.Unlock()
			return
		}
		if attempt <= cfg.RetryMax {
			t.log.Debug("precise.retry", logx.String("event", a.eventID), logx.Int("attempt", attempt+1), logx.Duration("delay", cfg.RetryDelay), logx.Err(err))
			a.timer = time.AfterFunc(cfg.RetryDelay, func() { t.fire(a) })
			t.mu.Unlock()
			return
		}
		t.unindexLocked(a)
		t.failed.Add(1)
		abandon := t.abandon
		t.mu.Unlock()

		t.log.Warn("precise.failed", logx.String("habit", a.habitID), logx.String("event", a.eventID), logx.Int("attempts", attempt), logx.Err(err))
		if abandon != nil {
			abandon(a.delivery(), err)
		}
	}()
}

func (t *Timer) deliverOnce(timeout time.Duration, a *armed) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			t.log.Error("precise.panic", logx.String("event", a.eventID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.deliver(ctx, a.delivery())
}

// Stop disarms every timer and waits for in-flight deliveries.
func (t *Timer) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.stopped = true
	n := len(t.armed)
	for _, a := range t.armed {
		a.timer.Stop()
	}
	t.armed = map[string]*armed{}
	t.byHabit = map[string]map[string]struct{}{}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.log.Info("precise timers stopped", logx.Int("disarmed", n))
	return nil
}

// Snapshot is the timer state shown by status endpoints.
type Snapshot struct {
	Exact    bool   `json:"exact"`
	Armed    int    `json:"armed"`
	MaxArmed int    `json:"max_armed"`
	Fired    uint64 `json:"fired"`
	Failed   uint64 `json:"failed"`
}

func (t *Timer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Exact:    t.exact.Load(),
		Armed:    len(t.armed),
		MaxArmed: t.cfg.MaxArmed,
		Fired:    t.fired.Load(),
		Failed:   t.failed.Load(),
	}
}
