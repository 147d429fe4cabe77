package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"taper/internal/backend/deferred"
	"taper/internal/backend/precise"
	"taper/internal/backend/redisq"
	"taper/internal/config"
	"taper/internal/diag"
	"taper/internal/dispatch"
	"taper/internal/eventbus"
	"taper/internal/notify"
	rtsup "taper/internal/runtime/supervisor"
	"taper/internal/storage"
	"taper/internal/sweep"
	logx "taper/pkg/logx"
)

// App wires config, storage, backends, the coordinator, the notifier and the
// sweep into one process.
type App struct {
	cfgm     *config.Manager
	resolved config.Resolved
	sup      *rtsup.Supervisor

	log     logx.Logger
	rootLog logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	out     io.Writer

	store storage.Store
	coord *dispatch.Coordinator

	deferred *deferred.Service // memory driver
	queue    *redisq.Queue     // redis driver
	rdb      *redis.Client
	precise  *precise.Timer

	notif *notify.Service
	sweep *sweep.Service
	sd    *systemdNotifier
	diag  *diag.Service

	observers *habitObservers
	started   time.Time
}

type options struct {
	out io.Writer
	now func() time.Time
}

type Option func(*options)

// WithOutput sets where the stdout sink writes. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option { return func(o *options) { o.out = w } }

// WithClock overrides the coordinator clock.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New loads the config file and builds every component. Nothing runs until
// Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{out: os.Stdout}
	for _, fn := range opts {
		fn(&o)
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "config"))
	cfgm := config.NewManager(cfgPath, bootLog)
	_, r, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(r.Logging)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	alog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := storage.Open(r.Storage, log.With(logx.String("comp", "storage")), bus)
	if errors.Is(err, storage.ErrDisabled) {
		alog.Warn("storage disabled; keeping state in memory only")
		store, err = storage.NewMemory(bus), nil
	}
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		cfgm:     cfgm,
		resolved: r,
		log:      alog,
		rootLog:  log,
		logs:     logSvc,
		bus:      bus,
		out:      o.out,
		store:    store,
	}

	// Backends call back into the coordinator, which is built after them.
	deliver := func(ctx context.Context, d dispatch.Delivery) error {
		return a.coord.HandleFire(ctx, d)
	}

	var dq dispatch.DeferredQueue
	switch r.DeferredDriver {
	case "redis":
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := redisq.Connect(cctx, r.RedisURL)
		cancel()
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.rdb = rdb
		a.queue = redisq.New(rdb, r.Redis, deliver, log.With(logx.String("comp", "redisq")))
		dq = a.queue
	default:
		a.deferred = deferred.New(r.Deferred, deliver, log.With(logx.String("comp", "deferred")))
		dq = a.deferred
	}

	a.precise = precise.New(r.Precise, deliver, log.With(logx.String("comp", "precise")))
	a.precise.SetCapability(r.PreciseEnabled)

	a.notif = notify.New(r.Notifier, a.buildSink(r), log.With(logx.String("comp", "notify")), bus, store)

	a.coord = dispatch.New(r.Dispatch, dispatch.Deps{
		Events:   store,
		Settings: store,
		Habits:   store,
		Deferred: dq,
		Precise:  a.precise,
		Notifier: a.notif,
		Bus:      bus,
		Log:      log.With(logx.String("comp", "dispatch")),
		Now:      o.now,
	})
	a.precise.SetAbandonFunc(a.coord.Abandon)
	if a.queue != nil {
		a.queue.SetAbandonFunc(a.coord.Abandon)
	} else {
		a.deferred.SetAbandonFunc(a.coord.Abandon)
	}

	a.sweep = sweep.New(sweepConfig(r), a.coord, log.With(logx.String("comp", "sweep")), bus)
	a.sd = newSystemdNotifier(r.SystemdNotify, log.With(logx.String("comp", "systemd")))
	a.observers = newHabitObservers(store, log.With(logx.String("comp", "status")))
	a.diag = diag.New(r.Debug, a, log.With(logx.String("comp", "diag")))
	return a, nil
}

func sweepConfig(r config.Resolved) sweep.Config {
	return sweep.Config{
		Enabled:     r.Sweep.Enabled,
		Spec:        r.Sweep.Spec,
		MinInterval: r.Sweep.MinInterval,
		Location:    r.Location,
	}
}

// Coordinator exposes the dispatch coordinator.
func (a *App) Coordinator() *dispatch.Coordinator { return a.coord }

// Store exposes the opened store.
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start syncs config into the store, re-plans every habit and starts the
// background loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// Subscribe before the first re-plan so its audit rows are kept.
	a.startAudit()
	a.startEventLog()

	switch {
	case a.queue != nil:
		a.queue.Start(runCtx)
	case a.deferred != nil:
		a.deferred.Start(runCtx)
	}

	if err := a.syncStore(runCtx, a.resolved, nil); err != nil {
		return err
	}
	sum, err := a.coord.RescheduleAll(runCtx, dispatch.PriorityInteractive)
	if err != nil {
		// Partial failures leave the other habits armed; the sweep retries.
		a.log.Warn("initial re-plan incomplete", logx.Int("habits", sum.Habits), logx.Int("failed", sum.Failed), logx.Err(err))
	}
	for _, h := range a.resolved.Habits {
		a.observers.watch(runCtx, h.ID)
	}

	if err := a.sweep.Start(runCtx); err != nil {
		return err
	}

	// The baseline is read here so a window written by an early reload is
	// seen as a change.
	windows, err := a.store.ObserveAwakeWindow(runCtx)
	if err != nil {
		return err
	}
	base := <-windows
	a.sup.Go("awake_window.watch", func(c context.Context) error {
		return a.coord.FollowAwakeWindow(c, base, windows)
	})
	a.startReload()
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.diag.Start(runCtx)
	a.sd.start(a.sup)
	a.started = time.Now()

	a.log.Info("app started",
		logx.Int("habits", len(a.resolved.Habits)),
		logx.String("storage", a.resolved.Storage.Driver),
		logx.String("deferred", a.resolved.DeferredDriver),
		logx.Bool("precise", a.resolved.PreciseEnabled),
		logx.String("tz", a.resolved.Location.String()),
	)
	return nil
}

// syncStore makes the stored awake window and habit set match r. Habits that
// are no longer configured are deleted with their reminders. With a non-nil
// change only the habits it names are written.
func (a *App) syncStore(ctx context.Context, r config.Resolved, change *config.Change) error {
	put := r.Habits
	if change != nil {
		put = put[:0:0]
		for _, id := range append(append([]string{}, change.HabitsAdded...), change.HabitsChanged...) {
			if h, ok := r.Habit(id); ok {
				put = append(put, h)
			}
		}
	}
	for _, h := range put {
		if err := a.store.PutHabit(ctx, h); err != nil {
			return fmt.Errorf("store habit %s: %w", h.ID, err)
		}
	}

	var remove []string
	if change != nil {
		remove = change.HabitsRemoved
	} else {
		stored, err := a.store.ListHabits(ctx)
		if err != nil {
			return fmt.Errorf("list habits: %w", err)
		}
		for _, h := range stored {
			if _, ok := r.Habit(h.ID); !ok {
				remove = append(remove, h.ID)
			}
		}
	}
	var errs []error
	for _, id := range remove {
		if err := a.coord.DeleteHabit(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		a.log.Info("habit removed", logx.String("habit", id))
	}

	// Last, so a window-triggered re-plan already sees the new habit set.
	if change == nil || change.WindowChanged {
		if err := a.store.SetAwakeWindow(ctx, r.Window); err != nil {
			errs = append(errs, fmt.Errorf("store awake window: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Stop shuts components down in dependency order. Each step is bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	a.sup.Cancel()

	a.step(ctx, "diag", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	a.step(ctx, "sweep", 2*time.Second, func(c context.Context) error { a.sweep.Stop(c); return nil })
	a.step(ctx, "precise", 2*time.Second, a.precise.Stop)
	a.step(ctx, "deferred", 3*time.Second, func(c context.Context) error {
		switch {
		case a.queue != nil:
			if err := a.queue.Stop(c); err != nil {
				return err
			}
			return a.rdb.Close()
		case a.deferred != nil:
			a.deferred.Stop(c)
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs fn with an upper bound so one component can't stall the stop.
// The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// buildSink assembles the configured sinks; more than one fans out.
func (a *App) buildSink(r config.Resolved) notify.Sink {
	var sinks notify.MultiSink
	for _, name := range strings.Split(r.NotifierSink, ",") {
		switch name {
		case "log":
			sinks = append(sinks, notify.LogSink{Log: a.rootLog.With(logx.String("comp", "reminder"))})
		case "stdout":
			sinks = append(sinks, &notify.WriterSink{W: a.out, Location: r.Location})
		case "webpush":
			sinks = append(sinks, notify.NewWebPushSink(r.WebPush, a.rootLog.With(logx.String("comp", "webpush"))))
		}
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return sinks
}
