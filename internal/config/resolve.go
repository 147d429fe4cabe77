package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taper/internal/backend/deferred"
	"taper/internal/backend/precise"
	"taper/internal/backend/redisq"
	"taper/internal/diag"
	"taper/internal/dispatch"
	"taper/internal/habit"
	"taper/internal/notify"
	"taper/internal/storage"
	logx "taper/pkg/logx"
)

const (
	MinLookahead = 24 * time.Hour
	MaxLookahead = 14 * 24 * time.Hour

	DefaultSweepSpec        = "0 3 * * *"
	DefaultSweepMinInterval = 20 * time.Hour

	DefaultWebPushTTL = 12 * time.Hour

	defaultDeferredRetries = 3
)

// Resolved is a validated Config with defaults applied, mapped onto the
// runtime configs of each component.
type Resolved struct {
	Logging logx.Config
	Storage storage.Config

	Location *time.Location
	Window   habit.AwakeWindow
	Dispatch dispatch.Config

	DeferredDriver string // memory | redis
	Deferred       deferred.Config
	RedisURL       string
	Redis          redisq.Config

	PreciseEnabled bool
	Precise        precise.Config

	Sweep Sweep

	NotifierSink string // comma-separated: log, stdout, webpush
	Notifier     notify.Config
	WebPush      notify.WebPushConfig

	SystemdNotify bool
	Debug         diag.Config

	Habits []habit.Habit
}

// Sweep is the resolved periodic re-plan schedule.
type Sweep struct {
	Enabled     bool
	Spec        string
	MinInterval time.Duration
}

// Habit returns the resolved habit with id.
func (r Resolved) Habit(id string) (habit.Habit, bool) {
	for _, h := range r.Habits {
		if h.ID == id {
			return h, true
		}
	}
	return habit.Habit{}, false
}

// Resolve validates cfg and applies defaults. All problems are reported
// together.
func Resolve(cfg *Config) (Resolved, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var (
		r    Resolved
		errs []error
	)
	fail := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := durationOr(path, raw, def)
		fail(err)
		return d
	}

	// logging
	r.Logging = logx.Config{
		Level:   strings.TrimSpace(cfg.Logging.Level),
		Console: cfg.Logging.Console,
		File:    logx.DefaultFileConfig(),
	}
	if lf := cfg.Logging.File; lf.Enabled {
		r.Logging.File.Enabled = true
		if p := strings.TrimSpace(lf.Path); p != "" {
			r.Logging.File.Path = p
		}
		if lf.MaxSizeMB > 0 {
			r.Logging.File.MaxSizeMB = lf.MaxSizeMB
		}
		if lf.MaxBackups > 0 {
			r.Logging.File.MaxBackups = lf.MaxBackups
		}
		if lf.MaxAgeDays > 0 {
			r.Logging.File.MaxAgeDays = lf.MaxAgeDays
		}
		if lf.Compress != nil {
			r.Logging.File.Compress = *lf.Compress
		}
	}

	// storage
	r.Storage = storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		DSN:         strings.TrimSpace(cfg.Storage.DSN),
		BusyTimeout: dur("storage.busy_timeout", cfg.Storage.BusyTimeout, 0),
		MaxConns:    cfg.Storage.MaxConns,
	}
	switch r.Storage.Driver {
	case "", "sqlite":
		r.Storage.Driver = "sqlite"
		if r.Storage.Path == "" {
			r.Storage.Path = "./data/taper.db"
		}
	case "postgres", "pg":
		r.Storage.Driver = "postgres"
		if r.Storage.DSN == "" {
			fail(errors.New("storage.dsn: required for postgres"))
		}
	case "memory", "none":
	default:
		fail(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	// schedule
	sc := cfg.Schedule
	switch tz := strings.TrimSpace(sc.Timezone); tz {
	case "", "Local", "local":
		r.Location = time.Local
	default:
		loc, err := time.LoadLocation(tz)
		if err != nil {
			fail(fmt.Errorf("schedule.timezone: %w", err))
			loc = time.Local
		}
		r.Location = loc
	}
	r.Window = habit.DefaultAwakeWindow()
	if s := strings.TrimSpace(sc.AwakeStart); s != "" {
		tod, err := habit.ParseTimeOfDay(s)
		if err != nil {
			fail(fmt.Errorf("schedule.awake_start: %w", err))
		} else {
			r.Window.Start = tod
		}
	}
	if s := strings.TrimSpace(sc.AwakeEnd); s != "" {
		tod, err := habit.ParseTimeOfDay(s)
		if err != nil {
			fail(fmt.Errorf("schedule.awake_end: %w", err))
		} else {
			r.Window.End = tod
		}
	}
	if r.Window.Start == r.Window.End {
		fail(fmt.Errorf("schedule: awake_start and awake_end must differ (both %s)", r.Window.Start))
	}
	r.Dispatch = dispatch.Config{
		Location:       r.Location,
		Lookahead:      dur("schedule.lookahead", sc.Lookahead, dispatch.DefaultLookahead),
		SnoozeDelay:    dur("schedule.snooze_delay", sc.SnoozeDelay, dispatch.DefaultSnoozeDelay),
		BackendTimeout: dur("schedule.backend_timeout", sc.BackendTimeout, dispatch.DefaultBackendTimeout),
		Workers:        sc.Workers,
	}
	if la := r.Dispatch.Lookahead; la < MinLookahead || la > MaxLookahead {
		fail(fmt.Errorf("schedule.lookahead: %s out of range [%s, %s]", la, MinLookahead, MaxLookahead))
	}
	if r.Dispatch.Workers < 0 {
		fail(errors.New("schedule.workers: must be >= 0"))
	}

	// deferred
	dc := cfg.Deferred
	retries := dc.RetryMax
	switch {
	case retries == 0:
		retries = defaultDeferredRetries
	case retries < 0:
		retries = 0
	}
	r.DeferredDriver = strings.ToLower(strings.TrimSpace(dc.Driver))
	if r.DeferredDriver == "" {
		r.DeferredDriver = "memory"
	}
	r.Deferred = deferred.Config{
		Workers:         dc.Workers,
		QueueSize:       dc.QueueSize,
		FlexWindow:      dur("deferred.flex_window", dc.FlexWindow, 0),
		DeliveryTimeout: dur("deferred.delivery_timeout", dc.DeliveryTimeout, 0),
		MaxQueueDelay:   dur("deferred.max_queue_delay", dc.MaxQueueDelay, 0),
		RetryMax:        retries,
		RetryBase:       dur("deferred.retry_base", dc.RetryBase, 0),
		RetryMaxDelay:   dur("deferred.retry_max_delay", dc.RetryMaxDelay, 0),
	}
	switch r.DeferredDriver {
	case "memory":
	case "redis":
		r.RedisURL = strings.TrimSpace(dc.RedisURL)
		if r.RedisURL == "" {
			fail(errors.New("deferred.redis_url: required for the redis driver"))
		}
		r.Redis = redisq.Config{
			Queue:           strings.TrimSpace(dc.Queue),
			Consumers:       dc.Workers,
			PollInterval:    dur("deferred.poll_interval", dc.PollInterval, 0),
			DeliveryTimeout: r.Deferred.DeliveryTimeout,
			RetryMax:        retries,
			RetryBase:       r.Deferred.RetryBase,
			RetryMaxDelay:   r.Deferred.RetryMaxDelay,
		}
	default:
		fail(fmt.Errorf("deferred.driver: unknown driver %q", dc.Driver))
	}

	// precise
	pc := cfg.Precise
	r.PreciseEnabled = pc.Enabled == nil || *pc.Enabled
	r.Precise = precise.Config{
		MaxArmed:        pc.MaxArmed,
		DeliveryTimeout: dur("precise.delivery_timeout", pc.DeliveryTimeout, 0),
		RetryMax:        pc.RetryMax,
		RetryDelay:      dur("precise.retry_delay", pc.RetryDelay, 0),
	}
	if pc.RetryMax < 0 {
		fail(errors.New("precise.retry_max: must be >= 0"))
	}

	// sweep
	sw := cfg.Sweep
	r.Sweep = Sweep{
		Enabled:     sw.Enabled == nil || *sw.Enabled,
		Spec:        strings.TrimSpace(sw.Spec),
		MinInterval: dur("sweep.min_interval", sw.MinInterval, DefaultSweepMinInterval),
	}
	if r.Sweep.Spec == "" {
		r.Sweep.Spec = DefaultSweepSpec
	}
	if _, err := cron.ParseStandard(r.Sweep.Spec); err != nil {
		fail(fmt.Errorf("sweep.spec: %w", err))
	}

	// notifier
	nc := cfg.Notifier
	var sinks []string
	for _, name := range strings.Split(strings.ToLower(nc.Sink), ",") {
		name = strings.TrimSpace(name)
		switch name {
		case "":
			continue
		case "log", "stdout", "webpush":
			if !slices.Contains(sinks, name) {
				sinks = append(sinks, name)
			}
		default:
			fail(fmt.Errorf("notifier.sink: unknown sink %q", name))
		}
	}
	if len(sinks) == 0 {
		sinks = []string{"log"}
	}
	r.NotifierSink = strings.Join(sinks, ",")
	if slices.Contains(sinks, "webpush") {
		r.WebPush = resolveWebPush(nc.WebPush, dur, fail)
	}
	r.Notifier = notify.Config{
		RatePerSec:      nc.RatePerSec,
		DedupWindow:     dur("notifier.dedup_window", nc.DedupWindow, 0),
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}

	r.SystemdNotify = cfg.Systemd.Notify

	// debug
	r.Debug = diag.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         strings.TrimSpace(cfg.Debug.Token),
		AllowInsecure: cfg.Debug.AllowInsecure,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   2 * time.Minute,
	}
	if r.Debug.Addr == "" {
		r.Debug.Addr = diag.DefaultAddr
	}
	if r.Debug.Enabled {
		if err := diag.CheckBind(r.Debug); err != nil {
			fail(fmt.Errorf("debug.addr: %w", err))
		}
	}

	// habits
	seen := make(map[string]struct{}, len(cfg.Habits))
	for i, hc := range cfg.Habits {
		h, err := resolveHabit(hc)
		if err != nil {
			fail(fmt.Errorf("habits[%d]: %w", i, err))
			continue
		}
		if _, dup := seen[h.ID]; dup {
			fail(fmt.Errorf("habits[%d]: duplicate id %q", i, h.ID))
			continue
		}
		seen[h.ID] = struct{}{}
		r.Habits = append(r.Habits, h)
	}

	if len(errs) > 0 {
		return Resolved{}, errors.Join(errs...)
	}
	return r, nil
}

func resolveHabit(hc HabitConfig) (habit.Habit, error) {
	id := strings.TrimSpace(hc.ID)
	if id == "" {
		return habit.Habit{}, &habit.ConfigError{Field: "id", Reason: "is required"}
	}
	h := habit.Habit{
		ID:          id,
		Name:        strings.TrimSpace(hc.Name),
		Description: strings.TrimSpace(hc.Description),
		Message:     strings.TrimSpace(hc.Message),
		StartPerDay: hc.StartPerDay,
		EndPerDay:   hc.EndPerDay,
		Weeks:       hc.Weeks,
		IsRampUp:    hc.EndPerDay > hc.StartPerDay,
		IsActive:    true,
	}
	if hc.RampUp != nil {
		h.IsRampUp = *hc.RampUp
	}
	if hc.Active != nil {
		h.IsActive = *hc.Active
	}
	if s := strings.TrimSpace(hc.StartDate); s != "" {
		d, err := habit.ParseDate(s)
		if err != nil {
			return habit.Habit{}, &habit.ConfigError{HabitID: id, Field: "start_date", Reason: err.Error()}
		}
		h.StartDate = d
	}
	if err := h.Validate(); err != nil {
		return habit.Habit{}, err
	}
	return h, nil
}

func resolveWebPush(wc *WebPushConfig, dur func(string, string, time.Duration) time.Duration, fail func(error)) notify.WebPushConfig {
	if wc == nil {
		fail(errors.New("notifier.webpush: required when sink includes webpush"))
		return notify.WebPushConfig{}
	}
	out := notify.WebPushConfig{
		Subject:    strings.TrimSpace(wc.Subject),
		PublicKey:  strings.TrimSpace(wc.PublicKey),
		PrivateKey: strings.TrimSpace(wc.PrivateKey),
		TTL:        dur("notifier.webpush.ttl", wc.TTL, DefaultWebPushTTL),
		Urgency:    strings.ToLower(strings.TrimSpace(wc.Urgency)),
	}
	if out.Subject == "" || out.PublicKey == "" || out.PrivateKey == "" {
		fail(errors.New("notifier.webpush: subject, public_key and private_key are required"))
	}
	switch out.Urgency {
	case "", "very-low", "low", "normal", "high":
	default:
		fail(fmt.Errorf("notifier.webpush.urgency: unknown value %q", wc.Urgency))
	}
	for i, sub := range wc.Subscriptions {
		s := notify.WebPushSubscription{
			Endpoint: strings.TrimSpace(sub.Endpoint),
			P256dh:   strings.TrimSpace(sub.Keys.P256dh),
			Auth:     strings.TrimSpace(sub.Keys.Auth),
		}
		if u, err := url.Parse(s.Endpoint); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			fail(fmt.Errorf("notifier.webpush.subscriptions[%d].endpoint: invalid URL %q", i, sub.Endpoint))
			continue
		}
		if s.P256dh == "" || s.Auth == "" {
			fail(fmt.Errorf("notifier.webpush.subscriptions[%d].keys: p256dh and auth are required", i))
			continue
		}
		out.Subscriptions = append(out.Subscriptions, s)
	}
	return out
}
