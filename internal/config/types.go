package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "15m", "168h").
// Omitted or zero fields take the defaults listed on each section.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Schedule ScheduleConfig `json:"schedule"`
	Deferred DeferredConfig `json:"deferred"`
	Precise  PreciseConfig  `json:"precise"`
	Sweep    SweepConfig    `json:"sweep"`
	Notifier NotifierConfig `json:"notifier"`
	Systemd  SystemdConfig  `json:"systemd"`
	Debug    DebugConfig    `json:"debug"`
	Habits   []HabitConfig  `json:"habits"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile controls the rotated JSON log file.
//
// Defaults: path "./taper.log", max_size_mb 10, max_backups 3,
// max_age_days 28, compress true.
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   *bool  `json:"compress,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/taper.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite (default), postgres, memory
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

// ScheduleConfig controls planning.
//
// Defaults: timezone Local, awake 08:00-22:00, lookahead 168h (valid 24h to
// 336h), snooze_delay 15m, backend_timeout 10s, workers 4.
type ScheduleConfig struct {
	Timezone       string `json:"timezone,omitempty"`
	AwakeStart     string `json:"awake_start,omitempty"`
	AwakeEnd       string `json:"awake_end,omitempty"`
	Lookahead      string `json:"lookahead,omitempty"`
	SnoozeDelay    string `json:"snooze_delay,omitempty"`
	BackendTimeout string `json:"backend_timeout,omitempty"`
	Workers        int    `json:"workers,omitempty"`
}

// DeferredConfig controls the always-available delivery path.
//
// Driver "memory" (default) keeps timers in process; "redis" keeps them in
// Redis so they survive restarts.
//
// retry_max: 0 means the default (3); a negative value disables retries.
type DeferredConfig struct {
	Driver          string `json:"driver,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	FlexWindow      string `json:"flex_window,omitempty"`
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
	MaxQueueDelay   string `json:"max_queue_delay,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`

	RedisURL     string `json:"redis_url,omitempty"`
	Queue        string `json:"queue,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
}

// PreciseConfig controls exact timers. Enabled defaults to true.
type PreciseConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	MaxArmed        int    `json:"max_armed,omitempty"`
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryDelay      string `json:"retry_delay,omitempty"`
}

// SweepConfig controls the periodic full re-plan.
//
// Defaults: enabled, spec "0 3 * * *" in the schedule timezone,
// min_interval 20h.
type SweepConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Spec        string `json:"spec,omitempty"`
	MinInterval string `json:"min_interval,omitempty"`
}

// NotifierConfig controls reminder presentation.
//
// Sink is a comma-separated list of "log" (default), "stdout" and "webpush".
type NotifierConfig struct {
	Sink            string         `json:"sink,omitempty"`
	RatePerSec      int            `json:"rate_per_sec,omitempty"`
	DedupWindow     string         `json:"dedup_window,omitempty"`
	DedupMaxEntries int            `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool           `json:"persist_dedup,omitempty"`
	WebPush         *WebPushConfig `json:"webpush,omitempty"`
}

// WebPushConfig is the VAPID identity plus the browser subscriptions to push
// to. Generate a key pair with `taper vapid-keys`.
type WebPushConfig struct {
	Subject       string                `json:"subject"` // mailto: or https: contact
	PublicKey     string                `json:"public_key"`
	PrivateKey    string                `json:"private_key"` // never logged
	TTL           string                `json:"ttl,omitempty"`
	Urgency       string                `json:"urgency,omitempty"`
	Subscriptions []WebPushSubscription `json:"subscriptions"`
}

// WebPushSubscription mirrors PushSubscription.toJSON().
type WebPushSubscription struct {
	Endpoint string      `json:"endpoint"`
	Keys     WebPushKeys `json:"keys"`
}

type WebPushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// SystemdConfig enables sd_notify readiness and watchdog pings.
type SystemdConfig struct {
	Notify bool `json:"notify"`
}

// DebugConfig controls the diagnostics HTTP server (health, status, pprof).
//
// Defaults: disabled, addr "127.0.0.1:6060". A non-loopback addr needs a
// token unless allow_insecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// HabitConfig is one habit definition. start_date is YYYY-MM-DD.
// ramp_up defaults to end_per_day > start_per_day; active defaults to true.
type HabitConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Message     string `json:"message,omitempty"`
	StartPerDay int    `json:"start_per_day"`
	EndPerDay   int    `json:"end_per_day"`
	Weeks       int    `json:"weeks"`
	StartDate   string `json:"start_date"`
	RampUp      *bool  `json:"ramp_up,omitempty"`
	Active      *bool  `json:"active,omitempty"`
}
