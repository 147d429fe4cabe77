// Package sweep runs the periodic full re-plan.
//
// Plans only cover the lookahead horizon, so something has to extend them as
// days pass. The sweep fires on a cron spec in the planning timezone and asks
// the coordinator to re-plan when the last full re-plan is older than
// MinInterval. Runs never overlap.
package sweep

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"taper/internal/dispatch"
	"taper/internal/eventbus"
	logx "taper/pkg/logx"
)

// Rescheduler is the part of the coordinator the sweep drives.
type Rescheduler interface {
	RescheduleIfStale(ctx context.Context, maxAge time.Duration, prio dispatch.Priority) (bool, error)
}

type Config struct {
	Enabled     bool
	Spec        string // 5-field cron or descriptor (@daily)
	MinInterval time.Duration
	Timeout     time.Duration
	Location    *time.Location
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Spec) == "" {
		c.Spec = "0 3 * * *"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Result is published with TypeSweepFinished.
type Result struct {
	At      time.Time     `json:"at"`
	Trigger string        `json:"trigger"` // cron | manual
	Ran     bool          `json:"ran"`
	Took    time.Duration `json:"took"`
	Error   string        `json:"error,omitempty"`
}

type Snapshot struct {
	Running  bool      `json:"running"`
	Enabled  bool      `json:"enabled"`
	Spec     string    `json:"spec"`
	Timezone string    `json:"timezone"`
	Next     time.Time `json:"next,omitempty"`
	Runs     int64     `json:"runs"`
	Replans  int64     `json:"replans"`
	Skipped  int64     `json:"skipped"`
	Last     *Result   `json:"last,omitempty"`
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	entry  cron.EntryID
	parser cron.Parser
	ctx    context.Context
	last   *Result

	target Rescheduler
	log    logx.Logger
	bus    eventbus.Bus

	busy    atomic.Bool
	runs    atomic.Int64
	replans atomic.Int64
	skipped atomic.Int64
}

func New(cfg Config, target Rescheduler, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		target: target,
		log:    log,
		bus:    bus,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start begins cron triggering.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	cfg := s.cfg
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	if cfg.Enabled {
		id, err := s.c.AddFunc(cfg.Spec, func() { s.run(s.ctx, "cron") })
		if err != nil {
			s.c = nil
			return fmt.Errorf("sweep spec %q: %w", cfg.Spec, err)
		}
		s.entry = id
	}
	s.c.Start()
	s.log.Info("sweep started",
		logx.Bool("enabled", cfg.Enabled),
		logx.String("spec", cfg.Spec),
		logx.String("tz", cfg.Location.String()),
		logx.Duration("min_interval", cfg.MinInterval),
	)
	return nil
}

// Apply swaps the config. A running cron is rebuilt when the trigger changed.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	c := s.c
	if c == nil || (old.Enabled == cfg.Enabled && old.Spec == cfg.Spec && old.Location.String() == cfg.Location.String()) {
		s.mu.Unlock()
		return nil
	}
	s.c = nil
	s.entry = 0
	s.mu.Unlock()

	// A running sweep finishes under the old trigger.
	<-c.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if err := s.startLocked(); err != nil {
		s.cfg = old
		if rerr := s.startLocked(); rerr != nil {
			s.log.Error("sweep restore failed", logx.Err(rerr))
		}
		return err
	}
	return nil
}

// Stop stops triggering and waits for a running sweep up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("sweep stopped")
}

// RunNow checks staleness immediately. It reports whether a re-plan ran.
func (s *Service) RunNow(ctx context.Context) (bool, error) {
	res := s.run(ctx, "manual")
	if res.Error != "" {
		return res.Ran, fmt.Errorf("sweep: %s", res.Error)
	}
	return res.Ran, nil
}

func (s *Service) run(ctx context.Context, trigger string) Result {
	res := Result{At: time.Now(), Trigger: trigger}
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Debug("sweep already running; skipped", logx.String("trigger", trigger))
		return res
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	ran, err := s.target.RescheduleIfStale(rctx, cfg.MinInterval, dispatch.PrioritySweep)
	res.Ran = ran
	res.Took = time.Since(res.At)
	s.runs.Add(1)
	if ran {
		s.replans.Add(1)
	}

	log := s.log.With(logx.String("trigger", trigger), logx.Duration("took", res.Took))
	switch {
	case err != nil:
		res.Error = err.Error()
		log.Warn("sweep failed", logx.Err(err))
	case ran:
		log.Info("sweep re-planned all habits")
	default:
		log.Debug("sweep skipped; plans are fresh")
	}

	s.mu.Lock()
	r := res
	s.last = &r
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSweepFinished, Data: res})
	}
	return res
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running:  s.busy.Load(),
		Enabled:  s.cfg.Enabled,
		Spec:     s.cfg.Spec,
		Timezone: s.cfg.Location.String(),
		Runs:     s.runs.Load(),
		Replans:  s.replans.Load(),
		Skipped:  s.skipped.Load(),
	}
	if s.c != nil && s.entry != 0 {
		snap.Next = s.c.Entry(s.entry).Next
	}
	if s.last != nil {
		r := *s.last
		snap.Last = &r
	}
	return snap
}

// cronLogger routes cron's own messages (mainly recovered panics) to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
