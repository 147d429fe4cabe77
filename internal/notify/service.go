// Package notify turns a due reminder into a user-facing message.
//
// It is the dispatch.Notifier used by the coordinator: rate limited,
// deduplicated per event (optionally across restarts) and published on the
// event bus once the sink accepted it.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taper/internal/dispatch"
	"taper/internal/eventbus"
	"taper/internal/habit"
	"taper/pkg/logx"
)

// DedupStore persists dedup keys. storage.Store satisfies it.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sink  Sink
	log   logx.Logger
	bus   eventbus.Bus
	store DedupStore
	now   func() time.Time

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sink Sink, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sink:  sink,
		log:   log,
		bus:   bus,
		store: store,
		now:   time.Now,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetSink swaps where reminders go. In-flight sends finish on the old sink.
func (s *Service) SetSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec so a batch of due reminders is not serialized.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Compose builds what the sink shows for r.
func Compose(r dispatch.Reminder) Message {
	body := r.Habit.Message
	if body == "" {
		if r.Habit.IsRampUp {
			body = fmt.Sprintf("Time for %s!", r.Habit.DisplayName())
		} else {
			body = fmt.Sprintf("Check in on %s.", r.Habit.DisplayName())
		}
	}
	return Message{
		HabitID:     r.Habit.ID,
		EventID:     r.Event.ID,
		Title:       r.Habit.DisplayName(),
		Body:        body,
		ScheduledAt: r.Event.ScheduledAt,
		Snoozed:     r.Event.IsSnoozed,
		Actions:     []habit.ResponseType{habit.ResponseCompleted, habit.ResponseSnoozed, habit.ResponseDenied},
	}
}

func dedupKey(eventID string) string { return "reminder:" + eventID }

// Notify presents r once. A repeat for an event already presented inside the
// dedup window succeeds without reaching the sink.
func (s *Service) Notify(ctx context.Context, r dispatch.Reminder) error {
	s.mu.Lock()
	cfg := s.cfg
	limiter := s.limiter
	sink := s.sink
	s.mu.Unlock()

	now := s.now()
	key := dedupKey(r.Event.ID)
	if cfg.DedupWindow > 0 && s.seen(ctx, key, now, cfg) {
		s.log.Debug("notify.dedup", logx.String("habit", r.Habit.ID), logx.String("event", r.Event.ID))
		return nil
	}

	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	m := Compose(r)
	if err := sink.Send(ctx, m); err != nil {
		s.record(HistoryItem{At: now, HabitID: m.HabitID, EventID: m.EventID, Title: m.Title, Error: err.Error()})
		return fmt.Errorf("notify %s: %w", r.Event.ID, err)
	}

	if cfg.DedupWindow > 0 {
		s.remember(ctx, key, now.Add(cfg.DedupWindow), cfg)
	}
	s.record(HistoryItem{At: now, HabitID: m.HabitID, EventID: m.EventID, Title: m.Title})

	if s.bus != nil {
		ev := SentEvent{HabitID: m.HabitID, EventID: m.EventID, ScheduledAt: m.ScheduledAt, At: now}
		if late := now.Sub(m.ScheduledAt); late > time.Second {
			ev.Late = late.Truncate(time.Second).String()
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderSent, HabitID: m.HabitID, Time: now, Data: ev})
	}
	return nil
}

func (s *Service) seen(ctx context.Context, key string, now time.Time, cfg Config) bool {
	s.dmu.Lock()
	until, ok := s.dedup[key]
	s.dmu.Unlock()
	if ok && now.Before(until) {
		return true
	}
	if !cfg.PersistDedup || s.store == nil {
		return false
	}
	until, ok, err := s.store.GetDedup(ctx, key)
	if err != nil {
		s.log.Warn("notify.dedup_read_failed", logx.String("key", key), logx.Err(err))
		return false
	}
	if ok && now.Before(until) {
		s.dmu.Lock()
		s.dedup[key] = until
		s.dmu.Unlock()
		return true
	}
	return false
}

func (s *Service) remember(ctx context.Context, key string, until time.Time, cfg Config) {
	s.dmu.Lock()
	s.dedup[key] = until
	if len(s.dedup) > cfg.DedupMaxEntries {
		now := s.now()
		for k, u := range s.dedup {
			if !now.Before(u) {
				delete(s.dedup, k)
			}
		}
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		if err := s.store.PutDedup(ctx, key, until); err != nil {
			s.log.Warn("notify.dedup_persist_failed", logx.String("key", key), logx.Err(err))
		}
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}
