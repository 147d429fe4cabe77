package deferred

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"taper/internal/dispatch"
	"taper/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan job, idx int) {
	// Per-worker RNG keeps retry jitter off the global lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.execOne(ctx, stopCh, j, rng)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, j job, rng *rand.Rand) {
	start := time.Now()
	lateness := max(start.Sub(j.dueAt), 0)

	s.mu.Lock()
	cfg, abandon := s.cfg, s.abandon
	s.mu.Unlock()

	if !s.live(j) {
		s.log.Debug("deferred.cancelled_in_queue", logx.String("event", j.eventID))
		return
	}

	d := dispatch.Delivery{
		HabitID:     j.habitID,
		EventID:     j.eventID,
		ScheduledAt: j.scheduledAt,
		Backend:     dispatch.BackendDeferred,
		Handle:      j.handle(),
	}

	if cfg.MaxQueueDelay > 0 && lateness > cfg.MaxQueueDelay {
		s.finish(j)
		s.droppedStale.Add(1)
		if s.shouldWarn(&s.lastStaleWarnAt, start) {
			s.log.Warn("deferred.stale_dropped", logx.String("habit", j.habitID), logx.String("event", j.eventID), logx.Duration("late", lateness), logx.Duration("max", cfg.MaxQueueDelay))
		}
		s.record(HistoryItem{EventID: j.eventID, HabitID: j.habitID, DueAt: j.dueAt, Started: start, Lateness: lateness, Error: "stale_queue_delay"})
		if abandon != nil {
			abandon(d, fmt.Errorf("%w: %s late", ErrStale, lateness))
		}
		return
	}

	var err error
	attempts := 0
	maxAttempts := 1 + cfg.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// A cancel between retries wins over the remaining attempts.
		if attempt > 1 && !s.live(j) {
			err = nil
			s.log.Debug("deferred.cancelled_during_retry", logx.String("event", j.eventID), logx.Int("attempt", attempt))
			break
		}
		attempts = attempt
		err = s.deliverOnce(ctx, cfg.DeliveryTimeout, d)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt, rng)
		s.log.Debug("deferred.retry", logx.String("event", j.eventID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopped
			break attemptLoop
		case <-tmr.C:
		}
	}

	s.finish(j)
	item := HistoryItem{EventID: j.eventID, HabitID: j.habitID, DueAt: j.dueAt, Started: start, Lateness: lateness, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		s.log.Warn("deferred.failed", logx.String("habit", j.habitID), logx.String("event", j.eventID), logx.Int("attempts", attempts), logx.Err(err))
		// Shutdown leaves the record for the next start to re-arm.
		if abandon != nil && !errors.Is(err, ErrStopped) && ctx.Err() == nil {
			abandon(d, err)
		}
	} else {
		s.delivered.Add(1)
		s.log.Debug("deferred.delivered", logx.String("habit", j.habitID), logx.String("event", j.eventID), logx.Duration("late", lateness), logx.Int("attempts", attempts))
	}
	s.record(item)
}

func (s *Service) deliverOnce(ctx context.Context, timeout time.Duration, d dispatch.Delivery) (err error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("deferred.panic", logx.String("event", d.EventID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return s.deliver(runCtx, d)
}

// backoffDelay doubles from RetryBase up to RetryMaxDelay with 20% jitter.
func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if rng != nil {
		r := (rng.Float64()*2 - 1) * 0.2
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), cfg.RetryMaxDelay)
}
