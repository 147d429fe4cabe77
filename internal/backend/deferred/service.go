package deferred

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"taper/internal/dispatch"
	"taper/internal/habit"
	rtsup "taper/internal/runtime/supervisor"
	"taper/pkg/logx"
)

const (
	warnThrottleEvery = 5 * time.Second
	requeueDelay      = time.Second
)

// Service is a deferred delivery queue: one timer per armed reminder feeds a
// bounded work queue drained by a pool of workers.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	deliver dispatch.DeliverFunc
	abandon dispatch.AbandonFunc

	q       chan job
	stopCh  chan struct{}
	sup     *rtsup.Supervisor
	running bool

	pending map[string]*entry
	byHabit map[string]map[string]struct{}
	gen     uint64

	hmu     sync.Mutex
	history []HistoryItem

	delivered    atomic.Uint64
	failed       atomic.Uint64
	droppedStale atomic.Uint64
	requeued     atomic.Uint64

	lastStaleWarnAt atomic.Int64
}

type entry struct {
	habitID     string
	eventID     string
	scheduledAt time.Time
	dueAt       time.Time
	gen         uint64
	timer       *time.Timer
}

type job struct {
	habitID     string
	eventID     string
	scheduledAt time.Time
	dueAt       time.Time
	gen         uint64
}

func (j job) handle() string { return handleFor(j.eventID, j.gen) }

func handleFor(eventID string, gen uint64) string { return fmt.Sprintf("dq-%s-%d", eventID, gen) }

// New returns a stopped Service; call Start before Enqueue.
func New(cfg Config, deliver dispatch.DeliverFunc, log logx.Logger) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		deliver: deliver,
		pending: map[string]*entry{},
		byHabit: map[string]map[string]struct{}{},
	}
}

// SetAbandonFunc registers fn to hear about deliveries the queue gave up on.
func (s *Service) SetAbandonFunc(fn dispatch.AbandonFunc) {
	s.mu.Lock()
	s.abandon = fn
	s.mu.Unlock()
}

// Apply updates tuning. Worker and queue size changes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Start launches the worker pool. Calling it on a running Service is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan job, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.running = true
	queue, stopCh, sup := s.q, s.stopCh, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("deferred.worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("deferred queue started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize), logx.Duration("flex", cfg.FlexWindow))
}

// Stop halts workers and drops every pending timer. Reminders still armed are
// re-armed by the next re-plan after a restart.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	sup := s.sup
	dropped := len(s.pending)
	for id, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, id)
	}
	s.byHabit = map[string]map[string]struct{}{}
	s.mu.Unlock()

	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("deferred queue stop", logx.Err(err))
	}
	s.log.Info("deferred queue stopped", logx.Int("dropped_pending", dropped))
}

// Enqueue arms a reminder to be delivered after delay (rounded up to the flex
// window). Re-enqueueing the same event replaces the earlier one.
func (s *Service) Enqueue(ctx context.Context, habitID string, ev habit.ScheduleEvent, delay time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if ev.ID == "" {
		return "", errors.New("deferred: event id is required")
	}
	if delay < 0 {
		return "", fmt.Errorf("deferred: %w (%s ago)", dispatch.ErrInPast, -delay)
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return "", ErrStopped
	}

	if old := s.pending[ev.ID]; old != nil {
		old.timer.Stop()
		s.unindexLocked(old)
	}

	s.gen++
	e := &entry{
		habitID:     habitID,
		eventID:     ev.ID,
		scheduledAt: ev.ScheduledAt,
		dueAt:       dueTime(now.Add(delay), s.cfg.FlexWindow),
		gen:         s.gen,
	}
	e.timer = time.AfterFunc(e.dueAt.Sub(now), func() { s.fire(e.eventID, e.gen) })
	s.pending[e.eventID] = e
	set := s.byHabit[habitID]
	if set == nil {
		set = map[string]struct{}{}
		s.byHabit[habitID] = set
	}
	set[e.eventID] = struct{}{}

	return handleFor(e.eventID, e.gen), nil
}

// CancelOne withdraws a reminder. Unknown or already delivered events are a no-op.
func (s *Service) CancelOne(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.pending[eventID]; e != nil {
		e.timer.Stop()
		s.unindexLocked(e)
	}
	return nil
}

// CancelAllForHabit withdraws every pending reminder of habitID.
func (s *Service) CancelAllForHabit(ctx context.Context, habitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.byHabit[habitID] {
		if e := s.pending[id]; e != nil {
			e.timer.Stop()
			s.unindexLocked(e)
		}
	}
	return nil
}

func (s *Service) unindexLocked(e *entry) {
	delete(s.pending, e.eventID)
	if set := s.byHabit[e.habitID]; set != nil {
		delete(set, e.eventID)
		if len(set) == 0 {
			delete(s.byHabit, e.habitID)
		}
	}
}

// fire moves a due reminder into the work queue. A full queue pushes it back
// by requeueDelay instead of dropping it.
func (s *Service) fire(eventID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.pending[eventID]
	if e == nil || e.gen != gen || !s.running {
		return
	}
	j := job{habitID: e.habitID, eventID: e.eventID, scheduledAt: e.scheduledAt, dueAt: e.dueAt, gen: e.gen}
	select {
	case s.q <- j:
	default:
		s.requeued.Add(1)
		e.timer = time.AfterFunc(requeueDelay, func() { s.fire(eventID, gen) })
		s.log.Debug("deferred.requeue", logx.String("event", eventID), logx.Int("queue_len", len(s.q)))
	}
}

// live reports whether the job still matches an armed entry.
func (s *Service) live(j job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.pending[j.eventID]
	return e != nil && e.gen == j.gen
}

// finish drops the entry for a job that is done.
func (s *Service) finish(j job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.pending[j.eventID]; e != nil && e.gen == j.gen {
		s.unindexLocked(e)
	}
}

// Snapshot reports counters and the recent delivery history.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running: s.running,
		Workers: s.cfg.Workers,
		Pending: len(s.pending),
	}
	if s.q != nil {
		snap.QueueLen = len(s.q)
		snap.QueueCap = cap(s.q)
	}
	s.mu.Unlock()

	snap.Delivered = s.delivered.Load()
	snap.Failed = s.failed.Load()
	snap.DroppedStale = s.droppedStale.Load()
	snap.Requeued = s.requeued.Load()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
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

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}
