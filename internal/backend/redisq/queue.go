package redisq

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"taper/internal/dispatch"
	"taper/internal/habit"
	rtsup "taper/internal/runtime/supervisor"
	"taper/pkg/logx"
)

type Config struct {
	Queue           string
	Consumers       int
	PollInterval    time.Duration
	MoveBatch       int
	BlockTimeout    time.Duration
	DeliveryTimeout time.Duration
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = "reminders"
	}
	if c.Consumers <= 0 {
		c.Consumers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MoveBatch <= 0 {
		c.MoveBatch = 100
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 2 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	return c
}

// Queue implements dispatch.DeferredQueue on Redis.
type Queue struct {
	rdb     *redis.Client
	cfg     Config
	log     logx.Logger
	deliver dispatch.DeliverFunc
	now     func() time.Time

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	abandon dispatch.AbandonFunc

	seq       atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	moved     atomic.Uint64
}

func New(rdb *redis.Client, cfg Config, deliver dispatch.DeliverFunc, log logx.Logger) *Queue {
	return &Queue{rdb: rdb, cfg: cfg.withDefaults(), log: log, deliver: deliver, now: time.Now}
}

// SetAbandonFunc registers fn to hear about reminders parked on the dead
// letter list.
func (q *Queue) SetAbandonFunc(fn dispatch.AbandonFunc) {
	q.mu.Lock()
	q.abandon = fn
	q.mu.Unlock()
}

func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sup != nil {
		return
	}
	q.sup = rtsup.New(ctx, rtsup.WithLogger(q.log))
	q.sup.GoRestart("redisq.mover", q.moverLoop, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	for i := 0; i < q.cfg.Consumers; i++ {
		q.sup.GoRestart(fmt.Sprintf("redisq.consumer.%d", i), q.consumeLoop, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}
	q.log.Info("redis queue started", logx.String("queue", q.cfg.Queue), logx.Int("consumers", q.cfg.Consumers))
}

// Stop halts the mover and consumers. Armed reminders stay in Redis.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	sup := q.sup
	q.sup = nil
	q.mu.Unlock()
	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, habitID string, ev habit.ScheduleEvent, delay time.Duration) (string, error) {
	if ev.ID == "" {
		return "", errors.New("redisq: event id is required")
	}
	if delay < 0 {
		return "", fmt.Errorf("redisq: %w (%s ago)", dispatch.ErrInPast, -delay)
	}
	due := q.now().Add(delay)
	p := payload{
		HabitID:     habitID,
		EventID:     ev.ID,
		ScheduledAt: ev.ScheduledAt,
		DueAt:       due,
		Handle:      fmt.Sprintf("rq-%s-%d-%d", ev.ID, due.UnixMilli(), q.seq.Add(1)),
	}
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, EventKey(q.cfg.Queue), ev.ID, p.encode())
		pipe.LRem(ctx, ReadyKey(q.cfg.Queue), 0, ev.ID)
		pipe.ZAdd(ctx, DelayedKey(q.cfg.Queue), redis.Z{Score: float64(due.UnixMilli()), Member: ev.ID})
		pipe.SAdd(ctx, HabitKey(q.cfg.Queue, habitID), ev.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redisq: enqueue %s: %w", ev.ID, err)
	}
	return p.Handle, nil
}

func (q *Queue) CancelOne(ctx context.Context, eventID string) error {
	raw, err := q.rdb.HGet(ctx, EventKey(q.cfg.Queue), eventID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redisq: cancel %s: %w", eventID, err)
	}
	habitID := ""
	if p, err := decodePayload(raw); err == nil {
		habitID = p.HabitID
	}
	return q.remove(ctx, habitID, eventID)
}

func (q *Queue) CancelAllForHabit(ctx context.Context, habitID string) error {
	ids, err := q.rdb.SMembers(ctx, HabitKey(q.cfg.Queue, habitID)).Result()
	if err != nil {
		return fmt.Errorf("redisq: list %s: %w", habitID, err)
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.ZRem(ctx, DelayedKey(q.cfg.Queue), id)
			pipe.LRem(ctx, ReadyKey(q.cfg.Queue), 0, id)
			pipe.HDel(ctx, EventKey(q.cfg.Queue), id)
		}
		pipe.Del(ctx, HabitKey(q.cfg.Queue, habitID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisq: cancel habit %s: %w", habitID, err)
	}
	return nil
}

func (q *Queue) remove(ctx context.Context, habitID, eventID string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, DelayedKey(q.cfg.Queue), eventID)
		pipe.LRem(ctx, ReadyKey(q.cfg.Queue), 0, eventID)
		pipe.HDel(ctx, EventKey(q.cfg.Queue), eventID)
		if habitID != "" {
			pipe.SRem(ctx, HabitKey(q.cfg.Queue, habitID), eventID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisq: remove %s: %w", eventID, err)
	}
	return nil
}

// MoveDue promotes due reminders to the ready list and reports how many moved.
func (q *Queue) MoveDue(ctx context.Context) (int, error) {
	n, err := moveDue.Run(ctx, q.rdb, []string{DelayedKey(q.cfg.Queue), ReadyKey(q.cfg.Queue)},
		q.now().UnixMilli(), q.cfg.MoveBatch).Int()
	if err != nil {
		return 0, err
	}
	q.moved.Add(uint64(n))
	return n, nil
}

func (q *Queue) moverLoop(ctx context.Context) error {
	tkr := time.NewTicker(q.cfg.PollInterval)
	defer tkr.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tkr.C:
			n, err := q.MoveDue(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("move due: %w", err)
			}
			if n > 0 {
				q.log.Debug("redisq.moved", logx.String("queue", q.cfg.Queue), logx.Int("count", n))
			}
		}
	}
}

func (q *Queue) consumeLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := q.rdb.BLPop(ctx, q.cfg.BlockTimeout, ReadyKey(q.cfg.Queue)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("blpop: %w", err)
		}
		if len(res) != 2 {
			continue
		}
		if err := q.handle(ctx, res[1]); err != nil && ctx.Err() == nil {
			q.log.Warn("redisq.handle", logx.String("event", res[1]), logx.Err(err))
		}
	}
}

// handle delivers one ready id. Failures are rescheduled on the delayed set
// with backoff until RetryMax, then parked on the dead letter list.
func (q *Queue) handle(ctx context.Context, eventID string) error {
	raw, err := q.rdb.HGet(ctx, EventKey(q.cfg.Queue), eventID).Result()
	if errors.Is(err, redis.Nil) {
		q.log.Debug("redisq.cancelled", logx.String("event", eventID))
		return nil
	}
	if err != nil {
		return err
	}
	p, err := decodePayload(raw)
	if err != nil {
		_ = q.remove(ctx, "", eventID)
		return err
	}

	derr := q.deliverOnce(ctx, p)
	if derr == nil {
		q.delivered.Add(1)
		return q.removeIfUnchanged(ctx, p)
	}

	p.Attempts++
	p.LastError = derr.Error()
	if p.Attempts > q.cfg.RetryMax {
		q.failed.Add(1)
		q.log.Warn("redisq.dead_letter", logx.String("habit", p.HabitID), logx.String("event", p.EventID), logx.Int("attempts", p.Attempts), logx.Err(derr))
		if err := q.rdb.RPush(ctx, DLQKey(q.cfg.Queue), p.encode()).Err(); err != nil {
			return err
		}
		q.mu.Lock()
		abandon := q.abandon
		q.mu.Unlock()
		if abandon != nil {
			abandon(p.delivery(), derr)
		}
		return q.removeIfUnchanged(ctx, p)
	}

	wait := backoff(q.cfg, p.Attempts)
	q.log.Debug("redisq.retry", logx.String("event", p.EventID), logx.Int("attempt", p.Attempts+1), logx.Duration("delay", wait), logx.Err(derr))
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, EventKey(q.cfg.Queue), p.EventID, p.encode())
		pipe.ZAdd(ctx, DelayedKey(q.cfg.Queue), redis.Z{Score: float64(q.now().Add(wait).UnixMilli()), Member: p.EventID})
		return nil
	})
	return err
}

// removeIfUnchanged drops the payload unless the event was re-armed while it
// was being delivered.
func (q *Queue) removeIfUnchanged(ctx context.Context, p payload) error {
	raw, err := q.rdb.HGet(ctx, EventKey(q.cfg.Queue), p.EventID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur, err := decodePayload(raw); err == nil && cur.Handle != p.Handle {
		return nil
	}
	return q.remove(ctx, p.HabitID, p.EventID)
}

func (q *Queue) deliverOnce(ctx context.Context, p payload) (err error) {
	runCtx, cancel := context.WithTimeout(ctx, q.cfg.DeliveryTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			q.log.Error("redisq.panic", logx.String("event", p.EventID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return q.deliver(runCtx, p.delivery())
}

func (p payload) delivery() dispatch.Delivery {
	return dispatch.Delivery{
		HabitID:     p.HabitID,
		EventID:     p.EventID,
		ScheduledAt: p.ScheduledAt,
		Backend:     dispatch.BackendDeferred,
		Handle:      p.Handle,
	}
}

func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			return cfg.RetryMaxDelay
		}
	}
	return d
}

type Snapshot struct {
	Queue      string `json:"queue"`
	Delayed    int64  `json:"delayed"`
	Ready      int64  `json:"ready"`
	DeadLetter int64  `json:"dead_letter"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
	Moved      uint64 `json:"moved"`
}

func (q *Queue) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Queue:     q.cfg.Queue,
		Delivered: q.delivered.Load(),
		Failed:    q.failed.Load(),
		Moved:     q.moved.Load(),
	}
	pipe := q.rdb.Pipeline()
	delayed := pipe.ZCard(ctx, DelayedKey(q.cfg.Queue))
	ready := pipe.LLen(ctx, ReadyKey(q.cfg.Queue))
	dlq := pipe.LLen(ctx, DLQKey(q.cfg.Queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return snap, err
	}
	snap.Delayed, snap.Ready, snap.DeadLetter = delayed.Val(), ready.Val(), dlq.Val()
	return snap, nil
}
