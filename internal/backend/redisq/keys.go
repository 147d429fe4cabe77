// Package redisq is a deferred queue that survives restarts by keeping armed
// reminders in Redis.
//
// Layout per queue name:
//
//	taper:<queue>:delayed      ZSET  event id scored by due time (unix ms)
//	taper:<queue>:ready        LIST  event ids whose due time has passed
//	taper:<queue>:event        HASH  event id -> JSON payload
//	taper:<queue>:habit:<id>   SET   event ids armed for one habit
//	taper:<queue>:dlq          LIST  payloads that exhausted their retries
//
// The payload hash is the source of truth: an id popped from ready whose
// payload is gone was cancelled and is skipped.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func DelayedKey(queue string) string { return "taper:" + queue + ":delayed" }
func ReadyKey(queue string) string   { return "taper:" + queue + ":ready" }
func EventKey(queue string) string   { return "taper:" + queue + ":event" }
func DLQKey(queue string) string     { return "taper:" + queue + ":dlq" }

func HabitKey(queue, habitID string) string { return "taper:" + queue + ":habit:" + habitID }

type payload struct {
	HabitID     string    `json:"habit_id"`
	EventID     string    `json:"event_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	DueAt       time.Time `json:"due_at"`
	Handle      string    `json:"handle"`
	Attempts    int       `json:"attempts,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

func decodePayload(raw string) (payload, error) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return payload{}, fmt.Errorf("redisq: decode payload: %w", err)
	}
	if p.EventID == "" || p.HabitID == "" {
		return payload{}, fmt.Errorf("redisq: payload missing ids: %q", raw)
	}
	return p, nil
}

func (p payload) encode() string {
	b, _ := json.Marshal(p)
	return string(b)
}

// moveDue atomically shifts due ids from the delayed ZSET to the ready LIST.
var moveDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #due
`)

// Connect parses a redis:// URL and verifies the server answers PING.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
