package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"taper/pkg/logx"
)

// WebPushSubscription is one browser push endpoint as returned by
// PushManager.subscribe().
type WebPushSubscription struct {
	Endpoint string
	P256dh   string
	Auth     string
}

// WebPushConfig holds the VAPID identity and the subscriptions to notify.
// Urgency is very-low, low, normal or high; empty leaves it to the push
// service.
type WebPushConfig struct {
	Subject       string
	PublicKey     string
	PrivateKey    string
	TTL           time.Duration
	Urgency       string
	Subscriptions []WebPushSubscription
}

func (c WebPushConfig) Equal(o WebPushConfig) bool {
	return c.Subject == o.Subject && c.PublicKey == o.PublicKey && c.PrivateKey == o.PrivateKey &&
		c.TTL == o.TTL && c.Urgency == o.Urgency && slices.Equal(c.Subscriptions, o.Subscriptions)
}

type pushPayload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Tag   string         `json:"tag,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// WebPushSink delivers reminders as encrypted Web Push messages. A
// subscription the push service reports as gone (404/410) is dropped.
type WebPushSink struct {
	cfg    WebPushConfig
	log    logx.Logger
	client webpush.HTTPClient

	mu   sync.Mutex
	subs []WebPushSubscription
}

func NewWebPushSink(cfg WebPushConfig, log logx.Logger) *WebPushSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &WebPushSink{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: 15 * time.Second},
		subs:   slices.Clone(cfg.Subscriptions),
	}
}

// Subscriptions returns how many endpoints are still live.
func (s *WebPushSink) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *WebPushSink) Send(ctx context.Context, m Message) error {
	s.mu.Lock()
	subs := slices.Clone(s.subs)
	s.mu.Unlock()
	if len(subs) == 0 {
		s.log.Warn("webpush.no_subscriptions", logx.String("event", m.EventID))
		return nil
	}

	actions := make([]string, 0, len(m.Actions))
	for _, a := range m.Actions {
		actions = append(actions, string(a))
	}
	payload, err := json.Marshal(pushPayload{
		Title: m.Title,
		Body:  m.Body,
		Tag:   m.EventID,
		Data: map[string]any{
			"habit_id":     m.HabitID,
			"event_id":     m.EventID,
			"scheduled_at": m.ScheduledAt.UTC().Format(time.RFC3339),
			"snoozed":      m.Snoozed,
			"actions":      actions,
		},
	})
	if err != nil {
		return fmt.Errorf("webpush: marshal payload: %w", err)
	}

	opts := &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.Subject,
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
		TTL:             int(s.cfg.TTL / time.Second),
		Urgency:         webpush.Urgency(s.cfg.Urgency),
	}

	var (
		delivered int
		gone      []string
		errs      []error
	)
	for _, sub := range subs {
		resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			gone = append(gone, sub.Endpoint)
		case resp.StatusCode >= 400:
			errs = append(errs, fmt.Errorf("push service returned %d", resp.StatusCode))
		default:
			delivered++
		}
	}

	if len(gone) > 0 {
		s.mu.Lock()
		s.subs = slices.DeleteFunc(s.subs, func(sub WebPushSubscription) bool {
			return slices.Contains(gone, sub.Endpoint)
		})
		left := len(s.subs)
		s.mu.Unlock()
		s.log.Warn("webpush.subscriptions_gone", logx.Int("dropped", len(gone)), logx.Int("left", left))
	}

	s.log.Debug("webpush.sent",
		logx.String("event", m.EventID),
		logx.Int("delivered", delivered),
		logx.Int("failed", len(errs)),
	)
	if delivered == 0 && len(errs) > 0 {
		return fmt.Errorf("webpush: %w", errors.Join(errs...))
	}
	return nil
}
