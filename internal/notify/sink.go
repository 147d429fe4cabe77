package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"taper/pkg/logx"
)

// Sink presents a reminder. Returning an error makes the backend retry.
type Sink interface {
	Send(ctx context.Context, m Message) error
}

// LogSink writes reminders to the structured log.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Send(ctx context.Context, m Message) error {
	s.Log.Info("reminder",
		logx.String("habit", m.HabitID),
		logx.String("event", m.EventID),
		logx.String("title", m.Title),
		logx.String("body", m.Body),
		logx.Time("scheduled_at", m.ScheduledAt),
		logx.Bool("snoozed", m.Snoozed),
	)
	return nil
}

// WriterSink prints one line per reminder, e.g. to a terminal.
type WriterSink struct {
	mu sync.Mutex
	W  io.Writer
	// Location formats the scheduled time; nil means UTC.
	Location *time.Location
}

func (s *WriterSink) Send(ctx context.Context, m Message) error {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	actions := make([]string, 0, len(m.Actions))
	for _, a := range m.Actions {
		actions = append(actions, string(a))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.W, "%s  %s: %s  [%s] (event %s)\n",
		m.ScheduledAt.In(loc).Format("2006-01-02 15:04"), m.Title, m.Body, strings.Join(actions, "|"), m.EventID)
	return err
}

// MultiSink fans out to every sink and reports the first error.
type MultiSink []Sink

func (ms MultiSink) Send(ctx context.Context, m Message) error {
	var first error
	for _, s := range ms {
		if err := s.Send(ctx, m); err != nil && first == nil {
			first = err
		}
	}
	return first
}
