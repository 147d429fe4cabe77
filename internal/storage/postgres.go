package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taper/internal/eventbus"
	"taper/internal/habit"
	"taper/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type postgresStore struct {
	signals
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger, bus eventbus.Bus) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresMigrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened", logx.String("host", pcfg.ConnConfig.Host), logx.String("db", pcfg.ConnConfig.Database))
	return &postgresStore{signals: signals{bus: bus}, pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgHabitCols = `id, name, description, message, start_per_day, end_per_day, weeks, start_date, is_ramp_up, is_active`

func (s *postgresStore) PutHabit(ctx context.Context, h habit.Habit) error {
	if h.ID == "" {
		return &habit.ConfigError{Field: "id", Reason: "is required"}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO habits (`+pgHabitCols+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, description=EXCLUDED.description, message=EXCLUDED.message,
		  start_per_day=EXCLUDED.start_per_day, end_per_day=EXCLUDED.end_per_day, weeks=EXCLUDED.weeks,
		  start_date=EXCLUDED.start_date, is_ramp_up=EXCLUDED.is_ramp_up, is_active=EXCLUDED.is_active, updated_at=NOW()
	`, h.ID, h.Name, h.Description, h.Message, h.StartPerDay, h.EndPerDay, h.Weeks, dateValue(h.StartDate), h.IsRampUp, h.IsActive)
	if err != nil {
		return err
	}
	s.habitChanged(h.ID)
	return nil
}

func scanPGHabit(row pgx.Row) (habit.Habit, error) {
	var (
		h     habit.Habit
		start time.Time
	)
	if err := row.Scan(&h.ID, &h.Name, &h.Description, &h.Message, &h.StartPerDay, &h.EndPerDay, &h.Weeks, &start, &h.IsRampUp, &h.IsActive); err != nil {
		return habit.Habit{}, err
	}
	h.StartDate = habit.NewDate(start.Year(), start.Month(), start.Day())
	return h, nil
}

func (s *postgresStore) GetHabit(ctx context.Context, id string) (habit.Habit, error) {
	h, err := scanPGHabit(s.pool.QueryRow(ctx, `SELECT `+pgHabitCols+` FROM habits WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return habit.Habit{}, ErrNotFound
	}
	return h, err
}

func (s *postgresStore) ListHabits(ctx context.Context) ([]habit.Habit, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgHabitCols+` FROM habits ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []habit.Habit
	for rows.Next() {
		h, err := scanPGHabit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *postgresStore) DeleteHabit(ctx context.Context, id string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM schedule_events WHERE habit_id=$1`, id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM habits WHERE id=$1`, id)
		return err
	})
	if err != nil {
		return err
	}
	s.habitChanged(id)
	s.eventsChanged(id)
	return nil
}

const pgEventCols = `id, habit_id, scheduled_at, sent_at, response, responded_at, is_snoozed`

func (s *postgresStore) InsertAll(ctx context.Context, events []habit.ScheduleEvent) ([]habit.ScheduleEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	out := make([]habit.ScheduleEvent, 0, len(events))
	touched := map[string]struct{}{}
	batch := &pgx.Batch{}
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		batch.Queue(`INSERT INTO schedule_events (`+pgEventCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.ID, ev.HabitID, ev.ScheduledAt, ev.SentAt, string(ev.Response), ev.RespondedAt, ev.IsSnoozed)
		out = append(out, ev)
		touched[ev.HabitID] = struct{}{}
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return nil, err
	}
	for id := range touched {
		s.eventsChanged(id)
	}
	return out, nil
}

func (s *postgresStore) DeleteForHabit(ctx context.Context, habitID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM schedule_events WHERE habit_id=$1`, habitID); err != nil {
		return err
	}
	s.eventsChanged(habitID)
	return nil
}

func (s *postgresStore) DeleteFutureForHabit(ctx context.Context, habitID string, from time.Time, keepSnoozed bool) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM schedule_events
		WHERE habit_id=$1 AND sent_at IS NULL AND response='' AND scheduled_at >= $2
		  AND (NOT $3 OR NOT is_snoozed)
	`, habitID, from, keepSnoozed)
	if err != nil {
		return 0, err
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		s.eventsChanged(habitID)
	}
	return n, nil
}

func (s *postgresStore) ObserveForHabit(ctx context.Context, habitID string) (<-chan []habit.ScheduleEvent, error) {
	return observeEvents(ctx, s.bus, habitID, s.ListForHabit)
}

func (s *postgresStore) GetAll(ctx context.Context) ([]habit.ScheduleEvent, error) {
	return s.queryEvents(ctx, `SELECT `+pgEventCols+` FROM schedule_events ORDER BY scheduled_at, id`)
}

func (s *postgresStore) ListForHabit(ctx context.Context, habitID string) ([]habit.ScheduleEvent, error) {
	return s.queryEvents(ctx, `SELECT `+pgEventCols+` FROM schedule_events WHERE habit_id=$1 ORDER BY scheduled_at, id`, habitID)
}

func (s *postgresStore) queryEvents(ctx context.Context, q string, args ...any) ([]habit.ScheduleEvent, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []habit.ScheduleEvent
	for rows.Next() {
		ev, err := scanPGEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanPGEvent(row pgx.Row) (habit.ScheduleEvent, error) {
	var (
		ev   habit.ScheduleEvent
		resp string
	)
	if err := row.Scan(&ev.ID, &ev.HabitID, &ev.ScheduledAt, &ev.SentAt, &resp, &ev.RespondedAt, &ev.IsSnoozed); err != nil {
		return habit.ScheduleEvent{}, err
	}
	ev.ScheduledAt = ev.ScheduledAt.UTC()
	ev.Response = habit.ResponseType(resp)
	return ev, nil
}

func (s *postgresStore) Get(ctx context.Context, id string) (habit.ScheduleEvent, error) {
	ev, err := scanPGEvent(s.pool.QueryRow(ctx, `SELECT `+pgEventCols+` FROM schedule_events WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return habit.ScheduleEvent{}, ErrNotFound
	}
	return ev, err
}

func (s *postgresStore) MarkSent(ctx context.Context, id string, at time.Time) (habit.ScheduleEvent, error) {
	return s.updateEvent(ctx, `UPDATE schedule_events SET sent_at=COALESCE(sent_at, $2) WHERE id=$1 RETURNING `+pgEventCols, id, at)
}

func (s *postgresStore) Respond(ctx context.Context, id string, resp habit.ResponseType, at time.Time) (habit.ScheduleEvent, error) {
	return s.updateEvent(ctx, `UPDATE schedule_events SET response=$2, responded_at=$3 WHERE id=$1 RETURNING `+pgEventCols, id, string(resp), at)
}

func (s *postgresStore) updateEvent(ctx context.Context, q string, args ...any) (habit.ScheduleEvent, error) {
	ev, err := scanPGEvent(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return habit.ScheduleEvent{}, ErrNotFound
	}
	if err != nil {
		return habit.ScheduleEvent{}, err
	}
	s.eventsChanged(ev.HabitID)
	return ev, nil
}

func (s *postgresStore) getSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *postgresStore) putSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value`, key, value)
	return err
}

func (s *postgresStore) AwakeWindow(ctx context.Context) (habit.AwakeWindow, error) {
	v, ok, err := s.getSetting(ctx, settingAwakeWindow)
	if err != nil || !ok {
		return habit.DefaultAwakeWindow(), err
	}
	return decodeWindow(v)
}

func (s *postgresStore) SetAwakeWindow(ctx context.Context, w habit.AwakeWindow) error {
	b, err := json.Marshal(w)
	if err != nil {
		return err
	}
	if err := s.putSetting(ctx, settingAwakeWindow, string(b)); err != nil {
		return err
	}
	s.windowChanged(w)
	return nil
}

func (s *postgresStore) ObserveAwakeWindow(ctx context.Context) (<-chan habit.AwakeWindow, error) {
	return observeWindow(ctx, s.bus, s.AwakeWindow)
}

func (s *postgresStore) LastRescheduleAt(ctx context.Context) (time.Time, error) {
	v, ok, err := s.getSetting(ctx, settingLastRescheduleAt)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}

func (s *postgresStore) SetLastRescheduleAt(ctx context.Context, at time.Time) error {
	return s.putSetting(ctx, settingLastRescheduleAt, at.UTC().Format(time.RFC3339Nano))
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit (at, habit_id, action, priority, armed, skipped, err, took_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.At, nullStr(e.HabitID), e.Action, nullStr(e.Priority), e.Armed, e.Skipped, nullStr(e.Error), e.TookMS)
	return err
}

func (s *postgresStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT at, COALESCE(habit_id, ''), action, COALESCE(priority, ''), armed, skipped, COALESCE(err, ''), took_ms
		FROM audit ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.At, &e.HabitID, &e.Action, &e.Priority, &e.Armed, &e.Skipped, &e.Error, &e.TookMS); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dedup (key, until) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET until=EXCLUDED.until
	`, key, until)
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var until time.Time
	err := s.pool.QueryRow(ctx, `SELECT until FROM dedup WHERE key=$1`, key).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}

func dateValue(d habit.Date) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}
