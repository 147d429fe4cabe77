package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"taper/internal/eventbus"
	"taper/internal/habit"
	"taper/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type sqliteStore struct {
	signals
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger, bus eventbus.Bus) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{signals: signals{bus: bus}, db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteHabitCols = `id, name, description, message, start_per_day, end_per_day, weeks, start_date, is_ramp_up, is_active`

func (s *sqliteStore) PutHabit(ctx context.Context, h habit.Habit) error {
	if h.ID == "" {
		return &habit.ConfigError{Field: "id", Reason: "is required"}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO habits(`+sqliteHabitCols+`, updated_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description, message=excluded.message,
		   start_per_day=excluded.start_per_day, end_per_day=excluded.end_per_day, weeks=excluded.weeks,
		   start_date=excluded.start_date, is_ramp_up=excluded.is_ramp_up, is_active=excluded.is_active,
		   updated_at=excluded.updated_at`,
		h.ID, h.Name, h.Description, h.Message, h.StartPerDay, h.EndPerDay, h.Weeks, h.StartDate.String(),
		h.IsRampUp, h.IsActive, time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}
	s.habitChanged(h.ID)
	return nil
}

func scanSQLiteHabit(row interface{ Scan(...any) error }) (habit.Habit, error) {
	var (
		h     habit.Habit
		start string
	)
	if err := row.Scan(&h.ID, &h.Name, &h.Description, &h.Message, &h.StartPerDay, &h.EndPerDay, &h.Weeks, &start, &h.IsRampUp, &h.IsActive); err != nil {
		return habit.Habit{}, err
	}
	d, err := habit.ParseDate(start)
	if err != nil {
		return habit.Habit{}, fmt.Errorf("habit %s: %w", h.ID, err)
	}
	h.StartDate = d
	return h, nil
}

func (s *sqliteStore) GetHabit(ctx context.Context, id string) (habit.Habit, error) {
	h, err := scanSQLiteHabit(s.db.QueryRowContext(ctx, `SELECT `+sqliteHabitCols+` FROM habits WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return habit.Habit{}, ErrNotFound
	}
	return h, err
}

func (s *sqliteStore) ListHabits(ctx context.Context) ([]habit.Habit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteHabitCols+` FROM habits ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []habit.Habit
	for rows.Next() {
		h, err := scanSQLiteHabit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteHabit(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_events WHERE habit_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM habits WHERE id = ?`, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.habitChanged(id)
	s.eventsChanged(id)
	return nil
}

const sqliteEventCols = `id, habit_id, scheduled_at, sent_at, response, responded_at, is_snoozed`

func (s *sqliteStore) InsertAll(ctx context.Context, events []habit.ScheduleEvent) ([]habit.ScheduleEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO schedule_events(`+sqliteEventCols+`) VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	out := make([]habit.ScheduleEvent, 0, len(events))
	touched := map[string]struct{}{}
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.HabitID, ev.ScheduledAt.UnixMilli(), millisPtr(ev.SentAt),
			string(ev.Response), millisPtr(ev.RespondedAt), ev.IsSnoozed); err != nil {
			return nil, err
		}
		out = append(out, ev)
		touched[ev.HabitID] = struct{}{}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for id := range touched {
		s.eventsChanged(id)
	}
	return out, nil
}

func (s *sqliteStore) DeleteForHabit(ctx context.Context, habitID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedule_events WHERE habit_id = ?`, habitID); err != nil {
		return err
	}
	s.eventsChanged(habitID)
	return nil
}

func (s *sqliteStore) DeleteFutureForHabit(ctx context.Context, habitID string, from time.Time, keepSnoozed bool) (int, error) {
	q := `DELETE FROM schedule_events
	      WHERE habit_id = ? AND sent_at IS NULL AND response = '' AND scheduled_at >= ?`
	if keepSnoozed {
		q += ` AND is_snoozed = 0`
	}
	res, err := s.db.ExecContext(ctx, q, habitID, from.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.eventsChanged(habitID)
	}
	return int(n), nil
}

func (s *sqliteStore) ObserveForHabit(ctx context.Context, habitID string) (<-chan []habit.ScheduleEvent, error) {
	return observeEvents(ctx, s.bus, habitID, s.ListForHabit)
}

func (s *sqliteStore) GetAll(ctx context.Context) ([]habit.ScheduleEvent, error) {
	return s.queryEvents(ctx, `SELECT `+sqliteEventCols+` FROM schedule_events ORDER BY scheduled_at, id`)
}

func (s *sqliteStore) ListForHabit(ctx context.Context, habitID string) ([]habit.ScheduleEvent, error) {
	return s.queryEvents(ctx, `SELECT `+sqliteEventCols+` FROM schedule_events WHERE habit_id = ? ORDER BY scheduled_at, id`, habitID)
}

func (s *sqliteStore) queryEvents(ctx context.Context, q string, args ...any) ([]habit.ScheduleEvent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []habit.ScheduleEvent
	for rows.Next() {
		ev, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanSQLiteEvent(row interface{ Scan(...any) error }) (habit.ScheduleEvent, error) {
	var (
		ev              habit.ScheduleEvent
		at              int64
		sent, responded sql.NullInt64
		resp            string
	)
	if err := row.Scan(&ev.ID, &ev.HabitID, &at, &sent, &resp, &responded, &ev.IsSnoozed); err != nil {
		return habit.ScheduleEvent{}, err
	}
	ev.ScheduledAt = time.UnixMilli(at).UTC()
	ev.SentAt = timePtr(sent)
	ev.Response = habit.ResponseType(resp)
	ev.RespondedAt = timePtr(responded)
	return ev, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (habit.ScheduleEvent, error) {
	ev, err := scanSQLiteEvent(s.db.QueryRowContext(ctx, `SELECT `+sqliteEventCols+` FROM schedule_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return habit.ScheduleEvent{}, ErrNotFound
	}
	return ev, err
}

func (s *sqliteStore) MarkSent(ctx context.Context, id string, at time.Time) (habit.ScheduleEvent, error) {
	return s.updateEvent(ctx, id, `UPDATE schedule_events SET sent_at = COALESCE(sent_at, ?) WHERE id = ?`, at.UnixMilli(), id)
}

func (s *sqliteStore) Respond(ctx context.Context, id string, resp habit.ResponseType, at time.Time) (habit.ScheduleEvent, error) {
	return s.updateEvent(ctx, id, `UPDATE schedule_events SET response = ?, responded_at = ? WHERE id = ?`, string(resp), at.UnixMilli(), id)
}

func (s *sqliteStore) updateEvent(ctx context.Context, id, q string, args ...any) (habit.ScheduleEvent, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return habit.ScheduleEvent{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return habit.ScheduleEvent{}, ErrNotFound
	}
	ev, err := s.Get(ctx, id)
	if err != nil {
		return habit.ScheduleEvent{}, err
	}
	s.eventsChanged(ev.HabitID)
	return ev, nil
}

func (s *sqliteStore) getSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) putSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

func (s *sqliteStore) AwakeWindow(ctx context.Context) (habit.AwakeWindow, error) {
	v, ok, err := s.getSetting(ctx, settingAwakeWindow)
	if err != nil || !ok {
		return habit.DefaultAwakeWindow(), err
	}
	return decodeWindow(v)
}

func (s *sqliteStore) SetAwakeWindow(ctx context.Context, w habit.AwakeWindow) error {
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

func (s *sqliteStore) ObserveAwakeWindow(ctx context.Context) (<-chan habit.AwakeWindow, error) {
	return observeWindow(ctx, s.bus, s.AwakeWindow)
}

func (s *sqliteStore) LastRescheduleAt(ctx context.Context) (time.Time, error) {
	v, ok, err := s.getSetting(ctx, settingLastRescheduleAt)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}

func (s *sqliteStore) SetLastRescheduleAt(ctx context.Context, at time.Time) error {
	return s.putSetting(ctx, settingLastRescheduleAt, at.UTC().Format(time.RFC3339Nano))
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, habit_id, action, priority, armed, skipped, err, took_ms) VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.HabitID), e.Action, nullStr(e.Priority), e.Armed, e.Skipped, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, habit_id, action, priority, armed, skipped, err, took_ms FROM audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e                   AuditEntry
			at                  string
			habitID, prio, errS sql.NullString
		)
		if err := rows.Scan(&at, &habitID, &e.Action, &prio, &e.Armed, &e.Skipped, &errS, &e.TookMS); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.HabitID, e.Priority, e.Error = habitID.String, prio.String, errS.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func decodeWindow(v string) (habit.AwakeWindow, error) {
	var w habit.AwakeWindow
	if err := json.Unmarshal([]byte(v), &w); err != nil {
		return habit.DefaultAwakeWindow(), fmt.Errorf("decode awake window: %w", err)
	}
	return w, nil
}

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
