// Package sqlite implements zubot's stores on pure-Go SQLite behind a
// serialized single-writer queue. Zero CGO required.
//
// One Queue owns the shared database file; Store layers the scheduler
// tables and the daily memory tables on top of it. All three runtime
// planes hand their SQL to the same queue, which is what keeps a WAL
// SQLite file safe under concurrent use.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"zubot"
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithHomeLocation sets the timezone used to compute day keys
// (default UTC).
func WithHomeLocation(loc *time.Location) StoreOption {
	return func(s *Store) {
		if loc != nil {
			s.home = loc
		}
	}
}

// Store implements zubot.SchedulerStore and zubot.MemoryStore on a
// shared serialized Queue.
type Store struct {
	q      *Queue
	home   *time.Location
	logger *slog.Logger
}

var (
	_ zubot.SchedulerStore = (*Store)(nil)
	_ zubot.MemoryStore    = (*Store)(nil)
)

// NewStore creates a Store on top of an open Queue.
func NewStore(q *Queue, opts ...StoreOption) *Store {
	s := &Store{q: q, home: time.UTC, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Queue returns the underlying serialized queue, for read-only SQL
// surfaces like the query_central_db tool.
func (s *Store) Queue() *Queue { return s.q }

// LocalDayKey returns t's "YYYY-MM-DD" day key in the home timezone.
func (s *Store) LocalDayKey(t time.Time) string {
	return t.In(s.home).Format("2006-01-02")
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS defined_tasks (
			schedule_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			mode TEXT NOT NULL,
			run_frequency_minutes INTEGER,
			timezone TEXT,
			misfire_policy TEXT NOT NULL DEFAULT 'queue_latest',
			execution_order INTEGER NOT NULL DEFAULT 100,
			next_run_at TEXT,
			last_planned_fire_at TEXT,
			last_run_at TEXT,
			last_run_status TEXT,
			last_successful_run_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS defined_tasks_run_times (
			schedule_id TEXT NOT NULL,
			time_of_day TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			UNIQUE(schedule_id, time_of_day, timezone)
		)`,
		`CREATE TABLE IF NOT EXISTS defined_tasks_days_of_week (
			schedule_id TEXT NOT NULL,
			day_of_week TEXT NOT NULL,
			UNIQUE(schedule_id, day_of_week)
		)`,
		`CREATE TABLE IF NOT EXISTS defined_task_runs (
			run_id TEXT PRIMARY KEY,
			schedule_id TEXT,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			planned_fire_at TEXT,
			queued_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			summary TEXT,
			error TEXT,
			retryable_error INTEGER NOT NULL DEFAULT 0,
			attempts_used INTEGER NOT NULL DEFAULT 0,
			attempts_configured INTEGER NOT NULL DEFAULT 0,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			waiting_since TEXT,
			question TEXT,
			resume_payload TEXT,
			resume_history TEXT,
			payload TEXT,
			UNIQUE(schedule_id, planned_fire_at)
		)`,
		`CREATE TABLE IF NOT EXISTS defined_task_run_history (
			run_id TEXT PRIMARY KEY,
			schedule_id TEXT,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			planned_fire_at TEXT,
			queued_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			summary TEXT,
			error TEXT,
			retryable_error INTEGER NOT NULL DEFAULT 0,
			attempts_used INTEGER NOT NULL DEFAULT 0,
			attempts_configured INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS task_state (
			task_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(task_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS seen_items (
			task_id TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			item_key TEXT NOT NULL,
			first_seen_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL,
			seen_count INTEGER NOT NULL DEFAULT 1,
			metadata_json TEXT NOT NULL DEFAULT '',
			PRIMARY KEY(task_id, provider, item_key)
		)`,
		`CREATE TABLE IF NOT EXISTS heartbeat_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			error TEXT,
			enqueued_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS day_memory_status (
			day TEXT PRIMARY KEY,
			total_messages INTEGER NOT NULL DEFAULT 0,
			last_summarized_total INTEGER NOT NULL DEFAULT 0,
			messages_since_last_summary INTEGER NOT NULL DEFAULT 0,
			summaries_count INTEGER NOT NULL DEFAULT 0,
			is_finalized INTEGER NOT NULL DEFAULT 0,
			last_summary_at TEXT,
			last_event_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS memory_summary_jobs (
			job_id TEXT PRIMARY KEY,
			day TEXT NOT NULL,
			reason TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			enqueued_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS daily_memory_events (
			event_id TEXT PRIMARY KEY,
			day TEXT NOT NULL,
			ts TEXT NOT NULL,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			route TEXT,
			text TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daily_memory_snapshots (
			day TEXT PRIMARY KEY,
			summary_text TEXT NOT NULL,
			reason TEXT,
			entry_count INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON defined_task_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_queued_at ON defined_task_runs(queued_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_schedule ON defined_task_runs(schedule_id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_history_task ON defined_task_run_history(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_events_day ON daily_memory_events(day)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON memory_summary_jobs(status)`,
		// At most one active (queued or running) summary job per day.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_day
			ON memory_summary_jobs(day) WHERE status IN ('queued','running')`,
	}

	err := s.q.Tx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range ddl {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("create table: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying queue and database.
func (s *Store) Close() error { return s.q.Close() }

// --- time helpers: RFC3339 UTC text at the database boundary ---

func timeText(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeText(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func scanTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return parseTimeText(ns.String)
}
