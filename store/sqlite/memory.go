package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zubot"
)

// AppendDailyEvent writes one entry to the append-only daily log and
// records the day's last_event_at.
func (s *Store) AppendDailyEvent(ctx context.Context, ev zubot.DailyEvent) error {
	if ev.ID == "" {
		ev.ID = zubot.NewID()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.Day == "" {
		ev.Day = s.LocalDayKey(ev.At)
	}
	return s.q.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO daily_memory_events
			(event_id, day, ts, session_id, kind, route, text)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.Day, timeText(ev.At), ev.SessionID, ev.Kind,
			nullableText(ev.Route), ev.Text); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO day_memory_status (day, last_event_at)
			VALUES (?, ?)
			ON CONFLICT(day) DO UPDATE SET last_event_at = excluded.last_event_at`,
			ev.Day, timeText(ev.At))
		return err
	})
}

// ListDayEvents returns a day's log in arrival order.
func (s *Store) ListDayEvents(ctx context.Context, day string) ([]zubot.DailyEvent, error) {
	value, err := s.q.do(ctx, func(db *sql.DB) (any, error) {
		rows, err := db.Query(`SELECT event_id, day, ts, session_id, kind, route, text
			FROM daily_memory_events WHERE day = ? ORDER BY ts, event_id`, day)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []zubot.DailyEvent
		for rows.Next() {
			var ev zubot.DailyEvent
			var ts string
			var route sql.NullString
			if err := rows.Scan(&ev.ID, &ev.Day, &ts, &ev.SessionID, &ev.Kind, &route, &ev.Text); err != nil {
				return nil, err
			}
			ev.At = parseTimeText(ts)
			ev.Route = route.String
			out = append(out, ev)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return value.([]zubot.DailyEvent), nil
}

// WriteSnapshot upserts the day's summary snapshot.
func (s *Store) WriteSnapshot(ctx context.Context, snap zubot.DaySnapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	_, err := s.q.Exec(ctx, `INSERT INTO daily_memory_snapshots
		(day, summary_text, reason, entry_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			summary_text = excluded.summary_text,
			reason = excluded.reason,
			entry_count = excluded.entry_count,
			updated_at = excluded.updated_at`,
		[]any{snap.Day, snap.Summary, nullableText(snap.Reason), snap.EntryCount,
			timeText(snap.UpdatedAt)})
	return err
}

// GetSnapshot reads the day's snapshot, or nil.
func (s *Store) GetSnapshot(ctx context.Context, day string) (*zubot.DaySnapshot, error) {
	value, err := s.q.do(ctx, func(db *sql.DB) (any, error) {
		var snap zubot.DaySnapshot
		var reason sql.NullString
		var updated string
		err := db.QueryRow(`SELECT day, summary_text, reason, entry_count, updated_at
			FROM daily_memory_snapshots WHERE day = ?`, day).
			Scan(&snap.Day, &snap.Summary, &reason, &snap.EntryCount, &updated)
		if err == sql.ErrNoRows {
			return (*zubot.DaySnapshot)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		snap.Reason = reason.String
		snap.UpdatedAt = parseTimeText(updated)
		return &snap, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*zubot.DaySnapshot), nil
}

// IncrementDayMessageCount bumps the day's counters and clears
// finalization: new activity reopens the day.
func (s *Store) IncrementDayMessageCount(ctx context.Context, day string, at time.Time) error {
	_, err := s.q.Exec(ctx, `INSERT INTO day_memory_status
		(day, total_messages, messages_since_last_summary, last_event_at)
		VALUES (?, 1, 1, ?)
		ON CONFLICT(day) DO UPDATE SET
			total_messages = total_messages + 1,
			messages_since_last_summary = messages_since_last_summary + 1,
			is_finalized = 0,
			last_event_at = excluded.last_event_at`,
		[]any{day, timeText(at)})
	return err
}

// DayStatus reads one day's summarization progress, or nil.
func (s *Store) DayStatus(ctx context.Context, day string) (*zubot.DayMemoryStatus, error) {
	value, err := s.q.do(ctx, func(db *sql.DB) (any, error) {
		var st zubot.DayMemoryStatus
		var finalized int
		var lastSummary, lastEvent sql.NullString
		err := db.QueryRow(`SELECT day, total_messages, last_summarized_total,
			messages_since_last_summary, summaries_count, is_finalized,
			last_summary_at, last_event_at
			FROM day_memory_status WHERE day = ?`, day).
			Scan(&st.Day, &st.TotalMessages, &st.LastSummarizedTotal,
				&st.MessagesSinceLastSummary, &st.SummariesCount, &finalized,
				&lastSummary, &lastEvent)
		if err == sql.ErrNoRows {
			return (*zubot.DayMemoryStatus)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		st.IsFinalized = finalized != 0
		st.LastSummaryAt = scanTime(lastSummary)
		st.LastEventAt = scanTime(lastEvent)
		return &st, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*zubot.DayMemoryStatus), nil
}

// MarkDaySummarized records a completed summary pass: the pending counter
// resets, summaries_count increments, and finalization is monotonic: a
// finalized day stays finalized until new activity reopens it.
func (s *Store) MarkDaySummarized(ctx context.Context, day string, finalize bool, at time.Time) error {
	_, err := s.q.Exec(ctx, `INSERT INTO day_memory_status
		(day, last_summarized_total, messages_since_last_summary, summaries_count,
		 is_finalized, last_summary_at)
		VALUES (?, 0, 0, 1, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			last_summarized_total = total_messages,
			messages_since_last_summary = 0,
			summaries_count = summaries_count + 1,
			is_finalized = MAX(is_finalized, ?),
			last_summary_at = excluded.last_summary_at`,
		[]any{day, boolInt(finalize), timeText(at), boolInt(finalize)})
	return err
}

// DaysPendingSummary returns days with unsummarized activity, optionally
// restricted to days strictly before beforeDay, ordered by day.
func (s *Store) DaysPendingSummary(ctx context.Context, beforeDay string) ([]string, error) {
	value, err := s.q.do(ctx, func(db *sql.DB) (any, error) {
		stmt := `SELECT day FROM day_memory_status
			WHERE (messages_since_last_summary > 0 OR total_messages > last_summarized_total)`
		var args []any
		if beforeDay != "" {
			stmt += ` AND day < ?`
			args = append(args, beforeDay)
		}
		stmt += ` ORDER BY day`
		rows, err := db.Query(stmt, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []string
		for rows.Next() {
			var day string
			if err := rows.Scan(&day); err != nil {
				return nil, err
			}
			out = append(out, day)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return value.([]string), nil
}

// EnqueueSummaryJob queues a summary job for day. At most one active job
// per day exists; re-enqueueing while one is active returns the existing
// job with enqueued=false.
func (s *Store) EnqueueSummaryJob(ctx context.Context, day, reason string) (zubot.SummaryJob, bool, error) {
	var job zubot.SummaryJob
	var enqueued bool
	err := s.q.Tx(ctx, func(tx *sql.Tx) error {
		existing, err := activeJobTx(tx, day)
		if err != nil {
			return err
		}
		if existing != nil {
			job = *existing
			return nil
		}
		job = zubot.SummaryJob{
			ID:         zubot.NewJobID(),
			Day:        day,
			Reason:     reason,
			Status:     "queued",
			EnqueuedAt: time.Now(),
		}
		if _, err := tx.Exec(`INSERT INTO memory_summary_jobs
			(job_id, day, reason, status, enqueued_at)
			VALUES (?, ?, ?, 'queued', ?)`,
			job.ID, job.Day, nullableText(job.Reason), timeText(job.EnqueuedAt)); err != nil {
			return err
		}
		enqueued = true
		return nil
	})
	return job, enqueued, err
}

func activeJobTx(tx *sql.Tx, day string) (*zubot.SummaryJob, error) {
	var job zubot.SummaryJob
	var reason, errText sql.NullString
	var enq string
	var started, finished sql.NullString
	err := tx.QueryRow(`SELECT job_id, day, reason, status, attempt_count, error,
		enqueued_at, started_at, finished_at
		FROM memory_summary_jobs
		WHERE day = ? AND status IN ('queued','running')`, day).
		Scan(&job.ID, &job.Day, &reason, &job.Status, &job.AttemptCount, &errText,
			&enq, &started, &finished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.Reason = reason.String
	job.Error = errText.String
	job.EnqueuedAt = parseTimeText(enq)
	job.StartedAt = scanTime(started)
	job.FinishedAt = scanTime(finished)
	return &job, nil
}

// ClaimNextSummaryJob claims the oldest queued job, marking it running
// and bumping its attempt count. Returns nil when the queue is empty.
func (s *Store) ClaimNextSummaryJob(ctx context.Context) (*zubot.SummaryJob, error) {
	var claimed *zubot.SummaryJob
	err := s.q.Tx(ctx, func(tx *sql.Tx) error {
		var job zubot.SummaryJob
		var reason sql.NullString
		var enq string
		err := tx.QueryRow(`SELECT job_id, day, reason, attempt_count, enqueued_at
			FROM memory_summary_jobs WHERE status = 'queued'
			ORDER BY enqueued_at, job_id LIMIT 1`).
			Scan(&job.ID, &job.Day, &reason, &job.AttemptCount, &enq)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		job.Reason = reason.String
		job.EnqueuedAt = parseTimeText(enq)

		now := time.Now()
		res, err := tx.Exec(`UPDATE memory_summary_jobs
			SET status = 'running', attempt_count = attempt_count + 1, started_at = ?
			WHERE job_id = ? AND status = 'queued'`, timeText(now), job.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		job.Status = "running"
		job.AttemptCount++
		job.StartedAt = now
		claimed = &job
		return nil
	})
	return claimed, err
}

// CompleteSummaryJob finalizes a claimed job as done or failed.
// Error text is truncated to 500 runes.
func (s *Store) CompleteSummaryJob(ctx context.Context, jobID, status, errMsg string) error {
	_, err := s.q.Exec(ctx, `UPDATE memory_summary_jobs
		SET status = ?, error = ?, finished_at = ?
		WHERE job_id = ?`,
		[]any{status, nullableText(truncateRunes(errMsg, 500)), timeText(time.Now()), jobID})
	return err
}

// truncateRunes clips s to at most n runes.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// MigrateLegacyDayFiles imports markdown day files written by earlier
// versions (memory/days/YYYY-MM-DD.md) into daily_memory_snapshots.
// Idempotent: days that already have a snapshot are left alone.
func (s *Store) MigrateLegacyDayFiles(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	migrated := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		day := strings.TrimSuffix(name, ".md")
		if _, err := time.Parse("2006-01-02", day); err != nil {
			continue
		}
		existing, err := s.GetSnapshot(ctx, day)
		if err != nil {
			return migrated, err
		}
		if existing != nil {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			s.logger.Warn("sqlite: legacy day file unreadable", "file", name, "error", err)
			continue
		}
		if err := s.WriteSnapshot(ctx, zubot.DaySnapshot{
			Day:     day,
			Summary: flattenMarkdown(content),
			Reason:  "legacy_file_migration",
		}); err != nil {
			return migrated, err
		}
		migrated++
	}
	if migrated > 0 {
		s.logger.Info("sqlite: migrated legacy day files", "count", migrated, "dir", dir)
	}
	return migrated, nil
}
