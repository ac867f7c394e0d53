package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"zubot"
)

// Catch-up window for calendar fires the runtime slept through.
const calendarCatchUp = 180 * time.Minute

// Backfill cap for queue_all misfire handling, per schedule per tick.
const maxBackfillPerTick = 25

// weekdayNames maps Go weekdays to the stored mon..sun tokens.
var weekdayNames = map[time.Weekday]string{
	time.Monday: "mon", time.Tuesday: "tue", time.Wednesday: "wed",
	time.Thursday: "thu", time.Friday: "fri", time.Saturday: "sat",
	time.Sunday: "sun",
}

const runColumns = `run_id, schedule_id, task_id, status, planned_fire_at, queued_at,
	started_at, finished_at, summary, error, retryable_error, attempts_used,
	attempts_configured, cancel_requested, waiting_since, question,
	resume_payload, resume_history, payload`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (zubot.Run, error) {
	var r zubot.Run
	var scheduleID, planned, started, finished, summary, errText sql.NullString
	var waiting, question, resumePayload, resumeHistory, payload sql.NullString
	var queued string
	var retryable, cancelReq int
	err := row.Scan(&r.ID, &scheduleID, &r.TaskID, &r.Status, &planned, &queued,
		&started, &finished, &summary, &errText, &retryable, &r.AttemptsUsed,
		&r.AttemptsConfigured, &cancelReq, &waiting, &question,
		&resumePayload, &resumeHistory, &payload)
	if err != nil {
		return zubot.Run{}, err
	}
	r.ScheduleID = scheduleID.String
	r.PlannedFireAt = scanTime(planned)
	r.QueuedAt = parseTimeText(queued)
	r.StartedAt = scanTime(started)
	r.FinishedAt = scanTime(finished)
	r.Summary = summary.String
	r.Error = errText.String
	r.RetryableError = retryable != 0
	r.CancelRequested = cancelReq != 0
	r.WaitingSince = scanTime(waiting)
	r.Question = question.String
	r.ResumePayload = resumePayload.String
	if resumeHistory.Valid && resumeHistory.String != "" {
		_ = json.Unmarshal([]byte(resumeHistory.String), &r.ResumeHistory)
	}
	if payload.Valid && payload.String != "" {
		r.Payload = json.RawMessage(payload.String)
	}
	return r, nil
}

// SyncSchedules reconciles the schedule tables with the task profile set.
// Profile-owned schedules absent from the set are removed; run_times and
// days_of_week are replaced atomically with the schedule row.
func (s *Store) SyncSchedules(ctx context.Context, profiles []zubot.TaskProfile) (zubot.SyncReport, error) {
	var report zubot.SyncReport
	err := s.q.Tx(ctx, func(tx *sql.Tx) error {
		keep := make(map[string]bool, len(profiles))
		now := timeText(time.Now())
		for _, p := range profiles {
			sched := zubot.ScheduleFromProfile(p)
			keep[sched.ID] = true
			if err := upsertScheduleTx(tx, sched, now); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", sched.ID, err))
				continue
			}
			report.Upserted++
		}

		rows, err := tx.Query(`SELECT schedule_id FROM defined_tasks WHERE schedule_id LIKE 'sched_%'`)
		if err != nil {
			return err
		}
		var stale []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			if !keep[id] {
				stale = append(stale, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range stale {
			if err := deleteScheduleTx(tx, id); err != nil {
				return err
			}
			report.Removed++
		}
		return nil
	})
	return report, err
}

func upsertScheduleTx(tx *sql.Tx, sched zubot.Schedule, now any) error {
	_, err := tx.Exec(`INSERT INTO defined_tasks
		(schedule_id, task_id, enabled, mode, run_frequency_minutes, timezone,
		 misfire_policy, execution_order, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(schedule_id) DO UPDATE SET
			task_id = excluded.task_id,
			enabled = excluded.enabled,
			mode = excluded.mode,
			run_frequency_minutes = excluded.run_frequency_minutes,
			timezone = excluded.timezone,
			misfire_policy = excluded.misfire_policy,
			execution_order = excluded.execution_order,
			updated_at = excluded.updated_at`,
		sched.ID, sched.TaskID, boolInt(sched.Enabled), sched.Mode,
		nullableInt(sched.RunFrequencyMinutes), sched.Timezone,
		sched.MisfirePolicy, sched.ExecutionOrder, now, now)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM defined_tasks_run_times WHERE schedule_id = ?`, sched.ID); err != nil {
		return err
	}
	for _, rt := range sched.RunTimes {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO defined_tasks_run_times
			(schedule_id, time_of_day, timezone) VALUES (?, ?, ?)`,
			sched.ID, rt, sched.Timezone); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`DELETE FROM defined_tasks_days_of_week WHERE schedule_id = ?`, sched.ID); err != nil {
		return err
	}
	for _, d := range sched.DaysOfWeek {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO defined_tasks_days_of_week
			(schedule_id, day_of_week) VALUES (?, ?)`,
			sched.ID, strings.ToLower(d)); err != nil {
			return err
		}
	}
	return nil
}

func deleteScheduleTx(tx *sql.Tx, scheduleID string) error {
	for _, stmt := range []string{
		`DELETE FROM defined_tasks_run_times WHERE schedule_id = ?`,
		`DELETE FROM defined_tasks_days_of_week WHERE schedule_id = ?`,
		`DELETE FROM defined_tasks WHERE schedule_id = ?`,
	} {
		if _, err := tx.Exec(stmt, scheduleID); err != nil {
			return err
		}
	}
	return nil
}

// UpsertSchedule writes one schedule row directly (operator edits).
func (s *Store) UpsertSchedule(ctx context.Context, sched zubot.Schedule) error {
	if sched.Mode == "interval" {
		sched.Mode = zubot.ModeFrequency
	}
	if sched.MisfirePolicy == "" {
		sched.MisfirePolicy = zubot.MisfireQueueLatest
	}
	if sched.ExecutionOrder == 0 {
		sched.ExecutionOrder = 100
	}
	return s.q.Tx(ctx, func(tx *sql.Tx) error {
		return upsertScheduleTx(tx, sched, timeText(time.Now()))
	})
}

// DeleteSchedule removes a schedule and its run_times/days rows.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID string) error {
	return s.q.Tx(ctx, func(tx *sql.Tx) error {
		return deleteScheduleTx(tx, scheduleID)
	})
}

// ListSchedules returns all schedules with their run_times and days.
func (s *Store) ListSchedules(ctx context.Context) ([]zubot.Schedule, error) {
	value, err := s.q.do(ctx, func(db *sql.DB) (any, error) {
		return listSchedulesDB(db)
	})
	if err != nil {
		return nil, err
	}
	return value.([]zubot.Schedule), nil
}

func listSchedulesDB(db *sql.DB) ([]zubot.Schedule, error) {
	rows, err := db.Query(`SELECT schedule_id, task_id, enabled, mode,
		run_frequency_minutes, timezone, misfire_policy, execution_order,
		next_run_at, last_planned_fire_at, last_run_at, last_run_status,
		last_successful_run_at, created_at, updated_at
		FROM defined_tasks ORDER BY execution_order, schedule_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []zubot.Schedule
	for rows.Next() {
		var sched zubot.Schedule
		var enabled int
		var freq sql.NullInt64
		var tz, nextRun, lastPlanned, lastRun, lastStatus, lastOK, created, updated sql.NullString
		if err := rows.Scan(&sched.ID, &sched.TaskID, &enabled, &sched.Mode,
			&freq, &tz, &sched.MisfirePolicy, &sched.ExecutionOrder,
			&nextRun, &lastPlanned, &lastRun, &lastStatus, &lastOK, &created, &updated); err != nil {
			return nil, err
		}
		sched.Enabled = enabled != 0
		sched.RunFrequencyMinutes = int(freq.Int64)
		sched.Timezone = tz.String
		sched.NextRunAt = scanTime(nextRun)
		sched.LastPlannedFireAt = scanTime(lastPlanned)
		sched.LastRunAt = scanTime(lastRun)
		sched.LastRunStatus = lastStatus.String
		sched.LastSuccessfulRunAt = scanTime(lastOK)
		sched.CreatedAt = scanTime(created)
		sched.UpdatedAt = scanTime(updated)
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if err := loadScheduleDetail(db, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func loadScheduleDetail(db *sql.DB, sched *zubot.Schedule) error {
	rt, err := db.Query(`SELECT time_of_day FROM defined_tasks_run_times
		WHERE schedule_id = ? ORDER BY time_of_day`, sched.ID)
	if err != nil {
		return err
	}
	for rt.Next() {
		var v string
		if err := rt.Scan(&v); err != nil {
			rt.Close()
			return err
		}
		sched.RunTimes = append(sched.RunTimes, v)
	}
	rt.Close()
	if err := rt.Err(); err != nil {
		return err
	}

	dw, err := db.Query(`SELECT day_of_week FROM defined_tasks_days_of_week
		WHERE schedule_id = ?`, sched.ID)
	if err != nil {
		return err
	}
	var days []string
	for dw.Next() {
		var v string
		if err := dw.Scan(&v); err != nil {
			dw.Close()
			return err
		}
		days = append(days, v)
	}
	dw.Close()
	if err := dw.Err(); err != nil {
		return err
	}
	sched.DaysOfWeek = sortWeekdays(days)
	return nil
}

// sortWeekdays orders day tokens mon..sun.
func sortWeekdays(days []string) []string {
	order := map[string]int{"mon": 0, "tue": 1, "wed": 2, "thu": 3, "fri": 4, "sat": 5, "sun": 6}
	sort.Slice(days, func(i, j int) bool { return order[days[i]] < order[days[j]] })
	return days
}

// EnqueueDueRuns inspects every enabled schedule and enqueues the runs
// its mode and misfire policy call for. The UNIQUE(schedule_id,
// planned_fire_at) constraint makes re-enqueueing the same fire a no-op.
// Schedules that already have an active run are skipped.
func (s *Store) EnqueueDueRuns(ctx context.Context, now time.Time) ([]zubot.Run, error) {
	var enqueued []zubot.Run
	err := s.q.Tx(ctx, func(tx *sql.Tx) error {
		scheds, err := activeSchedulesTx(tx)
		if err != nil {
			return err
		}
		for _, sched := range scheds {
			active, err := hasActiveRunTx(tx, sched.ID)
			if err != nil {
				return err
			}
			if active {
				continue
			}
			runs, err := enqueueScheduleTx(tx, sched, now)
			if err != nil {
				return err
			}
			enqueued = append(enqueued, runs...)
		}
		return nil
	})
	return enqueued, err
}

func activeSchedulesTx(tx *sql.Tx) ([]zubot.Schedule, error) {
	rows, err := tx.Query(`SELECT schedule_id, task_id, mode, run_frequency_minutes,
		timezone, misfire_policy, next_run_at, last_planned_fire_at
		FROM defined_tasks WHERE enabled = 1 ORDER BY execution_order, schedule_id`)
	if err != nil {
		return nil, err
	}
	var out []zubot.Schedule
	for rows.Next() {
		var sched zubot.Schedule
		var freq sql.NullInt64
		var tz, nextRun, lastPlanned sql.NullString
		if err := rows.Scan(&sched.ID, &sched.TaskID, &sched.Mode, &freq,
			&tz, &sched.MisfirePolicy, &nextRun, &lastPlanned); err != nil {
			rows.Close()
			return nil, err
		}
		sched.Enabled = true
		sched.RunFrequencyMinutes = int(freq.Int64)
		sched.Timezone = tz.String
		sched.NextRunAt = scanTime(nextRun)
		sched.LastPlannedFireAt = scanTime(lastPlanned)
		out = append(out, sched)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Mode != zubot.ModeCalendar {
			continue
		}
		rt, err := tx.Query(`SELECT time_of_day FROM defined_tasks_run_times
			WHERE schedule_id = ? ORDER BY time_of_day`, out[i].ID)
		if err != nil {
			return nil, err
		}
		for rt.Next() {
			var v string
			if err := rt.Scan(&v); err != nil {
				rt.Close()
				return nil, err
			}
			out[i].RunTimes = append(out[i].RunTimes, v)
		}
		rt.Close()
		if err := rt.Err(); err != nil {
			return nil, err
		}

		dw, err := tx.Query(`SELECT day_of_week FROM defined_tasks_days_of_week
			WHERE schedule_id = ?`, out[i].ID)
		if err != nil {
			return nil, err
		}
		for dw.Next() {
			var v string
			if err := dw.Scan(&v); err != nil {
				dw.Close()
				return nil, err
			}
			out[i].DaysOfWeek = append(out[i].DaysOfWeek, v)
		}
		dw.Close()
		if err := dw.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func hasActiveRunTx(tx *sql.Tx, scheduleID string) (bool, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM defined_task_runs
		WHERE schedule_id = ? AND status IN ('queued','running','waiting_for_user')`,
		scheduleID).Scan(&n)
	return n > 0, err
}

func enqueueScheduleTx(tx *sql.Tx, sched zubot.Schedule, now time.Time) ([]zubot.Run, error) {
	var fires []time.Time
	var nextRun time.Time

	switch sched.Mode {
	case zubot.ModeFrequency:
		if sched.RunFrequencyMinutes <= 0 {
			return nil, nil
		}
		period := time.Duration(sched.RunFrequencyMinutes) * time.Minute
		fires, nextRun = frequencyFires(sched, now, period)
	case zubot.ModeCalendar:
		loc := scheduleLocation(sched)
		fires = calendarFires(sched, now, loc)
		nextRun = nextCalendarFireAfter(sched, now, loc)
	default:
		return nil, nil
	}

	if len(fires) > maxBackfillPerTick {
		fires = fires[len(fires)-maxBackfillPerTick:]
	}

	var out []zubot.Run
	lastFire := sched.LastPlannedFireAt
	for _, fire := range fires {
		run := zubot.Run{
			ID:            zubot.NewRunID(),
			ScheduleID:    sched.ID,
			TaskID:        sched.TaskID,
			Status:        zubot.RunQueued,
			PlannedFireAt: fire,
			QueuedAt:      now,
		}
		res, err := tx.Exec(`INSERT OR IGNORE INTO defined_task_runs
			(run_id, schedule_id, task_id, status, planned_fire_at, queued_at)
			VALUES (?, ?, ?, 'queued', ?, ?)`,
			run.ID, run.ScheduleID, run.TaskID, timeText(fire), timeText(now))
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			out = append(out, run)
			if fire.After(lastFire) {
				lastFire = fire
			}
		}
	}

	_, err := tx.Exec(`UPDATE defined_tasks SET next_run_at = ?, last_planned_fire_at = ?,
		updated_at = ? WHERE schedule_id = ?`,
		timeText(nextRun), timeText(lastFire), timeText(now), sched.ID)
	return out, err
}

// frequencyFires returns the due occurrences for a frequency schedule and
// the advanced cursor. The latest due occurrence is always within one
// period of now, so it is "live" under every misfire policy; older
// occurrences are misfires the policy decides about.
func frequencyFires(sched zubot.Schedule, now time.Time, period time.Duration) ([]time.Time, time.Time) {
	next := sched.NextRunAt
	if next.IsZero() {
		// first tick: fire once now, then settle into the cadence
		return []time.Time{now}, now.Add(period)
	}
	if now.Before(next) {
		return nil, next
	}

	var due []time.Time
	for f := next; !f.After(now); f = f.Add(period) {
		due = append(due, f)
	}
	advanced := due[len(due)-1].Add(period)

	switch sched.MisfirePolicy {
	case zubot.MisfireQueueAll:
		return due, advanced
	case zubot.MisfireSkip:
		// only the live occurrence fires; everything older was slept through
		return due[len(due)-1:], advanced
	default: // queue_latest
		return due[len(due)-1:], advanced
	}
}

// calendarFires returns the fires a calendar schedule owes, scanning up
// to 7 days back. A fire is live inside the 180-minute catch-up window;
// older fires are misfires handled per policy.
func calendarFires(sched zubot.Schedule, now time.Time, loc *time.Location) []time.Time {
	var due []time.Time
	for daysBack := 0; daysBack <= 7; daysBack++ {
		day := now.In(loc).AddDate(0, 0, -daysBack)
		if !dayAllowed(sched.DaysOfWeek, day.Weekday()) {
			continue
		}
		for _, tod := range sched.RunTimes {
			fire, ok := fireOn(day, tod, loc)
			if !ok || fire.After(now) {
				continue
			}
			if !sched.LastPlannedFireAt.IsZero() && !fire.After(sched.LastPlannedFireAt) {
				continue
			}
			due = append(due, fire)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Before(due[j]) })
	if len(due) == 0 {
		return nil
	}

	cutoff := now.Add(-calendarCatchUp)
	switch sched.MisfirePolicy {
	case zubot.MisfireQueueAll:
		return due
	case zubot.MisfireQueueLatest:
		return due[len(due)-1:]
	default: // skip: only fires still inside the catch-up window
		var live []time.Time
		for _, f := range due {
			if !f.Before(cutoff) {
				live = append(live, f)
			}
		}
		if len(live) == 0 {
			return nil
		}
		return live[len(live)-1:]
	}
}

// nextCalendarFireAfter scans up to 14 days forward for the next fire.
func nextCalendarFireAfter(sched zubot.Schedule, now time.Time, loc *time.Location) time.Time {
	for daysAhead := 0; daysAhead <= 14; daysAhead++ {
		day := now.In(loc).AddDate(0, 0, daysAhead)
		if !dayAllowed(sched.DaysOfWeek, day.Weekday()) {
			continue
		}
		var best time.Time
		for _, tod := range sched.RunTimes {
			fire, ok := fireOn(day, tod, loc)
			if !ok || !fire.After(now) {
				continue
			}
			if best.IsZero() || fire.Before(best) {
				best = fire
			}
		}
		if !best.IsZero() {
			return best
		}
	}
	return time.Time{}
}

func dayAllowed(days []string, wd time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	name := weekdayNames[wd]
	for _, d := range days {
		if strings.EqualFold(d, name) {
			return true
		}
	}
	return false
}

// fireOn resolves "HH:MM" on day (already in loc) to a concrete time.
func fireOn(day time.Time, timeOfDay string, loc *time.Location) (time.Time, bool) {
	parts := strings.SplitN(timeOfDay, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, false
	}
	hh, err1 := strconv.Atoi(parts[0])
	mm, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, loc), true
}

func scheduleLocation(sched zubot.Schedule) *time.Location {
	if sched.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EnqueueManualRun queues an on-demand run outside any schedule.
func (s *Store) EnqueueManualRun(ctx context.Context, taskID, description string) (zubot.Run, error) {
	now := time.Now()
	run := zubot.Run{
		ID:       zubot.NewRunID(),
		TaskID:   taskID,
		Status:   zubot.RunQueued,
		QueuedAt: now,
	}
	if description != "" {
		payload, _ := json.Marshal(map[string]string{"description": description})
		run.Payload = payload
	}
	err := s.q.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO defined_task_runs
			(run_id, task_id, status, queued_at, payload)
			VALUES (?, ?, 'queued', ?, ?)`,
			run.ID, run.TaskID, timeText(now), nullableText(string(run.Payload)))
		return err
	})
	if err != nil {
		return zubot.Run{}, err
	}
	return run, nil
}

// EnqueueAgenticRun queues a one-off agentic run carrying its own
// instructions and budgets in the payload.
func (s *Store) EnqueueAgenticRun(ctx context.Context, payload json.RawMessage) (zubot.Run, error) {
	now := time.Now()
	run := zubot.Run{
		ID:       zubot.NewRunID(),
		TaskID:   zubot.AgenticTaskID,
		Status:   zubot.RunQueued,
		QueuedAt: now,
		Payload:  payload,
	}
	err := s.q.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO defined_task_runs
			(run_id, task_id, status, queued_at, payload)
			VALUES (?, ?, 'queued', ?, ?)`,
			run.ID, run.TaskID, timeText(now), nullableText(string(run.Payload)))
		return err
	})
	if err != nil {
		return zubot.Run{}, err
	}
	return run, nil
}

// ClaimNextRun atomically claims the oldest queued run and marks it
// running. Ties on queued_at break by execution_order, then run id.
func (s *Store) ClaimNextRun(ctx context.Context) (*zubot.Run, error) {
	var claimed *zubot.Run
	err := s.q.Tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT ` + runColumns + ` FROM defined_task_runs r
			WHERE r.status = 'queued'
			ORDER BY r.queued_at ASC,
				COALESCE((SELECT execution_order FROM defined_tasks d WHERE d.schedule_id = r.schedule_id), 100) ASC,
				r.run_id ASC
			LIMIT 1`)
		run, err := scanRun(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		now := time.Now()
		if _, err := tx.Exec(`UPDATE defined_task_runs
			SET status = 'running', started_at = COALESCE(started_at, ?)
			WHERE run_id = ?`, timeText(now), run.ID); err != nil {
			return err
		}
		run.Status = zubot.RunRunning
		if run.StartedAt.IsZero() {
			run.StartedAt = now
		}
		claimed = &run
		return nil
	})
	return claimed, err
}

// MarkRunning transitions a run to running (resume path).
func (s *Store) MarkRunning(ctx context.Context, runID string, at time.Time) error {
	_, err := s.q.Exec(ctx, `UPDATE defined_task_runs
		SET status = 'running', started_at = COALESCE(started_at, ?)
		WHERE run_id = ?`, []any{timeText(at), runID})
	return err
}

// MarkWaitingForUser parks a running run until the user answers.
func (s *Store) MarkWaitingForUser(ctx context.Context, runID, question string, at time.Time) error {
	_, err := s.q.Exec(ctx, `UPDATE defined_task_runs
		SET status = 'waiting_for_user', waiting_since = ?, question = ?
		WHERE run_id = ? AND status IN ('running','queued')`,
		[]any{timeText(at), question, runID})
	return err
}

// ResumeRun answers a waiting run: the payload is recorded (history is
// bounded at the 20 newest entries) and the run re-queues for dispatch.
func (s *Store) ResumeRun(ctx context.Context, runID, payload string, at time.Time) (*zubot.Run, error) {
	var resumed *zubot.Run
	err := s.q.Tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+runColumns+` FROM defined_task_runs r WHERE r.run_id = ?`, runID)
		run, err := scanRun(row)
		if err == sql.ErrNoRows {
			return fmt.Errorf("run %s not found", runID)
		}
		if err != nil {
			return err
		}
		if run.Status != zubot.RunWaitingForUser {
			return fmt.Errorf("run %s is %s, not waiting_for_user", runID, run.Status)
		}

		run.ResumeHistory = append(run.ResumeHistory, zubot.ResumeEntry{At: at, Payload: payload})
		if len(run.ResumeHistory) > 20 {
			run.ResumeHistory = run.ResumeHistory[len(run.ResumeHistory)-20:]
		}
		history, _ := json.Marshal(run.ResumeHistory)

		if _, err := tx.Exec(`UPDATE defined_task_runs
			SET status = 'queued', resume_payload = ?, resume_history = ?,
			    waiting_since = NULL, question = NULL
			WHERE run_id = ?`, payload, string(history), runID); err != nil {
			return err
		}
		run.Status = zubot.RunQueued
		run.ResumePayload = payload
		run.WaitingSince = time.Time{}
		run.Question = ""
		resumed = &run
		return nil
	})
	return resumed, err
}

// CompleteRun finalizes a run, archives it into history, and rolls the
// outcome up onto the owning schedule.
func (s *Store) CompleteRun(ctx context.Context, runID string, res zubot.RunResult, at time.Time) error {
	return s.q.Tx(ctx, func(tx *sql.Tx) error {
		return completeRunTx(tx, runID, res, at)
	})
}

func completeRunTx(tx *sql.Tx, runID string, res zubot.RunResult, at time.Time) error {
	if _, err := tx.Exec(`UPDATE defined_task_runs
		SET status = ?, summary = ?, error = ?, retryable_error = ?,
		    attempts_used = ?, attempts_configured = ?, finished_at = ?
		WHERE run_id = ?`,
		res.Status, nullableText(res.Summary), nullableText(res.Error),
		boolInt(res.RetryableError), res.AttemptsUsed, res.AttemptsConfigured,
		timeText(at), runID); err != nil {
		return err
	}

	if _, err := tx.Exec(`INSERT INTO defined_task_run_history
		(run_id, schedule_id, task_id, status, planned_fire_at, queued_at,
		 started_at, finished_at, summary, error, retryable_error,
		 attempts_used, attempts_configured)
		SELECT run_id, schedule_id, task_id, status, planned_fire_at, queued_at,
		 started_at, finished_at, summary, error, retryable_error,
		 attempts_used, attempts_configured
		FROM defined_task_runs WHERE run_id = ?
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			summary = excluded.summary,
			error = excluded.error,
			retryable_error = excluded.retryable_error,
			attempts_used = excluded.attempts_used,
			attempts_configured = excluded.attempts_configured`, runID); err != nil {
		return err
	}

	var ok any
	if res.Status == zubot.RunDone {
		ok = timeText(at)
	}
	_, err := tx.Exec(`UPDATE defined_tasks
		SET last_run_at = ?, last_run_status = ?,
		    last_successful_run_at = COALESCE(?, last_successful_run_at),
		    updated_at = ?
		WHERE schedule_id = (SELECT schedule_id FROM defined_task_runs WHERE run_id = ?)`,
		timeText(at), res.Status, ok, timeText(at), runID)
	return err
}

// CancelRun: terminal runs report already_terminal, queued runs complete
// as blocked, running or waiting runs get the cancel flag set for the
// runner to observe.
func (s *Store) CancelRun(ctx context.Context, runID string) (zubot.CancelOutcome, error) {
	out := zubot.CancelOutcome{RunID: runID}
	err := s.q.Tx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRow(`SELECT status FROM defined_task_runs WHERE run_id = ?`, runID).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("run %s not found", runID)
		}
		if err != nil {
			return err
		}
		out.PreviousStatus = status

		switch {
		case zubot.IsTerminalRunStatus(status):
			out.Outcome = "already_terminal"
			return nil
		case status == zubot.RunQueued:
			out.Outcome = "blocked"
			return completeRunTx(tx, runID, zubot.RunResult{
				Status: zubot.RunBlocked,
				Error:  zubot.KindCancelRequested,
			}, time.Now())
		default:
			out.Outcome = "cancel_requested"
			out.CancelRequested = true
			_, err := tx.Exec(`UPDATE defined_task_runs SET cancel_requested = 1 WHERE run_id = ?`, runID)
			return err
		}
	})
	return out, err
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*zubot.Run, error) {
	value, err := s.q.do(ctx, func(db *sql.DB) (any, error) {
		row := db.QueryRow(`SELECT `+runColumns+` FROM defined_task_runs r WHERE r.run_id = ?`, runID)
		run, err := scanRun(row)
		if err == sql.ErrNoRows {
			return (*zubot.Run)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		return &run, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*zubot.Run), nil
}

// ListRuns returns the newest runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]zubot.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listRunsWhere(ctx, `ORDER BY queued_at DESC, run_id DESC LIMIT ?`, limit)
}

// ListWaitingRuns returns runs parked on a user question, oldest first.
func (s *Store) ListWaitingRuns(ctx context.Context) ([]zubot.Run, error) {
	return s.listRunsWhere(ctx, `WHERE status = 'waiting_for_user' ORDER BY waiting_since ASC`)
}

func (s *Store) listRunsWhere(ctx context.Context, clause string, args ...any) ([]zubot.Run, error) {
	value, err := s.q.do(ctx, func(db *sql.DB) (any, error) {
		rows, err := db.Query(`SELECT `+runColumns+` FROM defined_task_runs r `+clause, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []zubot.Run
		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, run)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return value.([]zubot.Run), nil
}

// ActiveRunCount counts queued plus running runs.
func (s *Store) ActiveRunCount(ctx context.Context) (int, error) {
	value, err := s.q.do(ctx, func(db *sql.DB) (any, error) {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM defined_task_runs
			WHERE status IN ('queued','running')`).Scan(&n)
		return n, err
	})
	if err != nil {
		return 0, err
	}
	return value.(int), nil
}

// PruneRuns removes terminal runs past the retention cutoff. The row
// cap applies to the archive table, keeping the newest rows; live rows
// only ever leave by age.
func (s *Store) PruneRuns(ctx context.Context, retention time.Duration, maxRows int, now time.Time) (int, error) {
	var pruned int
	err := s.q.Tx(ctx, func(tx *sql.Tx) error {
		cutoff := timeText(now.Add(-retention))
		res, err := tx.Exec(`DELETE FROM defined_task_runs
			WHERE status IN ('done','failed','blocked')
			  AND COALESCE(finished_at, queued_at) < ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		pruned += int(n)

		res, err = tx.Exec(`DELETE FROM defined_task_run_history
			WHERE COALESCE(finished_at, queued_at) < ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		pruned += int(n)

		if maxRows > 0 {
			res, err = tx.Exec(`DELETE FROM defined_task_run_history WHERE run_id IN (
				SELECT run_id FROM defined_task_run_history
				ORDER BY COALESCE(finished_at, queued_at) DESC
				LIMIT -1 OFFSET ?)`, maxRows)
			if err != nil {
				return err
			}
			n, _ = res.RowsAffected()
			pruned += int(n)
		}
		return nil
	})
	return pruned, err
}

// ExpireWaitingRuns blocks runs that waited on the user longer than
// timeout with the waiting_for_user_timeout error kind.
func (s *Store) ExpireWaitingRuns(ctx context.Context, timeout time.Duration, now time.Time) (int, error) {
	var expired int
	err := s.q.Tx(ctx, func(tx *sql.Tx) error {
		cutoff := timeText(now.Add(-timeout))
		rows, err := tx.Query(`SELECT run_id FROM defined_task_runs
			WHERE status = 'waiting_for_user' AND waiting_since < ?`, cutoff)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if err := completeRunTx(tx, id, zubot.RunResult{
				Status: zubot.RunBlocked,
				Error:  zubot.KindWaitingForUserTimeout,
			}, now); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	return expired, err
}

// RecordHeartbeat writes the singleton heartbeat row.
func (s *Store) RecordHeartbeat(ctx context.Context, hb zubot.Heartbeat) error {
	_, err := s.q.Exec(ctx, `INSERT INTO heartbeat_state
		(id, started_at, finished_at, status, error, enqueued_count)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			status = excluded.status,
			error = excluded.error,
			enqueued_count = excluded.enqueued_count`,
		[]any{timeText(hb.StartedAt), timeText(hb.FinishedAt), hb.Status,
			nullableText(hb.Error), hb.Enqueued})
	return err
}

// LastHeartbeat reads the singleton heartbeat row, or nil before first tick.
func (s *Store) LastHeartbeat(ctx context.Context) (*zubot.Heartbeat, error) {
	value, err := s.q.do(ctx, func(db *sql.DB) (any, error) {
		var hb zubot.Heartbeat
		var started string
		var finished, errText sql.NullString
		err := db.QueryRow(`SELECT started_at, finished_at, status, error, enqueued_count
			FROM heartbeat_state WHERE id = 1`).
			Scan(&started, &finished, &hb.Status, &errText, &hb.Enqueued)
		if err == sql.ErrNoRows {
			return (*zubot.Heartbeat)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		hb.StartedAt = parseTimeText(started)
		hb.FinishedAt = scanTime(finished)
		hb.Error = errText.String
		return &hb, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*zubot.Heartbeat), nil
}

// GetTaskState reads one task KV entry.
func (s *Store) GetTaskState(ctx context.Context, taskID, key string) (string, bool, error) {
	value, err := s.q.do(ctx, func(db *sql.DB) (any, error) {
		var v string
		err := db.QueryRow(`SELECT value FROM task_state WHERE task_id = ? AND key = ?`,
			taskID, key).Scan(&v)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return "", false, err
	}
	if value == nil {
		return "", false, nil
	}
	return value.(string), true, nil
}

// UpsertTaskState writes one task KV entry.
func (s *Store) UpsertTaskState(ctx context.Context, taskID, key, value string) error {
	_, err := s.q.Exec(ctx, `INSERT INTO task_state (task_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id, key) DO UPDATE SET
			value = excluded.value, updated_at = excluded.updated_at`,
		[]any{taskID, key, value, timeText(time.Now())})
	return err
}

// MarkSeenItem upserts an item key for a task. A repeat sighting bumps
// seen_count and last_seen_at (and refreshes metadata when supplied);
// the bool reports whether the item was new.
func (s *Store) MarkSeenItem(ctx context.Context, taskID, provider, itemKey, metadata string) (zubot.SeenItem, bool, error) {
	now := time.Now()
	value, err := s.q.do(ctx, func(db *sql.DB) (any, error) {
		var item zubot.SeenItem
		var first, last string
		err := db.QueryRow(`INSERT INTO seen_items
			(task_id, provider, item_key, first_seen_at, last_seen_at, seen_count, metadata_json)
			VALUES (?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(task_id, provider, item_key) DO UPDATE SET
				last_seen_at = excluded.last_seen_at,
				seen_count = seen_count + 1,
				metadata_json = CASE WHEN excluded.metadata_json != '' THEN excluded.metadata_json ELSE metadata_json END
			RETURNING task_id, provider, item_key, first_seen_at, last_seen_at, seen_count, metadata_json`,
			taskID, provider, itemKey, timeText(now), timeText(now), metadata).
			Scan(&item.TaskID, &item.Provider, &item.ItemKey, &first, &last, &item.SeenCount, &item.Metadata)
		if err != nil {
			return nil, err
		}
		item.FirstSeenAt = parseTimeText(first)
		item.LastSeenAt = parseTimeText(last)
		return item, nil
	})
	if err != nil {
		return zubot.SeenItem{}, false, err
	}
	item := value.(zubot.SeenItem)
	return item, item.SeenCount == 1, nil
}

// GetSeenItem returns the recorded item, or nil when the task has
// never seen it.
func (s *Store) GetSeenItem(ctx context.Context, taskID, provider, itemKey string) (*zubot.SeenItem, error) {
	value, err := s.q.do(ctx, func(db *sql.DB) (any, error) {
		var item zubot.SeenItem
		var first, last string
		err := db.QueryRow(`SELECT task_id, provider, item_key, first_seen_at, last_seen_at, seen_count, metadata_json
			FROM seen_items WHERE task_id = ? AND provider = ? AND item_key = ?`,
			taskID, provider, itemKey).
			Scan(&item.TaskID, &item.Provider, &item.ItemKey, &first, &last, &item.SeenCount, &item.Metadata)
		if errors.Is(err, sql.ErrNoRows) {
			return (*zubot.SeenItem)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		item.FirstSeenAt = parseTimeText(first)
		item.LastSeenAt = parseTimeText(last)
		return &item, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*zubot.SeenItem), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
