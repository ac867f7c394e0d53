package zubot

import (
	"context"
	"encoding/json"
	"time"
)

// QueryResult is the outcome of a read-only statement on the serialized queue.
type QueryResult struct {
	Rows      []map[string]any `json:"rows"`
	Truncated bool             `json:"truncated"`
}

// ExecResult is the outcome of a write statement on the serialized queue.
type ExecResult struct {
	RowsAffected int64 `json:"rows_affected"`
}

// QueueHealth describes the serialized queue's current state.
type QueueHealth struct {
	QueueDepth int    `json:"queue_depth"`
	LastError  string `json:"last_error,omitempty"`
	Serialized bool   `json:"serialized"`
}

// SQLRunner is serialized read/write access to the shared database.
// Every statement flows through a single in-order executor; callers wait
// with a timeout and receive KindSQLQueueTimeout on expiry while the
// statement may still complete behind them.
type SQLRunner interface {
	// Query runs a read-only statement (select/pragma/explain/with only).
	Query(ctx context.Context, stmt string, args []any, maxRows int) (QueryResult, error)
	// Exec runs a write statement in its own implicit transaction.
	Exec(ctx context.Context, stmt string, args []any) (ExecResult, error)
	// Health reports queue depth and the last executor error.
	Health() QueueHealth
}

// SchedulerStore persists schedules, runs, task state, seen items, and
// heartbeat state for the central plane.
type SchedulerStore interface {
	Init(ctx context.Context) error
	Close() error

	// Schedules
	SyncSchedules(ctx context.Context, profiles []TaskProfile) (SyncReport, error)
	UpsertSchedule(ctx context.Context, s Schedule) error
	DeleteSchedule(ctx context.Context, scheduleID string) error
	ListSchedules(ctx context.Context) ([]Schedule, error)

	// Run lifecycle
	EnqueueDueRuns(ctx context.Context, now time.Time) ([]Run, error)
	EnqueueManualRun(ctx context.Context, taskID, description string) (Run, error)
	EnqueueAgenticRun(ctx context.Context, payload json.RawMessage) (Run, error)
	ClaimNextRun(ctx context.Context) (*Run, error)
	MarkRunning(ctx context.Context, runID string, at time.Time) error
	MarkWaitingForUser(ctx context.Context, runID, question string, at time.Time) error
	ResumeRun(ctx context.Context, runID, payload string, at time.Time) (*Run, error)
	CompleteRun(ctx context.Context, runID string, res RunResult, at time.Time) error
	CancelRun(ctx context.Context, runID string) (CancelOutcome, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	ListWaitingRuns(ctx context.Context) ([]Run, error)
	ActiveRunCount(ctx context.Context) (int, error)

	// Housekeeping
	PruneRuns(ctx context.Context, retention time.Duration, maxRows int, now time.Time) (int, error)
	ExpireWaitingRuns(ctx context.Context, timeout time.Duration, now time.Time) (int, error)

	// Heartbeat state
	RecordHeartbeat(ctx context.Context, hb Heartbeat) error
	LastHeartbeat(ctx context.Context) (*Heartbeat, error)

	// Task state KV + seen-item dedup
	GetTaskState(ctx context.Context, taskID, key string) (string, bool, error)
	UpsertTaskState(ctx context.Context, taskID, key, value string) error
	MarkSeenItem(ctx context.Context, taskID, provider, itemKey, metadata string) (SeenItem, bool, error)
	GetSeenItem(ctx context.Context, taskID, provider, itemKey string) (*SeenItem, error)
}

// DailyEvent is one append-only entry in the daily memory log.
type DailyEvent struct {
	ID        string    `json:"event_id"`
	Day       string    `json:"day"` // "YYYY-MM-DD" in the home timezone
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // "user", "main_agent", "tool", "system", "worker_event", "task_agent_event"
	Route     string    `json:"route,omitempty"`
	Text      string    `json:"text"`
}

// DaySnapshot is the current summary snapshot for one day.
type DaySnapshot struct {
	Day        string    `json:"day"`
	Summary    string    `json:"summary_text"`
	Reason     string    `json:"reason"`
	EntryCount int       `json:"entry_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DayMemoryStatus tracks summarization progress for one day.
type DayMemoryStatus struct {
	Day                      string    `json:"day"`
	TotalMessages            int       `json:"total_messages"`
	LastSummarizedTotal      int       `json:"last_summarized_total"`
	MessagesSinceLastSummary int       `json:"messages_since_last_summary"`
	SummariesCount           int       `json:"summaries_count"`
	IsFinalized              bool      `json:"is_finalized"`
	LastSummaryAt            time.Time `json:"last_summary_at,omitempty"`
	LastEventAt              time.Time `json:"last_event_at,omitempty"`
}

// SummaryJob is one queued request to (re)summarize a day.
type SummaryJob struct {
	ID           string    `json:"job_id"`
	Day          string    `json:"day"`
	Reason       string    `json:"reason"`
	Status       string    `json:"status"` // "queued", "running", "done", "failed"
	AttemptCount int       `json:"attempt_count"`
	Error        string    `json:"error,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
}

// MemoryStore persists the daily memory log, day summary snapshots, and
// the summary job queue.
type MemoryStore interface {
	AppendDailyEvent(ctx context.Context, ev DailyEvent) error
	ListDayEvents(ctx context.Context, day string) ([]DailyEvent, error)
	WriteSnapshot(ctx context.Context, snap DaySnapshot) error
	GetSnapshot(ctx context.Context, day string) (*DaySnapshot, error)

	IncrementDayMessageCount(ctx context.Context, day string, at time.Time) error
	DayStatus(ctx context.Context, day string) (*DayMemoryStatus, error)
	MarkDaySummarized(ctx context.Context, day string, finalize bool, at time.Time) error
	DaysPendingSummary(ctx context.Context, beforeDay string) ([]string, error)

	EnqueueSummaryJob(ctx context.Context, day, reason string) (SummaryJob, bool, error)
	ClaimNextSummaryJob(ctx context.Context) (*SummaryJob, error)
	CompleteSummaryJob(ctx context.Context, jobID, status, errMsg string) error
}
