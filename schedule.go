package zubot

import (
	"encoding/json"
	"fmt"
	"time"
)

// Schedule modes.
const (
	ModeFrequency = "frequency"
	ModeCalendar  = "calendar"
)

// Misfire policies decide what happens to fire times the runtime slept through.
const (
	MisfireQueueAll    = "queue_all"
	MisfireQueueLatest = "queue_latest"
	MisfireSkip        = "skip"
)

// Run statuses.
const (
	RunQueued         = "queued"
	RunRunning        = "running"
	RunWaitingForUser = "waiting_for_user"
	RunDone           = "done"
	RunFailed         = "failed"
	RunBlocked        = "blocked"
)

// IsTerminalRunStatus reports whether a run status can no longer change.
func IsTerminalRunStatus(status string) bool {
	switch status {
	case RunDone, RunFailed, RunBlocked:
		return true
	}
	return false
}

// Schedule is one scheduling rule for a defined task. Frequency schedules
// fire every RunFrequencyMinutes; calendar schedules fire at RunTimes on
// DaysOfWeek in Timezone.
type Schedule struct {
	ID                  string    `json:"schedule_id"`
	TaskID              string    `json:"task_id"`
	Enabled             bool      `json:"enabled"`
	Mode                string    `json:"mode"` // "frequency" or "calendar"
	RunFrequencyMinutes int       `json:"run_frequency_minutes,omitempty"`
	Timezone            string    `json:"timezone,omitempty"`
	RunTimes            []string  `json:"run_times,omitempty"`    // "HH:MM", calendar mode
	DaysOfWeek          []string  `json:"days_of_week,omitempty"` // "mon".."sun", calendar mode
	MisfirePolicy       string    `json:"misfire_policy"`
	ExecutionOrder      int       `json:"execution_order"`
	NextRunAt           time.Time `json:"next_run_at,omitempty"`
	LastPlannedFireAt   time.Time `json:"last_planned_fire_at,omitempty"`
	LastRunAt           time.Time `json:"last_run_at,omitempty"`
	LastRunStatus       string    `json:"last_run_status,omitempty"`
	LastSuccessfulRunAt time.Time `json:"last_successful_run_at,omitempty"`
	CreatedAt           time.Time `json:"created_at,omitempty"`
	UpdatedAt           time.Time `json:"updated_at,omitempty"`
}

// ResumeEntry is one recorded user resume of a waiting run.
type ResumeEntry struct {
	At      time.Time `json:"at"`
	Payload string    `json:"payload"`
}

// Run is one execution (queued or finished) of a scheduled or triggered task.
type Run struct {
	ID                 string          `json:"run_id"`
	ScheduleID         string          `json:"schedule_id,omitempty"`
	TaskID             string          `json:"task_id"`
	Status             string          `json:"status"`
	PlannedFireAt      time.Time       `json:"planned_fire_at,omitempty"`
	QueuedAt           time.Time       `json:"queued_at"`
	StartedAt          time.Time       `json:"started_at,omitempty"`
	FinishedAt         time.Time       `json:"finished_at,omitempty"`
	Summary            string          `json:"summary,omitempty"`
	Error              string          `json:"error,omitempty"`
	RetryableError     bool            `json:"retryable_error,omitempty"`
	AttemptsUsed       int             `json:"attempts_used,omitempty"`
	AttemptsConfigured int             `json:"attempts_configured,omitempty"`
	CancelRequested    bool            `json:"cancel_requested,omitempty"`
	WaitingSince       time.Time       `json:"waiting_since,omitempty"`
	Question           string          `json:"question,omitempty"`
	ResumePayload      string          `json:"resume_payload,omitempty"`
	ResumeHistory      []ResumeEntry   `json:"resume_history,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// RunResult is the structured outcome of executing one run. A
// waiting_for_user status carries the question instead of a summary.
type RunResult struct {
	Status             string `json:"status"`
	Summary            string `json:"summary,omitempty"`
	Question           string `json:"question,omitempty"`
	Error              string `json:"error,omitempty"`
	RetryableError     bool   `json:"retryable_error,omitempty"`
	AttemptsUsed       int    `json:"attempts_used"`
	AttemptsConfigured int    `json:"attempts_configured"`
}

// CancelOutcome reports what CancelRun did.
type CancelOutcome struct {
	RunID           string `json:"run_id"`
	Outcome         string `json:"outcome"` // "already_terminal", "blocked", "cancel_requested"
	PreviousStatus  string `json:"previous_status"`
	CancelRequested bool   `json:"cancel_requested"`
}

// TaskEvent is one entry in the central service's bounded event ring.
type TaskEvent struct {
	ID        string    `json:"event_id"`
	Type      string    `json:"event_type"`
	At        time.Time `json:"at"`
	ProfileID string    `json:"profile_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Forwarded bool      `json:"forwarded,omitempty"`
}

// SeenItem is one deduplicated item a task has processed. Re-marking
// an item bumps SeenCount and LastSeenAt.
type SeenItem struct {
	TaskID      string    `json:"task_id"`
	Provider    string    `json:"provider,omitempty"`
	ItemKey     string    `json:"item_key"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	SeenCount   int       `json:"seen_count"`
	Metadata    string    `json:"metadata_json,omitempty"`
}

// Heartbeat is the persisted record of one scheduler tick.
type Heartbeat struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Status     string    `json:"status"` // "running", "ok", "error"
	Error      string    `json:"error,omitempty"`
	Enqueued   int       `json:"enqueued"`
}

// SyncReport summarizes a schedule sync from task profile files.
type SyncReport struct {
	Upserted int      `json:"upserted"`
	Removed  int      `json:"removed"`
	Errors   []string `json:"errors,omitempty"`
}

// TaskProfile is one defined task, loaded from config/tasks/<id>.toml.
type TaskProfile struct {
	ID           string          `toml:"id" json:"id"`
	Title        string          `toml:"title" json:"title"`
	Kind         string          `toml:"kind" json:"kind"` // "agentic" or "script"
	Entrypoint   string          `toml:"entrypoint" json:"entrypoint,omitempty"`
	Instructions string          `toml:"instructions" json:"instructions,omitempty"`
	ModelTier    string          `toml:"model_tier" json:"model_tier,omitempty"`
	TimeoutSec   int             `toml:"timeout_sec" json:"timeout_sec,omitempty"`
	MaxAttempts  int             `toml:"max_attempts" json:"max_attempts,omitempty"`
	BackoffSec   []int           `toml:"backoff_sec" json:"backoff_sec,omitempty"`
	ToolAccess   []string        `toml:"tool_access" json:"tool_access,omitempty"`
	Schedule     ProfileSchedule `toml:"schedule" json:"schedule"`
}

// AgenticTaskID is the pseudo profile id of one-off agentic runs whose
// instructions and budgets travel in the run payload.
const AgenticTaskID = "agentic_task"

// AgenticPayload is the payload of an agentic_task run.
type AgenticPayload struct {
	Description  string   `json:"description,omitempty"`
	Instructions string   `json:"instructions"`
	ModelTier    string   `json:"model_tier,omitempty"`
	ToolAccess   []string `json:"tool_access,omitempty"`
	TimeoutSec   int      `json:"timeout_sec,omitempty"`
	MaxAttempts  int      `json:"max_attempts,omitempty"`
}

// AgenticProfileFromPayload reconstructs the ad-hoc profile of an
// agentic_task run from its payload.
func AgenticProfileFromPayload(payload json.RawMessage) (TaskProfile, error) {
	var p AgenticPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return TaskProfile{}, fmt.Errorf("agentic payload: %w", err)
	}
	if p.Instructions == "" {
		return TaskProfile{}, fmt.Errorf("agentic payload: instructions required")
	}
	return TaskProfile{
		ID:           AgenticTaskID,
		Title:        p.Description,
		Kind:         "agentic",
		Instructions: p.Instructions,
		ModelTier:    p.ModelTier,
		TimeoutSec:   p.TimeoutSec,
		MaxAttempts:  p.MaxAttempts,
		ToolAccess:   p.ToolAccess,
	}, nil
}

// ProfileSchedule is the schedule block of a task profile.
type ProfileSchedule struct {
	Enabled             bool     `toml:"enabled" json:"enabled"`
	Mode                string   `toml:"mode" json:"mode"`
	RunFrequencyMinutes int      `toml:"run_frequency_minutes" json:"run_frequency_minutes,omitempty"`
	RunTimes            []string `toml:"run_times" json:"run_times,omitempty"`
	DaysOfWeek          []string `toml:"days_of_week" json:"days_of_week,omitempty"`
	Timezone            string   `toml:"timezone" json:"timezone,omitempty"`
	MisfirePolicy       string   `toml:"misfire_policy" json:"misfire_policy,omitempty"`
	ExecutionOrder      int      `toml:"execution_order" json:"execution_order,omitempty"`
}

// ScheduleFromProfile builds the schedule row a profile defines.
// Legacy "interval" mode normalizes to "frequency"; execution order
// defaults to 100 and misfire policy to queue_latest.
func ScheduleFromProfile(p TaskProfile) Schedule {
	sched := Schedule{
		ID:                  "sched_" + p.ID,
		TaskID:              p.ID,
		Enabled:             p.Schedule.Enabled,
		Mode:                p.Schedule.Mode,
		RunFrequencyMinutes: p.Schedule.RunFrequencyMinutes,
		Timezone:            p.Schedule.Timezone,
		RunTimes:            p.Schedule.RunTimes,
		DaysOfWeek:          p.Schedule.DaysOfWeek,
		MisfirePolicy:       p.Schedule.MisfirePolicy,
		ExecutionOrder:      p.Schedule.ExecutionOrder,
	}
	if sched.Mode == "interval" {
		sched.Mode = ModeFrequency
	}
	if sched.MisfirePolicy == "" {
		sched.MisfirePolicy = MisfireQueueLatest
	}
	if sched.ExecutionOrder == 0 {
		sched.ExecutionOrder = 100
	}
	return sched
}
