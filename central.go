package zubot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Central service defaults.
const (
	DefaultPollInterval        = 60 * time.Second
	DefaultMaxConcurrentRuns   = 2
	DefaultRunRetention        = 30 * 24 * time.Hour
	DefaultRunHistoryMaxRows   = 5000
	DefaultQueueWarning        = 25
	DefaultRunningAgeWarning   = 1800 * time.Second
	DefaultWaitingUserTimeout  = 24 * time.Hour
	eventRingCap               = 500
	unknownProfileError        = "unknown_task_profile"
)

// Event types emitted by the scheduler plane.
const (
	EventRunQueued    = "run_queued"
	EventRunStarted   = "run_started"
	EventRunFinished  = "run_finished"
	EventRunFailed    = "run_failed"
	EventRunBlocked   = "run_blocked"
	EventRunCancelled = "run_cancelled"
	EventRunWaiting   = "run_waiting"
	EventRunResumed   = "run_resumed"
)

// highSignalEvents also feed the daily memory pipeline.
var highSignalEvents = map[string]bool{
	EventRunQueued:   true,
	EventRunFinished: true,
	EventRunFailed:   true,
	EventRunBlocked:  true,
}

// CentralSettings configures the central service.
type CentralSettings struct {
	Enabled               bool
	PollInterval          time.Duration
	MaxConcurrentRuns     int
	RunRetention          time.Duration
	RunHistoryMaxRows     int
	QueueWarningThreshold int
	RunningAgeWarning     time.Duration
	WaitingForUserTimeout time.Duration
}

func (s *CentralSettings) applyDefaults() {
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.MaxConcurrentRuns <= 0 {
		s.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if s.RunRetention <= 0 {
		s.RunRetention = DefaultRunRetention
	}
	if s.RunHistoryMaxRows <= 0 {
		s.RunHistoryMaxRows = DefaultRunHistoryMaxRows
	}
	if s.QueueWarningThreshold <= 0 {
		s.QueueWarningThreshold = DefaultQueueWarning
	}
	if s.RunningAgeWarning <= 0 {
		s.RunningAgeWarning = DefaultRunningAgeWarning
	}
	if s.WaitingForUserTimeout <= 0 {
		s.WaitingForUserTimeout = DefaultWaitingUserTimeout
	}
}

// CentralStatus is the service's health snapshot.
type CentralStatus struct {
	Running     bool        `json:"running"`
	Enabled     bool        `json:"enabled_in_config"`
	ActiveRuns  int         `json:"active_runs"`
	QueueDepth  int         `json:"queue_depth"`
	Warnings    []string    `json:"warnings,omitempty"`
	Heartbeat   *Heartbeat  `json:"heartbeat,omitempty"`
	QueueHealth QueueHealth `json:"db_queue"`
}

// CentralMetrics aggregates recent run outcomes.
type CentralMetrics struct {
	ByStatus map[string]int `json:"by_status"`
	Events   int            `json:"events_buffered"`
}

// CentralService owns the scheduler plane: it syncs schedules from task
// profiles, heartbeats due runs into the queue, dispatches them to the
// task runner within the concurrency cap, and runs housekeeping.
type CentralService struct {
	store    SchedulerStore
	memory   MemoryStore
	sql      SQLRunner
	runner   *TaskRunner
	sweeper  *MemoryManager
	worker   *MemorySummaryWorker
	profiles func() []TaskProfile
	dayKey   func(time.Time) string
	logger   *slog.Logger

	mu       sync.Mutex
	settings CentralSettings
	running  bool
	stop     chan struct{}
	wg       sync.WaitGroup
	active   map[string]Run
	events   []TaskEvent
}

// CentralOption configures a CentralService.
type CentralOption func(*CentralService)

// CentralLogger sets the structured logger.
func CentralLogger(l *slog.Logger) CentralOption {
	return func(c *CentralService) { c.logger = l }
}

// CentralMemory wires the daily memory pipeline: high-signal run events
// append to the day log and kick the summary worker.
func CentralMemory(memory MemoryStore, sweeper *MemoryManager, worker *MemorySummaryWorker) CentralOption {
	return func(c *CentralService) {
		c.memory = memory
		c.sweeper = sweeper
		c.worker = worker
	}
}

// CentralSQL exposes the serialized queue for the query_central_db surface.
func CentralSQL(sql SQLRunner) CentralOption {
	return func(c *CentralService) { c.sql = sql }
}

// CentralDayKey sets the function mapping an instant to its day key in
// the home timezone. Defaults to UTC.
func CentralDayKey(fn func(time.Time) string) CentralOption {
	return func(c *CentralService) { c.dayKey = fn }
}

// CentralProfiles sets the task profile source, called every sync.
func CentralProfiles(fn func() []TaskProfile) CentralOption {
	return func(c *CentralService) { c.profiles = fn }
}

// NewCentralService builds the service. Call Start to begin polling.
func NewCentralService(store SchedulerStore, runner *TaskRunner, settings CentralSettings, opts ...CentralOption) *CentralService {
	settings.applyDefaults()
	c := &CentralService{
		store:    store,
		runner:   runner,
		settings: settings,
		logger:   nopLogger,
		active:   make(map[string]Run),
		profiles: func() []TaskProfile { return nil },
		dayKey:   func(t time.Time) string { return t.UTC().Format("2006-01-02") },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UpdateSettings swaps the live settings (config refresh).
func (c *CentralService) UpdateSettings(settings CentralSettings) {
	settings.applyDefaults()
	c.mu.Lock()
	c.settings = settings
	c.mu.Unlock()
}

// Start launches the polling loop. Idempotent.
func (c *CentralService) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(stop)
	c.logger.Info("central service started")
}

// Stop halts the polling loop and waits for in-flight dispatch
// goroutines. Idempotent.
func (c *CentralService) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("central service stopped")
}

// Enabled reports whether the settings enable the service.
func (c *CentralService) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.Enabled
}

// Running reports whether the loop is live.
func (c *CentralService) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *CentralService) loop(stop chan struct{}) {
	defer c.wg.Done()
	ctx := context.Background()

	c.Tick(ctx) // fire immediately on start
	for {
		c.mu.Lock()
		interval := c.settings.PollInterval
		c.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one full scheduler pass: sync, heartbeat, dispatch,
// housekeeping. Exported so tests and the trigger path can drive the
// plane without the timer.
func (c *CentralService) Tick(ctx context.Context) {
	now := time.Now()

	profiles := c.profiles()
	if len(profiles) > 0 {
		if _, err := c.store.SyncSchedules(ctx, profiles); err != nil {
			c.logger.Error("central: schedule sync failed", "error", err)
		}
	}

	beat := Beat(ctx, c.store, now, c.logger)
	for _, run := range beat.Runs {
		c.recordEvent(EventRunQueued, run.TaskID, run.ID, "status=queued planned="+run.PlannedFireAt.UTC().Format(time.RFC3339))
	}

	c.dispatch(ctx)
	c.housekeeping(ctx, now)
}

// dispatch claims queued runs while slots are free.
func (c *CentralService) dispatch(ctx context.Context) {
	for {
		c.mu.Lock()
		slots := c.settings.MaxConcurrentRuns - len(c.active)
		c.mu.Unlock()
		if slots <= 0 {
			return
		}

		run, err := c.store.ClaimNextRun(ctx)
		if err != nil {
			c.logger.Error("central: claim failed", "error", err)
			return
		}
		if run == nil {
			return
		}

		c.mu.Lock()
		c.active[run.ID] = *run
		c.mu.Unlock()
		c.recordEvent(EventRunStarted, run.TaskID, run.ID, "status=running")

		c.wg.Add(1)
		go c.executeRun(ctx, *run)
	}
}

func (c *CentralService) executeRun(ctx context.Context, run Run) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.active, run.ID)
		c.mu.Unlock()
	}()

	var profile TaskProfile
	if run.TaskID == AgenticTaskID {
		var err error
		profile, err = AgenticProfileFromPayload(run.Payload)
		if err != nil {
			c.finishRun(ctx, run, RunResult{Status: RunFailed, Error: err.Error()})
			return
		}
	} else {
		var ok bool
		profile, ok = c.profileFor(run.TaskID)
		if !ok {
			c.finishRun(ctx, run, RunResult{Status: RunFailed, Error: unknownProfileError})
			return
		}
	}

	res := c.runner.Execute(ctx, run, profile)
	if res.Status == RunWaitingForUser {
		if err := c.store.MarkWaitingForUser(ctx, run.ID, res.Question, time.Now()); err != nil {
			c.logger.Error("central: mark waiting failed", "run_id", run.ID, "error", err)
		}
		c.recordEvent(EventRunWaiting, run.TaskID, run.ID, "question="+truncateRunes(res.Question, 160))
		return
	}
	c.finishRun(ctx, run, res)
}

func (c *CentralService) finishRun(ctx context.Context, run Run, res RunResult) {
	if err := c.store.CompleteRun(ctx, run.ID, res, time.Now()); err != nil {
		c.logger.Error("central: complete failed", "run_id", run.ID, "error", err)
	}

	detail := fmt.Sprintf("status=%s summary=%s error=%s retryable_error=%t attempts_used=%d attempts_configured=%d",
		res.Status, truncateRunes(res.Summary, 160), truncateRunes(res.Error, 160),
		res.RetryableError, res.AttemptsUsed, res.AttemptsConfigured)

	switch res.Status {
	case RunDone:
		c.recordEvent(EventRunFinished, run.TaskID, run.ID, detail)
	case RunBlocked:
		c.recordEvent(EventRunBlocked, run.TaskID, run.ID, detail)
	default:
		c.recordEvent(EventRunFailed, run.TaskID, run.ID, detail)
	}

	if c.sweeper != nil {
		c.sweeper.CompletionSweep(context.Background(), time.Now())
	}
}

func (c *CentralService) housekeeping(ctx context.Context, now time.Time) {
	c.mu.Lock()
	settings := c.settings
	c.mu.Unlock()

	if n, err := c.store.PruneRuns(ctx, settings.RunRetention, settings.RunHistoryMaxRows, now); err != nil {
		c.logger.Warn("central: prune failed", "error", err)
	} else if n > 0 {
		c.logger.Debug("central: runs pruned", "count", n)
	}

	if n, err := c.store.ExpireWaitingRuns(ctx, settings.WaitingForUserTimeout, now); err != nil {
		c.logger.Warn("central: waiting expiry failed", "error", err)
	} else if n > 0 {
		c.logger.Info("central: waiting runs expired", "count", n)
	}

	if c.sweeper != nil {
		c.sweeper.PeriodicSweep(ctx, now)
	}
}

func (c *CentralService) profileFor(taskID string) (TaskProfile, bool) {
	for _, p := range c.profiles() {
		if p.ID == taskID {
			return p, true
		}
	}
	return TaskProfile{}, false
}

// recordEvent appends to the bounded ring (drop-oldest) and forwards
// high-signal events into the daily memory pipeline.
func (c *CentralService) recordEvent(eventType, profileID, runID, detail string) {
	ev := TaskEvent{
		ID:        NewTaskEventID(),
		Type:      eventType,
		At:        time.Now(),
		ProfileID: profileID,
		RunID:     runID,
		Detail:    detail,
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	if len(c.events) > eventRingCap {
		c.events = c.events[len(c.events)-eventRingCap:]
	}
	c.mu.Unlock()

	if !highSignalEvents[eventType] || c.memory == nil {
		return
	}

	ctx := context.Background()
	text := fmt.Sprintf("%s profile=%s run_id=%s %s", eventType, profileID, runID, detail)
	day := c.dayKey(ev.At)
	dayEv := DailyEvent{Day: day, SessionID: "central_service", Kind: "task_agent_event", Text: text, At: ev.At}
	if err := c.memory.AppendDailyEvent(ctx, dayEv); err != nil {
		c.logger.Warn("central: day event append failed", "error", err)
		return
	}
	if err := c.memory.IncrementDayMessageCount(ctx, day, ev.At); err != nil {
		c.logger.Warn("central: day counter failed", "error", err)
	}
	if _, _, err := c.memory.EnqueueSummaryJob(ctx, day, "task_agent:"+eventType); err != nil {
		c.logger.Warn("central: summary job enqueue failed", "error", err)
	}
	if c.worker != nil {
		c.worker.Kick()
	}
}

// RecordWorkerEvent forwards a worker-plane event through the same ring
// and memory pipeline.
func (c *CentralService) RecordWorkerEvent(workerID, eventType, detail string) {
	c.recordEvent(eventType, "worker", workerID, detail)
}

// ListForwardEvents returns buffered events. With consume=true, events
// not yet forwarded are returned and marked; each event is consumed
// exactly once. With consume=false the full ring is returned read-only.
func (c *CentralService) ListForwardEvents(consume bool) []TaskEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !consume {
		return append([]TaskEvent(nil), c.events...)
	}
	var out []TaskEvent
	for i := range c.events {
		if c.events[i].Forwarded {
			continue
		}
		c.events[i].Forwarded = true
		out = append(out, c.events[i])
	}
	return out
}

// TriggerProfile queues a manual run for a task profile.
func (c *CentralService) TriggerProfile(ctx context.Context, profileID, description string) (Run, error) {
	if _, ok := c.profileFor(profileID); !ok {
		return Run{}, fmt.Errorf("%s: %s", unknownProfileError, profileID)
	}
	run, err := c.store.EnqueueManualRun(ctx, profileID, description)
	if err != nil {
		return Run{}, err
	}
	c.recordEvent(EventRunQueued, profileID, run.ID, "status=queued trigger=manual")
	c.dispatch(ctx)
	return run, nil
}

// EnqueueAgenticTask queues a one-off agentic run from an ad-hoc
// payload and triggers a dispatch pass.
func (c *CentralService) EnqueueAgenticTask(ctx context.Context, payload AgenticPayload) (Run, error) {
	if payload.Instructions == "" {
		return Run{}, fmt.Errorf("agentic task: instructions required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Run{}, err
	}
	run, err := c.store.EnqueueAgenticRun(ctx, raw)
	if err != nil {
		return Run{}, err
	}
	c.recordEvent(EventRunQueued, AgenticTaskID, run.ID, "status=queued trigger=agentic")
	c.dispatch(ctx)
	return run, nil
}

// CancelRun requests cancellation of a run.
func (c *CentralService) CancelRun(ctx context.Context, runID string) (CancelOutcome, error) {
	out, err := c.store.CancelRun(ctx, runID)
	if err != nil {
		return out, err
	}
	switch {
	case out.Outcome == "blocked":
		if run, gerr := c.store.GetRun(ctx, runID); gerr == nil && run != nil {
			c.recordEvent(EventRunBlocked, run.TaskID, runID, "status=blocked error="+KindCancelRequested)
		}
	case out.CancelRequested:
		if run, gerr := c.store.GetRun(ctx, runID); gerr == nil && run != nil {
			c.recordEvent(EventRunCancelled, run.TaskID, runID, "cancel_requested from status="+out.PreviousStatus)
		}
	}
	return out, nil
}

// ResumeRun answers a waiting run and re-queues it for dispatch.
func (c *CentralService) ResumeRun(ctx context.Context, runID, payload string) (*Run, error) {
	run, err := c.store.ResumeRun(ctx, runID, payload, time.Now())
	if err != nil {
		return nil, err
	}
	c.recordEvent(EventRunResumed, run.TaskID, run.ID, "status=queued")
	c.dispatch(ctx)
	return run, nil
}

// Status reports service health with queue and staleness warnings.
func (c *CentralService) Status(ctx context.Context) CentralStatus {
	c.mu.Lock()
	settings := c.settings
	running := c.running
	activeCount := len(c.active)
	c.mu.Unlock()

	st := CentralStatus{Running: running, Enabled: settings.Enabled, ActiveRuns: activeCount}
	if c.sql != nil {
		st.QueueHealth = c.sql.Health()
	}

	if depth, err := c.store.ActiveRunCount(ctx); err == nil {
		st.QueueDepth = depth
		if depth > settings.QueueWarningThreshold {
			st.Warnings = append(st.Warnings, "queue_depth_high")
		}
	}

	if runs, err := c.store.ListRuns(ctx, 100); err == nil {
		for _, run := range runs {
			if run.Status == RunRunning && !run.StartedAt.IsZero() &&
				time.Since(run.StartedAt) > settings.RunningAgeWarning {
				st.Warnings = append(st.Warnings, "running_task_stale")
				break
			}
		}
	}

	if hb, err := c.store.LastHeartbeat(ctx); err == nil {
		st.Heartbeat = hb
	}
	return st
}

// Metrics aggregates recent run statuses.
func (c *CentralService) Metrics(ctx context.Context) (CentralMetrics, error) {
	runs, err := c.store.ListRuns(ctx, 500)
	if err != nil {
		return CentralMetrics{}, err
	}
	m := CentralMetrics{ByStatus: make(map[string]int)}
	for _, run := range runs {
		m.ByStatus[run.Status]++
	}
	c.mu.Lock()
	m.Events = len(c.events)
	c.mu.Unlock()
	return m, nil
}

// ListSchedules, ListRuns, ListWaitingRuns, schedule edits, task state
// and seen items pass through to the store.

func (c *CentralService) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return c.store.ListSchedules(ctx)
}

func (c *CentralService) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	return c.store.ListRuns(ctx, limit)
}

func (c *CentralService) ListWaitingRuns(ctx context.Context) ([]Run, error) {
	return c.store.ListWaitingRuns(ctx)
}

func (c *CentralService) UpsertSchedule(ctx context.Context, s Schedule) error {
	return c.store.UpsertSchedule(ctx, s)
}

func (c *CentralService) DeleteSchedule(ctx context.Context, scheduleID string) error {
	return c.store.DeleteSchedule(ctx, scheduleID)
}

func (c *CentralService) ListDefinedTasks() []TaskProfile {
	return c.profiles()
}

func (c *CentralService) GetTaskState(ctx context.Context, taskID, key string) (string, bool, error) {
	return c.store.GetTaskState(ctx, taskID, key)
}

func (c *CentralService) UpsertTaskState(ctx context.Context, taskID, key, value string) error {
	return c.store.UpsertTaskState(ctx, taskID, key, value)
}

func (c *CentralService) MarkSeenItem(ctx context.Context, taskID, provider, itemKey, metadata string) (SeenItem, bool, error) {
	return c.store.MarkSeenItem(ctx, taskID, provider, itemKey, metadata)
}

func (c *CentralService) GetSeenItem(ctx context.Context, taskID, provider, itemKey string) (*SeenItem, error) {
	return c.store.GetSeenItem(ctx, taskID, provider, itemKey)
}

// QueryDB runs a read-only statement on the serialized queue.
func (c *CentralService) QueryDB(ctx context.Context, stmt string, args []any, maxRows int) (QueryResult, error) {
	if c.sql == nil {
		return QueryResult{}, fmt.Errorf("no sql surface configured")
	}
	return c.sql.Query(ctx, stmt, args, maxRows)
}
