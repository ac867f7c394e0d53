package zubot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Worker pool defaults and statuses.
const (
	DefaultWorkerPoolSize = 3
	workerEventRingCap    = 500

	WorkerQueued    = "queued"
	WorkerRunning   = "running"
	WorkerDone      = "done"
	WorkerFailed    = "failed"
	WorkerCancelled = "cancelled"
)

// workerOperatingPrompt is pinned into every worker's base context so a
// sub-agent knows it is a delegated unit of work, not the chat agent.
const workerOperatingPrompt = `You are a background worker delegated a single task by the main agent.
Work the task to completion with the tools you are given. Do not start
conversations. If you are missing information only the user can supply,
call ask_user once with a precise question and stop.`

// WorkerRecord is one delegated sub-agent task and its lifecycle.
type WorkerRecord struct {
	ID          string        `json:"worker_id"`
	Description string        `json:"description"`
	Status      string        `json:"status"`
	ModelRef    string        `json:"model_ref,omitempty"`
	ToolAccess  []string      `json:"tool_access,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	FinishedAt  time.Time     `json:"finished_at,omitempty"`
	Result      string        `json:"result,omitempty"`
	Question    string        `json:"question,omitempty"`
	Error       string        `json:"error,omitempty"`
	Outcome     *AgentOutcome `json:"outcome,omitempty"`
}

// IsTerminalWorkerStatus reports whether a worker finished.
func IsTerminalWorkerStatus(status string) bool {
	return status == WorkerDone || status == WorkerFailed || status == WorkerCancelled
}

// WorkerEvent is one entry of the pool's bounded event ring.
type WorkerEvent struct {
	ID       string    `json:"event_id"`
	WorkerID string    `json:"worker_id"`
	Type     string    `json:"event_type"` // "spawned", "started", "completed", "failed", "cancelled", "messaged"
	At       time.Time `json:"at"`
	Detail   string    `json:"detail,omitempty"`
}

// workerTask pairs a record with its private context, task queue, and
// cancel hook.
type workerTask struct {
	record   WorkerRecord
	state    *ContextState
	input    string // current run's input, popped from pending on dispatch
	maxSteps int
	timeout  time.Duration
	pending  []string // queued task inputs, one run each
	cancel   context.CancelFunc
	canceled bool
}

// WorkerManager runs sub-agents from a FIFO queue on a fixed number of
// slots. Every worker owns a private context; finished contexts are
// disposed unless messages arrived while the worker was terminal.
type WorkerManager struct {
	runner   *SubAgentRunner
	poolSize int
	logger   *slog.Logger
	forward  func(workerID, eventType, detail string) // optional bridge into daily memory

	mu      sync.Mutex
	workers map[string]*workerTask
	ready   []string // FIFO of queued worker ids
	running map[string]struct{}
	events  []WorkerEvent
	idle    chan struct{} // closed when pool drains; replaced on new work
	stopped bool
}

// WorkerOption configures a WorkerManager.
type WorkerOption func(*WorkerManager)

// WorkerPoolSize sets the number of concurrent worker slots.
func WorkerPoolSize(n int) WorkerOption {
	return func(m *WorkerManager) {
		if n > 0 {
			m.poolSize = n
		}
	}
}

// WorkerLogger sets the structured logger.
func WorkerLogger(l *slog.Logger) WorkerOption {
	return func(m *WorkerManager) { m.logger = l }
}

// WorkerForwarder bridges terminal worker events into the central
// service's ring and the daily memory pipeline.
func WorkerForwarder(fn func(workerID, eventType, detail string)) WorkerOption {
	return func(m *WorkerManager) { m.forward = fn }
}

// NewWorkerManager creates a pool over a sub-agent runner.
func NewWorkerManager(runner *SubAgentRunner, opts ...WorkerOption) *WorkerManager {
	m := &WorkerManager{
		runner:   runner,
		poolSize: DefaultWorkerPoolSize,
		logger:   nopLogger,
		workers:  make(map[string]*workerTask),
		running:  make(map[string]struct{}),
		idle:     closedChan(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// SpawnConfig shapes a new worker.
type SpawnConfig struct {
	Description string
	Input       string
	ModelRef    string
	ToolAccess  []string
	MaxSteps    int
	Timeout     time.Duration
	Facts       []ContextItem // shared facts copied into the private context
	Summary     string        // optional day/session summary seed
}

// Spawn queues a new worker and returns its record immediately.
func (m *WorkerManager) Spawn(cfg SpawnConfig) (WorkerRecord, error) {
	if cfg.Description == "" {
		return WorkerRecord{}, fmt.Errorf("worker description required")
	}
	input := cfg.Input
	if input == "" {
		input = cfg.Description
	}

	rec := WorkerRecord{
		ID:          NewWorkerID(),
		Description: cfg.Description,
		Status:      WorkerQueued,
		ModelRef:    cfg.ModelRef,
		ToolAccess:  cfg.ToolAccess,
		CreatedAt:   time.Now(),
	}
	state := &ContextState{Summary: cfg.Summary}
	state.SetBase("worker_operating", workerOperatingPrompt)
	for _, fact := range cfg.Facts {
		state.Facts = upsertItem(state.Facts, fact)
	}

	task := &workerTask{record: rec, state: state, pending: []string{input}, maxSteps: cfg.MaxSteps, timeout: cfg.Timeout}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return WorkerRecord{}, fmt.Errorf("worker pool stopped")
	}
	m.workers[rec.ID] = task
	m.ready = append(m.ready, rec.ID)
	m.resetIdleLocked()
	m.mu.Unlock()

	m.recordEvent(rec.ID, "spawned", truncateRunes(cfg.Description, 160))
	m.pump()
	return rec, nil
}

// pump starts queued workers while slots are free.
func (m *WorkerManager) pump() {
	for {
		m.mu.Lock()
		if m.stopped || len(m.running) >= m.poolSize || len(m.ready) == 0 {
			m.mu.Unlock()
			return
		}
		id := m.ready[0]
		m.ready = m.ready[1:]
		task, ok := m.workers[id]
		if !ok || task.record.Status != WorkerQueued {
			m.mu.Unlock()
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		task.cancel = cancel
		task.canceled = false
		if len(task.pending) > 0 {
			task.input = task.pending[0]
			task.pending = task.pending[1:]
		}
		task.record.Status = WorkerRunning
		task.record.StartedAt = time.Now()
		m.running[id] = struct{}{}
		cfg := SubAgentConfig{
			ModelRef:     task.record.ModelRef,
			Instructions: task.record.Description,
			ToolAccess:   task.record.ToolAccess,
			MaxSteps:     task.maxSteps,
			Timeout:      task.timeout,
		}
		input := task.input
		state := task.state
		m.mu.Unlock()

		m.recordEvent(id, "started", "")
		go m.runWorker(ctx, id, cfg, state, input)
	}
}

func (m *WorkerManager) runWorker(ctx context.Context, id string, cfg SubAgentConfig, state *ContextState, input string) {
	outcome := m.runner.Run(ctx, cfg, state, input)

	m.mu.Lock()
	task := m.workers[id]
	delete(m.running, id)
	var rec WorkerRecord
	var requeued bool
	if task != nil {
		task.cancel = nil
		task.record.FinishedAt = time.Now()
		switch {
		case task.canceled:
			// Result of a cancelled worker is discarded.
			task.record.Status = WorkerCancelled
			task.record.Error = KindCancelRequested
		case outcome.Status == OutcomeSuccess, outcome.Status == OutcomeNeedsUserInput:
			task.record.Status = WorkerDone
			task.record.Result = outcome.Text
			task.record.Question = outcome.Question
			task.record.Outcome = &outcome
		default:
			task.record.Status = WorkerFailed
			task.record.Error = outcome.Error
			task.record.Outcome = &outcome
		}
		if task.record.Status != WorkerCancelled && len(task.pending) > 0 {
			// follow-up messages arrived; the worker goes back in line
			task.record.Status = WorkerQueued
			task.record.FinishedAt = time.Time{}
			m.ready = append(m.ready, id)
			requeued = true
		} else if len(task.pending) == 0 {
			task.state = nil // context disposed on terminal
		}
		rec = task.record
	}
	m.checkIdleLocked()
	m.mu.Unlock()

	if task != nil && !requeued {
		m.emitTerminal(rec)
	}
	m.pump()
}

func (m *WorkerManager) emitTerminal(rec WorkerRecord) {
	switch rec.Status {
	case WorkerDone:
		detail := "status=done result=" + truncateRunes(rec.Result, 160)
		if rec.Question != "" {
			detail += " question=" + truncateRunes(rec.Question, 160)
		}
		m.recordEvent(rec.ID, "completed", detail)
	case WorkerCancelled:
		m.recordEvent(rec.ID, "cancelled", "status=cancelled error="+rec.Error)
	default:
		m.recordEvent(rec.ID, "failed", "status=failed error="+truncateRunes(rec.Error, 160))
	}
}

// Cancel stops a worker. Queued workers are dequeued; running workers
// get their context cancelled and their result discarded. Terminal
// workers are left as-is.
func (m *WorkerManager) Cancel(workerID string) (WorkerRecord, error) {
	m.mu.Lock()
	task, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return WorkerRecord{}, fmt.Errorf("unknown worker %s", workerID)
	}
	switch task.record.Status {
	case WorkerQueued:
		task.record.Status = WorkerCancelled
		task.record.Error = KindCancelRequested
		task.record.FinishedAt = time.Now()
		m.removeReadyLocked(workerID)
		task.pending = nil
		task.state = nil
		rec := task.record
		m.checkIdleLocked()
		m.mu.Unlock()
		m.emitTerminal(rec)
		return rec, nil
	case WorkerRunning:
		task.canceled = true
		task.pending = nil
		if task.cancel != nil {
			task.cancel()
		}
		rec := task.record
		m.mu.Unlock()
		return rec, nil
	default:
		rec := task.record
		m.mu.Unlock()
		return rec, nil
	}
}

// Message delivers text to a worker. The message always joins the
// worker's pending task queue; running workers additionally see it as
// a supplemental context note, and terminal workers are revived back
// to queued.
func (m *WorkerManager) Message(workerID, text string) (WorkerRecord, error) {
	m.mu.Lock()
	task, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return WorkerRecord{}, fmt.Errorf("unknown worker %s", workerID)
	}

	switch {
	case task.record.Status == WorkerRunning || task.record.Status == WorkerQueued:
		// Busy workers see the message twice: as a context note for the
		// current run, and as the next queued task.
		if task.state != nil {
			task.state.SetSupplemental(fmt.Sprintf("operator_message_%d", time.Now().UnixNano()), text)
		}
		task.pending = append(task.pending, text)
	default:
		// Revive: terminal worker goes back to queued with the message
		// as its next task. A disposed context is rebuilt from scratch.
		if task.state == nil {
			task.state = &ContextState{}
			task.state.SetBase("worker_operating", workerOperatingPrompt)
		}
		task.pending = append(task.pending, text)
		task.record.Status = WorkerQueued
		task.record.Result = ""
		task.record.Question = ""
		task.record.Error = ""
		task.record.FinishedAt = time.Time{}
		m.ready = append(m.ready, workerID)
		m.resetIdleLocked()
	}
	rec := task.record
	m.mu.Unlock()

	m.recordEvent(workerID, "messaged", truncateRunes(text, 160))
	m.pump()
	return rec, nil
}

// ResetContext clears a worker's private context. Forbidden while the
// worker is running.
func (m *WorkerManager) ResetContext(workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("unknown worker %s", workerID)
	}
	if task.record.Status == WorkerRunning {
		return fmt.Errorf("worker %s is running; reset is only allowed when idle", workerID)
	}
	state := &ContextState{}
	state.SetBase("worker_operating", workerOperatingPrompt)
	task.state = state
	task.pending = nil
	return nil
}

// Get returns a worker's record.
func (m *WorkerManager) Get(workerID string) (WorkerRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.workers[workerID]
	if !ok {
		return WorkerRecord{}, false
	}
	return task.record, true
}

// List returns every known worker, newest first.
func (m *WorkerManager) List() []WorkerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerRecord, 0, len(m.workers))
	for _, task := range m.workers {
		out = append(out, task.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Events returns the bounded event ring, oldest first.
func (m *WorkerManager) Events() []WorkerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]WorkerEvent(nil), m.events...)
}

// WaitForIdle blocks until no worker is queued or running, or the
// timeout passes. Returns true when the pool drained.
func (m *WorkerManager) WaitForIdle(timeout time.Duration) bool {
	m.mu.Lock()
	ch := m.idle
	m.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stop cancels all running workers and rejects new spawns.
func (m *WorkerManager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.ready = nil
	for id := range m.running {
		if task := m.workers[id]; task != nil {
			task.canceled = true
			if task.cancel != nil {
				task.cancel()
			}
		}
	}
	m.mu.Unlock()
}

func (m *WorkerManager) removeReadyLocked(workerID string) {
	for i, id := range m.ready {
		if id == workerID {
			m.ready = append(m.ready[:i], m.ready[i+1:]...)
			return
		}
	}
}

func (m *WorkerManager) resetIdleLocked() {
	select {
	case <-m.idle:
		m.idle = make(chan struct{})
	default:
	}
}

func (m *WorkerManager) checkIdleLocked() {
	if len(m.ready) == 0 && len(m.running) == 0 {
		select {
		case <-m.idle:
		default:
			close(m.idle)
		}
	}
}

func (m *WorkerManager) recordEvent(workerID, eventType, detail string) {
	ev := WorkerEvent{
		ID:       NewWorkerEventID(),
		WorkerID: workerID,
		Type:     eventType,
		At:       time.Now(),
		Detail:   detail,
	}
	m.mu.Lock()
	m.events = append(m.events, ev)
	if len(m.events) > workerEventRingCap {
		m.events = m.events[len(m.events)-workerEventRingCap:]
	}
	forward := m.forward
	m.mu.Unlock()

	if forward != nil {
		forward(workerID, "worker_"+eventType, detail)
	}
}
