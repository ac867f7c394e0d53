package zubot

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RuntimeHealth is the combined health snapshot of all planes.
type RuntimeHealth struct {
	Running       bool                `json:"running"`
	StartedAt     time.Time           `json:"started_at,omitempty"`
	StartSource   string              `json:"start_source,omitempty"`
	Central       CentralStatus       `json:"central"`
	SummaryWorker SummaryWorkerStatus `json:"summary_worker"`
	Workers       int                 `json:"workers_known"`
	ChatSessions  int                 `json:"chat_sessions"`
}

// Runtime bundles the three planes plus the memory pipeline behind one
// start/stop surface. Construction wires; Start begins background work.
type Runtime struct {
	Central       *CentralService
	Workers       *WorkerManager
	Chat          *ChatService
	SummaryWorker *MemorySummaryWorker
	Sweeper       *MemoryManager

	logger *slog.Logger

	mu          sync.Mutex
	running     bool
	startedAt   time.Time
	startSource string
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// RuntimeLogger sets the structured logger.
func RuntimeLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// NewRuntime bundles already-wired planes. Any component may be nil;
// Start and Stop skip what is absent.
func NewRuntime(central *CentralService, workers *WorkerManager, chat *ChatService,
	summaryWorker *MemorySummaryWorker, sweeper *MemoryManager, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		Central:       central,
		Workers:       workers,
		Chat:          chat,
		SummaryWorker: summaryWorker,
		Sweeper:       sweeper,
		logger:        nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start brings the background planes up. Idempotent; the source tag
// records who started the runtime ("daemon", "chat", "test").
func (r *Runtime) Start(source string) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.startedAt = time.Now()
	r.startSource = source
	r.mu.Unlock()

	if r.SummaryWorker != nil {
		r.SummaryWorker.Start()
	}
	if r.Central != nil && r.Central.Enabled() {
		r.Central.Start()
	}
	if r.Sweeper != nil {
		r.Sweeper.PeriodicSweep(context.Background(), time.Now())
	}
	r.logger.Info("runtime started", "source", source)
}

// Stop halts background work in reverse order. Idempotent.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	if r.Central != nil {
		r.Central.Stop()
	}
	if r.Workers != nil {
		r.Workers.Stop()
	}
	if r.SummaryWorker != nil {
		r.SummaryWorker.Stop()
	}
	r.logger.Info("runtime stopped")
}

// Health reports the combined plane status.
func (r *Runtime) Health(ctx context.Context) RuntimeHealth {
	r.mu.Lock()
	h := RuntimeHealth{Running: r.running, StartedAt: r.startedAt, StartSource: r.startSource}
	r.mu.Unlock()

	if r.Central != nil {
		h.Central = r.Central.Status(ctx)
	}
	if r.SummaryWorker != nil {
		h.SummaryWorker = r.SummaryWorker.Status()
	}
	if r.Workers != nil {
		h.Workers = len(r.Workers.List())
	}
	if r.Chat != nil {
		h.ChatSessions = len(r.Chat.Sessions())
	}
	return h
}
