package zubot

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweep cadence defaults.
const (
	DefaultPeriodicSweepInterval = 12 * time.Hour
	DefaultSweepDebounce         = 5 * time.Minute
)

// MemoryManager owns the monotonic guards that keep day summaries
// converging: a periodic sweep and a completion-debounced sweep. A
// sweep enqueues summary jobs for any previous day whose events
// outpaced its last summary, then kicks the worker. Running a sweep
// twice is harmless: job enqueue is idempotent per active day.
type MemoryManager struct {
	store    MemoryStore
	worker   *MemorySummaryWorker
	dayKey   func(time.Time) string
	interval time.Duration
	debounce time.Duration
	logger   *slog.Logger

	mu             sync.Mutex
	lastPeriodic   time.Time
	lastCompletion time.Time
}

// MemoryManagerOption configures a MemoryManager.
type MemoryManagerOption func(*MemoryManager)

// SweepInterval overrides the periodic sweep cadence.
func SweepInterval(d time.Duration) MemoryManagerOption {
	return func(m *MemoryManager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// SweepDebounce overrides the completion-sweep debounce window.
func SweepDebounce(d time.Duration) MemoryManagerOption {
	return func(m *MemoryManager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// ManagerDayKey sets the home-timezone day key function.
func ManagerDayKey(fn func(time.Time) string) MemoryManagerOption {
	return func(m *MemoryManager) { m.dayKey = fn }
}

// ManagerLogger sets the structured logger.
func ManagerLogger(l *slog.Logger) MemoryManagerOption {
	return func(m *MemoryManager) { m.logger = l }
}

// NewMemoryManager builds the manager over the store and the summary
// worker it kicks.
func NewMemoryManager(store MemoryStore, worker *MemorySummaryWorker, opts ...MemoryManagerOption) *MemoryManager {
	m := &MemoryManager{
		store:    store,
		worker:   worker,
		dayKey:   func(t time.Time) string { return t.UTC().Format("2006-01-02") },
		interval: DefaultPeriodicSweepInterval,
		debounce: DefaultSweepDebounce,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PeriodicSweep runs the sweep if the periodic interval elapsed.
// Callers invoke it opportunistically from service ticks.
func (m *MemoryManager) PeriodicSweep(ctx context.Context, now time.Time) {
	m.mu.Lock()
	if !m.lastPeriodic.IsZero() && now.Sub(m.lastPeriodic) < m.interval {
		m.mu.Unlock()
		return
	}
	m.lastPeriodic = now
	m.mu.Unlock()

	m.sweep(ctx, now, "periodic_sweep")
}

// CompletionSweep runs the sweep after a run or session completion,
// debounced so bursts of completions sweep once. A completion sweep
// also resets the periodic clock.
func (m *MemoryManager) CompletionSweep(ctx context.Context, now time.Time) {
	m.mu.Lock()
	if !m.lastCompletion.IsZero() && now.Sub(m.lastCompletion) < m.debounce {
		m.mu.Unlock()
		return
	}
	m.lastCompletion = now
	m.lastPeriodic = now
	m.mu.Unlock()

	m.sweep(ctx, now, "completion_sweep")
}

// SweepPendingPreviousDays enqueues summary jobs for every day before
// today with unsummarized events. Returns the enqueued day keys.
func (m *MemoryManager) SweepPendingPreviousDays(ctx context.Context, now time.Time, reason string) ([]string, error) {
	today := m.dayKey(now)
	days, err := m.store.DaysPendingSummary(ctx, today)
	if err != nil {
		return nil, err
	}

	var enqueued []string
	for _, day := range days {
		_, added, err := m.store.EnqueueSummaryJob(ctx, day, reason)
		if err != nil {
			m.logger.Warn("memory sweep: enqueue failed", "day", day, "error", err)
			continue
		}
		if added {
			enqueued = append(enqueued, day)
		}
	}
	if len(enqueued) > 0 && m.worker != nil {
		m.worker.Kick()
	}
	return enqueued, nil
}

func (m *MemoryManager) sweep(ctx context.Context, now time.Time, reason string) {
	enqueued, err := m.SweepPendingPreviousDays(ctx, now, reason)
	if err != nil {
		m.logger.Warn("memory sweep failed", "reason", reason, "error", err)
		return
	}
	if len(enqueued) > 0 {
		m.logger.Info("memory sweep enqueued days", "reason", reason, "days", enqueued)
	}
}
