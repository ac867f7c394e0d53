package zubot

import (
	"context"
	"testing"
	"time"
)

func managerFixture(t *testing.T, opts ...MemoryManagerOption) (*MemoryManager, *fakeMemoryStore) {
	t.Helper()
	store := newFakeMemoryStore()
	// Yesterday has unsummarized events; today must be left alone.
	ctx := context.Background()
	_ = store.IncrementDayMessageCount(ctx, "2026-08-24", time.Now())
	_ = store.IncrementDayMessageCount(ctx, "2026-08-25", time.Now())
	opts = append([]MemoryManagerOption{
		ManagerDayKey(func(time.Time) string { return "2026-08-25" }),
	}, opts...)
	return NewMemoryManager(store, nil, opts...), store
}

func queuedDays(store *fakeMemoryStore) []string {
	store.mu.Lock()
	defer store.mu.Unlock()
	var out []string
	for _, j := range store.jobs {
		if j.Status == "queued" {
			out = append(out, j.Day)
		}
	}
	return out
}

func TestMemoryManager_SweepPendingPreviousDays(t *testing.T) {
	m, store := managerFixture(t)
	enqueued, err := m.SweepPendingPreviousDays(context.Background(), time.Now(), "test_sweep")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(enqueued) != 1 || enqueued[0] != "2026-08-24" {
		t.Errorf("enqueued = %v, want only the previous day", enqueued)
	}
	if days := queuedDays(store); len(days) != 1 {
		t.Errorf("queued jobs = %v", days)
	}
}

func TestMemoryManager_SweepIdempotent(t *testing.T) {
	m, store := managerFixture(t)
	ctx := context.Background()
	m.SweepPendingPreviousDays(ctx, time.Now(), "first")
	enqueued, _ := m.SweepPendingPreviousDays(ctx, time.Now(), "second")
	if len(enqueued) != 0 {
		t.Errorf("second sweep enqueued %v, want nothing new", enqueued)
	}
	if days := queuedDays(store); len(days) != 1 {
		t.Errorf("queued jobs = %v, want one", days)
	}
}

func TestMemoryManager_PeriodicSweepRespectsInterval(t *testing.T) {
	m, store := managerFixture(t, SweepInterval(time.Hour))
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	m.PeriodicSweep(ctx, base)
	if len(queuedDays(store)) != 1 {
		t.Fatalf("first sweep did not enqueue")
	}

	// Drain the queue, then check a too-early second sweep does nothing.
	store.mu.Lock()
	store.jobs = nil
	store.mu.Unlock()

	m.PeriodicSweep(ctx, base.Add(30*time.Minute))
	if len(queuedDays(store)) != 0 {
		t.Error("sweep ran before the interval elapsed")
	}

	m.PeriodicSweep(ctx, base.Add(2*time.Hour))
	if len(queuedDays(store)) != 1 {
		t.Error("sweep did not run after the interval elapsed")
	}
}

func TestMemoryManager_CompletionSweepDebounced(t *testing.T) {
	m, store := managerFixture(t, SweepDebounce(time.Minute))
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	m.CompletionSweep(ctx, base)
	if len(queuedDays(store)) != 1 {
		t.Fatalf("first completion sweep did not enqueue")
	}

	store.mu.Lock()
	store.jobs = nil
	store.mu.Unlock()

	// A burst of completions within the debounce window sweeps once.
	m.CompletionSweep(ctx, base.Add(10*time.Second))
	m.CompletionSweep(ctx, base.Add(20*time.Second))
	if len(queuedDays(store)) != 0 {
		t.Error("debounce window ignored")
	}

	m.CompletionSweep(ctx, base.Add(5*time.Minute))
	if len(queuedDays(store)) != 1 {
		t.Error("sweep did not run after the debounce window")
	}
}

func TestMemoryManager_CompletionSweepResetsPeriodicClock(t *testing.T) {
	m, store := managerFixture(t, SweepInterval(time.Hour), SweepDebounce(time.Minute))
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	m.CompletionSweep(ctx, base)
	store.mu.Lock()
	store.jobs = nil
	store.mu.Unlock()

	// The completion sweep counts as the last periodic sweep too.
	m.PeriodicSweep(ctx, base.Add(30*time.Minute))
	if len(queuedDays(store)) != 0 {
		t.Error("periodic sweep ran inside the interval reset by the completion sweep")
	}
}

func TestMemoryManager_SweepKicksWorker(t *testing.T) {
	store := newFakeMemoryStore()
	_ = store.IncrementDayMessageCount(context.Background(), "2026-08-24", time.Now())
	worker := NewMemorySummaryWorker(store, nil)
	m := NewMemoryManager(store, worker,
		ManagerDayKey(func(time.Time) string { return "2026-08-25" }))

	m.SweepPendingPreviousDays(context.Background(), time.Now(), "kick_test")

	// The kick is buffered; draining the queue synchronously processes
	// the job the sweep enqueued.
	worker.Tick(context.Background())
	snap, _ := store.GetSnapshot(context.Background(), "2026-08-24")
	if snap == nil {
		t.Error("sweep + tick did not produce a snapshot")
	}
}
