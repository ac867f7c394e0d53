package zubot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeMemoryStore is an in-memory MemoryStore for the memory plane tests.
type fakeMemoryStore struct {
	mu        sync.Mutex
	events    map[string][]DailyEvent
	snaps     map[string]DaySnapshot
	statuses  map[string]*DayMemoryStatus
	jobs      []SummaryJob
	completed map[string]string
	claimErr  error
}

func newFakeMemoryStore() *fakeMemoryStore {
	return &fakeMemoryStore{
		events:    make(map[string][]DailyEvent),
		snaps:     make(map[string]DaySnapshot),
		statuses:  make(map[string]*DayMemoryStatus),
		completed: make(map[string]string),
	}
}

func (s *fakeMemoryStore) AppendDailyEvent(_ context.Context, ev DailyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.Day] = append(s.events[ev.Day], ev)
	return nil
}

func (s *fakeMemoryStore) ListDayEvents(_ context.Context, day string) ([]DailyEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DailyEvent(nil), s.events[day]...), nil
}

func (s *fakeMemoryStore) WriteSnapshot(_ context.Context, snap DaySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.Day] = snap
	return nil
}

func (s *fakeMemoryStore) GetSnapshot(_ context.Context, day string) (*DaySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.snaps[day]; ok {
		out := snap
		return &out, nil
	}
	return nil, nil
}

func (s *fakeMemoryStore) IncrementDayMessageCount(_ context.Context, day string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statusLocked(day)
	st.TotalMessages++
	st.MessagesSinceLastSummary++
	st.LastEventAt = at
	return nil
}

func (s *fakeMemoryStore) DayStatus(_ context.Context, day string) (*DayMemoryStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[day]; ok {
		out := *st
		return &out, nil
	}
	return nil, nil
}

func (s *fakeMemoryStore) MarkDaySummarized(_ context.Context, day string, finalize bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statusLocked(day)
	st.LastSummarizedTotal = st.TotalMessages
	st.MessagesSinceLastSummary = 0
	st.SummariesCount++
	st.IsFinalized = finalize
	st.LastSummaryAt = at
	return nil
}

func (s *fakeMemoryStore) DaysPendingSummary(_ context.Context, beforeDay string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for day, st := range s.statuses {
		if day < beforeDay && !st.IsFinalized {
			out = append(out, day)
		}
	}
	return out, nil
}

func (s *fakeMemoryStore) EnqueueSummaryJob(_ context.Context, day, reason string) (SummaryJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Day == day && j.Status == "queued" {
			return j, false, nil
		}
	}
	job := SummaryJob{ID: NewJobID(), Day: day, Reason: reason, Status: "queued", EnqueuedAt: time.Now()}
	s.jobs = append(s.jobs, job)
	return job, true, nil
}

func (s *fakeMemoryStore) ClaimNextSummaryJob(_ context.Context) (*SummaryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	for i := range s.jobs {
		if s.jobs[i].Status == "queued" {
			s.jobs[i].Status = "running"
			s.jobs[i].StartedAt = time.Now()
			out := s.jobs[i]
			return &out, nil
		}
	}
	return nil, nil
}

func (s *fakeMemoryStore) CompleteSummaryJob(_ context.Context, jobID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID == jobID {
			s.jobs[i].Status = status
			s.jobs[i].Error = errMsg
			s.jobs[i].FinishedAt = time.Now()
		}
	}
	s.completed[jobID] = status
	return nil
}

func (s *fakeMemoryStore) statusLocked(day string) *DayMemoryStatus {
	if st, ok := s.statuses[day]; ok {
		return st
	}
	st := &DayMemoryStatus{Day: day}
	s.statuses[day] = st
	return st
}

var _ MemoryStore = (*fakeMemoryStore)(nil)

func seedDay(store *fakeMemoryStore, day string, n int) {
	for i := 0; i < n; i++ {
		store.events[day] = append(store.events[day], DailyEvent{
			ID:        NewID(),
			Day:       day,
			At:        time.Date(2026, 8, 25, 9, i, 0, 0, time.UTC),
			SessionID: "chat",
			Kind:      "user",
			Text:      fmt.Sprintf("a reasonably long user message number %d", i),
		})
	}
}

func TestIsSignalEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   DailyEvent
		want bool
	}{
		{"long user message", DailyEvent{Kind: "user", Text: "please check the flight prices for next weekend"}, true},
		{"short user message", DailyEvent{Kind: "user", Text: "ok"}, false},
		{"worker completion", DailyEvent{Kind: "worker_event", Text: "status=done completed the scrape"}, true},
		{"worker chatter", DailyEvent{Kind: "worker_event", Text: "heartbeat tick"}, false},
		{"tool error", DailyEvent{Kind: "tool", Text: "file_read failed: path denied"}, true},
		{"tool routine", DailyEvent{Kind: "tool", Text: "read 40 lines from notes.md"}, false},
		{"system timeout", DailyEvent{Kind: "system", Text: "llm call timeout after 20s"}, true},
	}
	for _, tt := range tests {
		if got := isSignalEvent(tt.ev); got != tt.want {
			t.Errorf("%s: isSignalEvent = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFallbackSummary(t *testing.T) {
	signal := []DailyEvent{
		{Kind: "user", Text: "plan the trip to Bali with the family"},
		{Kind: "worker_event", Route: "worker_1", Text: "completed: found three hotel options"},
	}
	all := append(signal, DailyEvent{Kind: "tool", Text: "noise"})

	out := fallbackSummary(signal, all)
	if !strings.Contains(out, "Signal entries: 2 of 3") {
		t.Errorf("summary = %q", out)
	}
	if !strings.Contains(out, "user=1") || !strings.Contains(out, "worker_event/worker_1=1") {
		t.Errorf("routes missing: %q", out)
	}
	if !strings.Contains(out, "plan the trip to Bali") {
		t.Errorf("highlights missing: %q", out)
	}
}

func TestMergeSummaries(t *testing.T) {
	if got := mergeSummaries("left", "right"); got != "left\nright" {
		t.Errorf("merge = %q", got)
	}
	if got := mergeSummaries("", "right"); got != "right" {
		t.Errorf("merge = %q", got)
	}
	if got := mergeSummaries("left", ""); got != "left" {
		t.Errorf("merge = %q", got)
	}
}

func TestMemorySummaryWorker_Tick_FallbackWithoutLLM(t *testing.T) {
	store := newFakeMemoryStore()
	seedDay(store, "2026-08-25", 3)
	job, fresh, _ := store.EnqueueSummaryJob(context.Background(), "2026-08-25", "interval")
	if !fresh {
		t.Fatal("expected a fresh job")
	}

	w := NewMemorySummaryWorker(store, nil)
	w.Tick(context.Background())

	if store.completed[job.ID] != "done" {
		t.Fatalf("job status = %q", store.completed[job.ID])
	}
	snap, _ := store.GetSnapshot(context.Background(), "2026-08-25")
	if snap == nil {
		t.Fatal("no snapshot written")
	}
	if snap.EntryCount != 3 || !strings.Contains(snap.Summary, "Summary reason: interval") {
		t.Errorf("snapshot = %+v", snap)
	}
	st := w.Status()
	if st.LastResult == nil || !st.LastResult.Fallback || st.LastResult.Day != "2026-08-25" {
		t.Errorf("status = %+v", st)
	}
}

func TestMemorySummaryWorker_Tick_UsesModel(t *testing.T) {
	store := newFakeMemoryStore()
	seedDay(store, "2026-08-25", 3)
	store.EnqueueSummaryJob(context.Background(), "2026-08-25", "interval")

	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "- planned the Bali trip\n- booked nothing yet"}},
	}}
	llm := NewLLMClient([]ModelSpec{{
		ID: "m1", Tier: "low", MaxContextTokens: 100000, MaxOutputTokens: 1000, Provider: stub,
	}}, "", LLMBackoff(fastBackoff))

	w := NewMemorySummaryWorker(store, llm, SummaryModelTier("low"))
	w.Tick(context.Background())

	snap, _ := store.GetSnapshot(context.Background(), "2026-08-25")
	if snap == nil || !strings.Contains(snap.Summary, "planned the Bali trip") {
		t.Fatalf("snapshot = %+v", snap)
	}
	st := w.Status()
	if st.LastResult == nil || st.LastResult.Fallback {
		t.Errorf("status = %+v, want model-backed summary", st)
	}
}

func TestMemorySummaryWorker_Tick_ModelFailureFallsBack(t *testing.T) {
	store := newFakeMemoryStore()
	seedDay(store, "2026-08-25", 3)
	job, _, _ := store.EnqueueSummaryJob(context.Background(), "2026-08-25", "completion")

	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 500, Body: "provider down"}},
		{err: &ErrHTTP{Status: 500, Body: "provider down"}},
		{err: &ErrHTTP{Status: 500, Body: "provider down"}},
	}}
	llm := NewLLMClient([]ModelSpec{{
		ID: "m1", Tier: "low", MaxContextTokens: 100000, MaxOutputTokens: 1000, Provider: stub,
	}}, "", LLMBackoff(fastBackoff))

	w := NewMemorySummaryWorker(store, llm)
	w.Tick(context.Background())

	// Provider failure still lands a summary and completes the job.
	if store.completed[job.ID] != "done" {
		t.Errorf("job status = %q, want done via fallback", store.completed[job.ID])
	}
	st := w.Status()
	if st.LastResult == nil || !st.LastResult.Fallback {
		t.Errorf("status = %+v, want fallback", st)
	}
}

func TestMemorySummaryWorker_Tick_FinalizesPastDays(t *testing.T) {
	store := newFakeMemoryStore()
	seedDay(store, "2026-08-24", 2)
	store.EnqueueSummaryJob(context.Background(), "2026-08-24", "day_rollover")

	w := NewMemorySummaryWorker(store, nil,
		SummaryDayKey(func(time.Time) string { return "2026-08-25" }))
	w.Tick(context.Background())

	st, _ := store.DayStatus(context.Background(), "2026-08-24")
	if st == nil || !st.IsFinalized {
		t.Errorf("status = %+v, want finalized", st)
	}
}

func TestMemorySummaryWorker_Tick_EmptyQueueIsQuiet(t *testing.T) {
	store := newFakeMemoryStore()
	w := NewMemorySummaryWorker(store, nil)
	w.Tick(context.Background())
	if st := w.Status(); st.LastResult != nil {
		t.Errorf("status = %+v, want no processed job", st)
	}
}

func TestMemorySummaryWorker_StartStopIdempotent(t *testing.T) {
	store := newFakeMemoryStore()
	w := NewMemorySummaryWorker(store, nil, SummaryPollInterval(time.Hour))
	w.Start()
	w.Start()
	if !w.Status().Running {
		t.Error("worker not running after Start")
	}
	w.Kick()
	w.Stop()
	w.Stop()
	if w.Status().Running {
		t.Error("worker still running after Stop")
	}
}

func TestMemorySummaryWorker_SplitsOversizedInput(t *testing.T) {
	store := newFakeMemoryStore()
	day := "2026-08-25"
	// Enough long entries to exceed the input token cap and force the
	// recursive split; with no model each half uses the fallback.
	for i := 0; i < 40; i++ {
		store.events[day] = append(store.events[day], DailyEvent{
			Day: day, Kind: "user",
			Text: strings.Repeat("detail ", 80) + fmt.Sprint(i),
		})
	}
	store.EnqueueSummaryJob(context.Background(), day, "interval")

	w := NewMemorySummaryWorker(store, nil)
	w.Tick(context.Background())

	snap, _ := store.GetSnapshot(context.Background(), day)
	if snap == nil {
		t.Fatal("no snapshot written")
	}
	if !strings.Contains(snap.Summary, "Signal entries") {
		t.Errorf("summary = %q", snap.Summary[:120])
	}
}

func TestMemorySummaryWorker_CondensesMergedHalves(t *testing.T) {
	store := newFakeMemoryStore()
	day := "2026-08-25"
	for i := 0; i < 40; i++ {
		store.events[day] = append(store.events[day], DailyEvent{
			Day: day, Kind: "user",
			Text: strings.Repeat("detail ", 80) + fmt.Sprint(i),
		})
	}
	store.EnqueueSummaryJob(context.Background(), day, "interval")

	// One call per half plus the condensing pass over the merge.
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "- first half digest"}},
		{resp: ChatResponse{Content: "- second half digest"}},
		{resp: ChatResponse{Content: "- condensed digest of the day"}},
	}}
	llm := NewLLMClient([]ModelSpec{{
		ID: "m1", Tier: "low", MaxContextTokens: 100000, MaxOutputTokens: 1000, Provider: stub,
	}}, "", LLMBackoff(fastBackoff))

	w := NewMemorySummaryWorker(store, llm, SummaryModelTier("low"))
	w.Tick(context.Background())

	if stub.calls != 3 {
		t.Errorf("llm calls = %d, want halves plus the condensing pass", stub.calls)
	}
	snap, _ := store.GetSnapshot(context.Background(), day)
	if snap == nil || !strings.Contains(snap.Summary, "condensed digest of the day") {
		t.Fatalf("snapshot = %+v", snap)
	}
	if strings.Contains(snap.Summary, "first half digest") {
		t.Error("snapshot kept the raw concatenation instead of the condensed pass")
	}
}

func TestRenderEventLines(t *testing.T) {
	out := renderEventLines([]DailyEvent{{
		At:    time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC),
		Kind:  "user",
		Route: "",
		Text:  "line one\nline two",
	}})
	if !strings.Contains(out, "[14:30 user]") {
		t.Errorf("out = %q", out)
	}
	if strings.Contains(out, "line one\nline two") {
		t.Error("newlines inside an event should be flattened")
	}
}
