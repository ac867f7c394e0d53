package zubot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// centralStore fakes the scheduler store with an in-memory queue. Due
// runs move into the claimable queue on EnqueueDueRuns, mirroring the
// real store's heartbeat pass.
type centralStore struct {
	SchedulerStore
	mu          sync.Mutex
	due         []Run
	queue       []Run
	runs        map[string]*Run
	completed   map[string]RunResult
	waiting     map[string]string
	cancelOut   CancelOutcome
	heartbeats  []Heartbeat
	history     []Run
	lastHB      *Heartbeat
	active      int
	syncs       int
	pruneCalls  int
	expireCalls int
	seq         int
}

func newCentralStore() *centralStore {
	return &centralStore{
		runs:      make(map[string]*Run),
		completed: make(map[string]RunResult),
		waiting:   make(map[string]string),
	}
}

func (s *centralStore) addQueued(run Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.Status == "" {
		run.Status = RunQueued
	}
	s.queue = append(s.queue, run)
	cp := run
	s.runs[run.ID] = &cp
}

func (s *centralStore) SyncSchedules(_ context.Context, profiles []TaskProfile) (SyncReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs++
	return SyncReport{Upserted: len(profiles)}, nil
}

func (s *centralStore) EnqueueDueRuns(_ context.Context, _ time.Time) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := s.due
	s.due = nil
	for _, run := range moved {
		s.queue = append(s.queue, run)
		cp := run
		s.runs[run.ID] = &cp
	}
	return moved, nil
}

func (s *centralStore) RecordHeartbeat(_ context.Context, hb Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, hb)
	return nil
}

func (s *centralStore) LastHeartbeat(_ context.Context) (*Heartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHB, nil
}

func (s *centralStore) ClaimNextRun(_ context.Context) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, nil
	}
	run := s.queue[0]
	s.queue = s.queue[1:]
	run.Status = RunRunning
	run.StartedAt = time.Now()
	cp := run
	s.runs[run.ID] = &cp
	out := run
	return &out, nil
}

func (s *centralStore) CompleteRun(_ context.Context, runID string, res RunResult, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[runID] = res
	if run, ok := s.runs[runID]; ok {
		run.Status = res.Status
	}
	return nil
}

func (s *centralStore) MarkWaitingForUser(_ context.Context, runID, question string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting[runID] = question
	if run, ok := s.runs[runID]; ok {
		run.Status = RunWaitingForUser
	}
	return nil
}

func (s *centralStore) ResumeRun(_ context.Context, runID, payload string, _ time.Time) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	run.Status = RunQueued
	run.ResumePayload = payload
	s.queue = append(s.queue, *run)
	out := *run
	return &out, nil
}

func (s *centralStore) CancelRun(_ context.Context, _ string) (CancelOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelOut, nil
}

func (s *centralStore) GetRun(_ context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	out := *run
	return &out, nil
}

func (s *centralStore) EnqueueManualRun(_ context.Context, taskID, _ string) (Run, error) {
	s.mu.Lock()
	s.seq++
	run := Run{ID: fmt.Sprintf("trun_manual%d", s.seq), TaskID: taskID, Status: RunQueued, QueuedAt: time.Now()}
	s.queue = append(s.queue, run)
	cp := run
	s.runs[run.ID] = &cp
	s.mu.Unlock()
	return run, nil
}

func (s *centralStore) EnqueueAgenticRun(_ context.Context, payload json.RawMessage) (Run, error) {
	s.mu.Lock()
	s.seq++
	run := Run{ID: fmt.Sprintf("trun_adhoc%d", s.seq), TaskID: AgenticTaskID, Status: RunQueued, Payload: payload, QueuedAt: time.Now()}
	s.queue = append(s.queue, run)
	cp := run
	s.runs[run.ID] = &cp
	s.mu.Unlock()
	return run, nil
}

func (s *centralStore) ListRuns(_ context.Context, _ int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Run(nil), s.history...), nil
}

func (s *centralStore) ActiveRunCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, nil
}

func (s *centralStore) PruneRuns(_ context.Context, _ time.Duration, _ int, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneCalls++
	return 0, nil
}

func (s *centralStore) ExpireWaitingRuns(_ context.Context, _ time.Duration, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireCalls++
	return 0, nil
}

func (s *centralStore) result(runID string) (RunResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.completed[runID]
	return res, ok
}

func (s *centralStore) question(runID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.waiting[runID]
	return q, ok
}

func (s *centralStore) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *centralStore) counters() (syncs, prunes, expires, beats int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs, s.pruneCalls, s.expireCalls, len(s.heartbeats)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var dailyProfile = TaskProfile{
	ID: "daily", Kind: "agentic", ModelTier: "main",
	Instructions: "summarize the day", MaxAttempts: 1,
}

func centralFixture(store *centralStore, profiles []TaskProfile, opts []CentralOption, results ...stubResult) *CentralService {
	agents, _ := testRunner(NewRegistry(), results...)
	runner := NewTaskRunner("", agents, nil)
	opts = append(opts, CentralProfiles(func() []TaskProfile { return profiles }))
	return NewCentralService(store, runner, CentralSettings{Enabled: true}, opts...)
}

func hasEvent(events []TaskEvent, eventType string) bool {
	for _, ev := range events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

func TestCentralService_Tick_RunsDueTask(t *testing.T) {
	store := newCentralStore()
	store.due = []Run{{ID: "trun_1", TaskID: "daily", Status: RunQueued,
		PlannedFireAt: time.Date(2026, 8, 25, 7, 0, 0, 0, time.UTC)}}
	c := centralFixture(store, []TaskProfile{dailyProfile}, nil,
		stubResult{resp: ChatResponse{Content: "sent the digest"}})

	c.Tick(context.Background())
	waitUntil(t, "run completion", func() bool {
		_, ok := store.result("trun_1")
		return ok
	})

	res, _ := store.result("trun_1")
	if res.Status != RunDone || res.Summary != "sent the digest" {
		t.Errorf("result = %+v", res)
	}

	for _, want := range []string{EventRunQueued, EventRunStarted, EventRunFinished} {
		want := want
		waitUntil(t, want+" event", func() bool {
			return hasEvent(c.ListForwardEvents(false), want)
		})
	}

	syncs, prunes, expires, beats := store.counters()
	if syncs != 1 {
		t.Errorf("schedule syncs = %d", syncs)
	}
	if prunes != 1 || expires != 1 {
		t.Errorf("housekeeping calls = %d/%d", prunes, expires)
	}
	if beats < 2 {
		t.Errorf("heartbeat records = %d, want start and finish", beats)
	}
}

func TestCentralService_Tick_UnknownProfileFailsRun(t *testing.T) {
	store := newCentralStore()
	store.due = []Run{{ID: "trun_ghost", TaskID: "ghost", Status: RunQueued}}
	c := centralFixture(store, []TaskProfile{dailyProfile}, nil)

	c.Tick(context.Background())
	waitUntil(t, "run completion", func() bool {
		_, ok := store.result("trun_ghost")
		return ok
	})

	res, _ := store.result("trun_ghost")
	if res.Status != RunFailed || res.Error != "unknown_task_profile" {
		t.Errorf("result = %+v", res)
	}
	waitUntil(t, "run_failed event", func() bool {
		return hasEvent(c.ListForwardEvents(false), EventRunFailed)
	})
}

func TestCentralService_Tick_BadAgenticPayloadFailsRun(t *testing.T) {
	store := newCentralStore()
	store.addQueued(Run{ID: "trun_bad", TaskID: AgenticTaskID, Payload: json.RawMessage(`{`)})
	c := centralFixture(store, nil, nil)

	c.Tick(context.Background())
	waitUntil(t, "run completion", func() bool {
		_, ok := store.result("trun_bad")
		return ok
	})

	res, _ := store.result("trun_bad")
	if res.Status != RunFailed || !strings.Contains(res.Error, "agentic payload") {
		t.Errorf("result = %+v", res)
	}
}

func TestCentralService_Tick_WaitingRunParksWithQuestion(t *testing.T) {
	profile := dailyProfile
	profile.ToolAccess = []string{}
	store := newCentralStore()
	store.due = []Run{{ID: "trun_q", TaskID: "daily", Status: RunQueued}}
	c := centralFixture(store, []TaskProfile{profile}, nil,
		stubResult{resp: toolCallResponse(AskUserTool, `{"question":"which inbox?"}`)})

	c.Tick(context.Background())
	waitUntil(t, "waiting mark", func() bool {
		_, ok := store.question("trun_q")
		return ok
	})

	if q, _ := store.question("trun_q"); q != "which inbox?" {
		t.Errorf("question = %q", q)
	}
	if _, done := store.result("trun_q"); done {
		t.Error("waiting run must not be completed")
	}
	waitUntil(t, "run_waiting event", func() bool {
		return hasEvent(c.ListForwardEvents(false), EventRunWaiting)
	})
}

func TestCentralService_TriggerProfile(t *testing.T) {
	store := newCentralStore()
	c := centralFixture(store, []TaskProfile{dailyProfile}, nil,
		stubResult{resp: ChatResponse{Content: "done early"}})

	run, err := c.TriggerProfile(context.Background(), "daily", "run it now")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitUntil(t, "run completion", func() bool {
		_, ok := store.result(run.ID)
		return ok
	})

	res, _ := store.result(run.ID)
	if res.Status != RunDone {
		t.Errorf("result = %+v", res)
	}
	if !hasEvent(c.ListForwardEvents(false), EventRunQueued) {
		t.Error("run_queued event missing")
	}
}

func TestCentralService_TriggerProfile_Unknown(t *testing.T) {
	c := centralFixture(newCentralStore(), []TaskProfile{dailyProfile}, nil)
	if _, err := c.TriggerProfile(context.Background(), "nope", ""); err == nil {
		t.Fatal("expected unknown profile error")
	}
}

func TestCentralService_EnqueueAgenticTask(t *testing.T) {
	store := newCentralStore()
	c := centralFixture(store, nil, nil,
		stubResult{resp: ChatResponse{Content: "flights checked"}})

	run, err := c.EnqueueAgenticTask(context.Background(), AgenticPayload{
		Instructions: "check flight prices", ModelTier: "main",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if run.TaskID != AgenticTaskID {
		t.Errorf("task id = %q", run.TaskID)
	}
	waitUntil(t, "run completion", func() bool {
		_, ok := store.result(run.ID)
		return ok
	})

	res, _ := store.result(run.ID)
	if res.Status != RunDone || res.Summary != "flights checked" {
		t.Errorf("result = %+v", res)
	}
}

func TestCentralService_EnqueueAgenticTask_RequiresInstructions(t *testing.T) {
	c := centralFixture(newCentralStore(), nil, nil)
	if _, err := c.EnqueueAgenticTask(context.Background(), AgenticPayload{}); err == nil {
		t.Fatal("expected instructions error")
	}
}

func TestCentralService_ResumeRun(t *testing.T) {
	store := newCentralStore()
	store.mu.Lock()
	store.runs["trun_w"] = &Run{ID: "trun_w", TaskID: "daily", Status: RunWaitingForUser, Question: "which inbox?"}
	store.mu.Unlock()
	c := centralFixture(store, []TaskProfile{dailyProfile}, nil,
		stubResult{resp: ChatResponse{Content: "resumed and finished"}})

	run, err := c.ResumeRun(context.Background(), "trun_w", "the work inbox")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if run.ResumePayload != "the work inbox" {
		t.Errorf("resume payload = %q", run.ResumePayload)
	}
	if !hasEvent(c.ListForwardEvents(false), EventRunResumed) {
		t.Error("run_resumed event missing")
	}
	waitUntil(t, "run completion", func() bool {
		_, ok := store.result("trun_w")
		return ok
	})
}

func TestCentralService_CancelRun_BlockedRecordsEvent(t *testing.T) {
	store := newCentralStore()
	store.cancelOut = CancelOutcome{RunID: "trun_x", Outcome: "blocked", PreviousStatus: RunQueued}
	store.mu.Lock()
	store.runs["trun_x"] = &Run{ID: "trun_x", TaskID: "daily", Status: RunQueued}
	store.mu.Unlock()
	c := centralFixture(store, []TaskProfile{dailyProfile}, nil)

	out, err := c.CancelRun(context.Background(), "trun_x")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Outcome != "blocked" {
		t.Errorf("outcome = %+v", out)
	}
	events := c.ListForwardEvents(false)
	if !hasEvent(events, EventRunBlocked) {
		t.Fatal("run_blocked event missing")
	}
	for _, ev := range events {
		if ev.Type == EventRunBlocked && !strings.Contains(ev.Detail, KindCancelRequested) {
			t.Errorf("blocked event detail = %q", ev.Detail)
		}
	}
}

func TestCentralService_CancelRun_RequestRecordsEvent(t *testing.T) {
	store := newCentralStore()
	store.cancelOut = CancelOutcome{
		RunID: "trun_x", Outcome: "cancel_requested",
		PreviousStatus: RunRunning, CancelRequested: true,
	}
	store.mu.Lock()
	store.runs["trun_x"] = &Run{ID: "trun_x", TaskID: "daily", Status: RunRunning}
	store.mu.Unlock()
	c := centralFixture(store, []TaskProfile{dailyProfile}, nil)

	if _, err := c.CancelRun(context.Background(), "trun_x"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !hasEvent(c.ListForwardEvents(false), EventRunCancelled) {
		t.Fatal("run_cancelled event missing for an in-flight cancel request")
	}
}

func TestCentralService_Dispatch_HonorsConcurrencyCap(t *testing.T) {
	gate := &gateProvider{release: make(chan struct{})}
	llm := NewLLMClient([]ModelSpec{{
		ID: "m1", Alias: "main", Tier: "low",
		MaxContextTokens: 100000, MaxOutputTokens: 1000,
		Provider: gate,
	}}, "main", LLMBackoff(fastBackoff))
	runner := NewTaskRunner("", NewSubAgentRunner(llm, NewRegistry()), nil)

	store := newCentralStore()
	store.due = []Run{
		{ID: "trun_a", TaskID: "daily", Status: RunQueued},
		{ID: "trun_b", TaskID: "daily", Status: RunQueued},
	}
	c := NewCentralService(store, runner, CentralSettings{MaxConcurrentRuns: 1},
		CentralProfiles(func() []TaskProfile { return []TaskProfile{dailyProfile} }))

	ctx := context.Background()
	c.Tick(ctx)

	if got := store.queueLen(); got != 1 {
		t.Fatalf("queued runs = %d, want the second held back", got)
	}
	if st := c.Status(ctx); st.ActiveRuns != 1 {
		t.Errorf("active runs = %d", st.ActiveRuns)
	}

	close(gate.release)
	waitUntil(t, "first run completion", func() bool {
		_, ok := store.result("trun_a")
		return ok
	})

	c.Tick(ctx)
	waitUntil(t, "second run completion", func() bool {
		_, ok := store.result("trun_b")
		return ok
	})
}

func TestCentralService_Tick_FeedsDailyMemory(t *testing.T) {
	fms := newFakeMemoryStore()
	store := newCentralStore()
	store.due = []Run{{ID: "trun_m", TaskID: "daily", Status: RunQueued}}
	c := centralFixture(store, []TaskProfile{dailyProfile}, []CentralOption{
		CentralMemory(fms, nil, nil),
		CentralDayKey(func(time.Time) string { return "2026-08-25" }),
	}, stubResult{resp: ChatResponse{Content: "digest sent"}})

	c.Tick(context.Background())

	// run_queued and run_finished are high signal; run_started is not
	waitUntil(t, "day events", func() bool {
		fms.mu.Lock()
		defer fms.mu.Unlock()
		return len(fms.events["2026-08-25"]) == 2
	})

	fms.mu.Lock()
	defer fms.mu.Unlock()
	for _, ev := range fms.events["2026-08-25"] {
		if ev.Kind != "task_agent_event" || ev.SessionID != "central_service" {
			t.Errorf("day event = %+v", ev)
		}
	}
	if len(fms.jobs) == 0 {
		t.Error("summary job not enqueued")
	}
}

func TestCentralService_ListForwardEvents_ConsumesOnce(t *testing.T) {
	c := centralFixture(newCentralStore(), nil, nil)
	c.RecordWorkerEvent("worker_1", "worker_completed", "status=done")
	c.RecordWorkerEvent("worker_2", "worker_failed", "status=failed")

	if got := c.ListForwardEvents(true); len(got) != 2 {
		t.Fatalf("first consume = %d events", len(got))
	}
	if got := c.ListForwardEvents(true); len(got) != 0 {
		t.Errorf("second consume = %d events, want none", len(got))
	}
	if got := c.ListForwardEvents(false); len(got) != 2 {
		t.Errorf("peek = %d events, want full ring", len(got))
	}
}

func TestCentralService_EventRingDropsOldest(t *testing.T) {
	c := centralFixture(newCentralStore(), nil, nil)
	for i := 0; i < eventRingCap+20; i++ {
		c.RecordWorkerEvent("worker_1", "note", fmt.Sprintf("n=%d", i))
	}
	events := c.ListForwardEvents(false)
	if len(events) != eventRingCap {
		t.Fatalf("ring size = %d, want %d", len(events), eventRingCap)
	}
	if events[0].Detail != "n=20" {
		t.Errorf("oldest surviving detail = %q", events[0].Detail)
	}
}

func TestCentralService_Status_Warnings(t *testing.T) {
	store := newCentralStore()
	store.active = 30
	store.history = []Run{{ID: "trun_old", TaskID: "daily", Status: RunRunning,
		StartedAt: time.Now().Add(-2 * time.Hour)}}
	store.lastHB = &Heartbeat{Status: "ok", Enqueued: 1}
	c := centralFixture(store, []TaskProfile{dailyProfile}, nil)

	st := c.Status(context.Background())
	if st.Running {
		t.Error("service not started, Running must be false")
	}
	if !st.Enabled {
		t.Error("Enabled lost from settings")
	}
	if st.QueueDepth != 30 {
		t.Errorf("queue depth = %d", st.QueueDepth)
	}
	want := map[string]bool{"queue_depth_high": false, "running_task_stale": false}
	for _, w := range st.Warnings {
		want[w] = true
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("warning %s missing, got %v", name, st.Warnings)
		}
	}
	if st.Heartbeat == nil || st.Heartbeat.Status != "ok" {
		t.Errorf("heartbeat = %+v", st.Heartbeat)
	}
}

func TestCentralService_Metrics(t *testing.T) {
	store := newCentralStore()
	store.history = []Run{
		{ID: "r1", Status: RunDone},
		{ID: "r2", Status: RunDone},
		{ID: "r3", Status: RunFailed},
	}
	c := centralFixture(store, nil, nil)
	c.RecordWorkerEvent("worker_1", "worker_completed", "")

	m, err := c.Metrics(context.Background())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.ByStatus[RunDone] != 2 || m.ByStatus[RunFailed] != 1 {
		t.Errorf("by status = %v", m.ByStatus)
	}
	if m.Events != 1 {
		t.Errorf("events buffered = %d", m.Events)
	}
}

func TestCentralService_StartStopIdempotent(t *testing.T) {
	store := newCentralStore()
	c := centralFixture(store, nil, nil)

	c.Start()
	c.Start()
	if !c.Running() {
		t.Fatal("service not running after Start")
	}
	c.Stop()
	c.Stop()
	if c.Running() {
		t.Fatal("service still running after Stop")
	}

	_, _, _, beats := store.counters()
	if beats < 2 {
		t.Errorf("heartbeat records = %d, want the immediate tick recorded", beats)
	}
}

func TestCentralService_QueryDB_RequiresSQLSurface(t *testing.T) {
	c := centralFixture(newCentralStore(), nil, nil)
	if _, err := c.QueryDB(context.Background(), "select 1", nil, 10); err == nil {
		t.Fatal("expected error without a sql surface")
	}
}

func TestCentralSettings_ApplyDefaults(t *testing.T) {
	var s CentralSettings
	s.applyDefaults()
	if s.PollInterval != DefaultPollInterval {
		t.Errorf("poll interval = %v", s.PollInterval)
	}
	if s.MaxConcurrentRuns != DefaultMaxConcurrentRuns {
		t.Errorf("max concurrent = %d", s.MaxConcurrentRuns)
	}
	if s.QueueWarningThreshold != DefaultQueueWarning {
		t.Errorf("queue warning = %d", s.QueueWarningThreshold)
	}
	if s.WaitingForUserTimeout != DefaultWaitingUserTimeout {
		t.Errorf("waiting timeout = %v", s.WaitingForUserTimeout)
	}
}
