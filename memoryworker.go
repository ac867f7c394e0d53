package zubot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Summary worker tuning.
const (
	DefaultSummaryPollInterval = 15 * time.Second
	DefaultSummaryJobsPerTick  = 1
	summaryInputTokenCap       = 4000
	summarySplitMaxDepth       = 6
	summaryMaxOutputTokens     = 220
	lowSignalMinRunes          = 24
)

// SummaryWorkerStatus is the worker's observable state.
type SummaryWorkerStatus struct {
	Running    bool       `json:"running"`
	LastResult *JobResult `json:"last_result,omitempty"`
}

// JobResult records the outcome of the most recent summary job.
type JobResult struct {
	JobID      string    `json:"job_id"`
	Day        string    `json:"day"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	EntryCount int       `json:"entry_count"`
	Fallback   bool      `json:"fallback,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// MemorySummaryWorker drains the summary job queue on a single
// goroutine: one claimed job per tick, woken early by Kick. Day
// summaries go through the low-tier model with a deterministic
// fallback, so a summary always lands even when the provider is down.
type MemorySummaryWorker struct {
	store    MemoryStore
	llm      *LLMClient
	tier     string
	interval time.Duration
	perTick  int
	dayKey   func(time.Time) string
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wake    chan struct{}
	last    *JobResult
	wg      sync.WaitGroup
}

// SummaryWorkerOption configures a MemorySummaryWorker.
type SummaryWorkerOption func(*MemorySummaryWorker)

// SummaryPollInterval overrides the idle poll interval.
func SummaryPollInterval(d time.Duration) SummaryWorkerOption {
	return func(w *MemorySummaryWorker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// SummaryJobsPerTick overrides how many jobs one tick may claim.
func SummaryJobsPerTick(n int) SummaryWorkerOption {
	return func(w *MemorySummaryWorker) {
		if n > 0 {
			w.perTick = n
		}
	}
}

// SummaryModelTier sets the model tier used for summarization.
func SummaryModelTier(tier string) SummaryWorkerOption {
	return func(w *MemorySummaryWorker) {
		if tier != "" {
			w.tier = tier
		}
	}
}

// SummaryDayKey sets the home-timezone day key function.
func SummaryDayKey(fn func(time.Time) string) SummaryWorkerOption {
	return func(w *MemorySummaryWorker) { w.dayKey = fn }
}

// SummaryLogger sets the structured logger.
func SummaryLogger(l *slog.Logger) SummaryWorkerOption {
	return func(w *MemorySummaryWorker) { w.logger = l }
}

// NewMemorySummaryWorker builds the worker. llm may be nil; every
// summary then uses the deterministic fallback.
func NewMemorySummaryWorker(store MemoryStore, llm *LLMClient, opts ...SummaryWorkerOption) *MemorySummaryWorker {
	w := &MemorySummaryWorker{
		store:    store,
		llm:      llm,
		tier:     "low",
		interval: DefaultSummaryPollInterval,
		perTick:  DefaultSummaryJobsPerTick,
		dayKey:   func(t time.Time) string { return t.UTC().Format("2006-01-02") },
		logger:   nopLogger,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the drain loop. Idempotent.
func (w *MemorySummaryWorker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	stop := w.stop
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(stop)
}

// Stop halts the loop. Idempotent.
func (w *MemorySummaryWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	w.mu.Unlock()
	w.wg.Wait()
}

// Kick wakes the worker early; safe from any goroutine, never blocks.
func (w *MemorySummaryWorker) Kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Status reports the loop state and the last processed job.
func (w *MemorySummaryWorker) Status() SummaryWorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := SummaryWorkerStatus{Running: w.running}
	if w.last != nil {
		last := *w.last
		st.LastResult = &last
	}
	return st
}

func (w *MemorySummaryWorker) loop(stop chan struct{}) {
	defer w.wg.Done()
	ctx := context.Background()
	for {
		w.Tick(ctx)

		timer := time.NewTimer(w.interval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Tick claims and processes up to the per-tick job cap. Exported so
// tests and the sweeper can drive the queue synchronously.
func (w *MemorySummaryWorker) Tick(ctx context.Context) {
	for i := 0; i < w.perTick; i++ {
		job, err := w.store.ClaimNextSummaryJob(ctx)
		if err != nil {
			w.logger.Error("summary worker: claim failed", "error", err)
			return
		}
		if job == nil {
			return
		}
		w.process(ctx, *job)
	}
}

func (w *MemorySummaryWorker) process(ctx context.Context, job SummaryJob) {
	res := JobResult{JobID: job.ID, Day: job.Day, Status: "done", FinishedAt: time.Now()}

	entries, err := w.store.ListDayEvents(ctx, job.Day)
	if err == nil {
		res.EntryCount = len(entries)
		err = w.summarizeDay(ctx, job, entries, &res)
	}

	status := "done"
	errMsg := ""
	if err != nil {
		status = "failed"
		errMsg = err.Error()
		res.Status = "failed"
		res.Error = errMsg
		w.logger.Warn("summary worker: job failed", "job_id", job.ID, "day", job.Day, "error", err)
	}
	if cerr := w.store.CompleteSummaryJob(ctx, job.ID, status, errMsg); cerr != nil {
		w.logger.Error("summary worker: job completion failed", "job_id", job.ID, "error", cerr)
	}

	w.mu.Lock()
	w.last = &res
	w.mu.Unlock()
}

func (w *MemorySummaryWorker) summarizeDay(ctx context.Context, job SummaryJob, entries []DailyEvent, res *JobResult) error {
	signal := filterSignalEvents(entries)
	body, usedFallback := w.buildSummary(ctx, signal, entries, 0)
	res.Fallback = usedFallback

	header := fmt.Sprintf("- Summary reason: %s\n- Day event entries: %d\n", job.Reason, len(entries))
	snap := DaySnapshot{
		Day:        job.Day,
		Summary:    header + body,
		Reason:     job.Reason,
		EntryCount: len(entries),
		UpdatedAt:  time.Now(),
	}
	if err := w.store.WriteSnapshot(ctx, snap); err != nil {
		return err
	}

	finalize := job.Day < w.dayKey(time.Now())
	return w.store.MarkDaySummarized(ctx, job.Day, finalize, time.Now())
}

// buildSummary returns the summary text and whether the deterministic
// fallback produced it. Oversized inputs are halved recursively, the
// partial summaries merged, and the merge condensed by one more model
// pass; past the depth cap the fallback takes over.
func (w *MemorySummaryWorker) buildSummary(ctx context.Context, signal, all []DailyEvent, depth int) (string, bool) {
	if len(signal) == 0 {
		return fallbackSummary(signal, all), true
	}
	input := renderEventLines(signal)
	if EstimateTextTokens(input) > summaryInputTokenCap {
		if depth >= summarySplitMaxDepth {
			return fallbackSummary(signal, all), true
		}
		mid := len(signal) / 2
		left, lf := w.buildSummary(ctx, signal[:mid], all, depth+1)
		right, rf := w.buildSummary(ctx, signal[mid:], all, depth+1)
		merged := mergeSummaries(left, right)
		if out, ok := w.modelSummary(ctx, merged); ok {
			return out, lf || rf
		}
		return merged, lf || rf
	}

	if out, ok := w.modelSummary(ctx, input); ok {
		return out, false
	}
	return fallbackSummary(signal, all), true
}

// modelSummary runs one summarization call; false means no model is
// available or the call produced nothing usable.
func (w *MemorySummaryWorker) modelSummary(ctx context.Context, input string) (string, bool) {
	if w.llm == nil {
		return "", false
	}
	spec, err := w.llm.ResolveTier(w.tier)
	if err != nil {
		return "", false
	}

	req := ChatRequest{Messages: []ChatMessage{
		SystemMessage("Summarize the day's activity log into short bullet points. " +
			"Keep decisions, outcomes, errors, and open questions. " +
			fmt.Sprintf("At most %d tokens. Output only the bullets.", summaryMaxOutputTokens)),
		UserMessage(input),
	}}
	result := w.llm.Call(ctx, spec.ID, req, nil)
	if !result.OK || strings.TrimSpace(result.Text) == "" {
		w.logger.Warn("summary worker: model summary failed, using fallback", "error", result.Error)
		return "", false
	}
	return strings.TrimSpace(result.Text), true
}

// filterSignalEvents drops low-signal entries: short lines, routine
// tool/system chatter, and worker noise without an outcome.
func filterSignalEvents(entries []DailyEvent) []DailyEvent {
	var out []DailyEvent
	for _, ev := range entries {
		if isSignalEvent(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func isSignalEvent(ev DailyEvent) bool {
	text := strings.TrimSpace(ev.Text)
	lower := strings.ToLower(text)
	switch ev.Kind {
	case "user", "main_agent", "task_agent_event":
		return len([]rune(text)) >= lowSignalMinRunes
	case "worker_event":
		return containsAny(lower, "failed", "error", "blocked", "completed", "done")
	case "tool", "system":
		return containsAny(lower, "error", "failed", "denied", "timeout")
	default:
		return len([]rune(text)) >= lowSignalMinRunes
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func renderEventLines(entries []DailyEvent) string {
	var b strings.Builder
	for _, ev := range entries {
		b.WriteString("[")
		b.WriteString(ev.At.Format("15:04"))
		b.WriteString(" ")
		b.WriteString(ev.Kind)
		if ev.Route != "" {
			b.WriteString(" ")
			b.WriteString(ev.Route)
		}
		b.WriteString("] ")
		b.WriteString(strings.ReplaceAll(ev.Text, "\n", " "))
		b.WriteString("\n")
	}
	return b.String()
}

// fallbackSummary is deterministic: counts, routes, and a few truncated
// highlights. It never fails and never calls the model.
func fallbackSummary(signal, all []DailyEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- Signal entries: %d of %d\n", len(signal), len(all))

	routes := make(map[string]int)
	for _, ev := range signal {
		key := ev.Kind
		if ev.Route != "" {
			key += "/" + ev.Route
		}
		routes[key]++
	}
	if len(routes) > 0 {
		keys := make([]string, 0, len(routes))
		for k := range routes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, routes[k]))
		}
		fmt.Fprintf(&b, "- Routes: %s\n", strings.Join(parts, " "))
	}

	limit := 5
	if len(signal) < limit {
		limit = len(signal)
	}
	for i := 0; i < limit; i++ {
		fmt.Fprintf(&b, "- Highlights: %s\n", truncateRunes(strings.ReplaceAll(signal[i].Text, "\n", " "), 120))
	}
	return strings.TrimRight(b.String(), "\n")
}

func mergeSummaries(left, right string) string {
	left = strings.TrimSpace(left)
	right = strings.TrimSpace(right)
	switch {
	case left == "":
		return right
	case right == "":
		return left
	default:
		return left + "\n" + right
	}
}
