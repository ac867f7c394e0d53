package zubot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Script task defaults.
const (
	DefaultScriptTimeout = 1800 * time.Second
	scriptKillGrace      = 5 * time.Second
	summaryMaxRunes      = 300
	errorMaxRunes        = 500
	cancelPollInterval   = 2 * time.Second
)

// RunHook observes a run execution. It may derive a new context (for
// trace propagation) and returns a finish callback invoked with the
// final result.
type RunHook func(ctx context.Context, run Run, profile TaskProfile) (context.Context, func(RunResult))

// TaskRunner executes one claimed run for its profile: script tasks as
// subprocesses, agentic tasks through the sub-agent loop. Retry and
// cancellation live here so the central service only dispatches.
type TaskRunner struct {
	repoRoot string
	agents   *SubAgentRunner
	store    SchedulerStore
	hook     RunHook
	logger   *slog.Logger
}

// TaskRunnerOption configures a TaskRunner.
type TaskRunnerOption func(*TaskRunner)

// TaskRunnerLogger sets the structured logger.
func TaskRunnerLogger(l *slog.Logger) TaskRunnerOption {
	return func(r *TaskRunner) { r.logger = l }
}

// TaskRunnerHook installs a run observation hook.
func TaskRunnerHook(h RunHook) TaskRunnerOption {
	return func(r *TaskRunner) { r.hook = h }
}

// NewTaskRunner creates a runner rooted at repoRoot.
func NewTaskRunner(repoRoot string, agents *SubAgentRunner, store SchedulerStore, opts ...TaskRunnerOption) *TaskRunner {
	r := &TaskRunner{repoRoot: repoRoot, agents: agents, store: store, logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs one claimed run to a terminal (or waiting) result,
// honoring the profile's attempt and backoff configuration. Only
// retryable failures retry; a cancel request observed between or during
// attempts discards the in-flight result.
func (r *TaskRunner) Execute(ctx context.Context, run Run, profile TaskProfile) RunResult {
	if r.hook != nil {
		var finish func(RunResult)
		ctx, finish = r.hook(ctx, run, profile)
		res := r.executeWithRetry(ctx, run, profile)
		finish(res)
		return res
	}
	return r.executeWithRetry(ctx, run, profile)
}

func (r *TaskRunner) executeWithRetry(ctx context.Context, run Run, profile TaskProfile) RunResult {
	attempts := profile.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	result := RunResult{AttemptsConfigured: attempts}

	runCtx, stopWatch := r.watchCancel(ctx, run.ID)
	defer stopWatch()

	for attempt := 1; attempt <= attempts; attempt++ {
		if r.cancelRequested(ctx, run.ID) {
			return RunResult{
				Status:             RunBlocked,
				Error:              KindCancelRequested,
				AttemptsUsed:       result.AttemptsUsed,
				AttemptsConfigured: attempts,
			}
		}

		result.AttemptsUsed = attempt
		attemptResult := r.executeOnce(runCtx, run, profile)
		attemptResult.AttemptsUsed = attempt
		attemptResult.AttemptsConfigured = attempts

		if runCtx.Err() != nil && r.cancelRequested(ctx, run.ID) {
			// cancelled mid-attempt: the attempt's result is discarded
			return RunResult{
				Status:             RunBlocked,
				Error:              KindCancelRequested,
				AttemptsUsed:       attempt,
				AttemptsConfigured: attempts,
			}
		}

		switch attemptResult.Status {
		case RunDone, RunWaitingForUser:
			return attemptResult
		}

		result = attemptResult
		if !attemptResult.RetryableError || attempt == attempts {
			return result
		}

		r.logger.Warn("task attempt failed, retrying",
			"run_id", run.ID, "task_id", run.TaskID,
			"attempt", attempt, "max_attempts", attempts,
			"error", attemptResult.Error)
		if err := r.sleepBetweenAttempts(runCtx, profile, attempt-1); err != nil {
			return result
		}
	}
	return result
}

func (r *TaskRunner) executeOnce(ctx context.Context, run Run, profile TaskProfile) RunResult {
	switch profile.Kind {
	case "script":
		return r.runScript(ctx, run, profile)
	case "agentic":
		return r.runAgentic(ctx, run, profile)
	default:
		return RunResult{Status: RunFailed, Error: fmt.Sprintf("unknown task kind %q", profile.Kind)}
	}
}

// runScript executes the profile's entrypoint as a subprocess with the
// run context in its environment. Exit 0 is done; the last non-empty
// stdout line becomes the summary.
func (r *TaskRunner) runScript(ctx context.Context, run Run, profile TaskProfile) RunResult {
	entry, err := r.resolveEntrypoint(profile.Entrypoint)
	if err != nil {
		return RunResult{Status: RunFailed, Error: err.Error()}
	}

	timeout := DefaultScriptTimeout
	if profile.TimeoutSec > 0 {
		timeout = time.Duration(profile.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := "{}"
	if len(run.Payload) > 0 {
		payload = string(run.Payload)
	}
	profileJSON, _ := json.Marshal(profile)

	cmd := exec.CommandContext(ctx, entry)
	cmd.Dir = r.repoRoot
	cmd.Env = append(os.Environ(),
		"TASK_ID="+run.TaskID,
		"TASK_PAYLOAD_JSON="+payload,
		"TASK_PROFILE_JSON="+string(profileJSON),
		"TASK_RESOURCES_DIR="+filepath.Join(r.repoRoot, "outputs", run.TaskID),
	)
	// graceful stop first, hard kill after the grace period
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = scriptKillGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Info("script task starting", "run_id", run.ID, "task_id", run.TaskID, "entrypoint", profile.Entrypoint)
	runErr := cmd.Run()

	if runErr == nil {
		return RunResult{Status: RunDone, Summary: truncateRunes(lastLine(stdout.String()), summaryMaxRunes)}
	}

	errText := truncateRunes(strings.TrimSpace(stderr.String()), errorMaxRunes)
	if errText == "" {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			errText = fmt.Sprintf("exit_code=%d", exitErr.ExitCode())
		} else {
			errText = runErr.Error()
		}
	}
	res := RunResult{Status: RunFailed, Error: errText}
	if ctx.Err() == context.DeadlineExceeded {
		res.Error = KindTimeoutBudget + ": " + errText
		res.RetryableError = true
	}
	return res
}

// runAgentic delegates to the sub-agent loop with the profile's budgets
// and instructions. needs_user_input parks the run.
func (r *TaskRunner) runAgentic(ctx context.Context, run Run, profile TaskProfile) RunResult {
	cfg := SubAgentConfig{
		ModelRef:     profile.ModelTier,
		Instructions: profile.Instructions,
		ToolAccess:   profile.ToolAccess,
		Timeout:      time.Duration(profile.TimeoutSec) * time.Second,
	}

	input := describeRunInput(run)
	state := &ContextState{}
	if run.ResumePayload != "" {
		state.SetFact("user_answer", run.ResumePayload)
	}

	outcome := r.agents.Run(ctx, cfg, state, input)
	switch outcome.Status {
	case OutcomeSuccess:
		return RunResult{Status: RunDone, Summary: truncateRunes(outcome.Text, summaryMaxRunes)}
	case OutcomeNeedsUserInput:
		return RunResult{Status: RunWaitingForUser, Question: outcome.Question}
	default:
		return RunResult{
			Status:         RunFailed,
			Error:          truncateRunes(outcome.Error, errorMaxRunes),
			RetryableError: outcome.ErrorKind == KindTimeoutBudget,
		}
	}
}

// resolveEntrypoint enforces repo-relative entrypoints.
func (r *TaskRunner) resolveEntrypoint(entry string) (string, error) {
	if entry == "" {
		return "", fmt.Errorf("script task without entrypoint")
	}
	if filepath.IsAbs(entry) {
		return "", fmt.Errorf("entrypoint must be repo-relative, got absolute path")
	}
	cleaned := filepath.Clean(entry)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entrypoint escapes the repository root")
	}
	return filepath.Join(r.repoRoot, cleaned), nil
}

// watchCancel polls the run's cancel flag and cancels the context when
// it flips. stop must be called when the run settles.
func (r *TaskRunner) watchCancel(ctx context.Context, runID string) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	if r.store == nil {
		return runCtx, cancel
	}
	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if r.cancelRequested(ctx, runID) {
					cancel()
					return
				}
			}
		}
	}()
	return runCtx, cancel
}

func (r *TaskRunner) cancelRequested(ctx context.Context, runID string) bool {
	if r.store == nil {
		return false
	}
	run, err := r.store.GetRun(ctx, runID)
	if err != nil || run == nil {
		return false
	}
	return run.CancelRequested
}

func (r *TaskRunner) sleepBetweenAttempts(ctx context.Context, profile TaskProfile, idx int) error {
	schedule := DefaultBackoff
	if len(profile.BackoffSec) > 0 {
		schedule = make([]time.Duration, len(profile.BackoffSec))
		for i, s := range profile.BackoffSec {
			schedule[i] = time.Duration(s) * time.Second
		}
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	timer := time.NewTimer(schedule[idx])
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DescribeRun renders a run as a one-line human summary for logs and
// events.
func DescribeRun(run Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s task=%s status=%s", run.ID, run.TaskID, run.Status)
	if !run.PlannedFireAt.IsZero() {
		fmt.Fprintf(&b, " planned=%s", run.PlannedFireAt.UTC().Format(time.RFC3339))
	}
	if run.Summary != "" {
		fmt.Fprintf(&b, " summary=%s", truncateRunes(run.Summary, 80))
	}
	if run.Error != "" {
		fmt.Fprintf(&b, " error=%s", truncateRunes(run.Error, 80))
	}
	return b.String()
}

func describeRunInput(run Run) string {
	input := "Execute scheduled task " + run.TaskID + "."
	if len(run.Payload) > 0 {
		input += " Payload: " + string(run.Payload)
	}
	if run.ResumePayload != "" {
		input += " The user answered your question: " + run.ResumePayload
	}
	return input
}

// lastLine returns the final non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// truncateRunes clips s to at most n runes.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
