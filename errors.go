package zubot

import (
	"errors"
	"fmt"
	"time"
)

// Machine-readable error kinds surfaced in run results, tool envelopes,
// and structured LLM call results.
const (
	KindSQLQueueTimeout       = "sql_queue_timeout"
	KindTimeoutBudget         = "timeout_budget_exhausted"
	KindStepBudget            = "step_budget_exhausted"
	KindToolCallBudget        = "tool_call_budget_exhausted"
	KindContextBudget         = "context_budget_exhausted"
	KindWaitingForUserTimeout = "waiting_for_user_timeout"
	KindMissingActionExecutor = "missing_action_executor"
	KindInvalidAction         = "invalid_action"
	KindUnsupportedActionKind = "unsupported_action_kind"
	KindCancelRequested       = "cancel_requested"
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrBudget reports an exhausted loop budget. Kind is one of the
// Kind*Budget constants.
type ErrBudget struct {
	Kind   string
	Detail string
}

func (e *ErrBudget) Error() string {
	if e.Detail == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Detail
}

// ErrQueue reports a failure on the serialized database queue.
type ErrQueue struct {
	Kind    string
	Message string
}

func (e *ErrQueue) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

// ErrPathDenied reports a path-policy refusal.
type ErrPathDenied struct {
	Path   string
	Mode   string
	Reason string
}

func (e *ErrPathDenied) Error() string {
	return fmt.Sprintf("path %q denied for %s: %s", e.Path, e.Mode, e.Reason)
}

// ErrorKind extracts the machine-readable kind from an error chain, or "".
func ErrorKind(err error) string {
	var b *ErrBudget
	if errors.As(err, &b) {
		return b.Kind
	}
	var q *ErrQueue
	if errors.As(err, &q) {
		return q.Kind
	}
	return ""
}
