package zubot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ModelSpec binds one usable model to its provider and budgets.
type ModelSpec struct {
	ID               string
	Alias            string
	Tier             string // "low", "medium", "high"
	MaxContextTokens int
	MaxOutputTokens  int
	Provider         Provider
}

// LLMResult is the structured envelope every model call returns,
// successful or not. Retry accounting rides along so run records can
// explain what the client attempted.
type LLMResult struct {
	OK                      bool       `json:"ok"`
	Provider                string     `json:"provider"`
	Model                   string     `json:"model"`
	Text                    string     `json:"text,omitempty"`
	ToolCalls               []ToolCall `json:"tool_calls,omitempty"`
	FinishReason            string     `json:"finish_reason,omitempty"`
	Usage                   Usage      `json:"usage"`
	Error                   string     `json:"error,omitempty"`
	RetryableError          bool       `json:"retryable_error,omitempty"`
	AttemptsUsed            int        `json:"attempts_used"`
	AttemptsConfigured      int        `json:"attempts_configured"`
	RetryBackoffScheduleSec []float64  `json:"retry_backoff_schedule_sec,omitempty"`
}

// LLMClientOption configures an LLMClient.
type LLMClientOption func(*LLMClient)

// LLMMaxAttempts sets the per-call attempt cap (default 3).
func LLMMaxAttempts(n int) LLMClientOption {
	return func(c *LLMClient) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// LLMBackoff sets the retry backoff schedule (default 1s, 3s, 5s).
func LLMBackoff(schedule []time.Duration) LLMClientOption {
	return func(c *LLMClient) {
		if len(schedule) > 0 {
			c.backoff = schedule
		}
	}
}

// LLMLogger sets the structured logger.
func LLMLogger(l *slog.Logger) LLMClientOption {
	return func(c *LLMClient) { c.logger = l }
}

// LLMClient resolves model references (id, alias, or tier) and wraps
// provider calls in retry with the standard transient-error classifier.
type LLMClient struct {
	models       map[string]ModelSpec // by id
	defaultAlias string
	maxAttempts  int
	backoff      []time.Duration
	logger       *slog.Logger
}

// NewLLMClient builds a client over the given model specs.
func NewLLMClient(models []ModelSpec, defaultAlias string, opts ...LLMClientOption) *LLMClient {
	c := &LLMClient{
		models:       make(map[string]ModelSpec, len(models)),
		defaultAlias: defaultAlias,
		maxAttempts:  3,
		backoff:      DefaultBackoff,
		logger:       nopLogger,
	}
	for _, m := range models {
		c.models[m.ID] = m
	}
	for _, opt := range opts {
		opt(c)
	}
	c.maxAttempts = effectiveAttempts(c.maxAttempts, c.backoff)
	return c
}

// Resolve finds a model by id, then alias, then the default alias.
func (c *LLMClient) Resolve(ref string) (ModelSpec, error) {
	if ref != "" {
		if m, ok := c.models[ref]; ok {
			return m, nil
		}
		for _, m := range c.models {
			if m.Alias == ref {
				return m, nil
			}
		}
	}
	if c.defaultAlias != "" && ref != c.defaultAlias {
		return c.Resolve(c.defaultAlias)
	}
	return ModelSpec{}, fmt.Errorf("no model for reference %q", ref)
}

// ResolveTier finds the lowest-id model of a tier, falling back to the
// default model.
func (c *LLMClient) ResolveTier(tier string) (ModelSpec, error) {
	ids := make([]string, 0, len(c.models))
	for id := range c.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if c.models[id].Tier == tier {
			return c.models[id], nil
		}
	}
	return c.Resolve("")
}

// Call sends one chat request to the referenced model, with retry.
// The result is an envelope, never a bare error: callers can persist it
// directly into run records and daily memory.
func (c *LLMClient) Call(ctx context.Context, modelRef string, req ChatRequest, tools []ToolDefinition) LLMResult {
	spec, err := c.Resolve(modelRef)
	if err != nil {
		return LLMResult{Error: err.Error(), AttemptsConfigured: c.maxAttempts}
	}

	result := LLMResult{
		Provider:                spec.Provider.Name(),
		Model:                   spec.ID,
		AttemptsConfigured:      c.maxAttempts,
		RetryBackoffScheduleSec: backoffSeconds(c.backoff),
	}

	attempts := 0
	resp, callErr := retryCall(ctx, c.maxAttempts, c.backoff, spec.Provider.Name(), c.logger,
		func() (ChatResponse, error) {
			attempts++
			if len(tools) > 0 {
				return spec.Provider.ChatWithTools(ctx, req, tools)
			}
			return spec.Provider.Chat(ctx, req)
		})
	result.AttemptsUsed = attempts

	if callErr != nil {
		result.Error = callErr.Error()
		result.RetryableError = IsRetryable(callErr)
		return result
	}

	result.OK = true
	result.Text = resp.Content
	result.ToolCalls = resp.ToolCalls
	result.FinishReason = resp.FinishReason
	result.Usage = resp.Usage
	return result
}

// Budget computes the input budget for a model reference given used tokens.
func (c *LLMClient) Budget(modelRef string, used int) (TokenBudget, error) {
	spec, err := c.Resolve(modelRef)
	if err != nil {
		return TokenBudget{}, err
	}
	return ComputeBudget(spec.MaxContextTokens, spec.MaxOutputTokens, used), nil
}

func backoffSeconds(schedule []time.Duration) []float64 {
	out := make([]float64, len(schedule))
	for i, d := range schedule {
		out[i] = d.Seconds()
	}
	return out
}
