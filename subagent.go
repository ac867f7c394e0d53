package zubot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Sub-agent loop defaults.
const (
	DefaultSubAgentMaxSteps     = 4
	DefaultSubAgentMaxToolCalls = 3
	DefaultSubAgentTimeout      = 20 * time.Second
)

// Agent outcome statuses.
const (
	OutcomeSuccess        = "success"
	OutcomeNeedsUserInput = "needs_user_input"
	OutcomeFailed         = "failed"
)

// AskUserTool is the builtin tool name a model calls to surface a
// question instead of finishing. The loop intercepts it; it is never
// dispatched to the registry.
const AskUserTool = "ask_user"

// Planner action kinds.
const (
	ActionRespond  = "respond"
	ActionTool     = "tool"
	ActionLLM      = "llm"
	ActionContinue = "continue"
)

// AgentAction is one step decision from a Planner.
type AgentAction struct {
	Kind     string          `json:"kind"`
	Text     string          `json:"text,omitempty"`      // respond: question for the user
	ToolName string          `json:"tool_name,omitempty"` // tool: registry tool to invoke
	Args     json.RawMessage `json:"args,omitempty"`
	Prompt   string          `json:"prompt,omitempty"` // llm: extra user prompt for this call
}

// Planner decides the next step of a scripted sub-agent. Most runs use
// the plain LLM tool loop; planners exist for deterministic task flows.
type Planner interface {
	NextAction(ctx context.Context, state *ContextState, transcript []ChatMessage) (AgentAction, error)
}

// SubAgentConfig is one sub-agent run's shape and budgets.
type SubAgentConfig struct {
	ModelRef     string
	Instructions string
	ToolAccess   []string // nil = no tools
	MaxSteps     int
	MaxToolCalls int
	Timeout      time.Duration
	Planner      Planner // optional
}

func (c *SubAgentConfig) applyDefaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultSubAgentMaxSteps
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = DefaultSubAgentMaxToolCalls
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultSubAgentTimeout
	}
}

// StepEvent is one structured loop event for the caller's event stream.
type StepEvent struct {
	At     time.Time `json:"at"`
	Type   string    `json:"type"` // "step", "tool_call", "llm_call", "outcome"
	Detail string    `json:"detail"`
}

// AgentOutcome is the terminal result of a sub-agent run.
type AgentOutcome struct {
	Status        string      `json:"status"`
	Text          string      `json:"text,omitempty"`
	Question      string      `json:"question,omitempty"`
	Error         string      `json:"error,omitempty"`
	ErrorKind     string      `json:"error_kind,omitempty"`
	Steps         int         `json:"steps"`
	ToolCallsUsed int         `json:"tool_calls_used"`
	Usage         Usage       `json:"usage"`
	Events        []StepEvent `json:"events,omitempty"`
}

// SubAgentRunner drives bounded tool loops for workers and agentic tasks.
type SubAgentRunner struct {
	llm      *LLMClient
	registry *Registry
	logger   *slog.Logger
}

// SubAgentOption configures a SubAgentRunner.
type SubAgentOption func(*SubAgentRunner)

// SubAgentLogger sets the structured logger.
func SubAgentLogger(l *slog.Logger) SubAgentOption {
	return func(r *SubAgentRunner) { r.logger = l }
}

// NewSubAgentRunner creates a runner over an LLM client and a registry.
func NewSubAgentRunner(llm *LLMClient, registry *Registry, opts ...SubAgentOption) *SubAgentRunner {
	r := &SubAgentRunner{llm: llm, registry: registry, logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one bounded loop. Context is reassembled every step with
// the latest summary and facts, so mid-run fact updates take effect
// immediately. The returned outcome is always terminal.
func (r *SubAgentRunner) Run(ctx context.Context, cfg SubAgentConfig, state *ContextState, input string) AgentOutcome {
	cfg.applyDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	spec, err := r.llm.Resolve(cfg.ModelRef)
	if err != nil {
		return AgentOutcome{Status: OutcomeFailed, Error: err.Error()}
	}

	if cfg.Instructions != "" {
		state.SetBase("instructions", cfg.Instructions)
	}

	out := AgentOutcome{}
	transcript := []ChatMessage{UserMessage(input)}
	toolDefs := r.toolDefs(cfg.ToolAccess)

	for out.Steps = 1; out.Steps <= cfg.MaxSteps; out.Steps++ {
		if ctx.Err() != nil {
			return r.fail(out, KindTimeoutBudget, "deadline passed mid-run")
		}
		out.Events = append(out.Events, StepEvent{At: time.Now(), Type: "step", Detail: fmt.Sprintf("step %d", out.Steps)})

		if cfg.Planner != nil {
			done, outcome := r.plannerStep(ctx, cfg, state, &transcript, &out)
			if done {
				return outcome
			}
			continue
		}

		done, outcome := r.llmStep(ctx, cfg, spec, state, &transcript, toolDefs, &out)
		if done {
			return outcome
		}
	}
	return r.fail(out, KindStepBudget, fmt.Sprintf("no terminal outcome in %d steps", cfg.MaxSteps))
}

// llmStep runs one model call and executes its tool calls. Returns
// done=true with the terminal outcome when the run finished this step.
func (r *SubAgentRunner) llmStep(ctx context.Context, cfg SubAgentConfig, spec ModelSpec, state *ContextState, transcript *[]ChatMessage, toolDefs []ToolDefinition, out *AgentOutcome) (bool, AgentOutcome) {
	assembly, err := AssembleContext(state, lastUserContent(*transcript), spec.MaxContextTokens, spec.MaxOutputTokens)
	if err != nil {
		return true, r.fail(*out, ErrorKind(err), err.Error())
	}

	// no tool access means a plain completion: no ask_user escape hatch either
	defs := toolDefs
	if defs != nil {
		defs = append(append([]ToolDefinition(nil), defs...), askUserDefinition())
	}

	req := ChatRequest{Messages: append(assembly.Messages, *transcript...)}
	out.Events = append(out.Events, StepEvent{At: time.Now(), Type: "llm_call", Detail: spec.ID})
	result := r.llm.Call(ctx, spec.ID, req, defs)
	out.Usage.InputTokens += result.Usage.InputTokens
	out.Usage.OutputTokens += result.Usage.OutputTokens
	if !result.OK {
		if ctx.Err() != nil {
			return true, r.fail(*out, KindTimeoutBudget, result.Error)
		}
		return true, r.fail(*out, "", result.Error)
	}

	if len(result.ToolCalls) == 0 {
		out.Status = OutcomeSuccess
		out.Text = result.Text
		out.Events = append(out.Events, StepEvent{At: time.Now(), Type: "outcome", Detail: OutcomeSuccess})
		return true, *out
	}

	*transcript = append(*transcript, ChatMessage{Role: "assistant", Content: result.Text, ToolCalls: result.ToolCalls})
	for _, call := range result.ToolCalls {
		if call.Name == AskUserTool {
			out.Status = OutcomeNeedsUserInput
			out.Question = askUserQuestion(call.Args)
			out.Events = append(out.Events, StepEvent{At: time.Now(), Type: "outcome", Detail: OutcomeNeedsUserInput})
			return true, *out
		}
		if out.ToolCallsUsed >= cfg.MaxToolCalls {
			return true, r.fail(*out, KindToolCallBudget, fmt.Sprintf("tool call budget %d exhausted", cfg.MaxToolCalls))
		}
		out.ToolCallsUsed++
		out.Events = append(out.Events, StepEvent{At: time.Now(), Type: "tool_call", Detail: call.Name})
		envelope := r.registry.Invoke(ctx, call.Name, call.Args)
		payload, _ := json.Marshal(envelope)
		*transcript = append(*transcript, ToolResultMessage(call.ID, string(payload)))
	}
	return false, AgentOutcome{}
}

// plannerStep executes one planner-decided action.
func (r *SubAgentRunner) plannerStep(ctx context.Context, cfg SubAgentConfig, state *ContextState, transcript *[]ChatMessage, out *AgentOutcome) (bool, AgentOutcome) {
	action, err := cfg.Planner.NextAction(ctx, state, *transcript)
	if err != nil {
		return true, r.fail(*out, KindInvalidAction, err.Error())
	}

	switch action.Kind {
	case ActionRespond:
		out.Status = OutcomeNeedsUserInput
		out.Question = action.Text
		return true, *out
	case ActionTool:
		if r.registry == nil {
			return true, r.fail(*out, KindMissingActionExecutor, "no tool registry configured")
		}
		if action.ToolName == "" {
			return true, r.fail(*out, KindInvalidAction, "tool action without tool_name")
		}
		if out.ToolCallsUsed >= cfg.MaxToolCalls {
			return true, r.fail(*out, KindToolCallBudget, fmt.Sprintf("tool call budget %d exhausted", cfg.MaxToolCalls))
		}
		out.ToolCallsUsed++
		out.Events = append(out.Events, StepEvent{At: time.Now(), Type: "tool_call", Detail: action.ToolName})
		envelope := r.registry.Invoke(ctx, action.ToolName, action.Args)
		payload, _ := json.Marshal(envelope)
		*transcript = append(*transcript, ToolResultMessage("", string(payload)))
		return false, AgentOutcome{}
	case ActionLLM:
		spec, err := r.llm.Resolve(cfg.ModelRef)
		if err != nil {
			return true, r.fail(*out, "", err.Error())
		}
		if action.Prompt != "" {
			*transcript = append(*transcript, UserMessage(action.Prompt))
		}
		return r.llmStep(ctx, cfg, spec, state, transcript, r.toolDefs(cfg.ToolAccess), out)
	case ActionContinue:
		return false, AgentOutcome{}
	default:
		return true, r.fail(*out, KindUnsupportedActionKind, fmt.Sprintf("action kind %q", action.Kind))
	}
}

func (r *SubAgentRunner) fail(out AgentOutcome, kind, detail string) AgentOutcome {
	out.Status = OutcomeFailed
	out.ErrorKind = kind
	if kind != "" && detail != "" {
		out.Error = kind + ": " + detail
	} else if kind != "" {
		out.Error = kind
	} else {
		out.Error = detail
	}
	out.Events = append(out.Events, StepEvent{At: time.Now(), Type: "outcome", Detail: out.Error})
	r.logger.Warn("sub-agent run failed", "kind", kind, "detail", detail)
	return out
}

func (r *SubAgentRunner) toolDefs(access []string) []ToolDefinition {
	if r.registry == nil || access == nil {
		return nil
	}
	return r.registry.Definitions(access)
}

func askUserDefinition() ToolDefinition {
	return ToolDefinition{
		Name:        AskUserTool,
		Description: "Pause and ask the user a clarifying question. The run parks until they answer.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"question":{"type":"string"}},"required":["question"]}`),
	}
}

func askUserQuestion(args json.RawMessage) string {
	var payload struct {
		Question string `json:"question"`
	}
	_ = json.Unmarshal(args, &payload)
	if payload.Question == "" {
		return "The agent needs more input to continue."
	}
	return payload.Question
}

func lastUserContent(transcript []ChatMessage) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == "user" {
			return transcript[i].Content
		}
	}
	return ""
}
