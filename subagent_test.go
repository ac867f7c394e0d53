package zubot

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func testRunner(reg *Registry, results ...stubResult) (*SubAgentRunner, *stubProvider) {
	stub := &stubProvider{name: "stub", results: results}
	llm := NewLLMClient([]ModelSpec{{
		ID: "m1", Alias: "main", Tier: "low",
		MaxContextTokens: 100000, MaxOutputTokens: 1000,
		Provider: stub,
	}}, "main", LLMBackoff(fastBackoff))
	return NewSubAgentRunner(llm, reg), stub
}

func toolCallResponse(name string, args string) ChatResponse {
	return ChatResponse{ToolCalls: []ToolCall{{ID: "c1", Name: name, Args: json.RawMessage(args)}}}
}

func TestSubAgentRunner_Run_PlainCompletion(t *testing.T) {
	r, stub := testRunner(NewRegistry(), stubResult{resp: ChatResponse{
		Content: "all done",
		Usage:   Usage{InputTokens: 10, OutputTokens: 5},
	}})
	out := r.Run(context.Background(), SubAgentConfig{
		ModelRef:     "main",
		Instructions: "answer briefly",
	}, &ContextState{}, "hello")

	if out.Status != OutcomeSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Text != "all done" || out.Steps != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if out.Usage.InputTokens != 10 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if stub.calls != 1 {
		t.Errorf("provider calls = %d", stub.calls)
	}
}

func TestSubAgentRunner_Run_ToolLoop(t *testing.T) {
	reg := NewRegistry()
	var gotArgs string
	reg.MustRegister(ToolSpec{
		Name: "lookup",
		Handler: func(_ context.Context, args json.RawMessage) (any, error) {
			gotArgs = string(args)
			return map[string]any{"value": "42"}, nil
		},
	})
	r, stub := testRunner(reg,
		stubResult{resp: toolCallResponse("lookup", `{"key":"answer"}`)},
		stubResult{resp: ChatResponse{Content: "the value is 42"}},
	)
	out := r.Run(context.Background(), SubAgentConfig{
		ModelRef:   "main",
		ToolAccess: []string{"lookup"},
	}, &ContextState{}, "look it up")

	if out.Status != OutcomeSuccess || out.Text != "the value is 42" {
		t.Fatalf("outcome = %+v", out)
	}
	if out.ToolCallsUsed != 1 || out.Steps != 2 {
		t.Errorf("tool calls = %d, steps = %d", out.ToolCallsUsed, out.Steps)
	}
	if !strings.Contains(gotArgs, "answer") {
		t.Errorf("handler args = %q", gotArgs)
	}
	if stub.calls != 2 {
		t.Errorf("provider calls = %d", stub.calls)
	}
}

func TestSubAgentRunner_Run_AskUserParksRun(t *testing.T) {
	r, _ := testRunner(NewRegistry(),
		stubResult{resp: toolCallResponse(AskUserTool, `{"question":"which city?"}`)},
	)
	out := r.Run(context.Background(), SubAgentConfig{
		ModelRef:   "main",
		ToolAccess: []string{},
	}, &ContextState{}, "book a flight")

	if out.Status != OutcomeNeedsUserInput {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Question != "which city?" {
		t.Errorf("question = %q", out.Question)
	}
	if out.ToolCallsUsed != 0 {
		t.Errorf("ask_user must not consume the tool budget, used = %d", out.ToolCallsUsed)
	}
}

func TestSubAgentRunner_Run_StepBudget(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(echoSpec("noop"))
	// Every step asks for another tool call; the loop never terminates
	// on its own.
	results := []stubResult{
		{resp: toolCallResponse("noop", `{}`)},
		{resp: toolCallResponse("noop", `{}`)},
	}
	r, _ := testRunner(reg, results...)
	out := r.Run(context.Background(), SubAgentConfig{
		ModelRef:   "main",
		ToolAccess: []string{"noop"},
		MaxSteps:   2,
	}, &ContextState{}, "loop forever")

	if out.Status != OutcomeFailed || out.ErrorKind != KindStepBudget {
		t.Fatalf("outcome = %+v, want step budget failure", out)
	}
	if out.Steps != 3 {
		t.Errorf("steps = %d", out.Steps)
	}
}

func TestSubAgentRunner_Run_ToolCallBudget(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(echoSpec("noop"))
	r, _ := testRunner(reg,
		stubResult{resp: ChatResponse{ToolCalls: []ToolCall{
			{ID: "c1", Name: "noop", Args: json.RawMessage(`{}`)},
			{ID: "c2", Name: "noop", Args: json.RawMessage(`{}`)},
		}}},
	)
	out := r.Run(context.Background(), SubAgentConfig{
		ModelRef:     "main",
		ToolAccess:   []string{"noop"},
		MaxToolCalls: 1,
	}, &ContextState{}, "go")

	if out.Status != OutcomeFailed || out.ErrorKind != KindToolCallBudget {
		t.Fatalf("outcome = %+v, want tool call budget failure", out)
	}
	if out.ToolCallsUsed != 1 {
		t.Errorf("used = %d, want 1", out.ToolCallsUsed)
	}
}

func TestSubAgentRunner_Run_LLMFailure(t *testing.T) {
	r, _ := testRunner(NewRegistry(),
		stubResult{err: &ErrHTTP{Status: 401, Body: "bad key"}},
	)
	out := r.Run(context.Background(), SubAgentConfig{ModelRef: "main"}, &ContextState{}, "hi")
	if out.Status != OutcomeFailed || out.Error == "" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestSubAgentRunner_Run_UnknownModel(t *testing.T) {
	r := NewSubAgentRunner(NewLLMClient(nil, ""), NewRegistry())
	out := r.Run(context.Background(), SubAgentConfig{ModelRef: "ghost"}, &ContextState{}, "hi")
	if out.Status != OutcomeFailed {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestSubAgentRunner_Run_InstructionsBecomeBase(t *testing.T) {
	state := &ContextState{}
	r, _ := testRunner(NewRegistry(), stubResult{resp: ChatResponse{Content: "ok"}})
	r.Run(context.Background(), SubAgentConfig{
		ModelRef:     "main",
		Instructions: "always answer in haiku",
	}, state, "hi")

	if len(state.Base) != 1 || !strings.Contains(state.Base[0].Content, "haiku") {
		t.Errorf("base = %+v, want instructions installed", state.Base)
	}
}

// scriptedPlanner returns a fixed action sequence.
type scriptedPlanner struct {
	actions []AgentAction
	i       int
}

func (p *scriptedPlanner) NextAction(_ context.Context, _ *ContextState, _ []ChatMessage) (AgentAction, error) {
	if p.i >= len(p.actions) {
		return AgentAction{Kind: ActionContinue}, nil
	}
	a := p.actions[p.i]
	p.i++
	return a, nil
}

func TestSubAgentRunner_Run_PlannerRespond(t *testing.T) {
	r, _ := testRunner(NewRegistry())
	planner := &scriptedPlanner{actions: []AgentAction{
		{Kind: ActionRespond, Text: "need the account id"},
	}}
	out := r.Run(context.Background(), SubAgentConfig{
		ModelRef: "main",
		Planner:  planner,
	}, &ContextState{}, "go")

	if out.Status != OutcomeNeedsUserInput || out.Question != "need the account id" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestSubAgentRunner_Run_PlannerToolThenLLM(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(echoSpec("probe"))
	r, stub := testRunner(reg, stubResult{resp: ChatResponse{Content: "done"}})
	planner := &scriptedPlanner{actions: []AgentAction{
		{Kind: ActionTool, ToolName: "probe", Args: json.RawMessage(`{}`)},
		{Kind: ActionLLM, Prompt: "summarize the probe"},
	}}
	out := r.Run(context.Background(), SubAgentConfig{
		ModelRef: "main",
		Planner:  planner,
	}, &ContextState{}, "go")

	if out.Status != OutcomeSuccess || out.Text != "done" {
		t.Fatalf("outcome = %+v", out)
	}
	if out.ToolCallsUsed != 1 || stub.calls != 1 {
		t.Errorf("tool calls = %d, llm calls = %d", out.ToolCallsUsed, stub.calls)
	}
}

func TestSubAgentRunner_Run_PlannerUnknownAction(t *testing.T) {
	r, _ := testRunner(NewRegistry())
	planner := &scriptedPlanner{actions: []AgentAction{{Kind: "teleport"}}}
	out := r.Run(context.Background(), SubAgentConfig{
		ModelRef: "main",
		Planner:  planner,
	}, &ContextState{}, "go")

	if out.Status != OutcomeFailed || out.ErrorKind != KindUnsupportedActionKind {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestSubAgentRunner_Run_Timeout(t *testing.T) {
	r, _ := testRunner(NewRegistry(), stubResult{resp: ChatResponse{Content: "late"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := r.Run(ctx, SubAgentConfig{
		ModelRef: "main",
		Timeout:  10 * time.Millisecond,
	}, &ContextState{}, "hi")

	if out.Status != OutcomeFailed || out.ErrorKind != KindTimeoutBudget {
		t.Fatalf("outcome = %+v, want timeout failure", out)
	}
}

func TestSubAgentConfig_Defaults(t *testing.T) {
	cfg := SubAgentConfig{}
	cfg.applyDefaults()
	if cfg.MaxSteps != DefaultSubAgentMaxSteps ||
		cfg.MaxToolCalls != DefaultSubAgentMaxToolCalls ||
		cfg.Timeout != DefaultSubAgentTimeout {
		t.Errorf("defaults = %+v", cfg)
	}
}
