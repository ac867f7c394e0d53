package zubot

import (
	"encoding/json"
	"math"
)

// Token accounting is heuristic on purpose: budgets must be stable and
// model-independent, so the runtime divides byte length by 3.6 instead
// of shipping a tokenizer per model.
const (
	charsPerToken     = 3.6
	messageFraming    = 6
	fillMediumRatio   = 0.70
	fillHighRatio     = 0.85
	fillCriticalRatio = 0.95
)

// EstimateTextTokens estimates tokens for a text, never less than 1.
// Rounds up so short strings are not undercounted.
func EstimateTextTokens(text string) int {
	n := int(math.Ceil(float64(len(text)) / charsPerToken))
	if n < 1 {
		return 1
	}
	return n
}

// EstimateMessageTokens adds per-message framing overhead.
func EstimateMessageTokens(msg ChatMessage) int {
	total := EstimateTextTokens(msg.Content) + messageFraming
	for _, tc := range msg.ToolCalls {
		total += EstimateTextTokens(tc.Name) + EstimateTextTokens(string(tc.Args))
	}
	return total
}

// EstimateMessagesTokens sums framing-inclusive estimates.
func EstimateMessagesTokens(msgs []ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessageTokens(m)
	}
	return total
}

// EstimatePayloadTokens serializes v as compact JSON and estimates that.
func EstimatePayloadTokens(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 1
	}
	return EstimateTextTokens(string(data))
}

// TokenBudget is the input-budget picture for one assembled request.
type TokenBudget struct {
	MaxContextTokens  int     `json:"max_context_tokens"`
	MaxOutputTokens   int     `json:"max_output_tokens"`
	AvailableForInput int     `json:"available_for_input"`
	UsedTokens        int     `json:"used_tokens"`
	Remaining         int     `json:"remaining"`
	FillRatio         float64 `json:"fill_ratio"`
	FillLevel         string  `json:"fill_level"` // "ok", "medium", "high", "critical"
	WithinBudget      bool    `json:"within_budget"`
}

// ComputeBudget evaluates used input tokens against a model's window,
// reserving the output allowance.
func ComputeBudget(maxContext, maxOutput, used int) TokenBudget {
	available := maxContext - maxOutput
	if available < 0 {
		available = 0
	}
	b := TokenBudget{
		MaxContextTokens:  maxContext,
		MaxOutputTokens:   maxOutput,
		AvailableForInput: available,
		UsedTokens:        used,
		Remaining:         available - used,
		WithinBudget:      used <= available,
	}
	if available > 0 {
		b.FillRatio = float64(used) / float64(available)
	} else if used > 0 {
		b.FillRatio = 1
	}
	switch {
	case b.FillRatio < fillMediumRatio:
		b.FillLevel = "ok"
	case b.FillRatio < fillHighRatio:
		b.FillLevel = "medium"
	case b.FillRatio < fillCriticalRatio:
		b.FillLevel = "high"
	default:
		b.FillLevel = "critical"
	}
	return b
}
