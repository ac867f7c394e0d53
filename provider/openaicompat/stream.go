package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"zubot"
)

// streamSSE reads an SSE stream of chat completion chunks, sending text
// deltas into ch and accumulating the final response. ch is closed when
// the stream ends or errors.
func streamSSE(ctx context.Context, body io.Reader, ch chan<- string) (zubot.ChatResponse, error) {
	defer close(ch)

	var out zubot.ChatResponse
	var content strings.Builder
	// tool call deltas arrive fragmented; index-keyed accumulation
	calls := map[int]*zubot.ToolCall{}
	callArgs := map[int]*strings.Builder{}
	maxIdx := -1

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // tolerate keep-alive noise between frames
		}
		if chunk.Usage != nil {
			out.Usage = zubot.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content != "" {
				content.WriteString(c.Delta.Content)
				ch <- c.Delta.Content
			}
			if c.FinishReason != "" {
				out.FinishReason = c.FinishReason
			}
			for i, tc := range c.Delta.ToolCalls {
				idx := i
				if idx > maxIdx {
					maxIdx = idx
				}
				if calls[idx] == nil {
					calls[idx] = &zubot.ToolCall{}
					callArgs[idx] = &strings.Builder{}
				}
				if tc.ID != "" {
					calls[idx].ID = tc.ID
				}
				if tc.Function.Name != "" {
					calls[idx].Name = tc.Function.Name
				}
				callArgs[idx].WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return out, err
	}

	out.Content = content.String()
	for idx := 0; idx <= maxIdx; idx++ {
		if tc := calls[idx]; tc != nil {
			tc.Args = json.RawMessage(callArgs[idx].String())
			out.ToolCalls = append(out.ToolCalls, *tc)
		}
	}
	return out, nil
}
