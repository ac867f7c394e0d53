package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"zubot"
)

// Provider implements zubot.Provider for any OpenAI-compatible API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	logger  *slog.Logger

	temperature *float64
	maxTokens   int
}

var _ zubot.Provider = (*Provider)(nil)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name reported in errors and logs
// (default "openai").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the HTTP client (timeouts, proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// WithTemperature sets the sampling temperature for every request.
func WithTemperature(t float64) ProviderOption {
	return func(p *Provider) { p.temperature = &t }
}

// WithMaxTokens caps the completion length for every request.
func WithMaxTokens(n int) ProviderOption {
	return func(p *Provider) { p.maxTokens = n }
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://openrouter.ai/api/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req zubot.ChatRequest) (zubot.ChatResponse, error) {
	return p.doRequest(ctx, p.buildBody(req, nil))
}

// ChatWithTools sends a request with tool definitions; the response may
// contain tool calls.
func (p *Provider) ChatWithTools(ctx context.Context, req zubot.ChatRequest, tools []zubot.ToolDefinition) (zubot.ChatResponse, error) {
	return p.doRequest(ctx, p.buildBody(req, tools))
}

// ChatStream streams text deltas into ch, then returns the accumulated
// response. ch is closed before returning.
func (p *Provider) ChatStream(ctx context.Context, req zubot.ChatRequest, ch chan<- string) (zubot.ChatResponse, error) {
	body := p.buildBody(req, nil)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return zubot.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return zubot.ChatResponse{}, p.httpErr(resp)
	}

	// streamSSE closes ch when done.
	return streamSSE(ctx, resp.Body, ch)
}

// buildBody converts the runtime request into the wire format.
func (p *Provider) buildBody(req zubot.ChatRequest, tools []zubot.ToolDefinition) ChatRequest {
	body := ChatRequest{
		Model:       p.model,
		Messages:    make([]Message, 0, len(req.Messages)),
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}
	for _, m := range req.Messages {
		msg := Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCallRequest{
				ID:   tc.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		body.Messages = append(body.Messages, msg)
	}
	for _, t := range tools {
		body.Tools = append(body.Tools, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return body
}

// doRequest sends a non-streaming request and parses the response.
func (p *Provider) doRequest(ctx context.Context, body ChatRequest) (zubot.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return zubot.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return zubot.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return zubot.ChatResponse{}, &zubot.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return p.parseResponse(chatResp)
}

// parseResponse converts the wire response into the runtime shape.
func (p *Provider) parseResponse(resp ChatResponse) (zubot.ChatResponse, error) {
	if resp.Error != nil {
		return zubot.ChatResponse{}, &zubot.ErrLLM{Provider: p.name, Message: resp.Error.Message}
	}
	if len(resp.Choices) == 0 {
		return zubot.ChatResponse{}, &zubot.ErrLLM{Provider: p.name, Message: "empty choices in response"}
	}

	choice := resp.Choices[0]
	out := zubot.ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, zubot.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	if resp.Usage != nil {
		out.Usage = zubot.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// sendHTTP marshals the request body and sends it to the chat completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &zubot.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &zubot.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	if p.logger != nil {
		p.logger.Debug("openaicompat: request", "model", p.model, "url", url, "bytes", len(payload))
	}
	return p.client.Do(httpReq)
}

// httpErr builds an ErrHTTP from a non-200 response, carrying the
// Retry-After header when the server sent one.
func (p *Provider) httpErr(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	e := &zubot.ErrHTTP{Status: resp.StatusCode, Body: string(data)}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}
