package zubot

import (
	"context"
	"sync"
	"time"
)

// rateLimitedProvider wraps a Provider with proactive rate limiting.
// Calls block until the per-minute budgets allow them to proceed.
type rateLimitedProvider struct {
	inner Provider
	mu    sync.Mutex

	// Sliding window of request timestamps for the RPM budget.
	rpm      int
	requests []time.Time

	// Sliding window of (timestamp, tokens) for the TPM budget.
	tpm    int
	spends []tokenSpend
}

type tokenSpend struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures WithRateLimit.
type RateLimitOption func(*rateLimitedProvider)

// RPM caps requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitedProvider) { r.rpm = n }
}

// TPM caps tokens per minute, input plus output, as reported by
// ChatResponse.Usage. Soft limit: the request that crosses the budget
// completes, later requests block until the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitedProvider) { r.tpm = n }
}

// WithRateLimit wraps p with proactive rate limiting.
//
//	p = zubot.WithRateLimit(provider, zubot.RPM(60))
//	p = zubot.WithRateLimit(provider, zubot.RPM(60), zubot.TPM(100000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitedProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitedProvider) Name() string { return r.inner.Name() }

func (r *rateLimitedProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

func (r *rateLimitedProvider) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.ChatWithTools(ctx, req, tools)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

func (r *rateLimitedProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		close(ch)
		return ChatResponse{}, err
	}
	resp, err := r.inner.ChatStream(ctx, req, ch)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

// waitForBudget blocks until both budgets have room, or ctx ends.
func (r *rateLimitedProvider) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		r.requests = pruneRequests(r.requests, cutoff)
		r.spends = pruneSpends(r.spends, cutoff)

		rpmOK := r.rpm <= 0 || len(r.requests) < r.rpm
		tpmOK := true
		if r.tpm > 0 {
			var total int
			for _, s := range r.spends {
				total += s.tokens
			}
			tpmOK = total < r.tpm
		}

		if rpmOK && tpmOK {
			if r.rpm > 0 {
				r.requests = append(r.requests, now)
			}
			r.mu.Unlock()
			return nil
		}

		// Sleep until the oldest entry of the blocking window expires.
		var wait time.Duration
		if !rpmOK && len(r.requests) > 0 {
			wait = r.requests[0].Add(time.Minute).Sub(now)
		}
		if !tpmOK && len(r.spends) > 0 {
			w := r.spends[0].at.Add(time.Minute).Sub(now)
			if wait == 0 || w < wait {
				wait = w
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *rateLimitedProvider) recordUsage(u Usage) {
	if r.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.spends = append(r.spends, tokenSpend{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

func pruneRequests(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

func pruneSpends(s []tokenSpend, cutoff time.Time) []tokenSpend {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

var _ Provider = (*rateLimitedProvider)(nil)
