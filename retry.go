package zubot

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"syscall"
	"time"
)

// DefaultBackoff is the delay schedule between retry attempts. Attempt n
// waits DefaultBackoff[n-1]; attempts past the schedule reuse the last entry.
var DefaultBackoff = []time.Duration{time.Second, 3 * time.Second, 5 * time.Second}

// retryableStatuses are the HTTP statuses treated as transient.
var retryableStatuses = map[int]bool{
	408: true, 425: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// retryProvider wraps a Provider and automatically retries transient
// failures (retryable HTTP statuses, DNS errors, socket-level errors)
// with a fixed backoff schedule plus jitter.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	backoff     []time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger  // nil = nopLogger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBackoff sets the per-attempt delay schedule (default: 1s, 3s, 5s).
func RetryBackoff(schedule []time.Duration) RetryOption {
	return func(r *retryProvider) {
		if len(schedule) > 0 {
			r.backoff = schedule
		}
	}
}

// RetryTimeout sets the overall timeout for the entire retry sequence.
// The zero value (default) disables the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. When set, retries
// log at WARN level and final failures after exhausting attempts log at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient errors. When the
// error includes a Retry-After duration (parsed from the HTTP header),
// the retry delay is at least that long.
//
//	llm = zubot.WithRetry(openaicompat.NewProvider(key, model, baseURL))
//	llm = zubot.WithRetry(p, zubot.RetryMaxAttempts(5))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		backoff:     DefaultBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.maxAttempts = effectiveAttempts(r.maxAttempts, r.backoff)
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// effectiveAttempts widens the attempt budget so a backoff schedule
// longer than the configured attempts gets every delay used: one
// attempt per scheduled delay plus the first call.
func effectiveAttempts(maxAttempts int, schedule []time.Duration) int {
	if n := len(schedule) + 1; n > maxAttempts {
		return n
	}
	return maxAttempts
}

// Name delegates to the inner provider.
func (r *retryProvider) Name() string { return r.inner.Name() }

// Chat implements Provider with retry.
func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.backoff, r.inner.Name(), r.logger, func() (ChatResponse, error) {
		return r.inner.Chat(ctx, req)
	})
}

// ChatWithTools implements Provider with retry.
func (r *retryProvider) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.backoff, r.inner.Name(), r.logger, func() (ChatResponse, error) {
		return r.inner.ChatWithTools(ctx, req, tools)
	})
}

// ChatStream implements Provider with retry. Retries are only performed
// if no tokens have been written to ch yet; once streaming has started,
// errors pass through immediately to avoid sending duplicate content.
func (r *retryProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	defer close(ch)
	var lastErr error
	for i := 0; i < r.maxAttempts; i++ {
		mid := make(chan string, 64)
		var (
			resp      ChatResponse
			streamErr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, streamErr = r.inner.ChatStream(ctx, req, mid)
		}()

		var tokensSent bool
		for tok := range mid {
			tokensSent = true
			ch <- tok
		}
		<-done

		if streamErr == nil || !IsRetryable(streamErr) || tokensSent {
			return resp, streamErr
		}

		lastErr = streamErr
		r.logger.Warn("retrying transient error",
			"provider", r.inner.Name(),
			"status", statusOf(streamErr),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			if err := sleepBackoff(ctx, r.backoff, i, streamErr); err != nil {
				return ChatResponse{}, err
			}
		}
	}
	r.logger.Error("all retry attempts exhausted (stream)",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", lastErr)
	return ChatResponse{}, lastErr
}

// withTimeout returns a child context with a deadline if r.timeout is set.
// If timeout is zero or ctx already has an earlier deadline, returns ctx unchanged.
func (r *retryProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// IsRetryable reports whether err is transient: a retryable HTTP status
// (408, 425, 429, 500, 502, 503, 504), a DNS resolution failure, or a
// socket-level error (connection refused/reset, broken pipe, timeouts).
func IsRetryable(err error) bool {
	var h *ErrHTTP
	if errors.As(err, &h) {
		return retryableStatuses[h.Status]
	}
	var dns *net.DNSError
	if errors.As(err, &dns) {
		return true
	}
	var op *net.OpError
	if errors.As(err, &op) {
		return true
	}
	var sys *os.SyscallError
	if errors.As(err, &sys) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return false
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using the backoff
// schedule as a floor and the server's Retry-After value (if present) as a
// minimum. The effective delay is max(schedule delay, retryAfter).
func retryDelay(schedule []time.Duration, i int, err error) time.Duration {
	d := scheduleDelay(schedule, i)
	if ra := retryAfterOf(err); ra > d {
		return ra
	}
	return d
}

// scheduleDelay returns the schedule entry for retry i (0-indexed),
// reusing the last entry past the end, plus up to 25% random jitter.
func scheduleDelay(schedule []time.Duration, i int) time.Duration {
	if len(schedule) == 0 {
		schedule = DefaultBackoff
	}
	if i >= len(schedule) {
		i = len(schedule) - 1
	}
	d := schedule[i]
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// sleepBackoff waits the computed delay or returns early on ctx cancel.
func sleepBackoff(ctx context.Context, schedule []time.Duration, i int, err error) error {
	timer := time.NewTimer(retryDelay(schedule, i, err))
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryCall calls fn up to maxAttempts times, sleeping between transient failures.
func retryCall[T any](ctx context.Context, maxAttempts int, schedule []time.Duration, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !IsRetryable(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"provider", name,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", maxAttempts)
		if i < maxAttempts-1 {
			if serr := sleepBackoff(ctx, schedule, i, err); serr != nil {
				return zero, serr
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"provider", name,
		"attempts", maxAttempts,
		"error", last)
	return zero, last
}

var _ Provider = (*retryProvider)(nil)
