package florin

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"time"

	"github.com/shopspring/decimal"
)

// retryProvider wraps a Provider and automatically retries transient errors
// (429, 5xx, connection failures) with exponential backoff.
type retryProvider struct {
	inner       Provider
	name        string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryMaxDelay caps a single backoff sleep (default: 10s).
func RetryMaxDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.maxDelay = d }
}

// RetryTimeout sets the overall timeout for the entire retry sequence. The
// zero value (default) disables it.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN, final failures at ERROR. Unset means no output.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient errors. Retries use
// exponential backoff with jitter; a Retry-After duration parsed from the
// response acts as a floor on the delay.
func WithRetry(p Provider, name string, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		name:        name,
		maxAttempts: 3,
		baseDelay:   time.Second,
		maxDelay:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

func (r *retryProvider) CountCost(model string, u Usage) decimal.Decimal {
	return r.inner.CountCost(model, u)
}

// StreamTurn implements Provider with retry. Retries happen only while no
// events have reached onEvent yet; once streaming has started, errors pass
// through immediately to avoid duplicating content.
func (r *retryProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (*TurnResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var last error
	for i := 0; i < r.maxAttempts; i++ {
		var sent bool
		wrapped := func(ev StreamEvent) {
			sent = true
			if onEvent != nil {
				onEvent(ev)
			}
		}

		resp, err := r.inner.StreamTurn(ctx, req, wrapped)
		if err == nil || !isTransient(err) || sent {
			return resp, err
		}

		last = err
		r.logger.Warn("retrying transient error",
			"provider", r.name,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			if err := sleepRetry(ctx, retryDelay(r.baseDelay, r.maxDelay, i, last)); err != nil {
				return nil, err
			}
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"provider", r.name,
		"attempts", r.maxAttempts,
		"error", last)
	return nil, last
}

// withTimeout returns a child context with a deadline if r.timeout is set
// and ctx does not already carry an earlier one.
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

const retryMaxDelayDefault = 10 * time.Second

// RetryCall calls fn up to maxAttempts times, sleeping between transient
// failures. Non-transient errors return immediately.
func RetryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	if logger == nil {
		logger = nopLogger
	}
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"provider", name,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", maxAttempts)
		if i < maxAttempts-1 {
			if err := sleepRetry(ctx, retryDelay(base, retryMaxDelayDefault, i, last)); err != nil {
				return zero, err
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"provider", name,
		"attempts", maxAttempts,
		"error", last)
	return zero, last
}

func sleepRetry(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isTransient reports whether err is worth retrying: rate limits, server
// errors, provider overload, network timeouts.
func isTransient(err error) bool {
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		return httpErr.Status == 429 || httpErr.Status == 408 || httpErr.Status >= 500
	}
	var llmErr *ErrLLM
	if errors.As(err, &llmErr) {
		return llmErr.Message == "overloaded_error" || llmErr.Message == "api_error"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
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

// retryDelay computes the delay before retry attempt i: exponential backoff
// as the base, the server's Retry-After (if any) as a floor.
func retryDelay(base, max time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, max, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed): base * 2^i with
// +/-25% jitter, capped at max.
func retryBackoff(base, max time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	if exp > max {
		exp = max
	}
	jittered := time.Duration(float64(exp) * (0.75 + rand.Float64()*0.5))
	if jittered > max {
		jittered = max
	}
	return jittered
}

var _ Provider = (*retryProvider)(nil)
