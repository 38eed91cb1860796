package executors

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/actrun/pkg/schema"
)

// Backoff strategies.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy controls how an executor retries a transient upstream failure.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
	Backoff     string
}

// DefaultRetryPolicy retries three times with exponential backoff from 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delay:       500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Backoff:     BackoffExponential,
	}
}

// retryable is implemented by errors that know whether they are transient.
type retryable interface {
	Retryable() bool
}

// IsRetryableError classifies whether an upstream error should be retried.
// Network errors and deadlines are retried; cancellation, validation errors
// and anything that reports itself as permanent are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var actErr *schema.ActError
	if errors.As(err, &actErr) {
		return actErr.IsRetryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
		"rate limit",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ComputeBackoff returns the delay before retry number attempt (0-based),
// capped at MaxDelay.
func ComputeBackoff(p RetryPolicy, attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	var delay time.Duration
	switch p.Backoff {
	case BackoffExponential:
		delay = p.Delay << min(attempt, 30)
	case BackoffLinear:
		delay = p.Delay * time.Duration(attempt+1)
	default:
		delay = p.Delay
	}
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or until ctx is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resilience wraps upstream calls with a circuit breaker and retries.
type Resilience struct {
	Policy   RetryPolicy
	Breakers *CircuitBreakerRegistry
}

// NewResilience returns a Resilience with the default policy and breaker
// configuration.
func NewResilience() *Resilience {
	return &Resilience{
		Policy:   DefaultRetryPolicy(),
		Breakers: NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig()),
	}
}

// Do calls fn until it succeeds, fails permanently or runs out of attempts.
// key names the upstream for the breaker. Only transient failures count
// against the breaker.
func (r *Resilience) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if r == nil {
		return fn(ctx)
	}
	attempts := max(r.Policy.MaxAttempts, 1)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if r.Breakers != nil {
			if err := r.Breakers.AllowRequest(key); err != nil {
				return err
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			if r.Breakers != nil {
				r.Breakers.RecordSuccess(key)
			}
			return nil
		}
		if !IsRetryableError(lastErr) {
			return lastErr
		}
		if r.Breakers != nil {
			r.Breakers.RecordFailure(key)
		}
		if attempt == attempts-1 {
			break
		}
		if err := WaitForBackoff(ctx, ComputeBackoff(r.Policy, attempt)); err != nil {
			return err
		}
	}
	return schema.NewErrorf(schema.ErrCodeRetryExhausted, "%s: %d attempts failed: %s", key, attempts, lastErr.Error()).
		WithCause(lastErr).
		WithDetails(map[string]any{"upstream": key, "attempts": attempts})
}
