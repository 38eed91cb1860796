package executors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/actrun/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"github 502", &GitHubError{Status: http.StatusBadGateway}, true},
		{"github 429", &GitHubError{Status: http.StatusTooManyRequests}, true},
		{"github 422", &GitHubError{Status: http.StatusUnprocessableEntity}, false},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad"), false},
		{"upstream", schema.NewError(schema.ErrCodeUpstream, "down"), true},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "open"), false},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"unknown", errors.New("invalid prompt"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	p := RetryPolicy{Delay: 100 * time.Millisecond, MaxDelay: time.Second, Backoff: BackoffExponential}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(p, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(p, 1))
	assert.Equal(t, 800*time.Millisecond, ComputeBackoff(p, 3))
	assert.Equal(t, time.Second, ComputeBackoff(p, 4))
	assert.Equal(t, time.Second, ComputeBackoff(p, 100))

	p.Backoff = BackoffLinear
	assert.Equal(t, 300*time.Millisecond, ComputeBackoff(p, 2))

	p.Backoff = BackoffConstant
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(p, 5))

	assert.Zero(t, ComputeBackoff(RetryPolicy{}, 3))
}

func TestWaitForBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
	assert.NoError(t, WaitForBackoff(ctx, 0))
}

func TestResilience_StopsOnPermanentError(t *testing.T) {
	r := testResilience()
	calls := 0
	err := r.Do(context.Background(), "github", func(context.Context) error {
		calls++
		return &GitHubError{Status: http.StatusForbidden, Message: "forbidden"}
	})
	var gh *GitHubError
	require.ErrorAs(t, err, &gh)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitClosed, r.Breakers.State("github"))
}

func TestResilience_OpenCircuitRejects(t *testing.T) {
	r := &Resilience{
		Policy:   RetryPolicy{MaxAttempts: 2},
		Breakers: NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}),
	}
	calls := 0
	transient := func(context.Context) error {
		calls++
		return errors.New("bad gateway")
	}

	err := r.Do(context.Background(), "image:m", transient)
	assert.True(t, schema.HasCode(err, schema.ErrCodeRetryExhausted))
	assert.Equal(t, CircuitOpen, r.Breakers.State("image:m"))

	err = r.Do(context.Background(), "image:m", transient)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))
	assert.Equal(t, 2, calls)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMax: 1})
	r.now = func() time.Time { return now }

	assert.Equal(t, CircuitOpen, r.RecordFailure("github"))
	assert.True(t, schema.HasCode(r.AllowRequest("github"), schema.ErrCodeCircuitOpen))

	now = now.Add(time.Minute)
	assert.Equal(t, CircuitHalfOpen, r.State("github"))
	require.NoError(t, r.AllowRequest("github"))
	assert.True(t, schema.HasCode(r.AllowRequest("github"), schema.ErrCodeCircuitOpen), "second trial request rejected")

	r.RecordSuccess("github")
	stats := r.Stats("github")
	assert.Equal(t, CircuitClosed, stats.State)
	assert.Equal(t, "closed", stats.StateName)
	assert.Zero(t, stats.ConsecutiveFailures)
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 3, Cooldown: time.Second})
	r.now = func() time.Time { return now }

	for range 3 {
		r.RecordFailure("k")
	}
	now = now.Add(2 * time.Second)
	require.NoError(t, r.AllowRequest("k"))
	assert.Equal(t, CircuitOpen, r.RecordFailure("k"))
}
