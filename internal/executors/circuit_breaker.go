package executors

import (
	"sync"
	"time"

	"github.com/rendis/actrun/pkg/schema"
)

// CircuitState is the state of one upstream's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures every breaker in a registry.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before letting a trial request through.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial requests allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig opens after five failures for thirty seconds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// CircuitStats is a snapshot of one breaker.
type CircuitStats struct {
	Key                 string       `json:"key"`
	State               CircuitState `json:"-"`
	StateName           string       `json:"state"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastFailure         time.Time    `json:"lastFailure,omitzero"`
}

type breaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	trials      int
}

// CircuitBreakerRegistry keeps one breaker per upstream key, such as
// "github" or "image:<model>".
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest returns nil when a call to key may proceed, or a CIRCUIT_OPEN
// error while the breaker is open.
func (r *CircuitBreakerRegistry) AllowRequest(key string) error {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		elapsed := r.now().Sub(b.lastFailure)
		if elapsed < r.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for %q after %d consecutive failures", key, b.failures).
				WithDetails(map[string]any{
					"upstream":           key,
					"cooldownRemaining":  (r.config.Cooldown - elapsed).String(),
					"consecutiveFailure": b.failures,
				})
		}
		b.state = CircuitHalfOpen
		b.trials = 1
		return nil
	case CircuitHalfOpen:
		if b.trials >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for %q: trial request in flight", key)
		}
		b.trials++
	}
	return nil
}

// RecordSuccess closes the breaker for key.
func (r *CircuitBreakerRegistry) RecordSuccess(key string) {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.failures = 0
	b.trials = 0
}

// RecordFailure counts a failure for key and returns the resulting state.
// A failed trial request reopens the circuit immediately.
func (r *CircuitBreakerRegistry) RecordFailure(key string) CircuitState {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = r.now()
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

// State returns the current state for key.
func (r *CircuitBreakerRegistry) State(key string) CircuitState {
	return r.Stats(key).State
}

// Stats returns a snapshot of the breaker for key.
func (r *CircuitBreakerRegistry) Stats(key string) CircuitStats {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.state
	if state == CircuitOpen && r.now().Sub(b.lastFailure) >= r.config.Cooldown {
		state = CircuitHalfOpen
	}
	return CircuitStats{
		Key:                 key,
		State:               state,
		StateName:           state.String(),
		ConsecutiveFailures: b.failures,
		LastFailure:         b.lastFailure,
	}
}

func (r *CircuitBreakerRegistry) get(key string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{}
		r.breakers[key] = b
	}
	return b
}
