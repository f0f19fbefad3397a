package engine

import (
	"sync"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// CircuitState represents the state of a capability circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
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

// CircuitBreakerConfig configures the per-capability breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed calls before the
	// capability is reported unavailable.
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	// Cooldown is how long the circuit stays open before a probe call is let through.
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	// HalfOpenMax is the number of probe calls allowed in half-open state.
	HalfOpenMax int `mapstructure:"half_open_max" yaml:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns the default breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry tracks one breaker per capability. A capability
// whose breaker is open is reported unavailable to the oracle and its calls
// fail fast with CAPABILITY_UNAVAILABLE.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[schema.Capability]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry. Zero config fields take defaults.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[schema.Capability]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest returns nil when a call to the capability may proceed.
func (r *CircuitBreakerRegistry) AllowRequest(c schema.Capability) error {
	cb := r.getOrCreate(c)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCapabilityUnavailable,
			"capability %q is failing: %d consecutive failures", c, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"capability":           string(c),
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCapabilityUnavailable,
				"capability %q is recovering: probe call in flight", c)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the capability's circuit.
func (r *CircuitBreakerRegistry) RecordSuccess(c schema.Capability) {
	cb := r.getOrCreate(c)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failed call and returns the new state.
func (r *CircuitBreakerRegistry) RecordFailure(c schema.Capability) CircuitState {
	cb := r.getOrCreate(c)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the capability's state, moving open circuits whose
// cooldown elapsed to half-open.
func (r *CircuitBreakerRegistry) GetState(c schema.Capability) CircuitState {
	cb := r.getOrCreate(c)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// Status reports whether the capability is currently usable and how many
// calls to it failed in a row.
func (r *CircuitBreakerRegistry) Status(c schema.Capability) (available bool, failures int) {
	state := r.GetState(c)
	cb := r.getOrCreate(c)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return state != CircuitOpen, cb.consecutiveFailures
}

func (r *CircuitBreakerRegistry) getOrCreate(c schema.Capability) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[c]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[c] = cb
	}
	return cb
}
