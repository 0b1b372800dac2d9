package processors

import (
	"sync"
	"time"

	"github.com/rendis/tagflow/pkg/schema"
)

// CircuitState is the state of one stream's breaker.
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

// BreakerConfig configures when a breaker opens and how it recovers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a test call is let through.
	Cooldown time.Duration
	// HalfOpenMax is the number of test calls allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig: open after 5 failures, retry after 30s, one test call.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
}

// Breakers keeps one circuit breaker per archive stream.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a breaker set with the given config.
func NewBreakers(config BreakerConfig) *Breakers {
	return &Breakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil when a call to stream may proceed, or a STORE_ERROR
// while its circuit is open.
func (b *Breakers) Allow(stream string) error {
	cb := b.get(stream)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		since := b.now().Sub(cb.lastFailure)
		if since >= b.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeStore,
			"archive stream %q circuit open after %d consecutive failures", stream, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"stream":             stream,
				"state":              cb.state.String(),
				"cooldown_remaining": (b.config.Cooldown - since).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeStore, "archive stream %q circuit half-open: test call in flight", stream)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// Success closes stream's circuit.
func (b *Breakers) Success(stream string) {
	cb := b.get(stream)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// Failure records a failed call and returns the resulting state. Any
// failure while half-open reopens the circuit.
func (b *Breakers) Failure(stream string) CircuitState {
	cb := b.get(stream)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailure = b.now()
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= b.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns stream's current state.
func (b *Breakers) State(stream string) CircuitState {
	cb := b.get(stream)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && b.now().Sub(cb.lastFailure) >= b.config.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

func (b *Breakers) get(stream string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[stream]
	if !ok {
		cb = &breaker{}
		b.breakers[stream] = cb
	}
	return cb
}
