package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"collabmesh/pkg/metrics"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker. The numeric values
// are what the breaker_state gauge reports.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes needed to close the circuit from half-open
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing again
	Timeout time.Duration
	// MaxRequests caps concurrent probes while half-open
	MaxRequests int
}

// DefaultCircuitBreakerConfig suits document stores: a flaky database gets
// thirty seconds of rest after five failed writes.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxRequests:      3,
	}
}

// Option customizes a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// WithLogger logs every state transition.
func WithLogger(l *zap.Logger) Option {
	return func(cb *CircuitBreaker) { cb.logger = l }
}

// CircuitBreaker stops calling a failing dependency for a while and then
// probes it with a limited number of requests.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	clock  clock.Clock
	logger *zap.Logger

	mu               sync.Mutex
	state            CircuitState
	failures         int
	successes        int
	halfOpenRequests int
	openedAt         time.Time
	lastFailure      time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		config: config,
		clock:  clock.New(),
		logger: zap.NewNop(),
		state:  CircuitClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(CircuitClosed))
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state, moving an expired open circuit to half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked()
}

func (cb *CircuitBreaker) currentStateLocked() CircuitState {
	if cb.state == CircuitOpen && cb.clock.Since(cb.openedAt) >= cb.config.Timeout {
		cb.transitionLocked(CircuitHalfOpen)
	}
	return cb.state
}

// Execute runs fn unless the circuit is open. A cancelled context is
// returned without calling fn and without counting as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentStateLocked() {
	case CircuitOpen:
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxRequests {
			return ErrCircuitOpen
		}
		cb.halfOpenRequests++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentStateLocked()
	if state == CircuitHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}

	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = cb.clock.Now()
		if state == CircuitHalfOpen || cb.failures >= cb.config.FailureThreshold {
			cb.transitionLocked(CircuitOpen)
		}
		return
	}

	switch state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionLocked(CircuitClosed)
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.halfOpenRequests = 0
	cb.successes = 0
	switch to {
	case CircuitOpen:
		cb.openedAt = cb.clock.Now()
	case CircuitClosed:
		cb.failures = 0
	}

	metrics.BreakerState.WithLabelValues(cb.name).Set(float64(to))
	cb.logger.Warn("Circuit breaker state changed",
		zap.String("breaker", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// Reset closes the circuit and forgets past failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(CircuitClosed)
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
}

// Stats is a point-in-time view for health reports.
type Stats struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:        cb.name,
		State:       cb.currentStateLocked().String(),
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
	}
}
