// Package circuitbreaker protects the gateway from a downed upstream by
// failing fast once consecutive failures cross a threshold.
//
// States:
//   - Closed: normal operation, calls pass through
//   - Open: upstream unhealthy, calls fail immediately
//   - Half-Open: testing recovery, limited calls allowed
//
// Implementations:
//   - InMemoryBreaker: single instance, sync.RWMutex
//   - RedisBreaker: distributed, Lua scripts for atomic transitions
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/rmachado/aoai-gateway/internal/domain"
	"github.com/rmachado/aoai-gateway/internal/metrics"
)

// CircuitBreaker gates calls to the upstream.
type CircuitBreaker interface {
	// Allow returns nil when a call may proceed, ErrCircuitBreakerOpen
	// when the circuit is open.
	Allow(ctx context.Context) error

	// RecordSuccess notes a healthy upstream response. In half-open
	// state, enough successes close the circuit.
	RecordSuccess(ctx context.Context)

	// RecordFailure notes an upstream failure. Enough failures open the
	// circuit.
	RecordFailure(ctx context.Context)

	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int           // failures before opening
	SuccessThreshold int           // successes to close from half-open
	Timeout          time.Duration // time before probing with half-open
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// InMemoryBreaker tracks upstream health in process memory.
type InMemoryBreaker struct {
	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
}

func NewInMemory(cfg Config) *InMemoryBreaker {
	return &InMemoryBreaker{
		state:  StateClosed,
		config: cfg,
	}
}

func (cb *InMemoryBreaker) Allow(ctx context.Context) error {
	cb.mu.RLock()
	state := cb.state
	lastFailure := cb.lastFailure
	cb.mu.RUnlock()

	switch state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(lastFailure) > cb.config.Timeout {
			cb.mu.Lock()
			if cb.state == StateOpen {
				cb.state = StateHalfOpen
				cb.successes = 0
				metrics.SetCircuitBreakerState(gaugeValue(StateHalfOpen))
			}
			cb.mu.Unlock()
			return nil
		}
		return domain.ErrCircuitBreakerOpen
	case StateHalfOpen:
		return nil
	}

	return nil
}

func (cb *InMemoryBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			metrics.SetCircuitBreakerState(gaugeValue(StateClosed))
		}
	}
}

func (cb *InMemoryBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
			metrics.SetCircuitBreakerState(gaugeValue(StateOpen))
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
		metrics.SetCircuitBreakerState(gaugeValue(StateOpen))
	}
}

// gaugeValue maps states onto the exported gauge: 0 closed, 1 half-open,
// 2 open.
func gaugeValue(s State) int {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

func (cb *InMemoryBreaker) State(ctx context.Context) State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *InMemoryBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}
