// Package circuitbreaker guards calls to external dependencies with a
// tri-state breaker.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker state
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
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker short-circuits a call
var ErrCircuitOpen = errors.New("circuit breaker is open")

// FallbackStrategy names the degradation applied when a protected call
// cannot run.
type FallbackStrategy string

const (
	FallbackReturnRetrievalOnly FallbackStrategy = "RETURN_RETRIEVAL_ONLY"
	FallbackUseKeywordSearch    FallbackStrategy = "USE_KEYWORD_SEARCH"
	FallbackSuggestRefinement   FallbackStrategy = "SUGGEST_REFINEMENT"
	FallbackReturnCached        FallbackStrategy = "RETURN_CACHED"
	FallbackReturnPartial       FallbackStrategy = "RETURN_PARTIAL"
)

// Config holds breaker thresholds
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // consecutive half-open successes before closing
	Timeout          time.Duration // open duration before probing half-open
	OnStateChange    func(from, to State)
}

// DefaultConfig returns the standard thresholds: open after 5 failures,
// close after 2 half-open successes, probe after 60 s.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

// Counts is a snapshot of breaker statistics
type Counts struct {
	Requests   int64 `json:"requests"`
	Successes  int64 `json:"successes"`
	Failures   int64 `json:"failures"`
	Rejections int64 `json:"rejections"`
}

// CircuitBreaker serializes state transitions under a mutex so observers
// always see a consistent state.
type CircuitBreaker struct {
	config *Config

	mutex                sync.Mutex
	state                State
	openedAt             time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
	counts               Counts
	now                  func() time.Time
}

// New creates a breaker in the closed state
func New(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs fn under breaker protection. When the breaker is open the
// call is rejected with ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterCall(err)
	return err
}

// State returns the current state, applying the open→half-open timeout
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.currentState()
}

// Stats returns a snapshot of request counters
func (cb *CircuitBreaker) Stats() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.counts
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.currentState() == StateOpen {
		cb.counts.Rejections++
		return ErrCircuitOpen
	}
	cb.counts.Requests++
	return nil
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if err != nil {
		cb.counts.Failures++
		cb.consecutiveSuccesses = 0
		cb.consecutiveFailures++

		switch cb.currentState() {
		case StateHalfOpen:
			cb.transition(StateOpen)
		case StateClosed:
			if cb.consecutiveFailures >= cb.config.FailureThreshold {
				cb.transition(StateOpen)
			}
		}
		return
	}

	cb.counts.Successes++
	cb.consecutiveFailures = 0
	if cb.currentState() == StateHalfOpen {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

// currentState resolves the open→half-open timeout; callers must hold the
// mutex.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		cb.transition(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to

	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
		cb.consecutiveSuccesses = 0
	case StateClosed, StateHalfOpen:
		cb.consecutiveFailures = 0
		cb.consecutiveSuccesses = 0
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}
