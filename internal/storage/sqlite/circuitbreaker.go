package sqlite

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
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

// ErrCircuitOpen is returned while the breaker is rejecting store calls.
var ErrCircuitOpen = errors.New("store circuit breaker is open")

// CircuitBreaker trips after threshold consecutive store faults and probes
// again once resetTimeout has passed. Errors for which countable returns
// false (not found, conflicts, bad input) pass through without tripping it.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	countable    func(error) bool
	now          func() time.Time
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration, countable func(error) bool) *CircuitBreaker {
	if countable == nil {
		countable = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		countable:    countable,
		now:          time.Now,
	}
}

func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
	case StateHalfOpen:
		// one probe at a time
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	probing := cb.state == StateHalfOpen
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	failed := err != nil && cb.countable(err)
	switch {
	case probing && failed:
		cb.openedAt = cb.now()
		cb.setState(StateOpen)
	case probing:
		cb.failures = 0
		cb.setState(StateClosed)
	case failed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.openedAt = cb.now()
			cb.setState(StateOpen)
		}
	default:
		cb.failures = 0
	}
	return err
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(s BreakerState) {
	if cb.state == s {
		return
	}
	log.Info().Str("component", "sqlite").Str("from", cb.state.String()).Str("to", s.String()).Msg("circuit breaker state change")
	cb.state = s
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
