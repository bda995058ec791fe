package reliability

import (
	"context"
	"sync"
	"time"
)

// State is a circuit breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// StateChangeFunc observes transitions. It runs on the calling goroutine
// after the breaker lock is released.
type StateChangeFunc func(name string, from, to State)

// BreakerSettings configures a CircuitBreaker. Zero fields take defaults.
type BreakerSettings struct {
	Name string
	// FailureThreshold consecutive retryable failures open the circuit. Default 5.
	FailureThreshold int
	// SuccessThreshold consecutive probe successes close it again. Default 2.
	SuccessThreshold int
	// OpenTimeout is how long calls are rejected before probing. Default 30s.
	OpenTimeout time.Duration
	// MaxProbes caps concurrent calls while half-open. Default 1.
	MaxProbes     int
	OnStateChange StateChangeFunc
}

type transition struct{ from, to State }

// CircuitBreaker rejects calls to a failing dependency for a cool-down,
// then admits probes until enough succeed. Results of calls admitted
// before the last transition are ignored.
type CircuitBreaker struct {
	s   BreakerSettings
	now func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	failures   int
	successes  int
	probes     int
	openUntil  time.Time
	moved      []transition
}

func NewCircuitBreaker(s BreakerSettings) *CircuitBreaker {
	if s.Name == "" {
		s.Name = "default"
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.MaxProbes <= 0 {
		s.MaxProbes = 1
	}
	return &CircuitBreaker{s: s, now: time.Now}
}

// Execute runs fn unless the circuit rejects the call. Errors that are not
// retryable say nothing about the dependency and count as successes.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gen, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(gen, err)
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	cb.refresh(cb.now())
	s := cb.state
	cb.unlock()
	return s
}

// Reset forces the circuit closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.moveTo(StateClosed, cb.now())
	cb.failures = 0
	cb.unlock()
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.unlock()

	now := cb.now()
	cb.refresh(now)
	switch cb.state {
	case StateOpen:
		return 0, cb.rejection(cb.openUntil)
	case StateHalfOpen:
		if cb.probes >= cb.s.MaxProbes {
			return 0, cb.rejection(now.Add(time.Second))
		}
		cb.probes++
	}
	return cb.generation, nil
}

func (cb *CircuitBreaker) settle(gen uint64, err error) {
	cb.mu.Lock()
	defer cb.unlock()

	now := cb.now()
	cb.refresh(now)
	if gen != cb.generation {
		return
	}

	if err != nil && IsRetryable(err) {
		cb.failures++
		cb.successes = 0
		if cb.state == StateHalfOpen || cb.failures >= cb.s.FailureThreshold {
			cb.moveTo(StateOpen, now)
		}
		return
	}
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.probes--
		cb.successes++
		if cb.successes >= cb.s.SuccessThreshold {
			cb.moveTo(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) refresh(now time.Time) {
	if cb.state == StateOpen && !now.Before(cb.openUntil) {
		cb.moveTo(StateHalfOpen, now)
	}
}

// moveTo starts a new generation. The failure count survives opening so
// rejections can report it.
func (cb *CircuitBreaker) moveTo(to State, now time.Time) {
	if cb.state == to {
		return
	}
	cb.moved = append(cb.moved, transition{from: cb.state, to: to})
	cb.state = to
	cb.generation++
	cb.successes, cb.probes = 0, 0
	switch to {
	case StateOpen:
		cb.openUntil = now.Add(cb.s.OpenTimeout)
	case StateHalfOpen, StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) rejection(retryAt time.Time) error {
	return &CircuitBreakerError{Name: cb.s.Name, State: cb.state, Failures: cb.failures, NextRetry: retryAt}
}

// unlock releases the lock and reports the transitions made while holding it.
func (cb *CircuitBreaker) unlock() {
	moved := cb.moved
	cb.moved = nil
	cb.mu.Unlock()

	if cb.s.OnStateChange == nil {
		return
	}
	for _, t := range moved {
		cb.s.OnStateChange(cb.s.Name, t.from, t.to)
	}
}
