// Package circuitbreaker guards the reinjection next hop. After a run of
// failures it refuses calls for a cool-down period, then admits a few probe
// calls; one successful probe closes it again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/migadu/eaf/logger"
	"github.com/migadu/eaf/pkg/metrics"
)

// State values double as the eaf_circuit_breaker_state gauge value.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

var stateNames = [...]string{"CLOSED", "HALF_OPEN", "OPEN"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// Settings configures a breaker. Zero values get defaults: one probe, a 30s
// cool-down and a threshold of five failures.
type Settings struct {
	Name             string
	MaxRequests      uint32
	Timeout          time.Duration
	FailureThreshold uint32
	// IsSuccessful decides whether an error counts against the next hop. A
	// permanent rejection of one message says nothing about its health.
	IsSuccessful  func(err error) bool
	OnStateChange func(name string, from State, to State)
}

// Counts are reset on every state change.
type Counts struct {
	Requests             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

type CircuitBreaker struct {
	settings Settings
	now      func() time.Time

	mu       sync.Mutex
	state    State
	epoch    uint64 // bumped on every transition; stale results are dropped
	counts   Counts
	reopenAt time.Time
}

func NewCircuitBreaker(st Settings) *CircuitBreaker {
	if st.Name == "" {
		st.Name = "breaker"
	}
	if st.MaxRequests == 0 {
		st.MaxRequests = 1
	}
	if st.Timeout <= 0 {
		st.Timeout = 30 * time.Second
	}
	if st.FailureThreshold == 0 {
		st.FailureThreshold = 5
	}
	if st.IsSuccessful == nil {
		st.IsSuccessful = func(err error) bool { return err == nil }
	}
	metrics.CircuitBreakerState.WithLabelValues(st.Name).Set(float64(StateClosed))
	return &CircuitBreaker{settings: st, now: time.Now}
}

func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()
	return cb.state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs fn unless the breaker refuses the call. A panic in fn is
// recorded as a failure before it propagates.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) (err error) {
	epoch, err := cb.admit()
	if err != nil {
		return err
	}

	ok := false
	defer func() {
		cb.record(epoch, ok)
	}()

	err = fn(ctx)
	ok = cb.settings.IsSuccessful(err)
	return err
}

// IsRejection reports whether err came from the breaker rather than the call.
func IsRejection(err error) bool {
	return errors.Is(err, ErrCircuitBreakerOpen) || errors.Is(err, ErrTooManyRequests)
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh()
	if cb.state == StateOpen {
		return cb.epoch, ErrCircuitBreakerOpen
	}
	if cb.state == StateHalfOpen && cb.counts.Requests >= cb.settings.MaxRequests {
		return cb.epoch, ErrTooManyRequests
	}
	cb.counts.Requests++
	return cb.epoch, nil
}

func (cb *CircuitBreaker) record(epoch uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh()
	if epoch != cb.epoch {
		return
	}

	if ok {
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
		}
		return
	}

	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	if cb.state == StateHalfOpen || cb.counts.ConsecutiveFailures >= cb.settings.FailureThreshold {
		cb.transition(StateOpen)
	}
}

// refresh moves an open breaker to half-open once the cool-down elapsed.
// Callers hold mu.
func (cb *CircuitBreaker) refresh() {
	if cb.state == StateOpen && !cb.now().Before(cb.reopenAt) {
		cb.transition(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.epoch++
	cb.counts = Counts{}
	if to == StateOpen {
		cb.reopenAt = cb.now().Add(cb.settings.Timeout)
	}

	name := cb.settings.Name
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	logger.Info("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(name, from, to)
	}
}
