package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mirkobrombin/go-txlease/v1/clock"
)

// ErrCircuitOpen is returned by Publish while the breaker is open.
var ErrCircuitOpen = errors.New("txlease: bus circuit breaker is open")

// BreakerState is the state of a CircuitBreakerBus.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerOption configures a CircuitBreakerBus.
type BreakerOption func(*CircuitBreakerBus)

// WithBreakerClock sets the time source used to measure the cooldown.
func WithBreakerClock(c clock.Clock) BreakerOption {
	return func(cb *CircuitBreakerBus) {
		if c != nil {
			cb.clock = c
		}
	}
}

// WithStateChange registers fn to be called after every transition. fn runs
// outside the breaker lock.
func WithStateChange(fn func(from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreakerBus) {
		cb.onChange = fn
	}
}

// CircuitBreakerBus guards revocation publishes on a remote Bus. After
// threshold consecutive failures it rejects publishes for cooldown, then
// admits one trial; the trial's result closes or reopens the circuit.
//
// Subscriptions always pass through: a lease keeps listening for
// revocations even while its own publishes are being shed.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	onChange  func(from, to BreakerState)

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trialing bool
}

// NewCircuitBreaker wraps bus. A non-positive threshold is treated as 1.
func NewCircuitBreaker(bus Bus, threshold int, cooldown time.Duration, opts ...BreakerOption) *CircuitBreakerBus {
	if threshold <= 0 {
		threshold = 1
	}
	cb := &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock.Real{},
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// State reports the current state. An open breaker whose cooldown elapsed
// still reports BreakerOpen until the next publish tries it.
func (cb *CircuitBreakerBus) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsHealthy reports whether a publish would currently be attempted.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerOpen:
		return cb.clock.Now().Sub(cb.openedAt) >= cb.cooldown
	case BreakerHalfOpen:
		return !cb.trialing
	}
	return true
}

// Publish forwards to the wrapped bus unless the circuit is open.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, key string) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = cb.bus.Publish(ctx, key)
	cb.record(trial, err)
	return err
}

func (cb *CircuitBreakerBus) admit() (trial bool, err error) {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case BreakerOpen:
		if cb.clock.Now().Sub(cb.openedAt) < cb.cooldown {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state = BreakerHalfOpen
		cb.trialing = true
		trial = true
	case BreakerHalfOpen:
		if cb.trialing {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.trialing = true
		trial = true
	}
	to := cb.state
	cb.mu.Unlock()
	cb.changed(from, to)
	return trial, nil
}

func (cb *CircuitBreakerBus) record(trial bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if trial {
		cb.trialing = false
	}
	// Caller cancellation says nothing about the health of the bus.
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && !trial {
		cb.mu.Unlock()
		return
	}
	switch {
	case err == nil:
		cb.failures = 0
		cb.state = BreakerClosed
	case trial:
		cb.state = BreakerOpen
		cb.openedAt = cb.clock.Now()
	default:
		cb.failures++
		if cb.state == BreakerClosed && cb.failures >= cb.threshold {
			cb.state = BreakerOpen
			cb.openedAt = cb.clock.Now()
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.changed(from, to)
}

func (cb *CircuitBreakerBus) changed(from, to BreakerState) {
	if from != to && cb.onChange != nil {
		cb.onChange(from, to)
	}
}

// Subscribe passes through to the wrapped bus.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	return cb.bus.Subscribe(ctx, key)
}

// Unsubscribe passes through to the wrapped bus.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, key, ch)
}
