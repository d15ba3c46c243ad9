// Package clock abstracts the time source used by the lease manager so that
// expiration sweeps can be driven deterministically in tests.
package clock

import "time"

// Clock provides the current time and periodic tickers.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors the subset of time.Ticker used by the sweeper.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns time.Now. The monotonic reading is kept so lease ages are
// immune to wall clock steps.
func (Real) Now() time.Time {
	return time.Now()
}

// NewTicker wraps time.NewTicker.
func (Real) NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }

func (r realTicker) Stop() { r.t.Stop() }
