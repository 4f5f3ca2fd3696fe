// Package clock abstracts monotonic time and ticking so that the control
// loops (health monitor, autoscaler) and the time-stamping components can
// be driven deterministically in tests instead of against wall time.
package clock

import "time"

// Clock is the source of time for every component that needs to compare
// timestamps or schedule periodic work.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
	Sleep(d time.Duration)
}

// Ticker mirrors time.Ticker behind an interface so a fake clock can drive
// it without a real timer.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production Clock, a thin wrapper over the time package.
type Real struct{}

// New returns the production clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (Real) Sleep(d time.Duration) { time.Sleep(d) }

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
