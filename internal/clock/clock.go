// Package clock provides an injectable time source so that delayed
// facilitator replies, idle reaping and rate limiting can be tested
// without sleeping.
package clock

import "time"

// Clock abstracts the time operations used by the relay.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously
	// during Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker returns a ticker delivering ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from happening. Returns false if it
	// already fired or was already stopped.
	Stop() bool
}

// Ticker delivers periodic ticks on C.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
