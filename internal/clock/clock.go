// Package clock abstracts wall-clock time so that timer-driven components
// (auto-dismiss, reconnect backoff, escalation ticks) can be driven
// deterministically from tests.
package clock

import "time"

// Clock is the subset of the time package used by staff-bridge.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously
	// during Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer

	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the call from firing. Returns false if it already fired
// or was already stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Ticker delivers ticks on C.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

func (t *Ticker) Stop() { t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stopFunc: t.Stop}
}
