package stream

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 30 * time.Second
)

// Backoff computes reconnect delays: exponential growth from Base, capped at
// Cap, with full jitter (uniform in [0, ceiling)).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	rnd func() float64 // [0,1); math/rand/v2 when nil
}

// Ceiling returns the upper bound of the delay for a zero-based attempt
func (b Backoff) Ceiling(attempt int) time.Duration {
	base, limit := b.Base, b.Cap
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if limit <= 0 {
		limit = DefaultBackoffCap
	}
	d := base
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

// Next returns the jittered delay for a zero-based attempt
func (b Backoff) Next(attempt int) time.Duration {
	rnd := b.rnd
	if rnd == nil {
		rnd = rand.Float64
	}
	return time.Duration(rnd() * float64(b.Ceiling(attempt)))
}
