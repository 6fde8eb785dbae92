package control

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before re-launching a phase after a transient
// failure.
type Backoff interface {
	// Next returns the delay for the given 1-based attempt number.
	Next(attempt int) time.Duration
}

// ExpBackoff is exponential backoff with half jitter: the delay doubles per
// attempt up to Max, and the upper half of each delay is randomized so a
// fleet of accounts does not relaunch in lockstep.
type ExpBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is the controller's backoff when none is configured.
var DefaultBackoff = ExpBackoff{
	Base: 5 * time.Second,
	Max:  10 * time.Minute,
}

// Next implements Backoff.
func (b ExpBackoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}

	half := d / 2

	return half + time.Duration(rand.Int63n(int64(half)+1))
}
