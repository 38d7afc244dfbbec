// internal/util/backoff.go
// Lightweight exponential-with-jitter back-off helper.  The bridge and the
// webhook dispatcher use cenkalti/backoff for their stateful retry policies
// with exact schedules; the local inject sink retries transient posts with
// this dependency-free calculator instead.
package util

import (
	"math/rand"
	"time"
)

// Backoff is a stateful exponential back-off calculator with full jitter:
//
//	next = rand(0, cap) where cap = min(base*2^attempt, max)
//
// Fields are exported so callers can tweak them; changing fields after the
// first Next() call is safe and affects subsequent calculations.
type Backoff struct {
	// Base is the initial duration multiplied by 2^attempt.  Default 100 ms.
	Base time.Duration
	// Max is the upper bound for the random cap.  Default 30 s.
	Max time.Duration
	// Attempt counts calls to Next() and can be reset manually.
	Attempt int

	rng *rand.Rand
}

// NewBackoff returns a Backoff with sane defaults.
func NewBackoff() *Backoff {
	return &Backoff{
		Base: 100 * time.Millisecond,
		Max:  30 * time.Second,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next back-off duration using full jitter.
func (b *Backoff) Next() time.Duration {
	if b.Base <= 0 {
		b.Base = 100 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.rng == nil {
		b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	capDur := b.Base << b.Attempt
	if capDur > b.Max || capDur <= 0 {
		capDur = b.Max
	}
	dur := time.Duration(b.rng.Int63n(int64(capDur) + 1))
	b.Attempt++
	return dur
}

// Reset sets Attempt to zero so the next Next() returns a duration within
// [0, Base].
func (b *Backoff) Reset() { b.Attempt = 0 }
