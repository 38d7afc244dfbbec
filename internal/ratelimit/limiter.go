// internal/ratelimit/limiter.go
// Package ratelimit implements the per-principal rolling-window limiter for
// the send endpoints.  Timestamps are kept per principal and pruned on each
// check; volumes are tens of requests per minute, so a slice beats anything
// cleverer.  A periodic Cleanup drops idle principals.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the rolling interval requests are counted over.
const Window = time.Minute

// Decision is the outcome of one Allow call, including what the response
// headers need.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // meaningful only when !Allowed
}

// Limiter tracks request timestamps per principal.
type Limiter struct {
	mu      sync.Mutex
	history map[string][]time.Time
}

func New() *Limiter {
	return &Limiter{history: map[string][]time.Time{}}
}

// Allow records and admits the request unless the principal has exhausted
// limit within the rolling window.
func (l *Limiter) Allow(principal string, limit int, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-Window)
	recent := l.history[principal][:0]
	for _, ts := range l.history[principal] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= limit {
		l.history[principal] = recent
		// The window frees a slot when the oldest recent request ages out.
		retry := recent[0].Add(Window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{Allowed: false, Limit: limit, Remaining: 0, RetryAfter: retry}
	}

	recent = append(recent, now)
	l.history[principal] = recent
	return Decision{Allowed: true, Limit: limit, Remaining: limit - len(recent)}
}

// Remaining reports the slots left without consuming one (status endpoint).
func (l *Limiter) Remaining(principal string, limit int, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-Window)
	var n int
	for _, ts := range l.history[principal] {
		if ts.After(cutoff) {
			n++
		}
	}
	if n >= limit {
		return 0
	}
	return limit - n
}

// Cleanup drops principals with no requests inside the window.
func (l *Limiter) Cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-Window)
	for p, hist := range l.history {
		idle := true
		for _, ts := range hist {
			if ts.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			delete(l.history, p)
		}
	}
}
