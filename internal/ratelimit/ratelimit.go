// Package ratelimit implements a keyed fixed-window rate limiter. Counters
// live in a Store so tests get isolated instances and deployments with more
// than one process can supply a shared backing store.
package ratelimit

import (
	"time"
)

// Window is the counter state of one key.
type Window struct {
	Count int
	Start time.Time
}

// Store holds per-key windows. Implementations must be safe for concurrent
// use and must make Increment atomic per key.
type Store interface {
	// Increment records one hit for key and returns the updated window. A
	// window older than length is replaced by a fresh one starting at now.
	Increment(key string, now time.Time, length time.Duration) Window
	// Get returns the live window of key, or a zero Window.
	Get(key string, now time.Time, length time.Duration) Window
	// Reset forgets key.
	Reset(key string)
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter allows Limit hits per key per Window.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter that allows limit hits per window for each key.
func New(store Store, limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit is the number of hits allowed per window.
func (l *Limiter) Limit() int { return l.limit }

// Allow records a hit for key and reports whether it is within the budget.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()
	return l.decide(l.store.Increment(key, now, l.window), now, 0)
}

// Peek reports whether one more hit for key would be allowed, without
// recording anything.
func (l *Limiter) Peek(key string) Decision {
	now := l.now()
	return l.decide(l.store.Get(key, now, l.window), now, 1)
}

// Reset clears the window of key.
func (l *Limiter) Reset(key string) {
	l.store.Reset(key)
}

func (l *Limiter) decide(w Window, now time.Time, pending int) Decision {
	used := w.Count + pending
	if used <= l.limit {
		return Decision{Allowed: true, Remaining: l.limit - used}
	}
	retry := w.Start.Add(l.window).Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retry}
}
