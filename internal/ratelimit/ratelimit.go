// Package ratelimit provides an in-process token bucket limiter keyed
// per caller. It sits in front of the HTTP handlers for burst control;
// daily ceilings on metered resources are the quota tracker's job, not
// this one.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited marks a request rejected by the limiter.
var ErrRateLimited = errors.New("rate limited")

// idleEvictAfter is how long an untouched bucket survives before the
// sweep drops it. Buckets refill to full well before this, so eviction
// never costs a caller tokens.
const idleEvictAfter = 10 * time.Minute

// Limiter is a set of token buckets, one per key (typically user ID).
// Safe for concurrent use.
type Limiter struct {
	rate  float64 // tokens added per second
	burst float64

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// New creates a Limiter allowing perMinute sustained requests per key
// with the given burst. Non-positive arguments fall back to 60/10.
func New(perMinute, burst int) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 10
	}
	return &Limiter{
		rate:    float64(perMinute) / 60,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow reports whether one request for key may proceed, consuming a
// token when it does.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastFill)
		b.lastFill = now
		b.tokens += elapsed.Seconds() * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// sweepLocked drops buckets idle long enough to be full again. Runs at
// most once per eviction window so Allow stays O(1) in the common case.
func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < idleEvictAfter {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.lastFill) >= idleEvictAfter {
			delete(l.buckets, key)
		}
	}
}
