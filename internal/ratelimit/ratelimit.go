// Package ratelimit implements the per-domain token bucket and circuit
// breaker spec.md §4.I describes, gating outbound delivery attempts.
//
// The token bucket is grounded on foxcpp-maddy's internal/limits/
// limiters package: Rate wraps golang.org/x/time/rate.Limiter, and
// BucketSet keys a map of such limiters by string with stale-entry
// reaping. This package keeps that keyed-map shape but swaps
// BucketSet's block-until-allowed Take() for the non-blocking
// Allowed/Denied(retry_after) contract spec.md §4.I calls for (a
// delivery attempt must reschedule on denial, never block a worker
// goroutine waiting for a token).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of Acquire.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is a keyed set of per-domain token buckets, each
// {capacity, refill_per_second}.
type Limiter struct {
	capacity   int
	refillRate float64

	mu      sync.Mutex
	buckets map[string]*bucketEntry

	// reapAfter bounds how long an idle bucket survives before the next
	// Acquire call may evict it, same stale-reaping idea as
	// foxcpp-maddy's BucketSet.take.
	reapAfter time.Duration
}

type bucketEntry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

// New returns a Limiter where each domain gets capacity burst tokens
// refilled at refillPerSecond tokens/second.
func New(capacity int, refillPerSecond float64) *Limiter {
	return &Limiter{
		capacity:   capacity,
		refillRate: refillPerSecond,
		buckets:    make(map[string]*bucketEntry),
		reapAfter:  10 * time.Minute,
	}
}

// Acquire consults (creating if necessary) the token bucket for domain
// and reports whether a delivery attempt may proceed now.
func (l *Limiter) Acquire(domain string) Decision {
	if l.capacity <= 0 {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	b, ok := l.buckets[domain]
	if !ok {
		b = &bucketEntry{limiter: rate.NewLimiter(rate.Limit(l.refillRate), l.capacity)}
		l.buckets[domain] = b
		l.reapLocked()
	}
	b.lastUse = time.Now()
	limiter := b.limiter
	l.mu.Unlock()

	if limiter.Allow() {
		return Decision{Allowed: true}
	}

	reservation := limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	return Decision{Allowed: false, RetryAfter: delay}
}

// reapLocked drops buckets idle longer than reapAfter. Caller holds mu.
func (l *Limiter) reapLocked() {
	cutoff := time.Now().Add(-l.reapAfter)
	for k, v := range l.buckets {
		if v.lastUse.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}
