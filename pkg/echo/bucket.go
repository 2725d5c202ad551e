package echo

import (
	"net/netip"
	"time"
)

// bucket is a per-source-IP token bucket.
type bucket struct {
	tokens float64
	last   time.Time // last refill
	seen   time.Time // last packet, for the idle sweep
}

// take refills the bucket and tries to spend cost tokens.
func (b *bucket) take(now time.Time, refillPerSec, cap, cost float64) bool {
	b.tokens += now.Sub(b.last).Seconds() * refillPerSec
	if b.tokens > cap {
		b.tokens = cap
	}
	b.last = now
	b.seen = now
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// limiter tracks token buckets keyed by source IP (not port). It is only
// touched from the responder's single receive loop, so it needs no lock.
type limiter struct {
	refillPerSec float64
	cap          float64
	ttl          time.Duration
	sweepEvery   time.Duration

	buckets   map[netip.Addr]*bucket
	lastSweep time.Time
}

func newLimiter(refillPerSec, cap float64, ttl, sweepEvery time.Duration) *limiter {
	return &limiter{
		refillPerSec: refillPerSec,
		cap:          cap,
		ttl:          ttl,
		sweepEvery:   sweepEvery,
		buckets:      make(map[netip.Addr]*bucket),
	}
}

// allow charges one packet from src's bucket and opportunistically sweeps
// idle buckets to bound memory.
func (l *limiter) allow(src netip.Addr, now time.Time) bool {
	if now.Sub(l.lastSweep) >= l.sweepEvery {
		l.sweep(now)
	}
	b, ok := l.buckets[src]
	if !ok {
		b = &bucket{tokens: l.cap, last: now}
		l.buckets[src] = b
	}
	return b.take(now, l.refillPerSec, l.cap, 1)
}

func (l *limiter) sweep(now time.Time) {
	l.lastSweep = now
	for ip, b := range l.buckets {
		if now.Sub(b.seen) > l.ttl {
			delete(l.buckets, ip)
		}
	}
}
