package exshopify

import (
	"math"
	"time"
)

// minWait is the smallest wait ever returned by WaitTime,
// to keep float rounding from producing storms of tiny wake-ups.
const minWait = time.Millisecond

// Bucket tracks the available request capacity of a single partition.
//
// It is a leaky bucket as seen from the client side: each request consumes
// one unit, capacity refills at a constant rate, and the remote service can
// correct the local view at any time by reporting its own counters.
//
// A Bucket is not thread safe: it is meant to be owned
// by a single partition worker.
type Bucket struct {
	capacity     int
	available    float64
	refillRate   float64
	lastRefillAt time.Time

	// blockedUntil is set when the remote service
	// explicitly asked to back off.
	blockedUntil time.Time
}

// NewBucket returns a full bucket.
func NewBucket(capacity int, refillRatePerSecond float64, now time.Time) *Bucket {
	return &Bucket{
		capacity:     capacity,
		available:    float64(capacity),
		refillRate:   refillRatePerSecond,
		lastRefillAt: now,
	}
}

// Capacity returns the current maximum amount of tokens.
func (b *Bucket) Capacity() int {
	return b.capacity
}

// Available returns the tokens available as of the last refill.
func (b *Bucket) Available() float64 {
	return b.available
}

// BlockedUntil returns the time before which no request is allowed
// because of an explicit rejection. Zero when not blocked.
func (b *Bucket) BlockedUntil() time.Time {
	return b.blockedUntil
}

// Refill advances the bucket to now.
// A now earlier than the last refill is ignored.
func (b *Bucket) Refill(now time.Time) {
	if !now.After(b.lastRefillAt) {
		return
	}
	elapsed := now.Sub(b.lastRefillAt).Seconds()
	b.lastRefillAt = now

	b.available += elapsed * b.refillRate
	b.clamp()
}

// TryConsume refills the bucket and takes n tokens if they are available.
// When it returns false the bucket is left unchanged.
func (b *Bucket) TryConsume(now time.Time, n int) bool {
	b.Refill(now)

	if now.Before(b.blockedUntil) {
		return false
	}
	if b.available < float64(n) {
		return false
	}

	b.available -= float64(n)
	return true
}

// refund gives back tokens taken for a request that was not sent after all.
func (b *Bucket) refund(n int) {
	b.available += float64(n)
	b.clamp()
}

// Observe reconciles the local accounting with the
// authoritative counters reported by the remote service.
//
// A positive limit replaces the capacity. The remaining count replaces
// the available tokens as the remote already accounted for every request
// it has seen, including the ones from other clients sharing the quota.
func (b *Bucket) Observe(remaining, limit int, now time.Time) {
	b.Refill(now)

	if limit > 0 {
		b.capacity = limit
	}
	b.available = float64(remaining)
	b.clamp()
}

// Throttle applies an explicit backoff instruction:
// the bucket is emptied and nothing is allowed before now + wait.
func (b *Bucket) Throttle(now time.Time, wait time.Duration) {
	b.Refill(now)

	b.available = 0
	until := now.Add(wait)
	if until.After(b.blockedUntil) {
		b.blockedUntil = until
	}
}

// WaitTime computes how long to wait from now
// before n tokens would be available.
// It returns 0 when n tokens can be consumed right now.
func (b *Bucket) WaitTime(now time.Time, n int) time.Duration {
	b.Refill(now)

	var wait time.Duration
	tokens := b.available

	if now.Before(b.blockedUntil) {
		wait = b.blockedUntil.Sub(now)
		tokens = math.Min(float64(b.capacity), tokens+wait.Seconds()*b.refillRate)
	}

	missing := float64(n) - tokens
	if missing > 0 {
		if b.refillRate <= 0 {
			// will never refill on its own; only Observe can help.
			return time.Duration(math.MaxInt64)
		}
		wait += time.Duration(math.Ceil(missing / b.refillRate * float64(time.Second)))
	}

	if wait > 0 && wait < minWait {
		wait = minWait
	}
	return wait
}

func (b *Bucket) clamp() {
	if b.available > float64(b.capacity) {
		b.available = float64(b.capacity)
	}
	if b.available < 0 {
		b.available = 0
	}
}
