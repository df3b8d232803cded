// Package ratelimit provides quota tracking for analysis backends and
// request pacing for the mail store.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket tracks the request quota of one analysis backend.
// Tokens refill lazily on every observation at capacity-per-window rate and
// never exceed capacity. Safe for concurrent use; refill-then-take is atomic.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   int
	window     time.Duration
	lastRefill time.Time

	now func() time.Time
}

// NewTokenBucket creates a bucket that admits capacity requests per window.
// The bucket starts full.
func NewTokenBucket(capacity int, window time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	b := &TokenBucket{
		tokens:   float64(capacity),
		capacity: capacity,
		window:   window,
		now:      time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// refillLocked replenishes tokens from elapsed time. Caller holds mu.
func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		b.lastRefill = now
		return
	}
	refill := elapsed.Seconds() / b.window.Seconds() * float64(b.capacity)
	b.tokens += refill
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastRefill = now
}

// TryTake refills the bucket and takes one token if at least one is
// available. Returns false when the quota is exhausted.
func (b *TokenBucket) TryTake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Refund returns one token, clamped to capacity. Used when an admitted task
// turns out to be cancelled before its work runs.
func (b *TokenBucket) Refund() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens++
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
}

// Tokens refills the bucket and returns the current token count.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return b.tokens
}

// Capacity returns the bucket capacity.
func (b *TokenBucket) Capacity() int {
	return b.capacity
}

// Window returns the refill window.
func (b *TokenBucket) Window() time.Duration {
	return b.window
}
