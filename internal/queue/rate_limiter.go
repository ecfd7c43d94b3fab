// Package queue paces inbound participant traffic with per-connection
// token buckets.
package queue

import (
	"sync"
	"time"

	"github.com/Veraticus/sage/internal/clock"
)

// Rate limiter defaults. A burst of 5 messages, then 1 per second.
const (
	DefaultCapacity     = 5
	DefaultRefillRate   = 1
	DefaultRefillPeriod = time.Second
)

// TokenBucket represents a token bucket for rate limiting.
type TokenBucket struct {
	lastRefill   time.Time
	lastUsed     time.Time
	clock        clock.Clock
	refillPeriod time.Duration
	capacity     int
	tokens       int
	refillRate   int
	mu           sync.Mutex
}

// NewTokenBucket creates a full token bucket.
func NewTokenBucket(clk clock.Clock, capacity, refillRate int, refillPeriod time.Duration) *TokenBucket {
	return &TokenBucket{
		clock:        clk,
		capacity:     capacity,
		tokens:       capacity,
		refillRate:   refillRate,
		refillPeriod: refillPeriod,
		lastRefill:   clk.Now(),
		lastUsed:     clk.Now(),
	}
}

// Allow tries to consume a token, returns true if successful.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	tb.lastUsed = tb.clock.Now()

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Tokens returns the tokens currently available.
func (tb *TokenBucket) Tokens() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// refill adds tokens for every whole period elapsed. Caller holds mu.
func (tb *TokenBucket) refill() {
	if tb.refillPeriod <= 0 {
		tb.tokens = tb.capacity
		return
	}

	elapsed := tb.clock.Now().Sub(tb.lastRefill)
	periods := int(elapsed / tb.refillPeriod)
	if periods <= 0 {
		return
	}

	tb.tokens += periods * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = tb.lastRefill.Add(time.Duration(periods) * tb.refillPeriod)
}

// RateLimiter keeps one token bucket per connection.
type RateLimiter struct {
	clock        clock.Clock
	buckets      map[string]*TokenBucket
	capacity     int
	refillRate   int
	refillPeriod time.Duration
	mu           sync.Mutex
}

// NewRateLimiter creates a rate limiter with per-connection token buckets.
// A non-positive capacity disables limiting.
func NewRateLimiter(clk clock.Clock, capacity, refillRate int, refillPeriod time.Duration) *RateLimiter {
	return &RateLimiter{
		clock:        clk,
		buckets:      make(map[string]*TokenBucket),
		capacity:     capacity,
		refillRate:   refillRate,
		refillPeriod: refillPeriod,
	}
}

// DefaultRateLimiter creates a rate limiter with the default burst and refill.
func DefaultRateLimiter(clk clock.Clock) *RateLimiter {
	return NewRateLimiter(clk, DefaultCapacity, DefaultRefillRate, DefaultRefillPeriod)
}

// Allow reports whether connID may send a message now, consuming a token if so.
func (rl *RateLimiter) Allow(connID string) bool {
	if rl.capacity <= 0 {
		return true
	}

	rl.mu.Lock()
	bucket, exists := rl.buckets[connID]
	if !exists {
		bucket = NewTokenBucket(rl.clock, rl.capacity, rl.refillRate, rl.refillPeriod)
		rl.buckets[connID] = bucket
	}
	rl.mu.Unlock()

	return bucket.Allow()
}

// Forget drops the bucket of a disconnected connection.
func (rl *RateLimiter) Forget(connID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, connID)
}

// CleanupStale removes buckets that have refilled completely and sat
// unused for longer than maxAge.
func (rl *RateLimiter) CleanupStale(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.clock.Now().Add(-maxAge)
	removed := 0
	for connID, bucket := range rl.buckets {
		bucket.mu.Lock()
		bucket.refill()
		stale := bucket.tokens == bucket.capacity && bucket.lastUsed.Before(cutoff)
		bucket.mu.Unlock()
		if stale {
			delete(rl.buckets, connID)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked connections.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
