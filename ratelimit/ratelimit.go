package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Close on a closed limiter.
var ErrClosed = errors.New("limiter closed")

// bucket is a token bucket for one key.
type bucket struct {
	available  int       // current tokens
	lastRefill time.Time // last refill time
	lastUsed   time.Time
}

// refill adds tokens based on elapsed time since last refill.
func (b *bucket) refill(now time.Time, capacity int, window time.Duration) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	// rate = capacity / window
	tokensToAdd := int(float64(capacity) * float64(elapsed) / float64(window))
	if tokensToAdd > 0 {
		b.available += tokensToAdd
		if b.available > capacity {
			b.available = capacity
		}
		b.lastRefill = now
	}
}

// Limiter is a keyed token-bucket limiter. It is safe for concurrent use.
// A nil *Limiter allows everything.
type Limiter struct {
	capacity int
	window   time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	closed    bool
	nowFunc   func() time.Time // for testing
}

// New creates a limiter granting capacity tokens per window to each key.
// It returns nil when capacity or window is not positive.
func New(capacity int, window time.Duration) *Limiter {
	if capacity <= 0 || window <= 0 {
		return nil
	}
	return &Limiter{
		capacity: capacity,
		window:   window,
		buckets:  make(map[string]*bucket),
		nowFunc:  time.Now,
	}
}

// Allow takes a token for key and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	now := l.nowFunc()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		// Start full
		b = &bucket{available: l.capacity, lastRefill: now}
		l.buckets[key] = b
	}
	b.refill(now, l.capacity, l.window)
	b.lastUsed = now

	if b.available > 0 {
		b.available--
		return true
	}
	return false
}

// Available returns the tokens left for key.
func (l *Limiter) Available(key string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return l.capacity
	}
	b.refill(l.nowFunc(), l.capacity, l.window)
	return b.available
}

// Keys returns the number of tracked keys.
func (l *Limiter) Keys() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// sweep drops idle full buckets at most once per window. Caller holds mu.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		b.refill(now, l.capacity, l.window)
		if b.available >= l.capacity && now.Sub(b.lastUsed) >= l.window {
			delete(l.buckets, key)
		}
	}
}

// Close shuts down the limiter. Allow returns false afterwards.
func (l *Limiter) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	l.closed = true
	l.buckets = nil
	return nil
}
