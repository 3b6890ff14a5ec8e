// Package ratelimit implements a per-client request burst guard with
// lazy-refill token buckets. It sits in front of admission so a flood from
// one address is shed in memory instead of queuing on the store writer.
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of a burst check.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// bucket is a token bucket with lazy refill (no background goroutine).
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
	lastUsed time.Time
}

// Guard holds one bucket per client key. A zero RPM disables the guard.
type Guard struct {
	rpm   int64
	burst float64
	rate  float64 // tokens per second

	mu      sync.RWMutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewGuard creates a Guard allowing rpm requests per minute per key with
// bursts of up to burst requests. burst <= 0 means burst = rpm.
func NewGuard(rpm, burst int64) *Guard {
	if burst <= 0 {
		burst = rpm
	}
	return &Guard{
		rpm:     rpm,
		burst:   float64(burst),
		rate:    float64(rpm) / 60.0,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token for key.
func (g *Guard) Allow(key string) Result {
	if g.rpm <= 0 {
		return Result{Allowed: true}
	}
	now := g.now()
	b := g.get(key, now)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	if elapsed := now.Sub(b.lastFill).Seconds(); elapsed > 0 {
		b.tokens = min(g.burst, b.tokens+elapsed*g.rate)
		b.lastFill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return Result{Allowed: true, Limit: g.rpm, Remaining: int64(b.tokens)}
	}
	wait := time.Duration((1 - b.tokens) / g.rate * float64(time.Second))
	return Result{Limit: g.rpm, RetryAfter: wait}
}

func (g *Guard) get(key string, now time.Time) *bucket {
	g.mu.RLock()
	b, ok := g.buckets[key]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// Double-check after acquiring write lock.
	if b, ok := g.buckets[key]; ok {
		return b
	}
	b = &bucket{tokens: g.burst, lastFill: now, lastUsed: now}
	g.buckets[key] = b
	return b
}

// EvictStale removes buckets not used since cutoff.
func (g *Guard) EvictStale(cutoff time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	evicted := 0
	for k, b := range g.buckets {
		b.mu.Lock()
		stale := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(g.buckets, k)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked keys.
func (g *Guard) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.buckets)
}
