// Package cache holds short-lived snapshots of quota usage for read paths
// that must not add load to the store.
package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	roastguard "github.com/eugener/roastguard/internal"
)

// Usage is an in-memory W-TinyLFU cache of counter values backed by otter.
// Values are advisory: admission decisions always read the store.
type Usage struct {
	cache *otter.Cache[roastguard.CounterKey, int64]
}

// NewUsage creates a usage cache with the given max entry count and TTL.
func NewUsage(maxSize int, ttl time.Duration) (*Usage, error) {
	c, err := otter.New[roastguard.CounterKey, int64](&otter.Options[roastguard.CounterKey, int64]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[roastguard.CounterKey, int64](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("create usage cache: %w", err)
	}
	return &Usage{cache: c}, nil
}

// Get returns the cached count for key.
func (u *Usage) Get(key roastguard.CounterKey) (int64, bool) {
	return u.cache.GetIfPresent(key)
}

// Set stores the count for key.
func (u *Usage) Set(key roastguard.CounterKey, count int64) {
	u.cache.Set(key, count)
}

// Invalidate drops key so the next read goes to the store.
func (u *Usage) Invalidate(key roastguard.CounterKey) {
	u.cache.Invalidate(key)
}

// Purge removes all entries.
func (u *Usage) Purge() {
	u.cache.InvalidateAll()
}
