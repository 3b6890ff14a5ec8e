package worker

import (
	"context"
	"log/slog"
	"time"
)

// Evictor drops idle per-client state.
type Evictor interface {
	EvictStale(cutoff time.Time) int
}

// BurstEvictor periodically drops burst guard buckets idle for longer
// than idle, bounding memory to recently active addresses.
type BurstEvictor struct {
	guard    Evictor
	interval time.Duration
	idle     time.Duration
}

// NewBurstEvictor creates a BurstEvictor.
func NewBurstEvictor(guard Evictor, interval, idle time.Duration) *BurstEvictor {
	if interval <= 0 {
		interval = time.Minute
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &BurstEvictor{guard: guard, interval: interval, idle: idle}
}

// Run evicts on every tick until ctx is cancelled.
func (w *BurstEvictor) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := w.guard.EvictStale(now.Add(-w.idle)); n > 0 {
				slog.Debug("burst guard evicted idle clients", "count", n)
			}
		}
	}
}
