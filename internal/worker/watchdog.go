package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const watchdogBatch = 100

// StaleReleaser releases abandoned reservations and reclaims budget
// reservations left without a pending handle.
type StaleReleaser interface {
	ReleaseStale(ctx context.Context, cutoff time.Time, limit int) (int, error)
	ReclaimOrphans(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// PendingCounter reports the number of unsettled reservations.
type PendingCounter interface {
	CountPendingAdmissions(ctx context.Context) (int64, error)
}

// Watchdog releases reservations whose caller never confirmed or released
// them within the timeout.
type Watchdog struct {
	releaser StaleReleaser
	pending  PendingCounter
	timeout  time.Duration
	interval time.Duration
	gauge    prometheus.Gauge
	now      func() time.Time
}

// NewWatchdog creates a Watchdog. pending and gauge may be nil.
func NewWatchdog(releaser StaleReleaser, pending PendingCounter, timeout, interval time.Duration, gauge prometheus.Gauge) *Watchdog {
	return &Watchdog{
		releaser: releaser,
		pending:  pending,
		timeout:  timeout,
		interval: interval,
		gauge:    gauge,
		now:      time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep releases every handle older than the timeout, then reclaims
// orphaned budget reservations of the same age, and returns how many
// reservations it settled in total.
func (w *Watchdog) Sweep(ctx context.Context) int {
	cutoff := w.now().Add(-w.timeout)
	released := drain(ctx, "reservation sweep failed", func() (int, error) {
		return w.releaser.ReleaseStale(ctx, cutoff, watchdogBatch)
	})
	if released > 0 {
		slog.LogAttrs(ctx, slog.LevelWarn, "released abandoned reservations",
			slog.Int("count", released),
			slog.Duration("timeout", w.timeout),
		)
	}
	orphans := drain(ctx, "orphan sweep failed", func() (int, error) {
		return w.releaser.ReclaimOrphans(ctx, cutoff, watchdogBatch)
	})
	if orphans > 0 {
		slog.LogAttrs(ctx, slog.LevelWarn, "reclaimed orphaned budget reservations",
			slog.Int("count", orphans),
		)
	}
	total := released + orphans

	if w.pending != nil && w.gauge != nil {
		if n, err := w.pending.CountPendingAdmissions(ctx); err == nil {
			w.gauge.Set(float64(n))
		}
	}
	return total
}

// drain calls batch until it returns a short batch or fails.
func drain(ctx context.Context, failMsg string, batch func() (int, error)) int {
	total := 0
	for {
		n, err := batch()
		total += n
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, failMsg,
				slog.String("error", err.Error()),
			)
			return total
		}
		if n < watchdogBatch {
			return total
		}
	}
}
