package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Refresher reloads a cached kill switch snapshot.
type Refresher interface {
	Refresh(ctx context.Context) error
	Engaged(ctx context.Context) bool
}

// SwitchRefresher periodically reloads the kill switch so changes made by
// any process reach this one within one interval.
type SwitchRefresher struct {
	sw       Refresher
	interval time.Duration
	gauge    prometheus.Gauge
}

// NewSwitchRefresher creates a SwitchRefresher. gauge may be nil.
func NewSwitchRefresher(sw Refresher, interval time.Duration, gauge prometheus.Gauge) *SwitchRefresher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &SwitchRefresher{sw: sw, interval: interval, gauge: gauge}
}

// Run refreshes immediately, then on every tick until ctx is cancelled.
func (w *SwitchRefresher) Run(ctx context.Context) error {
	w.refresh(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.refresh(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *SwitchRefresher) refresh(ctx context.Context) {
	if err := w.sw.Refresh(ctx); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "kill switch refresh failed",
			slog.String("error", err.Error()),
		)
	}
	if w.gauge != nil {
		if w.sw.Engaged(ctx) {
			w.gauge.Set(1)
		} else {
			w.gauge.Set(0)
		}
	}
}
