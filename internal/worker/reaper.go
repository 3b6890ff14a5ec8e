package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eugener/roastguard/internal/quota"
)

// ReaperStore is the persistence interface consumed by Reaper.
type ReaperStore interface {
	DeleteCountersBefore(ctx context.Context, day string) (int64, error)
	DeleteSettledBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Reaper deletes counter buckets and settled handles older than keepDays on
// a cron schedule. Old buckets are never read as current, so reaping only
// reclaims space.
type Reaper struct {
	store    ReaperStore
	policy   *quota.Holder
	schedule string
	keepDays int
	now      func() time.Time
	logger   *slog.Logger
}

// NewReaper creates a Reaper. The schedule uses standard five-field cron
// syntax, evaluated in the policy time zone.
func NewReaper(store ReaperStore, policy *quota.Holder, schedule string, keepDays int) (*Reaper, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}
	if keepDays < 1 {
		keepDays = 1
	}
	return &Reaper{
		store:    store,
		policy:   policy,
		schedule: schedule,
		keepDays: keepDays,
		now:      time.Now,
		logger:   slog.Default().With("component", "worker.reaper"),
	}, nil
}

// Run schedules Reap until ctx is cancelled, then waits for a running
// pass to finish.
func (r *Reaper) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(r.policy.Load().Location))
	if _, err := c.AddFunc(r.schedule, func() {
		if _, _, err := r.Reap(ctx); err != nil {
			r.logger.Error("scheduled reap failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	c.Start()
	r.logger.Info("reaper scheduled", "schedule", r.schedule, "keep_days", r.keepDays)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Reap runs one pass and reports how many counters and handles it removed.
func (r *Reaper) Reap(ctx context.Context) (counters, handles int64, err error) {
	p := r.policy.Load()
	cutoff := r.now().AddDate(0, 0, -r.keepDays)

	counters, err = r.store.DeleteCountersBefore(ctx, p.DayBucket(cutoff))
	if err != nil {
		return 0, 0, fmt.Errorf("reap counters: %w", err)
	}
	handles, err = r.store.DeleteSettledBefore(ctx, cutoff)
	if err != nil {
		return counters, 0, fmt.Errorf("reap handles: %w", err)
	}

	if counters > 0 || handles > 0 {
		r.logger.Info("reap completed", "counters", counters, "handles", handles)
	} else {
		r.logger.Debug("reap completed, nothing to delete")
	}
	return counters, handles, nil
}
