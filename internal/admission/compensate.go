package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	roastguard "github.com/eugener/roastguard/internal"
)

// RetryPolicy bounds the retries of one compensating step.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.MaxTries == 0 {
		r.MaxTries = 5
	}
	if r.InitialInterval <= 0 {
		r.InitialInterval = 50 * time.Millisecond
	}
	if r.MaxInterval <= 0 {
		r.MaxInterval = time.Second
	}
	if r.MaxElapsed <= 0 {
		r.MaxElapsed = 5 * time.Second
	}
	return r
}

func (r RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	b.MaxInterval = r.MaxInterval
	return b
}

// step is one resource operation performed on behalf of a handle.
type step struct {
	name  string
	attrs []slog.Attr
	do    func(ctx context.Context) error
}

func (c *Controller) budgetStep(a *roastguard.Admission) step {
	return step{
		name:  "budget_release",
		attrs: []slog.Attr{slog.String("month", a.Month), slog.Int64("estimate_micros", int64(a.Estimate))},
		do:    func(ctx context.Context) error { return c.budget.Release(ctx, a.ID) },
	}
}

func (c *Controller) counterStep(key roastguard.CounterKey) step {
	return step{
		name:  string(key.Scope) + "_release",
		attrs: counterAttrs(key),
		do:    func(ctx context.Context) error { return c.store.Release(ctx, key) },
	}
}

func (c *Controller) counterConfirmStep(key roastguard.CounterKey) step {
	return step{
		name:  string(key.Scope) + "_confirm",
		attrs: counterAttrs(key),
		do:    func(ctx context.Context) error { return c.store.Confirm(ctx, key) },
	}
}

func counterAttrs(key roastguard.CounterKey) []slog.Attr {
	return []slog.Attr{
		slog.String("scope", string(key.Scope)),
		slog.String("key", key.Key),
		slog.String("day", key.Day),
	}
}

// unwind runs held in reverse order. Every step is attempted even if an
// earlier one fails.
func (c *Controller) unwind(ctx context.Context, a *roastguard.Admission, held []step) error {
	var errs []error
	for i := len(held) - 1; i >= 0; i-- {
		if err := c.retryStep(ctx, a, held[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// retryStep runs s with bounded exponential backoff. Compensation outlives
// the caller's context so a disconnect cannot strand a reservation. A final
// failure is logged with every key needed to reconcile by hand.
func (c *Controller) retryStep(ctx context.Context, a *roastguard.Admission, s step) error {
	ctx = context.WithoutCancel(ctx)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.do(ctx)
		if permanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(c.retry.backOff()),
		backoff.WithMaxTries(c.retry.MaxTries),
		backoff.WithMaxElapsedTime(c.retry.MaxElapsed),
	)
	if err == nil {
		return nil
	}

	attrs := append([]slog.Attr{
		slog.String("step", s.name),
		slog.String("id", a.ID),
		slog.String("session_key", a.SessionKey),
		slog.String("ip_key", a.IPKey),
		slog.String("error", err.Error()),
	}, s.attrs...)
	slog.LogAttrs(ctx, slog.LevelError, "reconcile failure", attrs...)
	if c.metrics != nil {
		c.metrics.ReconcileFailures.Inc()
	}
	return fmt.Errorf("%s: %w", s.name, err)
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, roastguard.ErrNothingPending) ||
		errors.Is(err, roastguard.ErrReservationSettled) ||
		errors.Is(err, roastguard.ErrUnknownReservation)
}
