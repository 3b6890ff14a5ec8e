// Package admission decides whether a paid call may proceed.
//
// Admit acquires, in a fixed order, the kill switch check, a monthly budget
// reservation, and the global, IP and session daily counters. Each step is
// individually atomic in the store; a denial at any step releases what the
// earlier steps acquired, newest first. The result of a successful Admit is
// a durable handle that exactly one of Confirm, Release or the watchdog
// settles.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	roastguard "github.com/eugener/roastguard/internal"
	"github.com/eugener/roastguard/internal/budget"
	"github.com/eugener/roastguard/internal/cache"
	"github.com/eugener/roastguard/internal/pricing"
	"github.com/eugener/roastguard/internal/quota"
	"github.com/eugener/roastguard/internal/storage"
	"github.com/eugener/roastguard/internal/telemetry"
)

// storeRetryAfter is the retry hint for a store_unavailable denial.
const storeRetryAfter = 5 * time.Second

// Switch reports the kill switch state. A non-nil error means the state is
// not known.
type Switch interface {
	State(ctx context.Context) (engaged bool, err error)
}

// Request is one admission attempt.
type Request struct {
	Identity   roastguard.Identity
	Model      string
	InputBytes int64
}

// Deps holds the controller collaborators. Cache, Metrics and Tracer are
// optional. Pricing serves policies that carry no price table.
type Deps struct {
	Store   storage.Store
	Budget  *budget.Service
	Switch  Switch
	Policy  *quota.Holder
	Pricing *pricing.Table
	Cache   *cache.Usage
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Retry   RetryPolicy
}

// Controller is the admission controller.
type Controller struct {
	store   storage.Store
	budget  *budget.Service
	sw      Switch
	policy  *quota.Holder
	pricing *pricing.Table
	cache   *cache.Usage
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	retry   RetryPolicy
	now     func() time.Time
	newID   func() string
}

// New creates a Controller.
func New(d Deps) *Controller {
	if d.Tracer == nil {
		d.Tracer = telemetry.Tracer("roastguard/admission")
	}
	c := &Controller{
		store:   d.Store,
		budget:  d.Budget,
		sw:      d.Switch,
		policy:  d.Policy,
		pricing: d.Pricing,
		cache:   d.Cache,
		metrics: d.Metrics,
		tracer:  d.Tracer,
		retry:   d.Retry.withDefaults(),
		now:     time.Now,
		newID:   newID,
	}
	return c
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Pricing returns the price table of the current policy.
func (c *Controller) Pricing() *pricing.Table { return c.pricingFor(c.policy.Load()) }

func (c *Controller) pricingFor(p *quota.Policy) *pricing.Table {
	if p.Pricing != nil {
		return p.Pricing
	}
	return c.pricing
}

// Admit runs one admission attempt. The returned Decision is always usable.
// err is non-nil for an invalid request, or alongside a store_unavailable
// denial, wrapping roastguard.ErrStoreUnavailable.
func (c *Controller) Admit(ctx context.Context, req Request) (roastguard.Decision, error) {
	start := c.now()
	ctx, span := c.tracer.Start(ctx, "admission.admit")
	defer span.End()

	if req.Identity.SessionKey == "" || req.Identity.IPKey == "" {
		return roastguard.Decision{}, fmt.Errorf("%w: session and ip keys are required", roastguard.ErrBadRequest)
	}

	d, err := c.admit(ctx, req, start)
	telemetry.RecordError(span, err)

	outcome := "admitted"
	if !d.Admitted {
		outcome = "denied"
		span.SetAttributes(attribute.String("roastguard.reason", string(d.Reason)))
		if c.metrics != nil {
			c.metrics.DenialsTotal.WithLabelValues(string(d.Reason)).Inc()
		}
	}
	span.SetAttributes(attribute.String("roastguard.outcome", outcome))
	if c.metrics != nil {
		c.metrics.AdmissionsTotal.WithLabelValues(outcome).Inc()
		c.metrics.AdmitDuration.Observe(time.Since(start).Seconds())
	}
	return d, err
}

func (c *Controller) admit(ctx context.Context, req Request, now time.Time) (roastguard.Decision, error) {
	p := c.policy.Load()
	a := &roastguard.Admission{
		ID:         c.newID(),
		SessionKey: req.Identity.SessionKey,
		IPKey:      req.Identity.IPKey,
		Day:        p.DayBucket(now),
		Month:      p.MonthBucket(now),
		Estimate:   c.pricingFor(p).Estimate(req.Model, req.InputBytes),
		State:      roastguard.StatePending,
		CreatedAt:  now,
	}

	var held []step

	engaged, err := c.sw.State(ctx)
	if err != nil {
		return c.storeDenial(ctx, a, held, "killswitch", err)
	}
	if engaged {
		return roastguard.Decision{
			Reason: roastguard.ReasonServiceDisabled,
			Hint:   "service is temporarily disabled, contact the operator",
		}, nil
	}

	res, err := c.budget.Reserve(ctx, a.ID, a.Estimate, now)
	if err != nil {
		return c.storeDenial(ctx, a, held, "budget", err)
	}
	if !res.Reserved {
		slog.LogAttrs(ctx, slog.LevelInfo, "admission denied",
			slog.String("reason", string(roastguard.ReasonBudgetExhausted)),
			slog.String("month", a.Month),
			slog.Int64("outstanding_micros", int64(res.Total)),
			slog.Int64("estimate_micros", int64(a.Estimate)),
		)
		return roastguard.Decision{
			Reason:     roastguard.ReasonBudgetExhausted,
			RetryAfter: p.NextMonth(now),
			Hint:       "monthly budget exhausted, try again next month",
		}, nil
	}
	held = append(held, c.budgetStep(a))

	for _, key := range a.CounterKeys() {
		res, err := c.store.Reserve(ctx, key, p.LimitFor(key.Scope))
		if err != nil {
			return c.storeDenial(ctx, a, held, string(key.Scope), err)
		}
		if !res.Reserved {
			c.unwind(ctx, a, held)
			reason := capReason(key.Scope)
			slog.LogAttrs(ctx, slog.LevelInfo, "admission denied",
				slog.String("reason", string(reason)),
				slog.String("key", key.Key),
				slog.String("day", key.Day),
				slog.Int64("count", res.Count),
			)
			return roastguard.Decision{
				Reason:     reason,
				RetryAfter: p.NextDay(now),
				Hint:       "daily limit reached, try again tomorrow",
			}, nil
		}
		held = append(held, c.counterStep(key))
	}

	if err := c.store.CreateAdmission(ctx, a); err != nil {
		return c.storeDenial(ctx, a, held, "handle", err)
	}
	c.invalidate(a)

	slog.LogAttrs(ctx, slog.LevelDebug, "admitted",
		slog.String("id", a.ID),
		slog.String("session_key", a.SessionKey),
		slog.Int64("estimate_micros", int64(a.Estimate)),
	)
	return roastguard.Decision{Admitted: true, Handle: a}, nil
}

// storeDenial unwinds held resources and fails closed.
func (c *Controller) storeDenial(ctx context.Context, a *roastguard.Admission, held []step, stage string, err error) (roastguard.Decision, error) {
	slog.LogAttrs(ctx, slog.LevelError, "admission store failure, failing closed",
		slog.String("stage", stage),
		slog.String("id", a.ID),
		slog.String("error", err.Error()),
	)
	c.unwind(ctx, a, held)
	return roastguard.Decision{
		Reason:     roastguard.ReasonStoreUnavailable,
		RetryAfter: c.now().Add(storeRetryAfter),
		Hint:       "temporarily unavailable, retry shortly",
	}, errors.Join(roastguard.ErrStoreUnavailable, err)
}

func capReason(scope roastguard.Scope) roastguard.Reason {
	switch scope {
	case roastguard.ScopeGlobal:
		return roastguard.ReasonGlobalCapReached
	case roastguard.ScopeIP:
		return roastguard.ReasonIPCapReached
	default:
		return roastguard.ReasonSessionCapReached
	}
}

// Confirm settles handle id with the actual cost of the completed call and
// returns the settled handle. An actual above the handle's estimate is
// recorded as-is and counted as an overrun.
func (c *Controller) Confirm(ctx context.Context, id string, actual roastguard.Micros) (*roastguard.Admission, error) {
	ctx, span := c.tracer.Start(ctx, "admission.confirm", trace.WithAttributes(
		attribute.String("roastguard.handle", id),
	))
	defer span.End()

	a, err := c.settle(ctx, id, roastguard.StateConfirmed)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if actual < 0 {
		actual = 0
	}
	if actual > a.Estimate {
		slog.LogAttrs(ctx, slog.LevelError, "actual cost exceeded estimate",
			slog.String("id", a.ID),
			slog.Int64("estimate_micros", int64(a.Estimate)),
			slog.Int64("actual_micros", int64(actual)),
		)
		if c.metrics != nil {
			c.metrics.OverrunsTotal.Inc()
		}
	}

	var errs []error
	if err := c.retryStep(ctx, a, step{
		name: "budget_confirm",
		attrs: []slog.Attr{
			slog.String("month", a.Month),
			slog.Int64("actual_micros", int64(actual)),
		},
		do: func(ctx context.Context) error {
			_, err := c.budget.Confirm(ctx, a.ID, actual)
			return err
		},
	}); err != nil {
		errs = append(errs, err)
	}
	for _, key := range a.CounterKeys() {
		if err := c.retryStep(ctx, a, c.counterConfirmStep(key)); err != nil {
			errs = append(errs, err)
		}
	}
	c.invalidate(a)

	if c.metrics != nil {
		c.metrics.SettledTotal.WithLabelValues(string(roastguard.StateConfirmed), "caller").Inc()
		c.metrics.SpendMicros.Add(float64(actual))
	}
	if len(errs) > 0 {
		err := errors.Join(append([]error{roastguard.ErrStoreUnavailable}, errs...)...)
		telemetry.RecordError(span, err)
		return a, err
	}
	return a, nil
}

// Release settles handle id without spend, returning every resource it
// holds.
func (c *Controller) Release(ctx context.Context, id string) error {
	ctx, span := c.tracer.Start(ctx, "admission.release", trace.WithAttributes(
		attribute.String("roastguard.handle", id),
	))
	defer span.End()

	a, err := c.settle(ctx, id, roastguard.StateReleased)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	err = c.releaseHeld(ctx, a, "caller")
	telemetry.RecordError(span, err)
	return err
}

// ReleaseStale releases up to limit pending handles created before cutoff.
// Handles settled concurrently by another caller are skipped.
func (c *Controller) ReleaseStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	stale, err := c.store.ListPendingBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, p := range stale {
		a, err := c.store.SettleAdmission(ctx, p.ID, roastguard.StateReleased)
		if errors.Is(err, roastguard.ErrReservationSettled) {
			continue
		}
		if err != nil {
			return released, err
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "releasing abandoned reservation",
			slog.String("id", a.ID),
			slog.Time("created_at", a.CreatedAt),
		)
		c.releaseHeld(ctx, a, "watchdog") //nolint:errcheck // logged and counted per step
		released++
	}
	return released, nil
}

// ReclaimOrphans settles up to limit budget reservations created before
// cutoff that no pending handle accounts for. They are left behind when a
// process dies between reserving and recording the handle, or when the
// budget step of Confirm fails. A reservation whose handle was confirmed is
// committed at its estimate, since the actual cost was never recorded;
// every other orphan is released.
func (c *Controller) ReclaimOrphans(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	orphans, err := c.store.ListOrphanReservations(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, r := range orphans {
		state := roastguard.StateReleased
		if r.HandleState == roastguard.StateConfirmed {
			state = roastguard.StateConfirmed
			_, err = c.budget.Confirm(ctx, r.ID, r.Estimate)
		} else {
			err = c.budget.Release(ctx, r.ID)
		}
		if errors.Is(err, roastguard.ErrReservationSettled) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "reclaimed orphaned budget reservation",
			slog.String("id", r.ID),
			slog.String("month", r.Month),
			slog.String("handle_state", string(r.HandleState)),
			slog.String("settled_as", string(state)),
			slog.Int64("estimate_micros", int64(r.Estimate)),
		)
		if c.metrics != nil {
			c.metrics.SettledTotal.WithLabelValues(string(state), "orphan").Inc()
			if state == roastguard.StateConfirmed {
				c.metrics.SpendMicros.Add(float64(r.Estimate))
			}
		}
		reclaimed++
	}
	return reclaimed, nil
}

// settle claims the handle for state. Contract violations are logged at
// error level and returned as-is; other failures wrap ErrStoreUnavailable.
func (c *Controller) settle(ctx context.Context, id string, state roastguard.ReservationState) (*roastguard.Admission, error) {
	a, err := c.store.SettleAdmission(ctx, id, state)
	switch {
	case err == nil:
		return a, nil
	case errors.Is(err, roastguard.ErrUnknownReservation), errors.Is(err, roastguard.ErrReservationSettled):
		slog.LogAttrs(ctx, slog.LevelError, "reservation settle rejected",
			slog.String("id", id),
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
		return nil, err
	default:
		return nil, errors.Join(roastguard.ErrStoreUnavailable, err)
	}
}

// releaseHeld returns the resources of a settled-released handle.
func (c *Controller) releaseHeld(ctx context.Context, a *roastguard.Admission, by string) error {
	held := []step{c.budgetStep(a)}
	for _, key := range a.CounterKeys() {
		held = append(held, c.counterStep(key))
	}
	err := c.unwind(ctx, a, held)
	c.invalidate(a)
	if c.metrics != nil {
		c.metrics.SettledTotal.WithLabelValues(string(roastguard.StateReleased), by).Inc()
	}
	if err != nil {
		return errors.Join(roastguard.ErrStoreUnavailable, err)
	}
	return nil
}

// invalidate drops cached snapshots touched by a.
func (c *Controller) invalidate(a *roastguard.Admission) {
	if c.cache == nil {
		return
	}
	for _, key := range a.CounterKeys() {
		c.cache.Invalidate(key)
	}
}
