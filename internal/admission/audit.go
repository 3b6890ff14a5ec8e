package admission

import (
	"context"

	roastguard "github.com/eugener/roastguard/internal"
	"github.com/eugener/roastguard/internal/budget"
)

// Audit is a consistency report over the durable admission state.
type Audit struct {
	Budget *budget.Audit `json:"budget"`
	Day    string        `json:"day"`
	// GlobalPending is today's unsettled count on the global counter.
	// Every pending handle for today holds one, so it exceeding
	// PendingHandles means a counter reservation outlived its handle.
	GlobalPending  int64 `json:"global_pending"`
	PendingHandles int64 `json:"pending_handles"`
}

// Audit reports ledger drift and compares counter reservations with the
// handles that should account for them.
func (c *Controller) Audit(ctx context.Context) (*Audit, error) {
	now := c.now()
	b, err := c.budget.Audit(ctx, now)
	if err != nil {
		return nil, err
	}
	day := c.policy.Load().DayBucket(now)
	global, err := c.store.Pending(ctx, roastguard.CounterKey{Scope: roastguard.ScopeGlobal, Key: roastguard.GlobalKey, Day: day})
	if err != nil {
		return nil, err
	}
	handles, err := c.store.CountPendingAdmissions(ctx)
	if err != nil {
		return nil, err
	}
	return &Audit{Budget: b, Day: day, GlobalPending: global, PendingHandles: handles}, nil
}
