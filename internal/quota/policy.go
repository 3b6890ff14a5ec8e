// Package quota holds the per-deployment quota policy and the calendar
// buckets that make counters roll over at window boundaries.
package quota

import (
	"fmt"
	"sync/atomic"
	"time"

	roastguard "github.com/eugener/roastguard/internal"
	"github.com/eugener/roastguard/internal/pricing"
)

// Window is the rolling window of a limit.
type Window string

const (
	WindowDay   Window = "day"
	WindowMonth Window = "month"
)

// Limit is a count cap over one window.
type Limit struct {
	Max    int64
	Window Window
}

// Policy is an immutable quota configuration. Never mutate a Policy that
// has been handed to a Holder; build a new one and Swap it.
type Policy struct {
	Session       Limit
	IP            Limit
	Global        Limit
	MonthlyBudget roastguard.Micros
	// WarningPct is the percentage of MonthlyBudget at which a warning
	// is logged and an alert published (0 disables).
	WarningPct float64
	Location   *time.Location
	// Pricing estimates admissions under this policy. Carrying it here
	// makes a reload swap limits and prices together. Nil defers to the
	// controller's default table.
	Pricing *pricing.Table
}

// Validate reports whether the policy can be enforced.
func (p *Policy) Validate() error {
	for _, s := range []struct {
		name string
		l    Limit
	}{
		{"session", p.Session}, {"ip", p.IP}, {"global", p.Global},
	} {
		if s.l.Max <= 0 {
			return fmt.Errorf("%w: %s limit must be positive, got %d", roastguard.ErrInvalidPolicy, s.name, s.l.Max)
		}
		if s.l.Window != WindowDay {
			return fmt.Errorf("%w: %s window %q not supported", roastguard.ErrInvalidPolicy, s.name, s.l.Window)
		}
	}
	if p.MonthlyBudget <= 0 {
		return fmt.Errorf("%w: monthly budget must be positive", roastguard.ErrInvalidPolicy)
	}
	if p.WarningPct < 0 || p.WarningPct > 100 {
		return fmt.Errorf("%w: warning threshold %.1f outside 0-100", roastguard.ErrInvalidPolicy, p.WarningPct)
	}
	if p.Location == nil {
		return fmt.Errorf("%w: time zone is required", roastguard.ErrInvalidPolicy)
	}
	return nil
}

// LimitFor returns the daily cap for scope.
func (p *Policy) LimitFor(scope roastguard.Scope) int64 {
	switch scope {
	case roastguard.ScopeSession:
		return p.Session.Max
	case roastguard.ScopeIP:
		return p.IP.Max
	case roastguard.ScopeGlobal:
		return p.Global.Max
	default:
		return 0
	}
}

// Holder publishes the current Policy to concurrent readers. Swaps are
// all-or-nothing: a reader sees either the old or the new policy.
type Holder struct {
	p atomic.Pointer[Policy]
}

// NewHolder validates p and returns a Holder serving it.
func NewHolder(p *Policy) (*Holder, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	h := &Holder{}
	h.p.Store(p)
	return h, nil
}

// Load returns the current policy.
func (h *Holder) Load() *Policy { return h.p.Load() }

// Swap validates p and installs it, returning the previous policy.
// An invalid policy leaves the current one in place.
func (h *Holder) Swap(p *Policy) (*Policy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return h.p.Swap(p), nil
}
