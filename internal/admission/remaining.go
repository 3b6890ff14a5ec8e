package admission

import (
	"context"
	"time"

	roastguard "github.com/eugener/roastguard/internal"
)

// Remaining is the advisory quota left for one identity today.
type Remaining struct {
	Day      string    `json:"day"`
	Session  int64     `json:"session"`
	IP       int64     `json:"ip,omitempty"`
	Global   int64     `json:"global"`
	ResetsAt time.Time `json:"resets_at"`
}

// Remaining reports how many admissions id has left today. Counts may lag
// the store by the cache TTL. An empty IPKey skips the IP scope.
func (c *Controller) Remaining(ctx context.Context, id roastguard.Identity) (Remaining, error) {
	p := c.policy.Load()
	now := c.now()
	day := p.DayBucket(now)
	r := Remaining{Day: day, ResetsAt: p.NextDay(now)}

	left := func(scope roastguard.Scope, key string) (int64, error) {
		n, err := c.count(ctx, roastguard.CounterKey{Scope: scope, Key: key, Day: day})
		if err != nil {
			return 0, err
		}
		return max(p.LimitFor(scope)-n, 0), nil
	}

	var err error
	if r.Session, err = left(roastguard.ScopeSession, id.SessionKey); err != nil {
		return r, err
	}
	if id.IPKey != "" {
		if r.IP, err = left(roastguard.ScopeIP, id.IPKey); err != nil {
			return r, err
		}
	}
	if r.Global, err = left(roastguard.ScopeGlobal, roastguard.GlobalKey); err != nil {
		return r, err
	}
	return r, nil
}

func (c *Controller) count(ctx context.Context, key roastguard.CounterKey) (int64, error) {
	if c.cache != nil {
		if n, ok := c.cache.Get(key); ok {
			return n, nil
		}
	}
	n, err := c.store.Count(ctx, key)
	if err != nil {
		return 0, err
	}
	if c.cache != nil {
		c.cache.Set(key, n)
	}
	return n, nil
}
