package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestGuard(rpm, burst int64) (*Guard, *clock) {
	c := &clock{t: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
	g := NewGuard(rpm, burst)
	g.now = c.now
	return g, c
}

func TestGuard_BurstThenDeny(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(60, 3)

	for i := range 3 {
		if r := g.Allow("ip-a"); !r.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	r := g.Allow("ip-a")
	if r.Allowed {
		t.Fatal("4th request should be denied")
	}
	if r.RetryAfter <= 0 || r.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want within one refill interval", r.RetryAfter)
	}
}

func TestGuard_Refill(t *testing.T) {
	t.Parallel()
	g, c := newTestGuard(60, 1)

	if !g.Allow("ip-a").Allowed {
		t.Fatal("first request should be allowed")
	}
	if g.Allow("ip-a").Allowed {
		t.Fatal("second request should be denied")
	}
	c.advance(time.Second)
	if !g.Allow("ip-a").Allowed {
		t.Error("request should be allowed after refill")
	}
}

func TestGuard_KeysIndependent(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(60, 1)

	g.Allow("ip-a")
	if !g.Allow("ip-b").Allowed {
		t.Error("ip-b should have its own bucket")
	}
}

func TestGuard_Disabled(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(0, 0)
	for range 100 {
		if !g.Allow("ip-a").Allowed {
			t.Fatal("disabled guard must allow everything")
		}
	}
	if g.Len() != 0 {
		t.Errorf("disabled guard tracked %d keys", g.Len())
	}
}

func TestGuard_EvictStale(t *testing.T) {
	t.Parallel()
	g, c := newTestGuard(60, 5)

	g.Allow("old")
	c.advance(10 * time.Minute)
	g.Allow("fresh")

	if n := g.EvictStale(c.now().Add(-time.Minute)); n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
	if g.Len() != 1 {
		t.Errorf("len = %d, want 1", g.Len())
	}
}

func TestGuard_ConcurrentAllowNeverExceedsBurst(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(60, 10)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			if g.Allow("ip-a").Allowed {
				allowed.Add(1)
			}
		})
	}
	wg.Wait()
	if n := allowed.Load(); n != 10 {
		t.Errorf("allowed = %d, want 10", n)
	}
}
