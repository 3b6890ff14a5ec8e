package cache

import (
	"testing"
	"time"

	roastguard "github.com/eugener/roastguard/internal"
)

func key(session string) roastguard.CounterKey {
	return roastguard.CounterKey{Scope: roastguard.ScopeSession, Key: session, Day: "2026-10-14"}
}

func TestUsage_GetSetInvalidate(t *testing.T) {
	t.Parallel()
	u, err := NewUsage(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := u.Get(key("missing")); ok {
		t.Error("should not find missing key")
	}

	u.Set(key("s1"), 4)
	got, ok := u.Get(key("s1"))
	if !ok || got != 4 {
		t.Fatalf("Get = %d, %v; want 4, true", got, ok)
	}

	u.Invalidate(key("s1"))
	if _, ok := u.Get(key("s1")); ok {
		t.Error("should not find invalidated key")
	}
}

func TestUsage_DayIsPartOfKey(t *testing.T) {
	t.Parallel()
	u, err := NewUsage(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	u.Set(key("s1"), 9)
	tomorrow := key("s1")
	tomorrow.Day = "2026-10-15"
	if _, ok := u.Get(tomorrow); ok {
		t.Error("a new day must not see yesterday's snapshot")
	}
}

func TestUsage_TTLExpiry(t *testing.T) {
	t.Parallel()
	u, err := NewUsage(100, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	u.Set(key("s1"), 1)
	time.Sleep(150 * time.Millisecond)
	if _, ok := u.Get(key("s1")); ok {
		t.Error("entry should be expired")
	}
}

func TestUsage_Purge(t *testing.T) {
	t.Parallel()
	u, err := NewUsage(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	u.Set(key("a"), 1)
	u.Set(key("b"), 2)
	u.Purge()
	if _, ok := u.Get(key("a")); ok {
		t.Error("should not find a after purge")
	}
	if _, ok := u.Get(key("b")); ok {
		t.Error("should not find b after purge")
	}
}
