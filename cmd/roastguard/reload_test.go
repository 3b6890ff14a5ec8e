package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/eugener/roastguard/internal/config"
	"github.com/eugener/roastguard/internal/quota"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

const reloadBefore = `
policy:
  session: {max: 3, window: day}
pricing:
  models:
    house: {input_per_mtok: "1.00", output_per_mtok: "2.00"}
`

const reloadAfter = `
policy:
  session: {max: 7, window: day}
pricing:
  models:
    house: {input_per_mtok: "4.00", output_per_mtok: "8.00"}
`

func TestReloaderSwapsPolicyAndPricingTogether(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "roastguard.yaml")
	writeConfig(t, path, reloadBefore)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	p, err := buildPolicy(cfg)
	if err != nil {
		t.Fatal(err)
	}
	holder, err := quota.NewHolder(p)
	if err != nil {
		t.Fatal(err)
	}
	r := newReloader(path, holder)

	writeConfig(t, path, reloadAfter)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for range 8 {
		wg.Go(func() {
			if err := r.Reload(context.Background()); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	// Readers must never see new limits with old prices.
	for range 200 {
		cur := holder.Load()
		in := cur.Pricing.Models["house"].InputPerMTok
		if (cur.Session.Max == 7) != in.Equal(decimal.NewFromInt(4)) {
			t.Fatalf("mixed snapshot: session %d with input price %s", cur.Session.Max, in)
		}
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatal(errs)
	}

	cur := holder.Load()
	if cur.Session.Max != 7 {
		t.Errorf("session max = %d, want 7", cur.Session.Max)
	}
	if got := cur.Pricing.Models["house"].OutputPerMTok; !got.Equal(decimal.NewFromInt(8)) {
		t.Errorf("output price = %s, want 8", got)
	}
}

func TestReloaderKeepsPolicyOnBadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "roastguard.yaml")
	writeConfig(t, path, reloadBefore)
	cfg, _ := config.Load(path)
	p, err := buildPolicy(cfg)
	if err != nil {
		t.Fatal(err)
	}
	holder, _ := quota.NewHolder(p)

	writeConfig(t, path, `
pricing:
  models:
    house: {input_per_mtok: "cheap", output_per_mtok: "2.00"}
`)
	if err := newReloader(path, holder).Reload(context.Background()); err == nil {
		t.Fatal("expected error for unparsable price")
	}
	if holder.Load() != p {
		t.Error("failed reload replaced the running policy")
	}
}
