package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/eugener/roastguard/internal/config"
	"github.com/eugener/roastguard/internal/quota"
)

// buildPolicy converts cfg into a policy carrying its price table, so one
// Holder swap replaces limits and prices together.
func buildPolicy(cfg *config.Config) (*quota.Policy, error) {
	p, err := cfg.BuildPolicy()
	if err != nil {
		return nil, err
	}
	t, err := cfg.BuildPricing()
	if err != nil {
		return nil, err
	}
	p.Pricing = t
	return p, nil
}

// reloader re-reads the config file into holder. The file watcher and the
// admin endpoint share one reloader; the mutex keeps a slow read from
// installing an older file over a newer one.
type reloader struct {
	mu     sync.Mutex
	path   string
	holder *quota.Holder
}

func newReloader(path string, holder *quota.Holder) *reloader {
	return &reloader{path: path, holder: holder}
}

// Reload installs the policy and prices currently in the config file. On
// any error the running policy is left in place.
func (r *reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := config.Load(r.path)
	if err != nil {
		return err
	}
	p, err := buildPolicy(next)
	if err != nil {
		return err
	}
	if _, err := r.holder.Swap(p); err != nil {
		return err
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "policy reloaded",
		slog.Int64("session", p.Session.Max),
		slog.Int64("ip", p.IP.Max),
		slog.Int64("global", p.Global.Max),
		slog.String("monthly_budget", p.MonthlyBudget.String()),
		slog.Int("models", len(p.Pricing.Models)),
	)
	return nil
}
