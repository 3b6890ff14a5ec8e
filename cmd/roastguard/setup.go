package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/eugener/roastguard/internal/config"
	"github.com/eugener/roastguard/internal/quota"
	"github.com/eugener/roastguard/internal/storage/sqlite"
)

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log format %q: want json or text", cfg.Format)
	}
}

// openStore loads the config, validates the policy and opens the store.
// Used by the one-shot operator commands.
func openStore(configPath string) (*config.Config, *quota.Policy, *sqlite.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	p, err := cfg.BuildPolicy()
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, p, store, nil
}
