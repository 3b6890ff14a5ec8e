package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	roastguard "github.com/eugener/roastguard/internal"
	"github.com/eugener/roastguard/internal/quota"
	"github.com/eugener/roastguard/internal/storage"
)

// AdminKeyPrefix marks generated admin keys.
const AdminKeyPrefix = "rg_"

// Bootstrap verifies the store is reachable and logs the boot state of the
// kill switch and the current month's spend. The kill switch row is seeded
// by migration; a store that cannot read it fails the boot.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store, p *quota.Policy) (roastguard.SwitchState, error) {
	if err := store.Ping(ctx); err != nil {
		return roastguard.SwitchState{}, fmt.Errorf("ping store: %w", err)
	}
	st, err := store.GetSwitch(ctx)
	if err != nil {
		return st, fmt.Errorf("read kill switch: %w", err)
	}
	if st.Engaged {
		slog.Warn("kill switch is engaged, all admissions will be denied",
			"updated_by", st.UpdatedBy,
			"updated_at", st.UpdatedAt,
		)
	} else {
		slog.Info("kill switch released", "updated_by", st.UpdatedBy)
	}

	month := p.MonthBucket(time.Now())
	total, err := store.MonthTotal(ctx, month)
	if err != nil {
		return st, fmt.Errorf("read month total: %w", err)
	}
	slog.Info("monthly budget",
		"month", month,
		"committed", total.Committed.String(),
		"reserved", total.Reserved.String(),
		"cap", p.MonthlyBudget.String(),
	)

	if cfg.Auth.AdminKey == "" {
		slog.Warn("auth.admin_key is empty, admin routes are disabled")
	}
	return st, nil
}

// GenerateAdminKey creates a random admin key and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return AdminKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
