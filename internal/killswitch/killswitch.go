// Package killswitch serves the operator kill switch with a cached hot path.
//
// In cached mode State never touches the store: it reads a snapshot that a
// background refresher replaces every few seconds, so a Set made by another
// process takes effect within one refresh interval. A snapshot older than
// MaxStaleness yields ErrStale, and Engaged reads it as engaged.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	roastguard "github.com/eugener/roastguard/internal"
	"github.com/eugener/roastguard/internal/storage"
)

// Options configures a Switch.
type Options struct {
	// Direct bypasses the cache and reads the store on every check.
	Direct bool
	// MaxStaleness bounds how old a cached snapshot may be before the
	// switch fails closed.
	MaxStaleness time.Duration
}

type snapshot struct {
	state     roastguard.SwitchState
	fetchedAt time.Time
}

// Switch is the kill switch.
type Switch struct {
	store    storage.SwitchStore
	direct   bool
	maxStale time.Duration
	snap     atomic.Pointer[snapshot]
	now      func() time.Time
}

// New creates a Switch backed by store. Until the first successful
// Refresh, a cached Switch reports engaged.
func New(store storage.SwitchStore, opts Options) *Switch {
	if opts.MaxStaleness <= 0 {
		opts.MaxStaleness = 10 * time.Second
	}
	return &Switch{
		store:    store,
		direct:   opts.Direct,
		maxStale: opts.MaxStaleness,
		now:      time.Now,
	}
}

// ErrStale reports that no snapshot fresher than MaxStaleness is held.
var ErrStale = errors.New("killswitch: state is stale")

// State reports whether paid calls are disabled service-wide. A non-nil
// error means the state is unknown: the store read failed in direct mode,
// or the cached snapshot is missing or stale.
func (s *Switch) State(ctx context.Context) (bool, error) {
	if s.direct {
		st, err := s.store.GetSwitch(ctx)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "kill switch read failed, failing closed",
				slog.String("error", err.Error()),
			)
			return false, fmt.Errorf("killswitch: read: %w", err)
		}
		return st.Engaged, nil
	}

	snap := s.snap.Load()
	if snap == nil {
		return false, ErrStale
	}
	if age := s.now().Sub(snap.fetchedAt); age > s.maxStale {
		return false, fmt.Errorf("%w: snapshot is %s old", ErrStale, age.Truncate(time.Millisecond))
	}
	return snap.state.Engaged, nil
}

// Engaged is State with doubt resolved as engaged.
func (s *Switch) Engaged(ctx context.Context) bool {
	engaged, err := s.State(ctx)
	return engaged || err != nil
}

// Refresh reloads the snapshot from the store.
func (s *Switch) Refresh(ctx context.Context) error {
	st, err := s.store.GetSwitch(ctx)
	if err != nil {
		return err
	}
	prev := s.snap.Swap(&snapshot{state: st, fetchedAt: s.now()})
	if prev != nil && prev.state.Engaged != st.Engaged {
		slog.LogAttrs(ctx, slog.LevelWarn, "kill switch changed",
			slog.Bool("engaged", st.Engaged),
			slog.String("updated_by", st.UpdatedBy),
		)
	}
	return nil
}

// Set durably records the switch state and updates the local snapshot so
// this process observes the change immediately.
func (s *Switch) Set(ctx context.Context, engaged bool, operator string) (roastguard.SwitchState, error) {
	st, err := s.store.SetSwitch(ctx, engaged, operator)
	if err != nil {
		return st, err
	}
	s.snap.Store(&snapshot{state: st, fetchedAt: s.now()})
	slog.LogAttrs(ctx, slog.LevelWarn, "kill switch set",
		slog.Bool("engaged", engaged),
		slog.String("operator", operator),
	)
	return st, nil
}

// Snapshot returns the cached state and when it was fetched (zero time if
// never).
func (s *Switch) Snapshot() (roastguard.SwitchState, time.Time) {
	snap := s.snap.Load()
	if snap == nil {
		return roastguard.SwitchState{}, time.Time{}
	}
	return snap.state, snap.fetchedAt
}
