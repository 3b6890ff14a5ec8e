// Package testutil provides configurable test fakes for roastguard interfaces.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	roastguard "github.com/eugener/roastguard/internal"
	"github.com/eugener/roastguard/internal/storage"
	"github.com/eugener/roastguard/internal/storage/sqlite"
)

// NewStore opens a migrated SQLite store in a per-test temp directory.
func NewStore(t testing.TB) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(t.TempDir() + "/roastguard.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// FaultyStore wraps a storage.Store and fails selected methods on demand.
type FaultyStore struct {
	storage.Store

	mu     sync.Mutex
	faults map[string]error
	calls  map[string]int
}

// NewFaultyStore wraps s with no faults armed.
func NewFaultyStore(s storage.Store) *FaultyStore {
	return &FaultyStore{Store: s, faults: make(map[string]error), calls: make(map[string]int)}
}

// FailOn makes method return err until cleared with FailOn(method, nil).
func (f *FaultyStore) FailOn(method string, err error) {
	f.mu.Lock()
	if err == nil {
		delete(f.faults, method)
	} else {
		f.faults[method] = err
	}
	f.mu.Unlock()
}

// Calls reports how many times method was invoked.
func (f *FaultyStore) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *FaultyStore) fault(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	return f.faults[method]
}

// --- CounterStore ---

func (f *FaultyStore) Reserve(ctx context.Context, key roastguard.CounterKey, limit int64) (roastguard.CounterResult, error) {
	if err := f.fault("Reserve"); err != nil {
		return roastguard.CounterResult{}, err
	}
	return f.Store.Reserve(ctx, key, limit)
}

func (f *FaultyStore) Confirm(ctx context.Context, key roastguard.CounterKey) error {
	if err := f.fault("Confirm"); err != nil {
		return err
	}
	return f.Store.Confirm(ctx, key)
}

func (f *FaultyStore) Release(ctx context.Context, key roastguard.CounterKey) error {
	if err := f.fault("Release"); err != nil {
		return err
	}
	return f.Store.Release(ctx, key)
}

func (f *FaultyStore) Count(ctx context.Context, key roastguard.CounterKey) (int64, error) {
	if err := f.fault("Count"); err != nil {
		return 0, err
	}
	return f.Store.Count(ctx, key)
}

// --- LedgerStore ---

func (f *FaultyStore) CheckAndReserve(ctx context.Context, id, month string, estimate, limit roastguard.Micros) (roastguard.BudgetResult, error) {
	if err := f.fault("CheckAndReserve"); err != nil {
		return roastguard.BudgetResult{}, err
	}
	return f.Store.CheckAndReserve(ctx, id, month, estimate, limit)
}

func (f *FaultyStore) ConfirmSpend(ctx context.Context, id string, actual roastguard.Micros) (*roastguard.SpendEvent, error) {
	if err := f.fault("ConfirmSpend"); err != nil {
		return nil, err
	}
	return f.Store.ConfirmSpend(ctx, id, actual)
}

func (f *FaultyStore) ReleaseSpend(ctx context.Context, id string) error {
	if err := f.fault("ReleaseSpend"); err != nil {
		return err
	}
	return f.Store.ReleaseSpend(ctx, id)
}

// --- SwitchStore ---

func (f *FaultyStore) GetSwitch(ctx context.Context) (roastguard.SwitchState, error) {
	if err := f.fault("GetSwitch"); err != nil {
		return roastguard.SwitchState{}, err
	}
	return f.Store.GetSwitch(ctx)
}

// --- AdmissionStore ---

func (f *FaultyStore) CreateAdmission(ctx context.Context, a *roastguard.Admission) error {
	if err := f.fault("CreateAdmission"); err != nil {
		return err
	}
	return f.Store.CreateAdmission(ctx, a)
}

func (f *FaultyStore) SettleAdmission(ctx context.Context, id string, state roastguard.ReservationState) (*roastguard.Admission, error) {
	if err := f.fault("SettleAdmission"); err != nil {
		return nil, err
	}
	return f.Store.SettleAdmission(ctx, id, state)
}

func (f *FaultyStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*roastguard.Admission, error) {
	if err := f.fault("ListPendingBefore"); err != nil {
		return nil, err
	}
	return f.Store.ListPendingBefore(ctx, cutoff, limit)
}

func (f *FaultyStore) Ping(ctx context.Context) error {
	if err := f.fault("Ping"); err != nil {
		return err
	}
	return f.Store.Ping(ctx)
}
