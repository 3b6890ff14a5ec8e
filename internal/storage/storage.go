// Package storage defines persistence interfaces for the admission engine.
package storage

import (
	"context"
	"time"

	roastguard "github.com/eugener/roastguard/internal"
)

// CounterStore holds per-(scope, key, day) usage counters.
type CounterStore interface {
	// Reserve increments the counter only if its current value is strictly
	// below limit, as one atomic step.
	Reserve(ctx context.Context, key roastguard.CounterKey, limit int64) (roastguard.CounterResult, error)
	// Confirm finalizes a reservation. The count is unchanged.
	Confirm(ctx context.Context, key roastguard.CounterKey) error
	// Release undoes a reservation that never completed.
	Release(ctx context.Context, key roastguard.CounterKey) error
	Count(ctx context.Context, key roastguard.CounterKey) (int64, error)
	// Pending returns the number of unsettled reservations on the counter.
	Pending(ctx context.Context, key roastguard.CounterKey) (int64, error)
	// DeleteCountersBefore removes counters whose day precedes day.
	DeleteCountersBefore(ctx context.Context, day string) (int64, error)
}

// LedgerStore holds budget reservations, spend events and monthly totals.
type LedgerStore interface {
	// CheckAndReserve withholds estimate from the month's headroom only if
	// committed + reserved + estimate <= limit, as one atomic step.
	CheckAndReserve(ctx context.Context, id, month string, estimate, limit roastguard.Micros) (roastguard.BudgetResult, error)
	// ConfirmSpend replaces the reservation's estimate with actual and
	// appends a spend event in one transaction.
	ConfirmSpend(ctx context.Context, id string, actual roastguard.Micros) (*roastguard.SpendEvent, error)
	// ReleaseSpend drops the reservation's estimate without spend.
	ReleaseSpend(ctx context.Context, id string) error
	MonthTotal(ctx context.Context, month string) (roastguard.MonthTotal, error)
	ListMonthTotals(ctx context.Context, limit int) ([]roastguard.MonthTotal, error)
	ListSpendEvents(ctx context.Context, month string, limit int) ([]roastguard.SpendEvent, error)
	// SumSpendEvents recomputes the month's committed total from the event
	// log.
	SumSpendEvents(ctx context.Context, month string) (roastguard.Micros, error)
	// ListOrphanReservations returns pending budget reservations created
	// before cutoff whose admission is missing or already settled.
	ListOrphanReservations(ctx context.Context, cutoff time.Time, limit int) ([]roastguard.BudgetReservation, error)
}

// SwitchStore holds the singleton kill switch record.
type SwitchStore interface {
	GetSwitch(ctx context.Context) (roastguard.SwitchState, error)
	SetSwitch(ctx context.Context, engaged bool, operator string) (roastguard.SwitchState, error)
}

// AdmissionStore holds durable admission handles.
type AdmissionStore interface {
	CreateAdmission(ctx context.Context, a *roastguard.Admission) error
	GetAdmission(ctx context.Context, id string) (*roastguard.Admission, error)
	// SettleAdmission moves a pending admission to state. Exactly one caller
	// wins; later callers get ErrReservationSettled.
	SettleAdmission(ctx context.Context, id string, state roastguard.ReservationState) (*roastguard.Admission, error)
	// ListPendingBefore returns pending admissions created before cutoff.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*roastguard.Admission, error)
	CountPendingAdmissions(ctx context.Context) (int64, error)
	DeleteSettledBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store combines all storage interfaces.
type Store interface {
	CounterStore
	LedgerStore
	SwitchStore
	AdmissionStore
	Ping(ctx context.Context) error
	Close() error
}
