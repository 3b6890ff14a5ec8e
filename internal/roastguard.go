// Package roastguard defines domain types for the roastguard admission engine.
// This package has no project imports -- it is the dependency root.
package roastguard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
)

// --- Scopes and identity ---

// Scope is an identity dimension under which a daily quota is tracked.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeIP      Scope = "ip"
	ScopeGlobal  Scope = "global"
)

// GlobalKey is the singleton bucket key for ScopeGlobal.
const GlobalKey = "*"

// Identity is the caller identity resolved by the request-handling layer.
type Identity struct {
	SessionKey string `json:"session_key"` // opaque signed id issued to the client
	IPKey      string `json:"ip_key"`      // HashIP of the client address
}

// HashIP returns a short stable hash of a client address. Raw addresses are
// never persisted.
func HashIP(addr string) string {
	h := sha256.Sum256([]byte(addr))
	return hex.EncodeToString(h[:])[:16]
}

// CounterKey addresses a single counter record.
type CounterKey struct {
	Scope Scope
	Key   string
	Day   string // YYYY-MM-DD in the policy time zone
}

// CounterResult is the outcome of a conditional counter increment.
type CounterResult struct {
	Reserved bool
	Count    int64 // post-increment value when reserved, current value when denied
}

// --- Money ---

// Micros is an amount of US dollars in millionths. Stored amounts are
// integers so conditional updates compare exactly.
type Micros int64

// MicrosPerUSD is the number of Micros in one dollar.
const MicrosPerUSD = 1_000_000

// ParseUSD parses a decimal dollar string such as "20.00", rounding up to
// the next whole Micro.
func ParseUSD(s string) (Micros, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return MicrosFromDecimal(d), nil
}

// MicrosFromDecimal converts a dollar amount to Micros, rounding up.
func MicrosFromDecimal(usd decimal.Decimal) Micros {
	return Micros(usd.Mul(decimal.NewFromInt(MicrosPerUSD)).Ceil().IntPart())
}

// Decimal returns the amount in dollars.
func (m Micros) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -6)
}

// String formats the amount as dollars with cent precision, e.g. "$0.37".
func (m Micros) String() string {
	return "$" + m.Decimal().StringFixed(2)
}

// --- Budget ---

// ReservationState is the lifecycle state of a reservation.
type ReservationState string

const (
	StatePending   ReservationState = "pending"
	StateConfirmed ReservationState = "confirmed"
	StateReleased  ReservationState = "released"
)

// BudgetResult is the outcome of a budget check-and-reserve.
type BudgetResult struct {
	Reserved bool
	Total    Micros // committed + reserved after the call
}

// BudgetReservation is a pending hold on a month's headroom. HandleState is
// the state of the admission sharing its id, empty when no such admission
// was ever recorded.
type BudgetReservation struct {
	ID          string
	Month       string
	Estimate    Micros
	CreatedAt   time.Time
	HandleState ReservationState
}

// MonthTotal is the maintained spend total for one calendar month.
type MonthTotal struct {
	Month      string    `json:"month"` // YYYY-MM
	Committed  Micros    `json:"committed_micros"`
	Reserved   Micros    `json:"reserved_micros"`
	EventCount int64     `json:"event_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Outstanding returns committed plus in-flight reserved spend.
func (t MonthTotal) Outstanding() Micros { return t.Committed + t.Reserved }

// SpendEvent is an immutable record of actual spend.
type SpendEvent struct {
	ID            string    `json:"id"`
	Month         string    `json:"month"`
	Amount        Micros    `json:"amount_micros"`
	ReservationID string    `json:"reservation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// AlertKind classifies a budget alert.
type AlertKind string

const (
	AlertWarning   AlertKind = "budget_warning"
	AlertExhausted AlertKind = "budget_exhausted"
)

// BudgetAlert is published when monthly spend crosses the warning
// threshold or the cap.
type BudgetAlert struct {
	Kind    AlertKind `json:"kind"`
	Month   string    `json:"month"`
	Spent   Micros    `json:"spent_micros"`
	Cap     Micros    `json:"cap_micros"`
	Percent float64   `json:"percent"`
	At      time.Time `json:"at"`
}

// --- Kill switch ---

// SwitchState is the durable kill switch record. Engaged means paid calls
// are disabled service-wide.
type SwitchState struct {
	Engaged   bool      `json:"engaged"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}

// --- Admission ---

// Reason is the machine-readable code attached to a denial.
type Reason string

const (
	ReasonServiceDisabled   Reason = "service_disabled"
	ReasonBudgetExhausted   Reason = "budget_exhausted"
	ReasonGlobalCapReached  Reason = "global_cap_reached"
	ReasonIPCapReached      Reason = "ip_cap_reached"
	ReasonSessionCapReached Reason = "session_cap_reached"
	ReasonStoreUnavailable  Reason = "store_unavailable"
)

// Retryable reports whether retrying later can ever succeed without
// operator action.
func (r Reason) Retryable() bool {
	return r != ReasonServiceDisabled
}

// Admission is the durable reservation handle bundling every resource
// acquired for one admitted request.
type Admission struct {
	ID         string           `json:"id"`
	SessionKey string           `json:"session_key"`
	IPKey      string           `json:"ip_key"`
	Day        string           `json:"day"`
	Month      string           `json:"month"`
	Estimate   Micros           `json:"estimate_micros"`
	State      ReservationState `json:"state"`
	CreatedAt  time.Time        `json:"created_at"`
	SettledAt  *time.Time       `json:"settled_at,omitempty"`
}

// CounterKeys returns the counter records held by the admission, in the
// order they were acquired.
func (a *Admission) CounterKeys() []CounterKey {
	return []CounterKey{
		{Scope: ScopeGlobal, Key: GlobalKey, Day: a.Day},
		{Scope: ScopeIP, Key: a.IPKey, Day: a.Day},
		{Scope: ScopeSession, Key: a.SessionKey, Day: a.Day},
	}
}

// Decision is the result of one admission attempt. Exactly one of Handle
// (admitted) or Reason (denied) is set.
type Decision struct {
	Admitted   bool
	Handle     *Admission
	Reason     Reason
	RetryAfter time.Time // zero when no retry is sensible
	Hint       string
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}
