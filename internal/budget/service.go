// Package budget enforces the monthly spend cap on top of the ledger store.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	roastguard "github.com/eugener/roastguard/internal"
	"github.com/eugener/roastguard/internal/quota"
	"github.com/eugener/roastguard/internal/storage"
)

// Notifier receives budget alerts. Implementations must not block.
type Notifier interface {
	Notify(a roastguard.BudgetAlert)
}

// Service wraps a LedgerStore with month bucketing and threshold alerts.
type Service struct {
	ledger   storage.LedgerStore
	policy   *quota.Holder
	notifier Notifier
	now      func() time.Time

	mu     sync.Mutex
	warned map[string]roastguard.AlertKind // month -> highest alert sent
}

// New creates a Service. notifier may be nil.
func New(ledger storage.LedgerStore, policy *quota.Holder, notifier Notifier) *Service {
	return &Service{
		ledger:   ledger,
		policy:   policy,
		notifier: notifier,
		now:      time.Now,
		warned:   make(map[string]roastguard.AlertKind),
	}
}

// Reserve withholds estimate from the headroom of the month containing at.
func (s *Service) Reserve(ctx context.Context, id string, estimate roastguard.Micros, at time.Time) (roastguard.BudgetResult, error) {
	p := s.policy.Load()
	return s.ledger.CheckAndReserve(ctx, id, p.MonthBucket(at), estimate, p.MonthlyBudget)
}

// Confirm records actual spend for reservation id and checks the warning
// threshold.
func (s *Service) Confirm(ctx context.Context, id string, actual roastguard.Micros) (*roastguard.SpendEvent, error) {
	ev, err := s.ledger.ConfirmSpend(ctx, id, actual)
	if err != nil {
		return nil, err
	}
	s.checkThreshold(ctx, ev.Month)
	return ev, nil
}

// Release drops reservation id without spend.
func (s *Service) Release(ctx context.Context, id string) error {
	return s.ledger.ReleaseSpend(ctx, id)
}

func (s *Service) checkThreshold(ctx context.Context, month string) {
	p := s.policy.Load()
	if p.WarningPct <= 0 {
		return
	}
	total, err := s.ledger.MonthTotal(ctx, month)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "budget threshold check failed",
			slog.String("month", month),
			slog.String("error", err.Error()),
		)
		return
	}

	pct := percent(total.Committed, p.MonthlyBudget)
	var kind roastguard.AlertKind
	switch {
	case total.Committed >= p.MonthlyBudget:
		kind = roastguard.AlertExhausted
	case pct >= p.WarningPct:
		kind = roastguard.AlertWarning
	default:
		return
	}

	s.mu.Lock()
	prev := s.warned[month]
	if prev == kind || prev == roastguard.AlertExhausted {
		s.mu.Unlock()
		return
	}
	s.warned[month] = kind
	s.mu.Unlock()

	slog.LogAttrs(ctx, slog.LevelWarn, "monthly budget threshold crossed",
		slog.String("kind", string(kind)),
		slog.String("month", month),
		slog.String("spent", total.Committed.String()),
		slog.String("cap", p.MonthlyBudget.String()),
		slog.Float64("percent", pct),
	)
	if s.notifier != nil {
		s.notifier.Notify(roastguard.BudgetAlert{
			Kind:    kind,
			Month:   month,
			Spent:   total.Committed,
			Cap:     p.MonthlyBudget,
			Percent: pct,
			At:      s.now(),
		})
	}
}

// Summary is the operator view of the current month.
type Summary struct {
	Month       string                  `json:"month"`
	Committed   roastguard.Micros       `json:"committed_micros"`
	Reserved    roastguard.Micros       `json:"reserved_micros"`
	Cap         roastguard.Micros       `json:"cap_micros"`
	Remaining   roastguard.Micros       `json:"remaining_micros"`
	Percent     float64                 `json:"percent"`
	Projected   roastguard.Micros       `json:"projected_micros"`
	DaysInMonth int                     `json:"days_in_month"`
	EventCount  int64                   `json:"event_count"`
	History     []roastguard.MonthTotal `json:"history,omitempty"`
}

// Summarize reports the month containing at, with up to historyLen past
// months.
func (s *Service) Summarize(ctx context.Context, at time.Time, historyLen int) (*Summary, error) {
	p := s.policy.Load()
	month := p.MonthBucket(at)
	total, err := s.ledger.MonthTotal(ctx, month)
	if err != nil {
		return nil, err
	}

	elapsed, days := p.MonthProgress(at)
	sum := &Summary{
		Month:       month,
		Committed:   total.Committed,
		Reserved:    total.Reserved,
		Cap:         p.MonthlyBudget,
		Remaining:   max(p.MonthlyBudget-total.Outstanding(), 0),
		Percent:     percent(total.Committed, p.MonthlyBudget),
		Projected:   project(total.Committed, elapsed),
		DaysInMonth: days,
		EventCount:  total.EventCount,
	}
	if historyLen > 0 {
		sum.History, err = s.ledger.ListMonthTotals(ctx, historyLen)
		if err != nil {
			return nil, err
		}
	}
	return sum, nil
}

// Audit compares a month's maintained total with its spend event log.
type Audit struct {
	Month     string            `json:"month"`
	Committed roastguard.Micros `json:"committed_micros"`
	EventSum  roastguard.Micros `json:"event_sum_micros"`
	Reserved  roastguard.Micros `json:"reserved_micros"`
	// Drift is Committed minus EventSum; anything but zero means the
	// maintained total was changed outside ConfirmSpend.
	Drift roastguard.Micros `json:"drift_micros"`
}

// Audit recomputes the committed spend of the month containing at from
// its events. Drift is logged at error level.
func (s *Service) Audit(ctx context.Context, at time.Time) (*Audit, error) {
	month := s.policy.Load().MonthBucket(at)
	total, err := s.ledger.MonthTotal(ctx, month)
	if err != nil {
		return nil, err
	}
	sum, err := s.ledger.SumSpendEvents(ctx, month)
	if err != nil {
		return nil, err
	}
	a := &Audit{
		Month:     month,
		Committed: total.Committed,
		EventSum:  sum,
		Reserved:  total.Reserved,
		Drift:     total.Committed - sum,
	}
	if a.Drift != 0 {
		slog.LogAttrs(ctx, slog.LevelError, "budget ledger drift",
			slog.String("month", month),
			slog.Int64("committed_micros", int64(a.Committed)),
			slog.Int64("event_sum_micros", int64(a.EventSum)),
		)
	}
	return a, nil
}

func percent(spent, limit roastguard.Micros) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(spent) * 100 / float64(limit)
}

// project extrapolates spend linearly to the end of the month.
func project(spent roastguard.Micros, elapsed float64) roastguard.Micros {
	if elapsed <= 0 {
		return spent
	}
	return roastguard.Micros(float64(spent) / elapsed)
}
