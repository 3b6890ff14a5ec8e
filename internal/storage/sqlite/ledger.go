package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	roastguard "github.com/eugener/roastguard/internal"
)

// CheckAndReserve withholds estimate from month's headroom when
// committed + reserved + estimate stays within limit. The month row upsert,
// the conditional update and the reservation insert share one immediate
// transaction.
func (s *Store) CheckAndReserve(ctx context.Context, id, month string, estimate, limit roastguard.Micros) (roastguard.BudgetResult, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return roastguard.BudgetResult{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.timestamp()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO monthly_spend (month, updated_at) VALUES (?, ?)
		 ON CONFLICT (month) DO NOTHING`, month, now,
	); err != nil {
		return roastguard.BudgetResult{}, err
	}

	var total int64
	err = tx.QueryRowContext(ctx,
		`UPDATE monthly_spend SET reserved_micros = reserved_micros + ?, updated_at = ?
		 WHERE month = ? AND committed_micros + reserved_micros + ? <= ?
		 RETURNING committed_micros + reserved_micros`,
		int64(estimate), now, month, int64(estimate), int64(limit),
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.QueryRowContext(ctx,
			`SELECT committed_micros + reserved_micros FROM monthly_spend WHERE month = ?`, month,
		).Scan(&total); err != nil {
			return roastguard.BudgetResult{}, err
		}
		return roastguard.BudgetResult{Total: roastguard.Micros(total)}, tx.Commit()
	}
	if err != nil {
		return roastguard.BudgetResult{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO budget_reservations (id, month, estimate_micros, state, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, month, int64(estimate), string(roastguard.StatePending), now,
	); err != nil {
		return roastguard.BudgetResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return roastguard.BudgetResult{}, err
	}
	return roastguard.BudgetResult{Reserved: true, Total: roastguard.Micros(total)}, nil
}

// ConfirmSpend settles a pending reservation at actual cost and appends
// the spend event.
func (s *Store) ConfirmSpend(ctx context.Context, id string, actual roastguard.Micros) (*roastguard.SpendEvent, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.timestamp()
	month, estimate, err := settleReservation(ctx, tx, id, roastguard.StateConfirmed, &actual, now)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE monthly_spend SET
		 reserved_micros = reserved_micros - ?,
		 committed_micros = committed_micros + ?,
		 event_count = event_count + 1,
		 updated_at = ?
		 WHERE month = ?`,
		estimate, int64(actual), now, month,
	); err != nil {
		return nil, err
	}

	ev := &roastguard.SpendEvent{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Month:         month,
		Amount:        actual,
		ReservationID: id,
		CreatedAt:     parseTime(now),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO spend_events (id, month, amount_micros, reservation_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.Month, int64(ev.Amount), ev.ReservationID, now,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ev, nil
}

// ReleaseSpend settles a pending reservation without spend, returning its
// estimate to the month's headroom.
func (s *Store) ReleaseSpend(ctx context.Context, id string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.timestamp()
	month, estimate, err := settleReservation(ctx, tx, id, roastguard.StateReleased, nil, now)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE monthly_spend SET reserved_micros = reserved_micros - ?, updated_at = ?
		 WHERE month = ?`,
		estimate, now, month,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// settleReservation moves a pending budget reservation to state and returns
// its month and estimate.
func settleReservation(ctx context.Context, tx *sql.Tx, id string, state roastguard.ReservationState, actual *roastguard.Micros, now string) (string, int64, error) {
	var actualArg any
	if actual != nil {
		actualArg = int64(*actual)
	}
	var month string
	var estimate int64
	err := tx.QueryRowContext(ctx,
		`UPDATE budget_reservations SET state = ?, actual_micros = ?, settled_at = ?
		 WHERE id = ? AND state = ?
		 RETURNING month, estimate_micros`,
		string(state), actualArg, now, id, string(roastguard.StatePending),
	).Scan(&month, &estimate)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, missingOrSettled(ctx, tx, "budget_reservations", id)
	}
	return month, estimate, err
}

// missingOrSettled distinguishes an unknown id from one already settled.
// table is always a constant from this package.
func missingOrSettled(ctx context.Context, tx *sql.Tx, table, id string) error {
	var state string
	err := tx.QueryRowContext(ctx, `SELECT state FROM `+table+` WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return roastguard.ErrUnknownReservation
	}
	if err != nil {
		return err
	}
	return roastguard.ErrReservationSettled
}

// MonthTotal returns the maintained total for month (zero if none yet).
func (s *Store) MonthTotal(ctx context.Context, month string) (roastguard.MonthTotal, error) {
	t := roastguard.MonthTotal{Month: month}
	var committed, reserved int64
	var updatedAt string
	err := s.read.QueryRowContext(ctx,
		`SELECT committed_micros, reserved_micros, event_count, updated_at
		 FROM monthly_spend WHERE month = ?`, month,
	).Scan(&committed, &reserved, &t.EventCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, nil
	}
	if err != nil {
		return t, err
	}
	t.Committed = roastguard.Micros(committed)
	t.Reserved = roastguard.Micros(reserved)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

// ListMonthTotals returns the most recent months first.
func (s *Store) ListMonthTotals(ctx context.Context, limit int) ([]roastguard.MonthTotal, error) {
	if limit <= 0 {
		limit = 12
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT month, committed_micros, reserved_micros, event_count, updated_at
		 FROM monthly_spend ORDER BY month DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []roastguard.MonthTotal
	for rows.Next() {
		var t roastguard.MonthTotal
		var committed, reserved int64
		var updatedAt string
		if err := rows.Scan(&t.Month, &committed, &reserved, &t.EventCount, &updatedAt); err != nil {
			return nil, err
		}
		t.Committed = roastguard.Micros(committed)
		t.Reserved = roastguard.Micros(reserved)
		t.UpdatedAt = parseTime(updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListSpendEvents returns month's spend events, newest first.
func (s *Store) ListSpendEvents(ctx context.Context, month string, limit int) ([]roastguard.SpendEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, month, amount_micros, reservation_id, created_at
		 FROM spend_events WHERE month = ? ORDER BY created_at DESC LIMIT ?`, month, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []roastguard.SpendEvent
	for rows.Next() {
		var e roastguard.SpendEvent
		var amount int64
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Month, &amount, &e.ReservationID, &createdAt); err != nil {
			return nil, err
		}
		e.Amount = roastguard.Micros(amount)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SumSpendEvents recomputes month's committed total from the event log.
func (s *Store) SumSpendEvents(ctx context.Context, month string) (roastguard.Micros, error) {
	var total int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_micros), 0) FROM spend_events WHERE month = ?`, month,
	).Scan(&total)
	return roastguard.Micros(total), err
}

// ListOrphanReservations returns up to limit pending budget reservations
// created before cutoff that no pending admission accounts for, oldest
// first. A reservation and its admission share an id.
func (s *Store) ListOrphanReservations(ctx context.Context, cutoff time.Time, limit int) ([]roastguard.BudgetReservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT r.id, r.month, r.estimate_micros, r.created_at, COALESCE(a.state, '')
		 FROM budget_reservations r LEFT JOIN admissions a ON a.id = r.id
		 WHERE r.state = ? AND r.created_at < ? AND (a.id IS NULL OR a.state != ?)
		 ORDER BY r.created_at LIMIT ?`,
		string(roastguard.StatePending), formatTime(cutoff), string(roastguard.StatePending), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []roastguard.BudgetReservation
	for rows.Next() {
		var r roastguard.BudgetReservation
		var estimate int64
		var createdAt, handle string
		if err := rows.Scan(&r.ID, &r.Month, &estimate, &createdAt, &handle); err != nil {
			return nil, err
		}
		r.Estimate = roastguard.Micros(estimate)
		r.CreatedAt = parseTime(createdAt)
		r.HandleState = roastguard.ReservationState(handle)
		out = append(out, r)
	}
	return out, rows.Err()
}
