package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	roastguard "github.com/eugener/roastguard/internal"
)

const admissionCols = `id, session_key, ip_key, day, month, estimate_micros, state, created_at, settled_at`

// CreateAdmission persists a new admission handle.
func (s *Store) CreateAdmission(ctx context.Context, a *roastguard.Admission) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO admissions (`+admissionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		a.ID, a.SessionKey, a.IPKey, a.Day, a.Month, int64(a.Estimate),
		string(a.State), formatTime(a.CreatedAt),
	)
	return err
}

// GetAdmission returns an admission by ID.
func (s *Store) GetAdmission(ctx context.Context, id string) (*roastguard.Admission, error) {
	a, err := scanAdmission(s.read.QueryRowContext(ctx,
		`SELECT `+admissionCols+` FROM admissions WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, roastguard.ErrUnknownReservation
	}
	return a, err
}

// SettleAdmission transitions a pending admission to state. The WHERE
// clause on state makes confirm, release and the watchdog mutually
// exclusive.
func (s *Store) SettleAdmission(ctx context.Context, id string, state roastguard.ReservationState) (*roastguard.Admission, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	a, err := scanAdmission(tx.QueryRowContext(ctx,
		`UPDATE admissions SET state = ?, settled_at = ?
		 WHERE id = ? AND state = ?
		 RETURNING `+admissionCols,
		string(state), s.timestamp(), id, string(roastguard.StatePending),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, missingOrSettled(ctx, tx, "admissions", id)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return a, nil
}

// ListPendingBefore returns up to limit pending admissions created before
// cutoff, oldest first.
func (s *Store) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*roastguard.Admission, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+admissionCols+` FROM admissions
		 WHERE state = ? AND created_at < ?
		 ORDER BY created_at LIMIT ?`,
		string(roastguard.StatePending), formatTime(cutoff), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*roastguard.Admission
	for rows.Next() {
		a, err := scanAdmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountPendingAdmissions returns the number of unsettled admissions.
func (s *Store) CountPendingAdmissions(ctx context.Context) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM admissions WHERE state = ?`, string(roastguard.StatePending),
	).Scan(&n)
	return n, err
}

// DeleteSettledBefore removes settled admissions created before cutoff.
func (s *Store) DeleteSettledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM admissions WHERE state != ? AND created_at < ?`,
		string(roastguard.StatePending), formatTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAdmission(row rowScanner) (*roastguard.Admission, error) {
	var a roastguard.Admission
	var estimate int64
	var state, createdAt string
	var settledAt sql.NullString
	err := row.Scan(&a.ID, &a.SessionKey, &a.IPKey, &a.Day, &a.Month, &estimate,
		&state, &createdAt, &settledAt)
	if err != nil {
		return nil, err
	}
	a.Estimate = roastguard.Micros(estimate)
	a.State = roastguard.ReservationState(state)
	a.CreatedAt = parseTime(createdAt)
	if settledAt.Valid {
		t := parseTime(settledAt.String)
		a.SettledAt = &t
	}
	return &a, nil
}
