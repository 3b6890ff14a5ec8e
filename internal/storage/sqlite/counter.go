package sqlite

import (
	"context"
	"database/sql"
	"errors"

	roastguard "github.com/eugener/roastguard/internal"
)

// Reserve increments a counter if and only if it is below limit. The check
// and the increment are one UPSERT; a fresh bucket is created at 1.
func (s *Store) Reserve(ctx context.Context, key roastguard.CounterKey, limit int64) (roastguard.CounterResult, error) {
	if limit <= 0 {
		n, err := s.Count(ctx, key)
		return roastguard.CounterResult{Count: n}, err
	}

	var used int64
	err := s.write.QueryRowContext(ctx,
		`INSERT INTO counters (scope, bucket_key, day, used, pending, updated_at)
		 VALUES (?, ?, ?, 1, 1, ?)
		 ON CONFLICT (scope, bucket_key, day) DO UPDATE SET
		 used = used + 1,
		 pending = pending + 1,
		 updated_at = excluded.updated_at
		 WHERE used < ?
		 RETURNING used`,
		string(key.Scope), key.Key, key.Day, s.timestamp(), limit,
	).Scan(&used)
	switch {
	case err == nil:
		return roastguard.CounterResult{Reserved: true, Count: used}, nil
	case errors.Is(err, sql.ErrNoRows):
		// Conflict row exists and is at or above limit; nothing was written.
		n, err := s.Count(ctx, key)
		return roastguard.CounterResult{Count: n}, err
	default:
		return roastguard.CounterResult{}, err
	}
}

// Confirm marks one pending reservation on the counter as finalized.
func (s *Store) Confirm(ctx context.Context, key roastguard.CounterKey) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE counters SET pending = pending - 1, updated_at = ?
		 WHERE scope = ? AND bucket_key = ? AND day = ? AND pending > 0`,
		s.timestamp(), string(key.Scope), key.Key, key.Day,
	)
	return pendingResult(res, err)
}

// Release undoes one pending reservation, restoring the pre-reserve count.
func (s *Store) Release(ctx context.Context, key roastguard.CounterKey) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE counters SET used = used - 1, pending = pending - 1, updated_at = ?
		 WHERE scope = ? AND bucket_key = ? AND day = ? AND used > 0 AND pending > 0`,
		s.timestamp(), string(key.Scope), key.Key, key.Day,
	)
	return pendingResult(res, err)
}

func pendingResult(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return roastguard.ErrNothingPending
	}
	return nil
}

// Count returns the counter's current value (0 for a bucket never used).
func (s *Store) Count(ctx context.Context, key roastguard.CounterKey) (int64, error) {
	var used int64
	err := s.read.QueryRowContext(ctx,
		`SELECT used FROM counters WHERE scope = ? AND bucket_key = ? AND day = ?`,
		string(key.Scope), key.Key, key.Day,
	).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return used, err
}

// Pending returns the number of unsettled reservations on the counter.
func (s *Store) Pending(ctx context.Context, key roastguard.CounterKey) (int64, error) {
	var pending int64
	err := s.read.QueryRowContext(ctx,
		`SELECT pending FROM counters WHERE scope = ? AND bucket_key = ? AND day = ?`,
		string(key.Scope), key.Key, key.Day,
	).Scan(&pending)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return pending, err
}

// DeleteCountersBefore removes counters for days before day. Such buckets
// are never looked up again; this only reclaims space.
func (s *Store) DeleteCountersBefore(ctx context.Context, day string) (int64, error) {
	res, err := s.write.ExecContext(ctx, `DELETE FROM counters WHERE day < ? AND pending = 0`, day)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
