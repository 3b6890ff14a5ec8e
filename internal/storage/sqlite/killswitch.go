package sqlite

import (
	"context"
	"database/sql"
	"errors"

	roastguard "github.com/eugener/roastguard/internal"
)

// GetSwitch returns the kill switch record. A missing row reads as
// disengaged, matching the migration seed.
func (s *Store) GetSwitch(ctx context.Context) (roastguard.SwitchState, error) {
	var st roastguard.SwitchState
	var engaged int
	var updatedAt string
	err := s.read.QueryRowContext(ctx,
		`SELECT engaged, updated_at, updated_by FROM kill_switch WHERE id = 1`,
	).Scan(&engaged, &updatedAt, &st.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	st.Engaged = engaged != 0
	st.UpdatedAt = parseTime(updatedAt)
	return st, nil
}

// SetSwitch durably records the kill switch state and who set it.
func (s *Store) SetSwitch(ctx context.Context, engaged bool, operator string) (roastguard.SwitchState, error) {
	now := s.timestamp()
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO kill_switch (id, engaged, updated_at, updated_by) VALUES (1, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		 engaged = excluded.engaged,
		 updated_at = excluded.updated_at,
		 updated_by = excluded.updated_by`,
		boolToInt(engaged), now, operator,
	)
	if err != nil {
		return roastguard.SwitchState{}, err
	}
	return roastguard.SwitchState{Engaged: engaged, UpdatedAt: parseTime(now), UpdatedBy: operator}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
