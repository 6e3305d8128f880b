package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LastFired returns the last tick time a schedule fired for. ok is false when
// the schedule has never fired.
func (s *Store) LastFired(ctx context.Context, scheduleName string) (at time.Time, ok bool, err error) {
	var nanos int64
	err = s.db.QueryRowContext(ctx,
		`SELECT last_fired_at FROM schedule_ticks WHERE schedule_name = ?`, scheduleName,
	).Scan(&nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last fired %q: %w", scheduleName, err)
	}
	return fromNanos(nanos), true, nil
}

// RecordFired stores tick as the latest fired tick of a schedule. An older
// tick never overwrites a newer one.
func (s *Store) RecordFired(ctx context.Context, scheduleName string, tick time.Time, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_ticks (schedule_name, last_fired_at, last_run_id)
		VALUES (?, ?, ?)
		ON CONFLICT(schedule_name) DO UPDATE SET
			last_fired_at = excluded.last_fired_at,
			last_run_id = excluded.last_run_id
		WHERE excluded.last_fired_at > schedule_ticks.last_fired_at
	`, scheduleName, toNanos(tick), runID)
	if err != nil {
		return fmt.Errorf("record fired %q: %w", scheduleName, err)
	}
	return nil
}
