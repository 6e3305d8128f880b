package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCursor returns the persisted cursor for a sensor. ok is false when the
// sensor has never stored one.
func (s *Store) GetCursor(ctx context.Context, sensorName string) (cursor string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT cursor FROM sensor_cursors WHERE sensor_name = ?`, sensorName,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cursor %q: %w", sensorName, err)
	}
	return cursor, true, nil
}

// SetCursor overwrites the cursor for a sensor.
func (s *Store) SetCursor(ctx context.Context, sensorName, cursor string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sensor_cursors (sensor_name, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(sensor_name) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at
	`, sensorName, cursor, toNanos(at))
	if err != nil {
		return fmt.Errorf("set cursor %q: %w", sensorName, err)
	}
	return nil
}
