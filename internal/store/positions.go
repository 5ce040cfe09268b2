package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rutaescolar/bus-watcher/internal/models"
)

// AppendPosition writes one immutable history row for a vehicle. Rows are
// never updated or deleted here; retention is an operational concern.
func (s *Store) AppendPosition(ctx context.Context, vehicleID string, p models.Position) error {
	var externalID *int64
	if p.ExternalID != 0 {
		externalID = &p.ExternalID
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions
			(vehicle_id, device_key, latitude, longitude, speed, altitude, course,
			 captured_at, source, external_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		vehicleID, p.DeviceKey, p.Latitude, p.Longitude, p.Speed, p.Altitude,
		p.Course, p.CapturedAt, p.Source, externalID)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// PositionHistory returns up to limit history rows for a vehicle, newest
// first. A non-zero since narrows the range to rows captured at or after
// it.
func (s *Store) PositionHistory(ctx context.Context, vehicleID string, limit int, since time.Time) ([]models.Position, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT device_key, latitude, longitude, speed, altitude, course,
		       captured_at, source, COALESCE(external_id, 0)
		FROM positions
		WHERE vehicle_id = $1 AND ($2::timestamptz IS NULL OR captured_at >= $2)
		ORDER BY captured_at DESC
		LIMIT $3`, vehicleID, nullableTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("query position history: %w", err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.DeviceKey, &p.Latitude, &p.Longitude, &p.Speed,
			&p.Altitude, &p.Course, &p.CapturedAt, &p.Source, &p.ExternalID); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
