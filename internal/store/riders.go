package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rutaescolar/bus-watcher/internal/models"
)

// ActiveRidersByVehicle lists the active riders assigned to a vehicle.
// Riders without a pickup coordinate are included; the alert engine skips
// them.
func (s *Store) ActiveRidersByVehicle(ctx context.Context, vehicleID string) ([]models.Rider, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, COALESCE(vehicle_id::text, ''), guardian_id,
		       pickup_latitude, pickup_longitude, active
		FROM riders
		WHERE vehicle_id = $1 AND active`, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("query riders: %w", err)
	}
	defer rows.Close()

	var out []models.Rider
	for rows.Next() {
		var r models.Rider
		if err := rows.Scan(&r.ID, &r.Name, &r.VehicleID, &r.GuardianID,
			&r.PickupLat, &r.PickupLon, &r.Active); err != nil {
			return nil, fmt.Errorf("scan rider: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GuardianDeviceToken returns the push delivery token registered for a
// guardian. ErrNotFound covers both a missing guardian and a guardian
// with no registered token; the notification sink maps either to the
// recipient-unreachable failure.
func (s *Store) GuardianDeviceToken(ctx context.Context, guardianID string) (string, error) {
	var token *string
	err := s.pool.QueryRow(ctx,
		`SELECT device_token FROM guardians WHERE id = $1`, guardianID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query guardian token: %w", err)
	}
	if token == nil || *token == "" {
		return "", ErrNotFound
	}
	return *token, nil
}
