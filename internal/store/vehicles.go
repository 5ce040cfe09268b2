package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rutaescolar/bus-watcher/internal/models"
)

// VehicleByDeviceKey looks up the vehicle configured with the given
// hardware identifier. Returns ErrNotFound when no vehicle carries the
// key.
func (s *Store) VehicleByDeviceKey(ctx context.Context, deviceKey string) (models.Vehicle, error) {
	return s.scanVehicle(ctx, `
		SELECT id, plate, COALESCE(device_key, ''), latest_position, last_updated
		FROM vehicles WHERE device_key = $1`, deviceKey)
}

// VehicleByID looks up a vehicle by its internal id.
func (s *Store) VehicleByID(ctx context.Context, id string) (models.Vehicle, error) {
	return s.scanVehicle(ctx, `
		SELECT id, plate, COALESCE(device_key, ''), latest_position, last_updated
		FROM vehicles WHERE id = $1`, id)
}

func (s *Store) scanVehicle(ctx context.Context, query string, arg any) (models.Vehicle, error) {
	var (
		v         models.Vehicle
		latestRaw []byte
	)
	err := s.pool.QueryRow(ctx, query, arg).
		Scan(&v.ID, &v.Plate, &v.DeviceKey, &latestRaw, &v.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Vehicle{}, ErrNotFound
	}
	if err != nil {
		return models.Vehicle{}, fmt.Errorf("query vehicle: %w", err)
	}

	if len(latestRaw) > 0 {
		var latest models.Position
		if err := json.Unmarshal(latestRaw, &latest); err != nil {
			return models.Vehicle{}, fmt.Errorf("decode latest position: %w", err)
		}
		v.Latest = &latest
	}
	return v, nil
}

// SetLatestPosition overwrites the vehicle's latest-position view. The
// write is last-write-wins by call order: the poll loop processes fixes
// in upstream arrival order and reordering across devices carries no
// guarantee worth preserving here.
func (s *Store) SetLatestPosition(ctx context.Context, vehicleID string, p models.Position) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode latest position: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE vehicles SET latest_position = $2, last_updated = $3
		WHERE id = $1`, vehicleID, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update latest position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
