package models

import "time"

// Position is one GPS fix attributed to a vehicle. History rows are
// immutable once written; the latest-position view on Vehicle is not.
type Position struct {
	DeviceKey  string    `json:"device_key"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"`
	Altitude   float64   `json:"altitude"`
	Course     float64   `json:"course"`
	CapturedAt time.Time `json:"captured_at"`
	Source     string    `json:"source"`

	// ExternalID is the position id assigned by the tracking platform,
	// when the fix arrived through polling. Zero for webhook and manual
	// updates.
	ExternalID int64 `json:"external_id,omitempty"`
}

// Vehicle is a tracked bus. DeviceKey is empty until a GPS unit is
// configured for it.
type Vehicle struct {
	ID          string     `json:"id"`
	Plate       string     `json:"plate"`
	DeviceKey   string     `json:"device_key,omitempty"`
	Latest      *Position  `json:"latest_position,omitempty"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// Rider is a student assigned to a vehicle. Pickup coordinates are
// optional; riders without them are skipped by proximity evaluation.
type Rider struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	VehicleID  string   `json:"vehicle_id,omitempty"`
	GuardianID string   `json:"guardian_id"`
	PickupLat  *float64 `json:"pickup_latitude,omitempty"`
	PickupLon  *float64 `json:"pickup_longitude,omitempty"`
	Active     bool     `json:"active"`
}

// HasPickup reports whether the rider has a usable pickup coordinate.
func (r Rider) HasPickup() bool {
	return r.PickupLat != nil && r.PickupLon != nil
}

// Ingestion source tags recorded on persisted positions.
const (
	SourcePolling = "traccar-polling"
	SourceWebhook = "traccar-webhook"
	SourceDriver  = "driver-app"
)
