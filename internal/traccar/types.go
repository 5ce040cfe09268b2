package traccar

import "time"

// Position is a single fix as reported by the Traccar positions endpoint.
type Position struct {
	ID         int64     `json:"id"`
	DeviceID   int64     `json:"deviceId"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"`
	Altitude   float64   `json:"altitude"`
	Course     float64   `json:"course"`
	DeviceTime time.Time `json:"deviceTime"`
	FixTime    time.Time `json:"fixTime"`
}

// CapturedAt picks the best available timestamp for the fix. Traccar
// reports both the device clock and the GPS fix clock; the device clock
// wins when present.
func (p Position) CapturedAt() time.Time {
	if !p.DeviceTime.IsZero() {
		return p.DeviceTime
	}
	if !p.FixTime.IsZero() {
		return p.FixTime
	}
	return time.Now().UTC()
}

// Device is the Traccar device record. UniqueID carries the hardware
// identifier (IMEI) that internal vehicles are keyed by.
type Device struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	UniqueID string `json:"uniqueId"`
	Status   string `json:"status"`
}
