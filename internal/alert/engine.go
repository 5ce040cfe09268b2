package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rutaescolar/bus-watcher/internal/geo"
	"github.com/rutaescolar/bus-watcher/internal/models"
	"github.com/rutaescolar/bus-watcher/internal/observability"
)

// Band is a proximity band relative to a rider's pickup point.
type Band string

const (
	BandFar  Band = "far"
	BandNear Band = "near"
)

// Notification is one proximity alert addressed to a rider's guardian.
type Notification struct {
	GuardianID     string
	RiderID        string
	RiderName      string
	VehicleID      string
	VehiclePlate   string
	Band           Band
	DistanceMeters float64
	At             time.Time
}

// Sink delivers notifications to guardians. Delivery failure is reported
// per call and never rolls back alert memory.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// RiderSource lists the active riders bound to a vehicle.
type RiderSource interface {
	ActiveRidersByVehicle(ctx context.Context, vehicleID string) ([]models.Rider, error)
}

type pairKey struct {
	vehicleID string
	riderID   string
}

type memoryEntry struct {
	band Band
	at   time.Time
}

// Engine evaluates proximity conditions for every rider of a vehicle each
// time a new position lands, and rate-limits notifications with a per
// (vehicle, rider) cooldown. All alert state is process-local; a restart
// losing it is an accepted degradation.
type Engine struct {
	riders          RiderSource
	sink            Sink
	far             float64
	near            float64
	cooldown        time.Duration
	dispatchTimeout time.Duration
	metrics         *observability.Collector
	now             func() time.Time

	mu     sync.Mutex
	memory map[pairKey]memoryEntry
}

// Options tunes an Engine. Zero values fall back to the documented
// defaults (500 m / 200 m, 5 minute cooldown, 5 second dispatch timeout).
type Options struct {
	FarMeters       float64
	NearMeters      float64
	Cooldown        time.Duration
	DispatchTimeout time.Duration
	Metrics         *observability.Collector
	Now             func() time.Time
}

// NewEngine creates a proximity alert engine.
func NewEngine(riders RiderSource, sink Sink, opts Options) *Engine {
	if opts.FarMeters == 0 {
		opts.FarMeters = 500
	}
	if opts.NearMeters == 0 {
		opts.NearMeters = 200
	}
	if opts.Cooldown == 0 {
		opts.Cooldown = 5 * time.Minute
	}
	if opts.DispatchTimeout == 0 {
		opts.DispatchTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		riders:          riders,
		sink:            sink,
		far:             opts.FarMeters,
		near:            opts.NearMeters,
		cooldown:        opts.Cooldown,
		dispatchTimeout: opts.DispatchTimeout,
		metrics:         opts.Metrics,
		now:             opts.Now,
		memory:          make(map[pairKey]memoryEntry),
	}
}

// Evaluate checks the vehicle's new position against every active rider's
// pickup point. Failures are contained per rider and never abort the
// caller's cycle.
func (e *Engine) Evaluate(ctx context.Context, vehicle models.Vehicle, pos models.Position) {
	riders, err := e.riders.ActiveRidersByVehicle(ctx, vehicle.ID)
	if err != nil {
		slog.Error("Cannot list riders for proximity evaluation",
			"vehicleID", vehicle.ID, "error", err)
		return
	}

	for _, rider := range riders {
		if !rider.HasPickup() {
			continue
		}
		e.evaluateRider(ctx, vehicle, rider, pos)
	}
}

func (e *Engine) evaluateRider(ctx context.Context, vehicle models.Vehicle, rider models.Rider, pos models.Position) {
	distance := geo.Distance(
		geo.Point{Latitude: pos.Latitude, Longitude: pos.Longitude},
		geo.Point{Latitude: *rider.PickupLat, Longitude: *rider.PickupLon},
	)

	band, fire := e.decide(vehicle.ID, rider.ID, distance)
	if !fire {
		return
	}

	n := Notification{
		GuardianID:     rider.GuardianID,
		RiderID:        rider.ID,
		RiderName:      rider.Name,
		VehicleID:      vehicle.ID,
		VehiclePlate:   vehicle.Plate,
		Band:           band,
		DistanceMeters: distance,
		At:             e.now().UTC(),
	}

	// The alert is considered sent once attempted. Memory was already
	// recorded by decide; a delivery failure is logged, not retried.
	dctx, cancel := context.WithTimeout(ctx, e.dispatchTimeout)
	defer cancel()

	if err := e.sink.Notify(dctx, n); err != nil {
		slog.Error("Proximity notification failed",
			"vehicle", vehicle.Plate, "riderID", rider.ID, "band", band, "error", err)
		if e.metrics != nil {
			e.metrics.AlertFailures.WithLabelValues(string(band)).Inc()
		}
		return
	}

	slog.Info("Proximity notification sent",
		"vehicle", vehicle.Plate, "riderID", rider.ID, "band", band,
		"distanceMeters", int(distance))
	if e.metrics != nil {
		e.metrics.AlertsSent.WithLabelValues(string(band)).Inc()
	}
}

// decide applies the two-threshold policy and updates alert memory when a
// notification must fire.
//
// Above the far threshold the pair's memory is cleared, so a later
// re-entry counts as a fresh crossing. In the far band a notification
// fires on first entry or once the cooldown has elapsed. In the near band
// it fires when the last recorded band was not "near", or the cooldown
// has elapsed since the last near notification.
func (e *Engine) decide(vehicleID, riderID string, distance float64) (Band, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := pairKey{vehicleID: vehicleID, riderID: riderID}
	entry, ok := e.memory[key]
	now := e.now()

	if distance > e.far {
		delete(e.memory, key)
		return "", false
	}

	var band Band
	var fire bool
	if distance > e.near {
		band = BandFar
		fire = !ok || now.Sub(entry.at) > e.cooldown
	} else {
		band = BandNear
		fire = !ok || entry.band != BandNear || now.Sub(entry.at) > e.cooldown
	}

	if fire {
		e.memory[key] = memoryEntry{band: band, at: now}
	}
	return band, fire
}

// Sweep periodically drops memory entries whose cooldown has long
// expired, keeping the table bounded for fleets where pairs come and go.
func (e *Engine) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce()
		}
	}
}

func (e *Engine) sweepOnce() {
	cutoff := e.now().Add(-4 * e.cooldown)

	e.mu.Lock()
	defer e.mu.Unlock()
	for key, entry := range e.memory {
		if entry.at.Before(cutoff) {
			delete(e.memory, key)
		}
	}
}
