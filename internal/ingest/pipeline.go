package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/rutaescolar/bus-watcher/internal/models"
	"github.com/rutaescolar/bus-watcher/internal/observability"
	"github.com/rutaescolar/bus-watcher/internal/store"
	"github.com/rutaescolar/bus-watcher/internal/traccar"
)

// Fix is one incoming GPS reading, from either the polling loop or the
// webhook. Exactly one of DeviceID and DeviceKey identifies the device:
// the polling path carries the upstream's numeric id, the webhook carries
// the hardware key directly.
type Fix struct {
	DeviceID   int64
	DeviceKey  string
	ExternalID int64
	Latitude   float64
	Longitude  float64
	Speed      float64
	Altitude   float64
	Course     float64
	CapturedAt time.Time
	Source     string
}

// Result classifies the outcome of processing one fix.
type Result int

const (
	// Processed means the fix was persisted and alert evaluation ran.
	Processed Result = iota
	// Duplicate means the fix was already processed and skipped.
	Duplicate
	// UnknownVehicle means no vehicle is configured with the device key.
	// The fix is dropped, not retried.
	UnknownVehicle
	// Failed means resolution or persistence failed; the next poll will
	// carry a fresher fix, so the item is not queued for retry.
	Failed
)

// DeviceResolver resolves an upstream device id to its device record.
type DeviceResolver interface {
	Device(ctx context.Context, deviceID int64) (traccar.Device, error)
}

// Storage is the slice of the store the pipeline writes through.
type Storage interface {
	VehicleByDeviceKey(ctx context.Context, deviceKey string) (models.Vehicle, error)
	VehicleByID(ctx context.Context, id string) (models.Vehicle, error)
	AppendPosition(ctx context.Context, vehicleID string, p models.Position) error
	SetLatestPosition(ctx context.Context, vehicleID string, p models.Position) error
}

// Evaluator runs proximity alerting for a persisted position.
type Evaluator interface {
	Evaluate(ctx context.Context, vehicle models.Vehicle, pos models.Position)
}

// Broadcaster fans a persisted position out to downstream consumers.
// Failures are logged and never abort processing.
type Broadcaster interface {
	PublishPosition(ctx context.Context, vehicle models.Vehicle, pos models.Position) error
}

// Pipeline is the shared dedup, persist and alert path. The polling
// scheduler drives it per batch item; the webhook drives it synchronously
// per request. Both apply the same rules through the same process-local
// memories.
type Pipeline struct {
	devices      DeviceResolver
	storage      Storage
	evaluator    Evaluator
	broadcasters []Broadcaster
	dedup        *dedupTable
	metrics      *observability.Collector
}

// PipelineOptions tunes a Pipeline.
type PipelineOptions struct {
	// DedupTTL bounds how long processed fix ids are remembered.
	// Defaults to 24 hours.
	DedupTTL time.Duration
	Metrics  *observability.Collector
	Now      func() time.Time
}

// NewPipeline assembles the ingestion pipeline.
func NewPipeline(devices DeviceResolver, storage Storage, evaluator Evaluator, broadcasters []Broadcaster, opts PipelineOptions) *Pipeline {
	if opts.DedupTTL == 0 {
		opts.DedupTTL = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		devices:      devices,
		storage:      storage,
		evaluator:    evaluator,
		broadcasters: broadcasters,
		dedup:        newDedupTable(opts.DedupTTL, opts.Now),
		metrics:      opts.Metrics,
	}
}

// Process runs one fix through dedup, device resolution, persistence,
// fan-out and alert evaluation. The dedup check runs before any upstream
// lookup, so an unchanged fix costs nothing.
func (p *Pipeline) Process(ctx context.Context, fix Fix) (Result, error) {
	dedupKey := fix.DeviceKey
	if dedupKey == "" {
		dedupKey = "device:" + strconv.FormatInt(fix.DeviceID, 10)
	}

	if fix.ExternalID != 0 && p.dedup.seen(dedupKey, fix.ExternalID) {
		if p.metrics != nil {
			p.metrics.PositionsDeduped.Inc()
		}
		return Duplicate, nil
	}

	deviceKey := fix.DeviceKey
	if deviceKey == "" {
		device, err := p.devices.Device(ctx, fix.DeviceID)
		if err != nil {
			if p.metrics != nil {
				p.metrics.PositionsDropped.WithLabelValues(observability.DropResolveError).Inc()
			}
			return Failed, fmt.Errorf("resolve device %d: %w", fix.DeviceID, err)
		}
		deviceKey = device.UniqueID
	}

	vehicle, err := p.storage.VehicleByDeviceKey(ctx, deviceKey)
	if errors.Is(err, store.ErrNotFound) {
		// an unmatched device is not transient; dropping beats retrying
		slog.Warn("No vehicle configured for device", "deviceKey", deviceKey)
		if p.metrics != nil {
			p.metrics.PositionsDropped.WithLabelValues(observability.DropUnknownDevice).Inc()
		}
		return UnknownVehicle, nil
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.PositionsDropped.WithLabelValues(observability.DropStorageError).Inc()
		}
		return Failed, fmt.Errorf("look up vehicle for %s: %w", deviceKey, err)
	}

	if err := p.persistAndEvaluate(ctx, vehicle, deviceKey, fix, dedupKey); err != nil {
		return Failed, err
	}
	return Processed, nil
}

// ProcessVehicle ingests a fix already attributed to a vehicle, for the
// driver-app update path where no tracker device is involved. Persistence,
// fan-out and alerting follow the same rules as device-keyed fixes.
func (p *Pipeline) ProcessVehicle(ctx context.Context, vehicleID string, fix Fix) (Result, error) {
	vehicle, err := p.storage.VehicleByID(ctx, vehicleID)
	if errors.Is(err, store.ErrNotFound) {
		return UnknownVehicle, nil
	}
	if err != nil {
		return Failed, fmt.Errorf("look up vehicle %s: %w", vehicleID, err)
	}

	if err := p.persistAndEvaluate(ctx, vehicle, vehicle.DeviceKey, fix, ""); err != nil {
		return Failed, err
	}
	return Processed, nil
}

func (p *Pipeline) persistAndEvaluate(ctx context.Context, vehicle models.Vehicle, deviceKey string, fix Fix, dedupKey string) error {
	pos := models.Position{
		DeviceKey:  deviceKey,
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		Speed:      fix.Speed,
		Altitude:   fix.Altitude,
		Course:     fix.Course,
		CapturedAt: fix.CapturedAt,
		Source:     fix.Source,
		ExternalID: fix.ExternalID,
	}
	if pos.CapturedAt.IsZero() {
		pos.CapturedAt = time.Now().UTC()
	}

	if err := p.storage.AppendPosition(ctx, vehicle.ID, pos); err != nil {
		if p.metrics != nil {
			p.metrics.PositionsDropped.WithLabelValues(observability.DropStorageError).Inc()
		}
		return fmt.Errorf("append position for %s: %w", vehicle.Plate, err)
	}
	if err := p.storage.SetLatestPosition(ctx, vehicle.ID, pos); err != nil {
		if p.metrics != nil {
			p.metrics.PositionsDropped.WithLabelValues(observability.DropStorageError).Inc()
		}
		return fmt.Errorf("update latest position for %s: %w", vehicle.Plate, err)
	}

	if dedupKey != "" && fix.ExternalID != 0 {
		p.dedup.remember(dedupKey, fix.ExternalID)
	}
	if p.metrics != nil {
		p.metrics.PositionsProcessed.Inc()
	}

	for _, b := range p.broadcasters {
		if err := b.PublishPosition(ctx, vehicle, pos); err != nil {
			slog.Error("Cannot fan out position update", "vehicle", vehicle.Plate, "error", err)
		}
	}

	p.evaluator.Evaluate(ctx, vehicle, pos)

	return nil
}

// SweepDedup periodically expires old dedup entries. Run it from main for
// the process lifetime.
func (p *Pipeline) SweepDedup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.dedup.sweep()
		}
	}
}
