package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rutaescolar/bus-watcher/internal/ingest"
	"github.com/rutaescolar/bus-watcher/internal/models"
	"github.com/rutaescolar/bus-watcher/internal/observability"
	"github.com/rutaescolar/bus-watcher/internal/traccar"
)

// PositionLister fetches the current position of every device from the
// tracking platform.
type PositionLister interface {
	Positions(ctx context.Context) ([]traccar.Position, error)
}

// Processor runs one fix through the ingestion pipeline.
type Processor interface {
	Process(ctx context.Context, fix ingest.Fix) (ingest.Result, error)
}

// Poller drives the ingestion pipeline on a fixed interval. One cycle
// runs at a time; a tick that lands while a cycle is in flight is
// dropped, which bounds backlog growth when the upstream is slow. Items
// within a cycle are processed strictly sequentially, so per-item state
// needs no keyed locking beyond what the pipeline already carries for
// the webhook path.
type Poller struct {
	source       PositionLister
	pipeline     Processor
	interval     time.Duration
	fetchTimeout time.Duration
	metrics      *observability.Collector

	authFailures int
}

// New creates a poller. interval is the fixed poll period; fetchTimeout
// bounds one whole fetch-and-process cycle.
func New(source PositionLister, pipeline Processor, interval, fetchTimeout time.Duration, metrics *observability.Collector) *Poller {
	return &Poller{
		source:       source,
		pipeline:     pipeline,
		interval:     interval,
		fetchTimeout: fetchTimeout,
		metrics:      metrics,
	}
}

// Run polls until the context is cancelled. The first cycle starts
// immediately. An in-flight cycle is abandoned cleanly on shutdown; each
// position write is a single upsert, so there is no partial-write risk.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("Starting position polling", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Position polling stopped")
			return
		case <-ticker.C:
			p.cycle(ctx)
			// drop the tick that may have accumulated while the cycle
			// ran; overlapping or queued cycles are never wanted
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	positions, err := p.source.Positions(cctx)
	if err != nil {
		p.recordCycle(err, start)
		return
	}

	for _, pos := range positions {
		if ctx.Err() != nil {
			return
		}
		fix := ingest.Fix{
			DeviceID:   pos.DeviceID,
			ExternalID: pos.ID,
			Latitude:   pos.Latitude,
			Longitude:  pos.Longitude,
			Speed:      pos.Speed,
			Altitude:   pos.Altitude,
			Course:     pos.Course,
			CapturedAt: pos.CapturedAt(),
			Source:     models.SourcePolling,
		}
		// one bad item never aborts the rest of the batch
		if _, err := p.pipeline.Process(cctx, fix); err != nil {
			slog.Error("Cannot process position", "deviceID", pos.DeviceID, "error", err)
		}
	}

	p.recordCycle(nil, start)
}

func (p *Poller) recordCycle(err error, start time.Time) {
	status := observability.CycleSuccess

	switch {
	case err == nil:
		p.authFailures = 0
	case errors.Is(err, traccar.ErrAuthFailed):
		status = observability.CycleAuthError
		p.authFailures++
		// repeated rejections need operator attention; a single one may
		// just be a credential rotation racing the poll
		if p.authFailures >= 3 {
			slog.Error("Tracking platform keeps rejecting credentials",
				"consecutiveFailures", p.authFailures, "error", err)
		} else {
			slog.Warn("Tracking platform rejected credentials, retrying next tick", "error", err)
		}
	default:
		status = observability.CycleUpstreamError
		p.authFailures = 0
		slog.Warn("Cannot fetch positions, retrying next tick", "error", err)
	}

	if p.metrics != nil {
		p.metrics.PollCycles.WithLabelValues(status).Inc()
		p.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}
}
