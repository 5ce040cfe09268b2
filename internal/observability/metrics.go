package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus metrics for the ingestion pipeline.
// Nothing in the pipeline is user-facing, so failures surface only here
// and in logs.
type Collector struct {
	gatherer prometheus.Gatherer

	PollCycles         *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	PositionsProcessed prometheus.Counter
	PositionsDeduped   prometheus.Counter
	PositionsDropped   *prometheus.CounterVec
	AlertsSent         *prometheus.CounterVec
	AlertFailures      *prometheus.CounterVec
}

// Poll cycle outcome labels.
const (
	CycleSuccess       = "success"
	CycleUpstreamError = "upstream_error"
	CycleAuthError     = "auth_error"
)

// Drop reason labels.
const (
	DropUnknownDevice = "unknown_device"
	DropResolveError  = "resolve_error"
	DropStorageError  = "storage_error"
)

// NewCollector registers pipeline metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{
		gatherer: gatherer,
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watcher_poll_cycles_total",
			Help: "Completed poll cycles against the tracking platform, labeled by outcome.",
		}, []string{"status"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "watcher_poll_cycle_duration_seconds",
			Help:    "Duration of one fetch-and-process cycle.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		PositionsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watcher_positions_processed_total",
			Help: "Positions persisted to history and latest-position views.",
		}),
		PositionsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watcher_positions_deduped_total",
			Help: "Positions skipped because the fix was already processed.",
		}),
		PositionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watcher_positions_dropped_total",
			Help: "Positions dropped before persistence, labeled by reason.",
		}, []string{"reason"}),
		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watcher_proximity_alerts_sent_total",
			Help: "Proximity notifications attempted and confirmed, labeled by band.",
		}, []string{"band"}),
		AlertFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watcher_proximity_alert_failures_total",
			Help: "Proximity notifications that failed delivery, labeled by band.",
		}, []string{"band"}),
	}

	reg.MustRegister(
		c.PollCycles,
		c.CycleDuration,
		c.PositionsProcessed,
		c.PositionsDeduped,
		c.PositionsDropped,
		c.AlertsSent,
		c.AlertFailures,
	)

	return c
}

// Handler serves the collector's metrics in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
