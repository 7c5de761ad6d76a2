package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vegeo"

// Metrics holds the Prometheus collectors shared by the alert pipeline and
// the API server.
type Metrics struct {
	AlertRuns        prometheus.Counter
	RegionsProcessed prometheus.Counter
	RegionFailures   prometheus.Counter
	RegionDuration   prometheus.Histogram

	SegmentsScanned prometheus.Counter
	SpotsScored     prometheus.Counter
	BadTiles        prometheus.Counter
	OffMapSpots     prometheus.Counter
	AlertsWritten   *prometheus.CounterVec // labels: region

	TileCache *prometheus.CounterVec // labels: result={hit,miss}

	HTTPRequests *prometheus.CounterVec // labels: route, code
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics(true)
	prometheus.MustRegister(
		m.AlertRuns,
		m.RegionsProcessed,
		m.RegionFailures,
		m.RegionDuration,
		m.SegmentsScanned,
		m.SpotsScored,
		m.BadTiles,
		m.OffMapSpots,
		m.AlertsWritten,
		m.TileCache,
		m.HTTPRequests,
	)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere so
// tests can build as many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics(false)
}

func newMetrics(help bool) *Metrics {
	h := func(s string) string {
		if help {
			return s
		}
		return ""
	}
	return &Metrics{
		AlertRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_runs_total",
			Help:      h("Completed alert computation runs."),
		}),
		RegionsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "regions_processed_total",
			Help:      h("Regions whose alerts were computed and committed."),
		}),
		RegionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "region_duration_seconds",
			Help:      h("Wall time of the alert computation for one region."),
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		RegionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "region_failures_total",
			Help:      h("Regions whose alert computation was aborted by an error."),
		}),
		SegmentsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_scanned_total",
			Help:      h("Power line segments resampled and scored."),
		}),
		SpotsScored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spots_scored_total",
			Help:      h("Scan spots sampled against vegetation tiles."),
		}),
		BadTiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bad_tiles_total",
			Help:      h("Spots skipped because their tile could not be decoded."),
		}),
		OffMapSpots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "off_map_spots_total",
			Help:      h("Spots skipped because resampling drift moved them off the map."),
		}),
		AlertsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_written_total",
			Help:      h("Vegetation alerts stored, by region."),
		}, []string{"region"}),
		TileCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tile_cache_total",
			Help:      h("Raster tile cache lookups by result."),
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      h("API requests by route and status code."),
		}, []string{"route", "code"}),
	}
}
