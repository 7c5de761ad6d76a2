// Package pipeline computes vegetation alerts for every region by scanning
// its power lines against the stored vegetation raster.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/klaasnotfound/vegeo-backend/internal/observability"
	"github.com/klaasnotfound/vegeo-backend/internal/scan"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
	"github.com/klaasnotfound/vegeo-backend/internal/worker"
)

// RiskThreshold is the minimum opaque pixel ratio that raises an alert.
const RiskThreshold = 0.5

// Risk maps a score in [RiskThreshold, 1] linearly onto [MinRisk, MaxRisk].
// Halves round to even.
func Risk(score float64) int {
	span := float64(types.MaxRisk - types.MinRisk)
	return types.MinRisk + int(math.RoundToEven((score-RiskThreshold)/(1-RiskThreshold)*span))
}

// Store is the storage the aggregator reads regions and segments from and
// writes alerts to.
type Store interface {
	Regions(ctx context.Context) ([]types.Region, error)
	SegmentsIntersecting(ctx context.Context, bbox types.BoundingBox) ([]types.PowerLineSegment, error)
	ClearAlerts(ctx context.Context) error
	InsertAlerts(ctx context.Context, alerts []types.VegetationAlert) (int, error)
}

// Notifier is told about every finished region.
type Notifier interface {
	PublishRegion(ctx context.Context, runID uuid.UUID, res RegionResult) error
}

// Config configures an Aggregator. Zero values select the defaults.
type Config struct {
	Workers  int
	Zoom     int
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Notifier Notifier
	// Progress, when set, returns the progress callback for one region.
	Progress func(region string, segments int) worker.ProgressFunc
}

// Aggregator turns power line overlap with vegetation into alerts.
type Aggregator struct {
	store    Store
	scorer   *scan.Scorer
	zoom     int
	workers  int
	logger   *slog.Logger
	metrics  *observability.Metrics
	notifier Notifier
	progress func(string, int) worker.ProgressFunc
}

// RegionResult is the outcome of one region.
type RegionResult struct {
	Name       string
	Segments   int
	Spots      int
	Candidates int
	Alerts     int
	Duration   time.Duration
	Err        error
}

// Report summarizes a full run.
type Report struct {
	RunID     uuid.UUID
	StartedAt time.Time
	Duration  time.Duration
	Regions   []RegionResult
}

// Alerts returns the number of alerts written across all regions.
func (r Report) Alerts() int {
	n := 0
	for _, res := range r.Regions {
		n += res.Alerts
	}
	return n
}

// Failed returns the regions that were aborted by an error.
func (r Report) Failed() []RegionResult {
	var failed []RegionResult
	for _, res := range r.Regions {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// NewAggregator creates an Aggregator that reads segments from store and
// raster tiles from tiles.
func NewAggregator(store Store, tiles scan.TileSource, cfg Config) *Aggregator {
	if cfg.Zoom == 0 {
		cfg.Zoom = scan.ScanZoom
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetricsForTesting()
	}
	return &Aggregator{
		store:    store,
		scorer:   scan.NewScorer(tiles, scan.ScorerConfig{Zoom: cfg.Zoom, Logger: cfg.Logger}),
		zoom:     cfg.Zoom,
		workers:  cfg.Workers,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		notifier: cfg.Notifier,
		progress: cfg.Progress,
	}
}

// Run clears all alerts and recomputes them region by region. Each region is
// committed on its own, so a failing region leaves earlier ones in place. The
// returned error is only set when the run could not start.
func (a *Aggregator) Run(ctx context.Context) (Report, error) {
	report := Report{RunID: uuid.New(), StartedAt: clock.Now()}

	if err := a.store.ClearAlerts(ctx); err != nil {
		return report, fmt.Errorf("failed to clear alerts: %w", err)
	}

	regions, err := a.store.Regions(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load regions: %w", err)
	}

	a.log().Info("Computing vegetation alerts", "run_id", report.RunID.String(), "regions", len(regions), "workers", a.workers)

	for _, region := range regions {
		if ctx.Err() != nil {
			report.Regions = append(report.Regions, RegionResult{Name: region.Name, Err: ctx.Err()})
			continue
		}

		res := a.RunRegion(ctx, region)
		report.Regions = append(report.Regions, res)

		if a.notifier != nil {
			if err := a.notifier.PublishRegion(ctx, report.RunID, res); err != nil {
				a.log().Warn("Failed to publish region summary", "region", region.Name, "error", err)
			}
		}
	}

	report.Duration = clock.Since(report.StartedAt)
	a.metrics.AlertRuns.Inc()
	a.log().Info("Alert run finished", "run_id", report.RunID.String(), "alerts", report.Alerts(),
		"failed_regions", len(report.Failed()), "duration", report.Duration)
	return report, nil
}

// RunRegion scans every segment overlapping the region and stores the
// resulting alerts in one transaction. Alerts are written in segment order,
// so when segments share a location the lowest segment id wins.
func (a *Aggregator) RunRegion(ctx context.Context, region types.Region) RegionResult {
	start := clock.Now()
	res := RegionResult{Name: region.Name}

	fail := func(err error) RegionResult {
		res.Err = err
		res.Duration = clock.Since(start)
		a.metrics.RegionFailures.Inc()
		a.log().Error("Region failed", "region", region.Name, "error", err)
		return res
	}

	segs, err := a.store.SegmentsIntersecting(ctx, region.Bounds)
	if err != nil {
		return fail(fmt.Errorf("failed to load segments: %w", err))
	}
	res.Segments = len(segs)
	a.log().Debug("Scanning region", "region", region.Name, "segments", len(segs))

	tasks := make([]worker.Task, len(segs))
	for i, seg := range segs {
		tasks[i] = worker.Task{Index: i, Segment: seg}
	}

	var onProgress worker.ProgressFunc
	if a.progress != nil {
		onProgress = a.progress(region.Name, len(segs))
	}
	pool := worker.New(worker.Config{Workers: a.workers, Scanner: a, OnProgress: onProgress})

	var candidates []types.VegetationAlert
	for _, r := range pool.Run(ctx, tasks) {
		if r.Err != nil {
			return fail(fmt.Errorf("segment %d: %w", r.Task.Segment.ID, r.Err))
		}
		res.Spots += r.Spots
		candidates = append(candidates, r.Alerts...)
	}
	res.Candidates = len(candidates)

	inserted, err := a.store.InsertAlerts(ctx, candidates)
	if err != nil {
		return fail(fmt.Errorf("failed to store alerts: %w", err))
	}
	res.Alerts = inserted
	res.Duration = clock.Since(start)

	a.metrics.RegionsProcessed.Inc()
	a.metrics.RegionDuration.Observe(res.Duration.Seconds())
	a.metrics.AlertsWritten.WithLabelValues(region.Name).Add(float64(inserted))

	a.log().Info("Region done", "region", region.Name, "alerts", inserted,
		"candidates", len(candidates), "segments", len(segs), "spots", res.Spots)
	return res
}

// ScanSegment resamples the segment and returns an alert for every spot whose
// score reaches RiskThreshold. Spots on undecodable tiles or off the map are
// skipped.
func (a *Aggregator) ScanSegment(ctx context.Context, seg types.PowerLineSegment) ([]types.VegetationAlert, int, error) {
	spots, err := scan.ResampleSegment(seg, a.zoom)
	if err != nil {
		return nil, 0, err
	}
	a.metrics.SegmentsScanned.Inc()

	var alerts []types.VegetationAlert
	for _, spot := range spots {
		score, err := a.scorer.ScoreSpot(ctx, spot)
		if errors.Is(err, scan.ErrBadTile) {
			a.metrics.BadTiles.Inc()
			continue
		}
		if err != nil {
			return nil, len(spots), err
		}
		if score < RiskThreshold {
			continue
		}

		loc, err := geo.PixelToGeo(spot.Pixel.X, spot.Pixel.Y, a.zoom, geo.DefaultTileSize)
		if err != nil {
			a.metrics.OffMapSpots.Inc()
			a.log().Warn("Skipping spot off the map", "segment", seg.ID, "spot", spot.String(), "error", err)
			continue
		}
		id := seg.ID
		alert, err := types.NewVegetationAlert(loc.Lat, loc.Lon, types.DescPowerLineOverlap, Risk(score), &id)
		if err != nil {
			return nil, len(spots), err
		}
		alerts = append(alerts, alert)
	}
	a.metrics.SpotsScored.Add(float64(len(spots)))
	return alerts, len(spots), nil
}

func (a *Aggregator) log() *slog.Logger {
	if a.logger != nil {
		return a.logger
	}
	return slog.Default()
}
