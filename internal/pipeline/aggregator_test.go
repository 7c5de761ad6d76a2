package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/klaasnotfound/vegeo-backend/internal/observability"
	"github.com/klaasnotfound/vegeo-backend/internal/storage"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
	"github.com/klaasnotfound/vegeo-backend/internal/worker"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tileX, tileY = 35048, 48516
	ts           = geo.DefaultTileSize
)

var world = types.BoundingBox{MinLat: -85, MinLon: -180, MaxLat: 85, MaxLon: 180}

// pixelPoint returns the geographic center of global pixel (px, py) at zoom 17.
func pixelPoint(t *testing.T, px, py int) geo.GeoPoint {
	t.Helper()
	p, err := geo.TileToGeo(px/ts, py/ts, 17,
		(float64(px%ts)+0.5)/float64(ts), (float64(py%ts)+0.5)/float64(ts))
	require.NoError(t, err)
	return p
}

// horizontalSegment runs 32px to the east from local pixel (lx, ly) of the
// given tile, which resamples to three spots.
func horizontalSegment(t *testing.T, id int64, tx, ty, lx, ly int) types.PowerLineSegment {
	t.Helper()
	pts := []geo.GeoPoint{
		pixelPoint(t, tx*ts+lx, ty*ts+ly),
		pixelPoint(t, tx*ts+lx+32, ty*ts+ly),
	}
	seg, err := types.NewPowerLineSegment(id, len(pts), pts)
	require.NoError(t, err)
	return seg
}

func regionAround(name string, segs ...types.PowerLineSegment) types.Region {
	bb := segs[0].Bounds
	for _, s := range segs[1:] {
		bb = bb.Union(s.Bounds)
	}
	const pad = 0.001
	bb = types.BoundingBox{MinLat: bb.MinLat - pad, MinLon: bb.MinLon - pad, MaxLat: bb.MaxLat + pad, MaxLon: bb.MaxLon + pad}
	return types.Region{Name: name, Bounds: bb}
}

func tilePNG(t *testing.T, alpha uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, ts, ts))
	for y := 0; y < ts; y++ {
		for x := 0; x < ts; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, B: 255, A: alpha})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	store   *storage.SQLite
	metrics *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "vegeo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &fixture{store: s, metrics: observability.NewMetricsForTesting()}
}

func (f *fixture) addRegion(t *testing.T, r types.Region, segs ...types.PowerLineSegment) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.InsertSegments(ctx, segs)
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertRegion(ctx, r))
}

func (f *fixture) addTile(t *testing.T, x, y int, data []byte) {
	t.Helper()
	_, err := f.store.InsertTile(context.Background(), types.RasterTile{X: x, Y: y, Z: 17, Data: data})
	require.NoError(t, err)
}

func (f *fixture) aggregator(store Store, cfg Config) *Aggregator {
	cfg.Metrics = f.metrics
	return NewAggregator(store, f.store, cfg)
}

func (f *fixture) alerts(t *testing.T) []types.VegetationAlert {
	t.Helper()
	a, err := f.store.Alerts(context.Background(), world)
	require.NoError(t, err)
	return a
}

func TestRisk(t *testing.T) {
	tests := []struct {
		score float64
		want  int
	}{
		{0.5, 1},
		{0.55, 2},
		{0.6, 3},
		{0.75, 5}, // 4.5 rounds to even
		{0.85, 7},
		{0.95, 9},
		{0.99, 10},
		{1.0, 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Risk(tt.score), "score %v", tt.score)
	}

	prev := Risk(RiskThreshold)
	for s := RiskThreshold; s <= 1; s += 0.001 {
		r := Risk(s)
		assert.GreaterOrEqual(t, r, prev, "risk must not decrease at %v", s)
		assert.GreaterOrEqual(t, r, types.MinRisk)
		assert.LessOrEqual(t, r, types.MaxRisk)
		prev = r
	}
}

func TestAggregator_EndToEnd(t *testing.T) {
	f := newFixture(t)
	seg := horizontalSegment(t, 42, tileX, tileY, 64, 100)
	f.addRegion(t, regionAround("Memphis", seg), seg)
	f.addTile(t, tileX, tileY, tilePNG(t, 255))

	report, err := f.aggregator(f.store, Config{}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Regions, 1)
	res := report.Regions[0]
	assert.NoError(t, res.Err)
	assert.Equal(t, "Memphis", res.Name)
	assert.Equal(t, 1, res.Segments)
	assert.Equal(t, 3, res.Spots)
	assert.Equal(t, 3, res.Candidates)
	assert.Equal(t, 3, res.Alerts)
	assert.Equal(t, 3, report.Alerts())
	assert.Empty(t, report.Failed())

	var want []types.VegetationAlert
	for _, dx := range []int{0, 16, 32} {
		loc, err := geo.PixelToGeo(tileX*ts+64+dx, tileY*ts+100, 17, ts)
		require.NoError(t, err)
		id := int64(42)
		want = append(want, types.VegetationAlert{Lat: loc.Lat, Lon: loc.Lon, Desc: types.DescPowerLineOverlap, Risk: 10, SegmentID: &id})
	}
	if diff := cmp.Diff(want, f.alerts(t)); diff != "" {
		t.Errorf("alerts mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AlertRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RegionsProcessed))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.SpotsScored))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.AlertsWritten.WithLabelValues("Memphis")))
}

func TestAggregator_Idempotent(t *testing.T) {
	f := newFixture(t)
	a := horizontalSegment(t, 1, tileX, tileY, 64, 100)
	b := horizontalSegment(t, 2, tileX, tileY, 64, 140)
	f.addRegion(t, regionAround("Memphis", a, b), a, b)
	f.addTile(t, tileX, tileY, tilePNG(t, 200))

	agg := f.aggregator(f.store, Config{Workers: 4})

	_, err := agg.Run(context.Background())
	require.NoError(t, err)
	first := f.alerts(t)
	require.Len(t, first, 6)

	report, err := agg.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, report.Alerts())

	if diff := cmp.Diff(first, f.alerts(t)); diff != "" {
		t.Errorf("second run changed alerts (-first +second):\n%s", diff)
	}
}

func TestAggregator_SharedLocationsKeepLowestSegment(t *testing.T) {
	f := newFixture(t)
	// Identical geometry under two ids.
	a := horizontalSegment(t, 10, tileX, tileY, 64, 100)
	b := horizontalSegment(t, 11, tileX, tileY, 64, 100)
	f.addRegion(t, regionAround("Memphis", a), a, b)
	f.addTile(t, tileX, tileY, tilePNG(t, 255))

	report, err := f.aggregator(f.store, Config{Workers: 8}).Run(context.Background())
	require.NoError(t, err)

	res := report.Regions[0]
	assert.Equal(t, 6, res.Candidates)
	assert.Equal(t, 3, res.Alerts)
	for _, alert := range f.alerts(t) {
		assert.Equal(t, int64(10), *alert.SegmentID)
	}
}

func TestAggregator_NoAlertBelowThreshold(t *testing.T) {
	f := newFixture(t)
	covered := horizontalSegment(t, 1, tileX, tileY, 64, 100)
	bare := horizontalSegment(t, 2, tileX+1, tileY, 64, 100)
	uncovered := horizontalSegment(t, 3, tileX+2, tileY, 64, 100)
	edge := horizontalSegment(t, 4, tileX, tileY, 2, 3)
	f.addRegion(t, regionAround("Memphis", covered, bare, uncovered, edge), covered, bare, uncovered, edge)
	f.addTile(t, tileX, tileY, tilePNG(t, 255))
	f.addTile(t, tileX+1, tileY, tilePNG(t, 0))
	// tileX+2 has no tile at all.

	report, err := f.aggregator(f.store, Config{}).Run(context.Background())
	require.NoError(t, err)

	res := report.Regions[0]
	require.NoError(t, res.Err)
	assert.Equal(t, 4, res.Segments)
	assert.Equal(t, 12, res.Spots)
	// Segment 4 runs 3px below the top tile edge, inside the margin.
	assert.Equal(t, 3, res.Alerts)
	for _, alert := range f.alerts(t) {
		assert.Equal(t, int64(1), *alert.SegmentID)
	}
}

func TestAggregator_SkipsBadTiles(t *testing.T) {
	f := newFixture(t)
	good := horizontalSegment(t, 1, tileX, tileY, 64, 100)
	bad := horizontalSegment(t, 2, tileX+1, tileY, 64, 100)
	f.addRegion(t, regionAround("Memphis", good, bad), good, bad)
	f.addTile(t, tileX, tileY, tilePNG(t, 255))
	f.addTile(t, tileX+1, tileY, []byte("not an image"))

	report, err := f.aggregator(f.store, Config{}).Run(context.Background())
	require.NoError(t, err)

	res := report.Regions[0]
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Alerts)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.BadTiles))
}

// opaqueTiles serves a fully covered tile for every coordinate, including
// ones outside the map.
type opaqueTiles struct{ data []byte }

func (o opaqueTiles) Tile(_ context.Context, x, y, z int) (types.RasterTile, error) {
	return types.RasterTile{X: x, Y: y, Z: z, Data: o.data}, nil
}

func TestAggregator_SkipsSpotsOffTheMap(t *testing.T) {
	f := newFixture(t)

	// 241px westwards in 16 steps of -15.06 that each floor to -16, so the
	// last spot drifts to pixel -15, west of the antimeridian.
	y := tileY*ts + 100
	pts := []geo.GeoPoint{pixelPoint(t, 241, y), pixelPoint(t, 0, y)}
	seg, err := types.NewPowerLineSegment(7, len(pts), pts)
	require.NoError(t, err)
	f.addRegion(t, regionAround("Dateline", seg), seg)

	agg := NewAggregator(f.store, opaqueTiles{data: tilePNG(t, 255)}, Config{Metrics: f.metrics})
	report, err := agg.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Regions, 1)
	res := report.Regions[0]
	require.NoError(t, res.Err)
	assert.Equal(t, 17, res.Spots)
	// Spots 241..17 score; pixel 1 sits in the edge margin.
	assert.Equal(t, 15, res.Alerts)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OffMapSpots))
	for _, alert := range f.alerts(t) {
		assert.GreaterOrEqual(t, alert.Lon, -180.0)
	}
}

// flakyStore fails segment lookups for one region.
type flakyStore struct {
	*storage.SQLite
	failing types.BoundingBox
}

func (s *flakyStore) SegmentsIntersecting(ctx context.Context, bbox types.BoundingBox) ([]types.PowerLineSegment, error) {
	if bbox == s.failing {
		return nil, errors.New("connection reset by peer")
	}
	return s.SQLite.SegmentsIntersecting(ctx, bbox)
}

func TestAggregator_FailingRegionKeepsOthers(t *testing.T) {
	f := newFixture(t)
	a := horizontalSegment(t, 1, tileX, tileY, 64, 100)
	b := horizontalSegment(t, 2, tileX+5, tileY, 64, 100)
	c := horizontalSegment(t, 3, tileX+10, tileY, 64, 100)
	broken := regionAround("Broken", b)
	f.addRegion(t, regionAround("Alpha", a), a)
	f.addRegion(t, broken, b)
	f.addRegion(t, regionAround("Charlie", c), c)
	for _, x := range []int{tileX, tileX + 5, tileX + 10} {
		f.addTile(t, x, tileY, tilePNG(t, 255))
	}

	store := &flakyStore{SQLite: f.store, failing: broken.Bounds}
	report, err := f.aggregator(store, Config{}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Regions, 3)
	assert.NoError(t, report.Regions[0].Err)
	assert.ErrorContains(t, report.Regions[1].Err, "connection reset by peer")
	assert.NoError(t, report.Regions[2].Err)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "Broken", failed[0].Name)

	assert.Len(t, f.alerts(t), 6)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RegionFailures))
}

type clearFailStore struct {
	*storage.SQLite
}

func (clearFailStore) ClearAlerts(context.Context) error { return errors.New("read-only") }

func TestAggregator_ClearFailureAbortsRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.aggregator(clearFailStore{f.store}, Config{}).Run(context.Background())
	assert.ErrorContains(t, err, "failed to clear alerts")
}

func TestAggregator_ClearsStaleAlerts(t *testing.T) {
	f := newFixture(t)
	stale, err := types.NewVegetationAlert(1, 1, "stale", 4, nil)
	require.NoError(t, err)
	_, err = f.store.InsertAlertIfAbsent(context.Background(), stale)
	require.NoError(t, err)

	report, err := f.aggregator(f.store, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Regions)
	assert.Empty(t, f.alerts(t))
}

type recordingNotifier struct {
	mu      sync.Mutex
	runIDs  []uuid.UUID
	results []RegionResult
	err     error
}

func (n *recordingNotifier) PublishRegion(_ context.Context, runID uuid.UUID, res RegionResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runIDs = append(n.runIDs, runID)
	n.results = append(n.results, res)
	return n.err
}

func TestAggregator_ReportAndNotifications(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	SetClock(clockwork.NewFakeClockAt(fixed))
	t.Cleanup(func() { SetClock(nil) })

	f := newFixture(t)
	a := horizontalSegment(t, 1, tileX, tileY, 64, 100)
	b := horizontalSegment(t, 2, tileX+5, tileY, 64, 100)
	f.addRegion(t, regionAround("Alpha", a), a)
	f.addRegion(t, regionAround("Beta", b), b)
	f.addTile(t, tileX, tileY, tilePNG(t, 255))

	notifier := &recordingNotifier{err: errors.New("no responders")}
	var progressed []string
	agg := f.aggregator(f.store, Config{
		Notifier: notifier,
		Progress: func(region string, segments int) worker.ProgressFunc {
			progressed = append(progressed, region)
			return nil
		},
	})

	report, err := agg.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, fixed, report.StartedAt)
	assert.Zero(t, report.Duration)
	assert.NotEqual(t, uuid.Nil, report.RunID)

	require.Len(t, notifier.results, 2)
	assert.Equal(t, []uuid.UUID{report.RunID, report.RunID}, notifier.runIDs)
	assert.Equal(t, "Alpha", notifier.results[0].Name)
	assert.Equal(t, 3, notifier.results[0].Alerts)
	assert.Equal(t, "Beta", notifier.results[1].Name)
	assert.Equal(t, 0, notifier.results[1].Alerts)
	assert.Equal(t, []string{"Alpha", "Beta"}, progressed)
}

func TestAggregator_Cancelled(t *testing.T) {
	f := newFixture(t)
	a := horizontalSegment(t, 1, tileX, tileY, 64, 100)
	f.addRegion(t, regionAround("Alpha", a), a)

	ctx, cancel := context.WithCancel(context.Background())
	agg := f.aggregator(f.store, Config{})
	require.NoError(t, f.store.ClearAlerts(ctx))
	cancel()

	_, err := agg.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
