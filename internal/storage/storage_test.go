package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "vegeo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns every store the contract tests run against. Postgres is
// only included when VEGEO_TEST_POSTGRES_DSN points at a scratch database.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	b := map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store { return openTestSQLite(t) },
	}
	if dsn := os.Getenv("VEGEO_TEST_POSTGRES_DSN"); dsn != "" {
		b["postgres"] = func(t *testing.T) Store {
			p, err := OpenPostgres(context.Background(), dsn)
			require.NoError(t, err)
			_, err = p.Pool.Exec(context.Background(),
				"TRUNCATE vegetation_alert, power_line_segment, img_tile, region")
			require.NoError(t, err)
			t.Cleanup(func() { p.Close() })
			return p
		}
	}
	return b
}

func segment(t *testing.T, id int64, pts ...geo.GeoPoint) types.PowerLineSegment {
	t.Helper()
	seg, err := types.NewPowerLineSegment(id, len(pts), pts)
	require.NoError(t, err)
	return seg
}

func alert(t *testing.T, lat, lon float64, risk int, segID int64) types.VegetationAlert {
	t.Helper()
	a, err := types.NewVegetationAlert(lat, lon, types.DescPowerLineOverlap, risk, &segID)
	require.NoError(t, err)
	return a
}

func TestStore_Regions(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			n := 12
			memphis := types.Region{
				Name:   "Memphis",
				Bounds: types.BoundingBox{MinLat: 34.9, MinLon: -90.2, MaxLat: 35.3, MaxLon: -89.6},
				ImgURL: "https://example.org/memphis.jpg",
				NumPls: &n,
			}
			austin := types.Region{
				Name:   "Austin",
				Bounds: types.BoundingBox{MinLat: 30.1, MinLon: -97.9, MaxLat: 30.5, MaxLon: -97.5},
			}
			require.NoError(t, s.UpsertRegion(ctx, memphis))
			require.NoError(t, s.UpsertRegion(ctx, austin))

			got, err := s.Regions(ctx)
			require.NoError(t, err)
			if diff := cmp.Diff([]types.Region{austin, memphis}, got); diff != "" {
				t.Errorf("regions mismatch (-want +got):\n%s", diff)
			}

			// Upsert replaces the existing row.
			memphis.Bounds.MaxLat = 35.4
			require.NoError(t, s.UpsertRegion(ctx, memphis))
			got, err = s.Regions(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, 35.4, got[1].Bounds.MaxLat)
		})
	}
}

func TestStore_SegmentsIntersecting(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			a := segment(t, 1, geo.GeoPoint{Lat: 10, Lon: 10}, geo.GeoPoint{Lat: 11, Lon: 11})
			b := segment(t, 2, geo.GeoPoint{Lat: 11, Lon: 11}, geo.GeoPoint{Lat: 12, Lon: 12})
			c := segment(t, 3, geo.GeoPoint{Lat: 20, Lon: 20}, geo.GeoPoint{Lat: 21, Lon: 20.5}, geo.GeoPoint{Lat: 21, Lon: 21})

			n, err := s.InsertSegments(ctx, []types.PowerLineSegment{c, a, b})
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			// Duplicates are ignored.
			n, err = s.InsertSegments(ctx, []types.PowerLineSegment{a})
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			got, err := s.SegmentsIntersecting(ctx, types.BoundingBox{MinLat: 9, MinLon: 9, MaxLat: 30, MaxLon: 30})
			require.NoError(t, err)
			if diff := cmp.Diff([]types.PowerLineSegment{a, b, c}, got); diff != "" {
				t.Errorf("segments mismatch (-want +got):\n%s", diff)
			}

			// Touching only at the edge does not count as overlap.
			got, err = s.SegmentsIntersecting(ctx, types.BoundingBox{MinLat: 11, MinLon: 11, MaxLat: 11.5, MaxLon: 11.5})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, int64(2), got[0].ID)

			got, err = s.SegmentsIntersecting(ctx, types.BoundingBox{MinLat: 12, MinLon: 12, MaxLat: 20, MaxLon: 20})
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStore_Tiles(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			_, err := s.Tile(ctx, 1, 2, 17)
			assert.ErrorIs(t, err, ErrNotFound)

			ok, err := s.InsertTile(ctx, types.RasterTile{X: 1, Y: 2, Z: 17, Data: []byte("first")})
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.InsertTile(ctx, types.RasterTile{X: 1, Y: 2, Z: 17, Data: []byte("second")})
			require.NoError(t, err)
			assert.False(t, ok, "existing tile must not be replaced")

			tile, err := s.Tile(ctx, 1, 2, 17)
			require.NoError(t, err)
			assert.Equal(t, types.RasterTile{X: 1, Y: 2, Z: 17, Data: []byte("first")}, tile)
		})
	}
}

func TestStore_ForEachTile(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			// More than one page.
			const total = 300
			for i := 0; i < total; i++ {
				_, err := s.InsertTile(ctx, types.RasterTile{X: i % 20, Y: i / 20, Z: 17, Data: []byte{byte(i)}})
				require.NoError(t, err)
			}

			seen := map[[2]int]bool{}
			err := s.ForEachTile(ctx, func(tile types.RasterTile) error {
				seen[[2]int{tile.X, tile.Y}] = true
				return nil
			})
			require.NoError(t, err)
			assert.Len(t, seen, total)

			stop := errors.New("stop")
			calls := 0
			err = s.ForEachTile(ctx, func(types.RasterTile) error {
				calls++
				return stop
			})
			assert.ErrorIs(t, err, stop)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestStore_Alerts(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			seg := segment(t, 7, geo.GeoPoint{Lat: 45, Lon: -90}, geo.GeoPoint{Lat: 46, Lon: -89})
			_, err := s.InsertSegments(ctx, []types.PowerLineSegment{seg})
			require.NoError(t, err)

			a1 := alert(t, 45, -90, 3, 7)
			a2 := alert(t, 45.5, -89.5, 9, 7)
			a3 := alert(t, 46, -89, 10, 7)

			n, err := s.InsertAlerts(ctx, []types.VegetationAlert{a2, a1, a3})
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			// Same location is kept once, the first risk wins.
			ok, err := s.InsertAlertIfAbsent(ctx, alert(t, 45, -90, 8, 7))
			require.NoError(t, err)
			assert.False(t, ok)

			// The query box is inclusive on all sides.
			got, err := s.Alerts(ctx, types.BoundingBox{MinLat: 45, MinLon: -90, MaxLat: 46, MaxLon: -89})
			require.NoError(t, err)
			if diff := cmp.Diff([]types.VegetationAlert{a1, a2, a3}, got); diff != "" {
				t.Errorf("alerts mismatch (-want +got):\n%s", diff)
			}

			got, err = s.Alerts(ctx, types.BoundingBox{MinLat: 45.1, MinLon: -90, MaxLat: 45.9, MaxLon: -89})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, 9, got[0].Risk)

			require.NoError(t, s.ClearAlerts(ctx))
			got, err = s.Alerts(ctx, types.BoundingBox{MinLat: -90, MinLon: -180, MaxLat: 90, MaxLon: 180})
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStore_InsertAlertsEmpty(t *testing.T) {
	s := openTestSQLite(t)
	n, err := s.InsertAlerts(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_RejectsRiskOutsideRange(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			for _, risk := range []int{0, 11} {
				bad := types.VegetationAlert{Lat: 1, Lon: 1, Desc: "x", Risk: risk}
				_, err := s.InsertAlertIfAbsent(ctx, bad)
				assert.Error(t, err, "risk %d", risk)

				_, err = s.InsertAlerts(ctx, []types.VegetationAlert{{Lat: 2, Lon: 2, Desc: "ok", Risk: 5}, bad})
				assert.Error(t, err, "risk %d", risk)
			}

			// The failed batch is rolled back as a whole.
			alerts, err := s.Alerts(ctx, types.BoundingBox{MinLat: -90, MinLon: -180, MaxLat: 90, MaxLon: 180})
			require.NoError(t, err)
			assert.Empty(t, alerts)

			// Location conflicts are still skipped without an error.
			ok := types.VegetationAlert{Lat: 1, Lon: 1, Desc: "x", Risk: 3}
			inserted, err := s.InsertAlertIfAbsent(ctx, ok)
			require.NoError(t, err)
			assert.True(t, inserted)
			inserted, err = s.InsertAlertIfAbsent(ctx, ok)
			require.NoError(t, err)
			assert.False(t, inserted)
		})
	}
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "", filepath.Join(t.TempDir(), "a.db"))
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())

	_, err = Open(ctx, "oracle", "whatever")
	assert.ErrorContains(t, err, "unsupported storage driver")

	_, err = OpenSQLite("")
	assert.Error(t, err)
}

type mapCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet error
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, false, m.failGet
	}
	d, ok := m.data[key]
	return d, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, data []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return nil
}

func TestCachedTiles(t *testing.T) {
	ctx := context.Background()
	base := openTestSQLite(t)
	_, err := base.InsertTile(ctx, types.RasterTile{X: 3, Y: 4, Z: 17, Data: []byte("png")})
	require.NoError(t, err)

	cache := &mapCache{data: map[string][]byte{}}
	cached := NewCachedTiles(base, cache)
	cached.Hits = prometheus.NewCounter(prometheus.CounterOpts{Name: "hits"})
	cached.Misses = prometheus.NewCounter(prometheus.CounterOpts{Name: "misses"})

	tile, err := cached.Tile(ctx, 3, 4, 17)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), tile.Data)
	assert.Equal(t, []byte("png"), cache.data[TileKey(3, 4, 17)])

	tile, err = cached.Tile(ctx, 3, 4, 17)
	require.NoError(t, err)
	assert.Equal(t, types.RasterTile{X: 3, Y: 4, Z: 17, Data: []byte("png")}, tile)

	assert.Equal(t, 1.0, testutil.ToFloat64(cached.Hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(cached.Misses))

	_, err = cached.Tile(ctx, 9, 9, 17)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotContains(t, cache.data, TileKey(9, 9, 17))

	// A broken cache degrades to the store.
	cache.failGet = errors.New("connection refused")
	tile, err = cached.Tile(ctx, 3, 4, 17)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), tile.Data)
}

func TestTileKey(t *testing.T) {
	assert.Equal(t, "vegeo:tile:17:3:4", TileKey(3, 4, 17))
}
