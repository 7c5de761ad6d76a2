// Package server implements the read-only Vegeo HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/klaasnotfound/vegeo-backend/internal/geojson"
	"github.com/klaasnotfound/vegeo-backend/internal/mbtiles"
	"github.com/klaasnotfound/vegeo-backend/internal/observability"
	"github.com/klaasnotfound/vegeo-backend/internal/raster"
	"github.com/klaasnotfound/vegeo-backend/internal/storage"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is reported by the index route.
const Version = "0.1.0"

// Store is the part of storage.Store the API reads from.
type Store interface {
	Regions(ctx context.Context) ([]types.Region, error)
	SegmentsIntersecting(ctx context.Context, bbox types.BoundingBox) ([]types.PowerLineSegment, error)
	Alerts(ctx context.Context, bbox types.BoundingBox) ([]types.VegetationAlert, error)
	Ping(ctx context.Context) error
}

// TileReader returns stored vegetation tiles.
type TileReader interface {
	Tile(ctx context.Context, x, y, z int) (types.RasterTile, error)
}

// Config configures the API.
type Config struct {
	// Tiles serves /vegetation/tiles; defaults to the store when it
	// implements TileReader. Without either every tile is not found.
	Tiles        TileReader
	CacheControl string
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

type noTiles struct{}

func (noTiles) Tile(context.Context, int, int, int) (types.RasterTile, error) {
	return types.RasterTile{}, storage.ErrNotFound
}

// API serves regions, power lines, vegetation tiles and alerts.
type API struct {
	store        Store
	tiles        TileReader
	cacheControl string
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// New creates the API on top of store.
func New(store Store, cfg Config) *API {
	if cfg.CacheControl == "" {
		cfg.CacheControl = "no-store"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetricsForTesting()
	}
	if cfg.Tiles == nil {
		if tr, ok := store.(TileReader); ok {
			cfg.Tiles = tr
		} else {
			cfg.Tiles = noTiles{}
		}
	}
	return &API{
		store:        store,
		tiles:        cfg.Tiles,
		cacheControl: cfg.CacheControl,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
}

// Handler returns the routed API with CORS and request metrics.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	a.route(mux, "GET /{$}", "index", a.handleIndex)
	a.route(mux, "GET /regions", "regions", a.handleRegions)
	a.route(mux, "GET /power-lines", "power_lines", a.handlePowerLines)
	a.route(mux, "GET /power-lines/tiles/{z}/{x}/{file}", "power_line_tiles", a.handlePowerLineTile)
	a.route(mux, "GET /vegetation/tiles/{z}/{y}/{x}", "vegetation_tiles", a.handleVegetationTile)
	a.route(mux, "GET /vegetation/alerts", "alerts", a.handleAlerts)
	a.route(mux, "GET /healthz", "healthz", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return withCORS(mux)
}

func (a *API) route(mux *http.ServeMux, pattern, name string, h http.HandlerFunc) {
	mux.Handle(pattern, a.instrument(name, h))
}

func (a *API) handleIndex(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"name": "Vegeo API", "version": Version})
}

func (a *API) handleRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := a.store.Regions(r.Context())
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	if regions == nil {
		regions = []types.Region{}
	}
	a.writeJSON(w, http.StatusOK, regions)
}

func (a *API) handlePowerLines(w http.ResponseWriter, r *http.Request) {
	bbox, err := parseBBox(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	segs, err := a.store.SegmentsIntersecting(r.Context(), bbox)
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	if segs == nil {
		segs = []types.PowerLineSegment{}
	}
	a.writeJSON(w, http.StatusOK, segs)
}

func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	bbox, err := parseBBox(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	alerts, err := a.store.Alerts(r.Context(), bbox)
	if err != nil {
		a.internalError(w, r, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "geojson":
		data, err := geojson.Marshal(geojson.AlertsToGeoJSON(alerts), false)
		if err != nil {
			a.internalError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write(data)
	case "", "json":
		if alerts == nil {
			alerts = []types.VegetationAlert{}
		}
		a.writeJSON(w, http.StatusOK, alerts)
	default:
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format: %s", format))
	}
}

func (a *API) handleVegetationTile(w http.ResponseWriter, r *http.Request) {
	tc, err := parseTileCoord(r.PathValue("z"), r.PathValue("x"), r.PathValue("y"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := a.tiles.Tile(r.Context(), tc.X, tc.Y, tc.Z)
	if isNotFound(err) {
		http.Error(w, "Tile not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.internalError(w, r, err)
		return
	}

	a.writePNG(w, t.Data)
}

func (a *API) handlePowerLineTile(w http.ResponseWriter, r *http.Request) {
	file := r.PathValue("file")
	if !strings.HasSuffix(file, ".png") {
		http.NotFound(w, r)
		return
	}
	tc, err := parseTileCoord(r.PathValue("z"), r.PathValue("x"), strings.TrimSuffix(file, ".png"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Widen the query so lines just outside the tile still draw their stroke.
	bbox := types.TileBounds(tc).ExpandByFraction(0.05)
	segs, err := a.store.SegmentsIntersecting(r.Context(), bbox)
	if err != nil {
		a.internalError(w, r, err)
		return
	}

	renderer := raster.NewOverlayRenderer(types.RasterTileSize, raster.LineWidthForZoom(tc.Z), raster.DefaultLineColor)
	data, err := raster.EncodePNG(renderer.Render(tc, segs))
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	a.writePNG(w, data)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		a.log().Warn("Health check failed", "error", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (a *API) writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", a.cacheControl)
	if _, err := w.Write(data); err != nil {
		a.log().Error("Failed to write response", "error", err)
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log().Error("Failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) internalError(w http.ResponseWriter, r *http.Request, err error) {
	a.log().Error("Request failed", "path", r.URL.Path, "error", err)
	a.writeError(w, http.StatusInternalServerError, "internal error")
}

func (a *API) log() *slog.Logger {
	if a.logger != nil {
		return a.logger
	}
	return slog.Default()
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, mbtiles.ErrTileNotFound)
}

// parseBBox reads the sw and ne query parameters, each "lat,lon".
func parseBBox(r *http.Request) (types.BoundingBox, error) {
	q := r.URL.Query()
	sw, err := parseLatLon("sw", q.Get("sw"))
	if err != nil {
		return types.BoundingBox{}, err
	}
	ne, err := parseLatLon("ne", q.Get("ne"))
	if err != nil {
		return types.BoundingBox{}, err
	}
	if sw.Lat > ne.Lat || sw.Lon > ne.Lon {
		return types.BoundingBox{}, fmt.Errorf("sw %s must lie south-west of ne %s", sw, ne)
	}
	return types.NewBoundingBox(sw, ne), nil
}

func parseLatLon(name, s string) (geo.GeoPoint, error) {
	if s == "" {
		return geo.GeoPoint{}, fmt.Errorf("missing parameter %s (expected lat,lon)", name)
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return geo.GeoPoint{}, fmt.Errorf("invalid %s %q (expected lat,lon)", name, s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || math.IsNaN(lat) || lat < -90 || lat > 90 {
		return geo.GeoPoint{}, fmt.Errorf("invalid latitude in %s: %q", name, parts[0])
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || math.IsNaN(lon) || lon < -180 || lon > 180 {
		return geo.GeoPoint{}, fmt.Errorf("invalid longitude in %s: %q", name, parts[1])
	}
	return geo.GeoPoint{Lat: lat, Lon: lon}, nil
}

func parseTileCoord(zs, xs, ys string) (geo.TileCoord, error) {
	z, errZ := strconv.Atoi(zs)
	x, errX := strconv.Atoi(xs)
	y, errY := strconv.Atoi(ys)
	if err := errors.Join(errZ, errX, errY); err != nil {
		return geo.TileCoord{}, fmt.Errorf("invalid tile coordinates %s/%s/%s", zs, xs, ys)
	}
	if z < 0 || z > geo.MaxZoom {
		return geo.TileCoord{}, fmt.Errorf("zoom %d out of range [0, %d]", z, geo.MaxZoom)
	}
	if limit := 1 << z; x < 0 || x >= limit || y < 0 || y >= limit {
		return geo.TileCoord{}, fmt.Errorf("tile %d/%d/%d out of range", z, x, y)
	}
	return geo.TileCoord{X: x, Y: y, Z: z}, nil
}
