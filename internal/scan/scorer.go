package scan

import (
	"bytes"
	"container/list"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png" // tiles are stored as PNG
	"log/slog"
	"sync"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/klaasnotfound/vegeo-backend/internal/storage"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
)

// DefaultCacheTiles is the number of decoded tiles a Scorer keeps in memory.
const DefaultCacheTiles = 64

// ErrBadTile marks a stored tile whose payload cannot be decoded.
var ErrBadTile = errors.New("undecodable raster tile")

// TileSource looks up stored raster tiles. A missing tile is reported as
// storage.ErrNotFound.
type TileSource interface {
	Tile(ctx context.Context, x, y, z int) (types.RasterTile, error)
}

// ScorerConfig configures a Scorer. Zero values select the defaults.
type ScorerConfig struct {
	Zoom       int
	TileSize   int
	Radius     int
	CacheTiles int
	Logger     *slog.Logger
}

// Scorer measures vegetation cover around scan spots.
type Scorer struct {
	tiles    TileSource
	zoom     int
	tileSize int
	radius   int
	cache    *imageCache
	logger   *slog.Logger
}

// NewScorer creates a Scorer reading tiles from src.
func NewScorer(src TileSource, cfg ScorerConfig) *Scorer {
	if cfg.Zoom == 0 {
		cfg.Zoom = ScanZoom
	}
	if cfg.TileSize == 0 {
		cfg.TileSize = geo.DefaultTileSize
	}
	if cfg.Radius == 0 {
		cfg.Radius = PixelRadius
	}
	if cfg.CacheTiles == 0 {
		cfg.CacheTiles = DefaultCacheTiles
	}
	return &Scorer{
		tiles:    src,
		zoom:     cfg.Zoom,
		tileSize: cfg.TileSize,
		radius:   cfg.Radius,
		cache:    newImageCache(cfg.CacheTiles),
		logger:   cfg.Logger,
	}
}

// LocateSpot splits a global pixel into its tile and the tile-local offset.
func LocateSpot(p geo.PixelCoord, z, tileSize int) (geo.TileCoord, image.Point) {
	tx := floorDiv(p.X, tileSize)
	ty := floorDiv(p.Y, tileSize)
	return geo.TileCoord{X: tx, Y: ty, Z: z}, image.Point{X: p.X - tx*tileSize, Y: p.Y - ty*tileSize}
}

// ScoreSpot returns the opaque pixel ratio around the spot. Spots on tiles
// that were never classified score 0.
func (s *Scorer) ScoreSpot(ctx context.Context, spot types.ScanSpot) (float64, error) {
	tc, local := LocateSpot(spot.Pixel, s.zoom, s.tileSize)

	img, err := s.image(ctx, tc)
	if err != nil {
		return 0, err
	}
	if img == nil {
		return 0, nil
	}
	return OpaquePixelRatio(img, local, s.radius), nil
}

func (s *Scorer) image(ctx context.Context, tc geo.TileCoord) (image.Image, error) {
	if img, ok := s.cache.get(tc); ok {
		return img, nil
	}

	t, err := s.tiles.Tile(ctx, tc.X, tc.Y, tc.Z)
	if errors.Is(err, storage.ErrNotFound) {
		s.cache.put(tc, nil)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tile %s: %w", tc, err)
	}

	img, _, err := image.Decode(bytes.NewReader(t.Data))
	if err != nil {
		s.log().Warn("Skipping undecodable tile", "tile", tc.String(), "error", err)
		return nil, fmt.Errorf("%w %s: %v", ErrBadTile, tc, err)
	}
	s.cache.put(tc, img)
	return img, nil
}

func (s *Scorer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// imageCache is a small thread-safe LRU of decoded tiles. A nil image
// records a tile known to be missing.
type imageCache struct {
	max     int
	mu      sync.Mutex
	order   *list.List
	entries map[geo.TileCoord]*list.Element
}

type cacheEntry struct {
	key geo.TileCoord
	img image.Image
}

func newImageCache(max int) *imageCache {
	return &imageCache{max: max, order: list.New(), entries: make(map[geo.TileCoord]*list.Element)}
}

func (c *imageCache) get(k geo.TileCoord) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(e)
	return e.Value.(*cacheEntry).img, true
}

func (c *imageCache) put(k geo.TileCoord, img image.Image) {
	if c.max < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[k]; ok {
		e.Value.(*cacheEntry).img = img
		c.order.MoveToFront(e)
		return
	}
	c.entries[k] = c.order.PushFront(&cacheEntry{key: k, img: img})
	if c.order.Len() > c.max {
		tail := c.order.Back()
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(*cacheEntry).key)
	}
}
