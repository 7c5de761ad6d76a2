package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/klaasnotfound/vegeo-backend/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valkey-io/valkey-go"
)

// DefaultTileTTL is how long cached tile payloads live in Valkey.
const DefaultTileTTL = 6 * time.Hour

// TileCache stores raw tile payloads by key. Get reports a miss with ok=false.
type TileCache interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// ValkeyCache is a TileCache backed by a Valkey (Redis-compatible) server.
type ValkeyCache struct {
	client valkey.Client
}

// NewValkeyCache connects to the Valkey server at addr.
func NewValkeyCache(addr string) (*ValkeyCache, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("valkey connect: %w", err)
	}
	return &ValkeyCache{client: client}, nil
}

func (c *ValkeyCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Do(ctx, c.client.B().Get().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *ValkeyCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	cmd := c.client.Do(ctx,
		c.client.B().Set().Key(key).Value(valkey.BinaryString(data)).Ex(ttl).Build(),
	)
	return cmd.Error()
}

// Close releases the client.
func (c *ValkeyCache) Close() {
	c.client.Close()
}

// CachedTiles is a Store whose Tile lookups read through a TileCache.
// Cache failures are logged and fall back to the underlying store.
type CachedTiles struct {
	Store
	Cache  TileCache
	TTL    time.Duration
	Hits   prometheus.Counter
	Misses prometheus.Counter
	Logger *slog.Logger
}

// NewCachedTiles wraps store with cache.
func NewCachedTiles(store Store, cache TileCache) *CachedTiles {
	return &CachedTiles{Store: store, Cache: cache, TTL: DefaultTileTTL}
}

// TileKey is the cache key of a raster tile.
func TileKey(x, y, z int) string {
	return fmt.Sprintf("vegeo:tile:%d:%d:%d", z, x, y)
}

func (c *CachedTiles) Tile(ctx context.Context, x, y, z int) (types.RasterTile, error) {
	key := TileKey(x, y, z)

	data, ok, err := c.Cache.Get(ctx, key)
	if err != nil {
		c.log().Warn("Tile cache read failed", "key", key, "error", err)
	}
	if ok {
		inc(c.Hits)
		return types.RasterTile{X: x, Y: y, Z: z, Data: data}, nil
	}
	inc(c.Misses)

	t, err := c.Store.Tile(ctx, x, y, z)
	if err != nil {
		return t, err
	}

	if err := c.Cache.Set(ctx, key, t.Data, c.TTL); err != nil {
		c.log().Warn("Tile cache write failed", "key", key, "error", err)
	}
	return t, nil
}

func (c *CachedTiles) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}
