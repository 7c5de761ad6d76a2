package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/klaasnotfound/vegeo-backend/internal/observability"
	"github.com/klaasnotfound/vegeo-backend/internal/storage"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
	"github.com/spf13/viper"
)

func openStore(ctx context.Context) (storage.Store, error) {
	driver := viper.GetString("storage.driver")
	store, err := storage.Open(ctx, driver, viper.GetString("storage.dsn"))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", driver, err)
	}
	return store, nil
}

// tileSource wraps store in the Valkey tile cache when one is configured.
// The returned cleanup closes the cache connection.
func tileSource(store storage.Store, metrics *observability.Metrics) (storage.Store, func(), error) {
	addr := viper.GetString("cache.valkey_addr")
	if addr == "" {
		return store, func() {}, nil
	}

	cache, err := storage.NewValkeyCache(addr)
	if err != nil {
		return nil, nil, err
	}
	cached := storage.NewCachedTiles(store, cache)
	cached.Logger = logger
	cached.Hits = metrics.TileCache.WithLabelValues("hit")
	cached.Misses = metrics.TileCache.WithLabelValues("miss")

	logger.Info("Using Valkey tile cache", "addr", addr, "ttl", cached.TTL)
	return cached, cache.Close, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received interrupt signal, cancelling...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// parseBBox parses "minLon,minLat,maxLon,maxLat".
func parseBBox(s string) (types.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return types.BoundingBox{}, fmt.Errorf("expected 4 comma-separated values, got %d", len(parts))
	}

	var v [4]float64
	for i, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return types.BoundingBox{}, fmt.Errorf("invalid number at position %d: %w", i, err)
		}
		v[i] = val
	}

	if v[0] >= v[2] {
		return types.BoundingBox{}, fmt.Errorf("minLon (%.4f) must be < maxLon (%.4f)", v[0], v[2])
	}
	if v[1] >= v[3] {
		return types.BoundingBox{}, fmt.Errorf("minLat (%.4f) must be < maxLat (%.4f)", v[1], v[3])
	}
	if v[1] < -90 || v[3] > 90 {
		return types.BoundingBox{}, fmt.Errorf("latitude out of range [-90, 90]")
	}
	if v[0] < -180 || v[2] > 180 {
		return types.BoundingBox{}, fmt.Errorf("longitude out of range [-180, 180]")
	}

	return types.BoundingBox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}, nil
}

// worldBBox covers every valid coordinate.
var worldBBox = types.BoundingBox{MinLat: -90, MinLon: -180, MaxLat: 90, MaxLon: 180}
