// Package storage persists regions, power line segments, raster tiles and
// vegetation alerts.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/klaasnotfound/vegeo-backend/internal/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store is implemented by every storage backend. Insert methods ignore rows
// whose key already exists and report how many rows were actually written.
type Store interface {
	Regions(ctx context.Context) ([]types.Region, error)
	UpsertRegion(ctx context.Context, r types.Region) error

	SegmentsIntersecting(ctx context.Context, bbox types.BoundingBox) ([]types.PowerLineSegment, error)
	InsertSegments(ctx context.Context, segs []types.PowerLineSegment) (int, error)

	Tile(ctx context.Context, x, y, z int) (types.RasterTile, error)
	InsertTile(ctx context.Context, t types.RasterTile) (bool, error)
	ForEachTile(ctx context.Context, fn func(types.RasterTile) error) error

	ClearAlerts(ctx context.Context) error
	InsertAlertIfAbsent(ctx context.Context, a types.VegetationAlert) (bool, error)
	// InsertAlerts writes all alerts in a single transaction.
	InsertAlerts(ctx context.Context, alerts []types.VegetationAlert) (int, error)
	Alerts(ctx context.Context, bbox types.BoundingBox) ([]types.VegetationAlert, error)

	Ping(ctx context.Context) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the backend selected by driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(dsn)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
