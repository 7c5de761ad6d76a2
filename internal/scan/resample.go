// Package scan turns power line geometry into sample spots and scores them
// against vegetation raster tiles.
package scan

import (
	"fmt"
	"math"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
)

const (
	// PixelRadius is the sampling neighbourhood around every spot.
	PixelRadius = 8
	// ScanZoom is the zoom level at which spots are placed and tiles are sampled.
	ScanZoom = 17
)

// ResampleSegment walks the segment in pixel space at zoom z and emits a spot
// at least every 2*PixelRadius pixels. Each step floors the running point, so
// rounding drift accumulates along an edge.
func ResampleSegment(seg types.PowerLineSegment, z int) ([]types.ScanSpot, error) {
	if len(seg.Geometry) == 0 {
		return nil, nil
	}

	first := seg.Geometry[0]
	p0, err := geo.GeoToPixel(first.Lat, first.Lon, z, geo.DefaultTileSize)
	if err != nil {
		return nil, fmt.Errorf("segment %d vertex 0: %w", seg.ID, err)
	}

	spots := []types.ScanSpot{{SegmentID: seg.ID, Pixel: p0}}
	for i, v := range seg.Geometry[1:] {
		p1, err := geo.GeoToPixel(v.Lat, v.Lon, z, geo.DefaultTileSize)
		if err != nil {
			return nil, fmt.Errorf("segment %d vertex %d: %w", seg.ID, i+1, err)
		}

		dx := float64(p1.X - p0.X)
		dy := float64(p1.Y - p0.Y)
		steps := int(math.Ceil(math.Hypot(dx, dy) / (2 * PixelRadius)))
		for s := 0; s < steps; s++ {
			p0 = geo.PixelCoord{
				X: int(math.Floor(float64(p0.X) + dx/float64(steps))),
				Y: int(math.Floor(float64(p0.Y) + dy/float64(steps))),
			}
			spots = append(spots, types.ScanSpot{SegmentID: seg.ID, Pixel: p0})
		}
	}
	return spots, nil
}
