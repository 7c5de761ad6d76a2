package types

import (
	"fmt"
	"math"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/paulmach/orb"
)

// BoundingBox represents a geographic bounding box in WGS84 (EPSG:4326)
type BoundingBox struct {
	MinLon float64 // Western edge (degrees)
	MinLat float64 // Southern edge (degrees)
	MaxLon float64 // Eastern edge (degrees)
	MaxLat float64 // Northern edge (degrees)
}

// NewBoundingBox builds a box from its south-west and north-east corners.
func NewBoundingBox(sw, ne geo.GeoPoint) BoundingBox {
	return BoundingBox{MinLon: sw.Lon, MinLat: sw.Lat, MaxLon: ne.Lon, MaxLat: ne.Lat}
}

// BoundingBoxAround returns a square box of the given edge length in degrees
// centered on (lat, lon).
func BoundingBoxAround(lat, lon, size float64) BoundingBox {
	h := size / 2
	return BoundingBox{MinLon: lon - h, MinLat: lat - h, MaxLon: lon + h, MaxLat: lat + h}
}

// BoundingBoxOf returns the tightest box around the given points. The second
// return value is false for an empty slice.
func BoundingBoxOf(points []geo.GeoPoint) (BoundingBox, bool) {
	if len(points) == 0 {
		return BoundingBox{}, false
	}
	b := BoundingBox{MinLon: math.Inf(1), MinLat: math.Inf(1), MaxLon: math.Inf(-1), MaxLat: math.Inf(-1)}
	for _, p := range points {
		b.MinLat = math.Min(b.MinLat, p.Lat)
		b.MinLon = math.Min(b.MinLon, p.Lon)
		b.MaxLat = math.Max(b.MaxLat, p.Lat)
		b.MaxLon = math.Max(b.MaxLon, p.Lon)
	}
	return b, true
}

// TileBounds returns the geographic extent of a Web Mercator tile.
func TileBounds(t geo.TileCoord) BoundingBox {
	n := math.Pow(2, float64(t.Z))

	return BoundingBox{
		MinLon: float64(t.X)/n*360.0 - 180.0,
		MinLat: mercatorToLat(math.Pi * (1 - 2*float64(t.Y+1)/n)),
		MaxLon: float64(t.X+1)/n*360.0 - 180.0,
		MaxLat: mercatorToLat(math.Pi * (1 - 2*float64(t.Y)/n)),
	}
}

// mercatorToLat converts Web Mercator Y coordinate to latitude
func mercatorToLat(mercatorY float64) float64 {
	return 180.0 / math.Pi * math.Atan(math.Sinh(mercatorY))
}

// Intersects reports whether the boxes overlap with a positive area.
// Boxes that only touch along an edge do not intersect.
func (b BoundingBox) Intersects(o BoundingBox) bool {
	return o.MaxLat > b.MinLat && o.MinLat < b.MaxLat &&
		o.MaxLon > b.MinLon && o.MinLon < b.MaxLon
}

// Contains reports whether the point lies inside the box or on its border.
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Union returns the smallest box covering both boxes.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	return BoundingBox{
		MinLon: math.Min(b.MinLon, o.MinLon),
		MinLat: math.Min(b.MinLat, o.MinLat),
		MaxLon: math.Max(b.MaxLon, o.MaxLon),
		MaxLat: math.Max(b.MaxLat, o.MaxLat),
	}
}

// ExpandByFraction grows the box on every side by frac of its width and height.
func (b BoundingBox) ExpandByFraction(frac float64) BoundingBox {
	if frac <= 0 {
		return b
	}
	dx := b.Width() * frac
	dy := b.Height() * frac
	return BoundingBox{MinLon: b.MinLon - dx, MinLat: b.MinLat - dy, MaxLon: b.MaxLon + dx, MaxLat: b.MaxLat + dy}
}

// SouthWest returns the lower left corner.
func (b BoundingBox) SouthWest() geo.GeoPoint { return geo.GeoPoint{Lat: b.MinLat, Lon: b.MinLon} }

// NorthEast returns the upper right corner.
func (b BoundingBox) NorthEast() geo.GeoPoint { return geo.GeoPoint{Lat: b.MaxLat, Lon: b.MaxLon} }

// Bound converts the box to an orb.Bound.
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinLon, b.MinLat}, Max: orb.Point{b.MaxLon, b.MaxLat}}
}

// String returns a human-readable representation of the bounding box
func (b BoundingBox) String() string {
	return fmt.Sprintf("bbox(%.6f,%.6f,%.6f,%.6f)", b.MinLat, b.MinLon, b.MaxLat, b.MaxLon)
}

// Center returns the center point of the bounding box
func (b BoundingBox) Center() (lat, lon float64) {
	return (b.MinLat + b.MaxLat) / 2, (b.MinLon + b.MaxLon) / 2
}

// Width returns the width of the bounding box in degrees
func (b BoundingBox) Width() float64 {
	return b.MaxLon - b.MinLon
}

// Height returns the height of the bounding box in degrees
func (b BoundingBox) Height() float64 {
	return b.MaxLat - b.MinLat
}
