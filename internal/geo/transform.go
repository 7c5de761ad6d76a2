// Package geo converts between geographic, Web Mercator tile and global pixel
// coordinates.
package geo

import (
	"fmt"
	"math"
)

const (
	// MaxZoom is the deepest zoom level the transforms accept.
	MaxZoom = 17
	// MaxTileSize is the largest tile edge length in pixels.
	MaxTileSize = 4096
	// DefaultTileSize is the edge length of a standard raster tile.
	DefaultTileSize = 256
)

// LatMax is the northern limit of the Web Mercator projection, atan(sinh(pi)) in degrees.
var LatMax = degrees(math.Atan(math.Sinh(math.Pi)))

// GeoPoint is a WGS84 coordinate in degrees.
type GeoPoint struct {
	Lat float64
	Lon float64
}

// TileCoord addresses a tile in the Web Mercator pyramid.
type TileCoord struct {
	X int
	Y int
	Z int
}

// PixelCoord is a position in global pixel space at a fixed zoom and tile size.
type PixelCoord struct {
	X int
	Y int
}

func (p GeoPoint) String() string {
	return fmt.Sprintf("(%g, %g)", p.Lat, p.Lon)
}

func (t TileCoord) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

func (p PixelCoord) String() string {
	return fmt.Sprintf("P[%d, %d]", p.X, p.Y)
}

// GeoToTile projects a coordinate onto the tile that contains it at zoom z.
// Points on the eastern or southern map edge belong to the last tile.
func GeoToTile(lat, lon float64, z int) (TileCoord, error) {
	if err := checkGeo(lat, lon, z); err != nil {
		return TileCoord{}, err
	}

	n := float64(int(1) << z)
	return TileCoord{
		X: cell(n*(180+lon)/360, int(n)),
		Y: cell(n*(180-mercatorY(lat))/360, int(n)),
		Z: z,
	}, nil
}

// GeoToPixel projects a coordinate into global pixel space, where each axis
// spans 2^z * tileSize pixels. Like GeoToTile, the eastern and southern edges
// map to the last pixel so the result is always accepted by PixelToGeo.
func GeoToPixel(lat, lon float64, z, tileSize int) (PixelCoord, error) {
	if err := checkGeo(lat, lon, z); err != nil {
		return PixelCoord{}, err
	}
	if err := checkTileSize(tileSize); err != nil {
		return PixelCoord{}, err
	}

	n := float64(int(1) << z)
	ts := float64(tileSize)
	limit := (int(1) << z) * tileSize
	return PixelCoord{
		X: cell(n*(180+lon)/360*ts, limit),
		Y: cell(n*(180-mercatorY(lat))/360*ts, limit),
	}, nil
}

// TileToGeo returns the coordinate at a fractional offset inside tile (x, y, z).
// An offset of (0, 0) is the north-west corner, (0.5, 0.5) the center.
func TileToGeo(x, y, z int, offsetX, offsetY float64) (GeoPoint, error) {
	if err := checkZoom(z); err != nil {
		return GeoPoint{}, err
	}
	limit := int(1) << z
	if x < 0 || x >= limit {
		return GeoPoint{}, domainErr("x", float64(x), 0, float64(limit-1))
	}
	if y < 0 || y >= limit {
		return GeoPoint{}, domainErr("y", float64(y), 0, float64(limit-1))
	}
	if offsetX < 0 || offsetX > 1 {
		return GeoPoint{}, domainErr("offset x", offsetX, 0, 1)
	}
	if offsetY < 0 || offsetY > 1 {
		return GeoPoint{}, domainErr("offset y", offsetY, 0, 1)
	}

	n := float64(limit)
	return GeoPoint{
		Lat: inverseLat(2 * math.Pi / n * (float64(y) + offsetY)),
		Lon: (float64(x)+offsetX)*360/n - 180,
	}, nil
}

// TileCenter is TileToGeo at the tile center.
func TileCenter(t TileCoord) (GeoPoint, error) {
	return TileToGeo(t.X, t.Y, t.Z, 0.5, 0.5)
}

// PixelToGeo is the inverse of GeoToPixel.
func PixelToGeo(px, py, z, tileSize int) (GeoPoint, error) {
	if err := checkZoom(z); err != nil {
		return GeoPoint{}, err
	}
	if err := checkTileSize(tileSize); err != nil {
		return GeoPoint{}, err
	}
	limit := (int(1) << z) * tileSize
	if px < 0 || px >= limit {
		return GeoPoint{}, domainErr("px", float64(px), 0, float64(limit-1))
	}
	if py < 0 || py >= limit {
		return GeoPoint{}, domainErr("py", float64(py), 0, float64(limit-1))
	}

	n := float64(int(1) << z)
	ts := float64(tileSize)
	return GeoPoint{
		Lat: inverseLat(2 * math.Pi / n * float64(py) / ts),
		Lon: float64(px)/ts*360/n - 180,
	}, nil
}

// cell floors v into [0, limit-1].
func cell(v float64, limit int) int {
	i := int(math.Floor(v))
	if i < 0 {
		return 0
	}
	if i >= limit {
		return limit - 1
	}
	return i
}

// mercatorY is the projected latitude in degrees of arc.
func mercatorY(lat float64) float64 {
	return degrees(math.Log(math.Tan(math.Pi/4 + radians(lat)/2)))
}

// inverseLat maps an angle in [0, 2pi] measured from the northern map edge
// back to latitude.
func inverseLat(a float64) float64 {
	return 90 - degrees(2*math.Atan(math.Exp(a-math.Pi)))
}

func degrees(rad float64) float64 { return rad * 180 / math.Pi }

func radians(deg float64) float64 { return deg * math.Pi / 180 }
