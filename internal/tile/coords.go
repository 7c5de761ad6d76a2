// Package tile names, parses and enumerates web-Mercator tiles.
package tile

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

var fileNamePattern = regexp.MustCompile(`^z(\d+)_x(\d+)_y(\d+)(?:@2x)?\.(png|jpe?g)$`)

// Name returns the tile coordinate as a string in format "z{zoom}_x{x}_y{y}"
func Name(t geo.TileCoord) string {
	return fmt.Sprintf("z%d_x%d_y%d", t.Z, t.X, t.Y)
}

// FileName returns the file name for this tile
func FileName(t geo.TileCoord, extension string) string {
	return fmt.Sprintf("%s.%s", Name(t), extension)
}

// ParseFileName parses a tile file name like "z17_x35048_y48516.png" and
// validates the coordinate range.
func ParseFileName(name string) (geo.TileCoord, error) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return geo.TileCoord{}, fmt.Errorf("invalid tile file name: %s", name)
	}

	var v [3]int
	for i := range v {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return geo.TileCoord{}, fmt.Errorf("invalid tile file name %s: %w", name, err)
		}
		v[i] = n
	}

	t := geo.TileCoord{Z: v[0], X: v[1], Y: v[2]}
	if t.Z > geo.MaxZoom || t.X >= 1<<t.Z || t.Y >= 1<<t.Z {
		return geo.TileCoord{}, fmt.Errorf("tile %s out of range", t)
	}
	return t, nil
}

// MapTile returns the maptile.Tile for this coordinate
func MapTile(t geo.TileCoord) maptile.Tile {
	return maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Z))
}

// Bound returns the geographic extent of the tile in WGS84 (lon/lat).
func Bound(t geo.TileCoord) orb.Bound {
	return MapTile(t).Bound()
}
