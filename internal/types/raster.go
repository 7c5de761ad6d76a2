package types

import (
	"fmt"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
)

const (
	// RasterTileSize is the edge length of stored vegetation tiles.
	RasterTileSize = 256
	// RasterFormat is the image encoding of stored vegetation tiles.
	RasterFormat = "PNG"
)

// RasterTile is an encoded classification overlay for one map tile.
// Alpha > 0 marks pixels classified as vegetation.
type RasterTile struct {
	X    int
	Y    int
	Z    int
	Data []byte
}

// Coord returns the tile address.
func (t RasterTile) Coord() geo.TileCoord {
	return geo.TileCoord{X: t.X, Y: t.Y, Z: t.Z}
}

func (t RasterTile) String() string {
	return fmt.Sprintf("ImgTile %d/%d/%d (%dx%d %s %d bytes)",
		t.Z, t.X, t.Y, RasterTileSize, RasterTileSize, RasterFormat, len(t.Data))
}

// ScanSpot is a sample point along a power line in global pixel space.
type ScanSpot struct {
	SegmentID int64
	Pixel     geo.PixelCoord
}

func (s ScanSpot) String() string {
	return fmt.Sprintf("PowerLineSpot %d: %s", s.SegmentID, s.Pixel)
}
