package scan

import (
	"sort"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
)

// SegmentTiles returns the tiles at zoom z that the scorer will read for the
// given segments, sorted by x then y.
func SegmentTiles(segs []types.PowerLineSegment, z int) ([]geo.TileCoord, error) {
	set := make(map[geo.TileCoord]struct{})
	for _, seg := range segs {
		spots, err := ResampleSegment(seg, z)
		if err != nil {
			return nil, err
		}
		for _, s := range spots {
			tc, _ := LocateSpot(s.Pixel, z, geo.DefaultTileSize)
			set[tc] = struct{}{}
		}
	}

	out := make([]geo.TileCoord, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Y < out[j].Y
	})
	return out, nil
}
