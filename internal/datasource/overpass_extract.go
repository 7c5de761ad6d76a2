package datasource

import (
	"sort"

	"github.com/MeKo-Christian/go-overpass"
	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
)

// ExtractSegments converts the ways of an Overpass result into power line
// segments sorted by id. Ways without geometry are skipped.
func ExtractSegments(result *overpass.Result) []types.PowerLineSegment {
	if result == nil {
		return nil
	}

	segs := make([]types.PowerLineSegment, 0, len(result.Ways))
	for _, way := range result.Ways {
		seg, ok := convertWay(way)
		if !ok {
			continue
		}
		segs = append(segs, seg)
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].ID < segs[j].ID })
	return segs
}

func convertWay(way *overpass.Way) (types.PowerLineSegment, bool) {
	if way == nil || len(way.Geometry) == 0 {
		return types.PowerLineSegment{}, false
	}

	points := make([]geo.GeoPoint, len(way.Geometry))
	for i, p := range way.Geometry {
		points[i] = geo.GeoPoint{Lat: p.Lat, Lon: p.Lon}
	}

	// "out geom" may leave the node list empty.
	numNodes := len(way.Nodes)
	if numNodes == 0 {
		numNodes = len(points)
	}

	seg, err := types.NewPowerLineSegment(way.ID, numNodes, points)
	if err != nil {
		return types.PowerLineSegment{}, false
	}
	return seg, true
}

// RegionFromSegments builds a region whose bounds cover all segments. It
// reports false when there are no segments.
func RegionFromSegments(name, imgURL string, segs []types.PowerLineSegment) (types.Region, bool) {
	if len(segs) == 0 {
		return types.Region{}, false
	}

	bounds := segs[0].Bounds
	for _, s := range segs[1:] {
		bounds = bounds.Union(s.Bounds)
	}
	n := len(segs)
	return types.Region{Name: name, Bounds: bounds, ImgURL: imgURL, NumPls: &n}, true
}
