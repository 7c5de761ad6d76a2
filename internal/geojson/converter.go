// Package geojson exports alerts and power lines as GeoJSON.
package geojson

import (
	"encoding/json"
	"fmt"

	"github.com/klaasnotfound/vegeo-backend/internal/types"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// AlertsToGeoJSON converts alerts to Point features carrying desc, risk and,
// when known, the segment id as plsId.
func AlertsToGeoJSON(alerts []types.VegetationAlert) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for _, a := range alerts {
		f := geojson.NewFeature(orb.Point{a.Lon, a.Lat})
		f.Properties["desc"] = a.Desc
		f.Properties["risk"] = a.Risk
		if a.SegmentID != nil {
			f.Properties["plsId"] = *a.SegmentID
		}
		fc.Append(f)
	}

	return fc
}

// SegmentsToGeoJSON converts power line segments to LineString features.
// Segments without geometry are skipped.
func SegmentsToGeoJSON(segs []types.PowerLineSegment) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for _, s := range segs {
		if len(s.Geometry) == 0 {
			continue
		}
		f := geojson.NewFeature(s.LineString())
		f.ID = s.ID
		f.Properties["id"] = s.ID
		f.Properties["numNodes"] = s.NumNodes
		f.BBox = geojson.NewBBox(s.Bounds.Bound())
		fc.Append(f)
	}

	return fc
}

// Marshal encodes fc. indent selects two space indentation.
func Marshal(fc *geojson.FeatureCollection, indent bool) ([]byte, error) {
	var data []byte
	var err error
	if indent {
		data, err = json.MarshalIndent(fc, "", "  ")
	} else {
		data, err = json.Marshal(fc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GeoJSON: %w", err)
	}
	return data, nil
}
