package geojson

import (
	"encoding/json"
	"testing"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertsToGeoJSON(t *testing.T) {
	id := int64(808267289)
	alerts := []types.VegetationAlert{
		{Lat: 35.1175, Lon: -89.9711, Desc: types.DescPowerLineOverlap, Risk: 7, SegmentID: &id},
		{Lat: 35.2, Lon: -90.1, Desc: "manual", Risk: 1},
	}

	fc := AlertsToGeoJSON(alerts)
	require.Len(t, fc.Features, 2)

	assert.Equal(t, orb.Point{-89.9711, 35.1175}, fc.Features[0].Geometry)
	assert.Equal(t, types.DescPowerLineOverlap, fc.Features[0].Properties["desc"])
	assert.Equal(t, 7, fc.Features[0].Properties["risk"])
	assert.Equal(t, id, fc.Features[0].Properties["plsId"])

	_, ok := fc.Features[1].Properties["plsId"]
	assert.False(t, ok)

	assert.Empty(t, AlertsToGeoJSON(nil).Features)
}

func TestSegmentsToGeoJSON(t *testing.T) {
	seg, err := types.NewPowerLineSegment(42, 3, []geo.GeoPoint{
		{Lat: 35.1, Lon: -90.0}, {Lat: 35.2, Lon: -89.9}, {Lat: 35.15, Lon: -89.8},
	})
	require.NoError(t, err)

	fc := SegmentsToGeoJSON([]types.PowerLineSegment{seg, {ID: 7}})
	require.Len(t, fc.Features, 1)

	f := fc.Features[0]
	assert.Equal(t, orb.LineString{{-90.0, 35.1}, {-89.9, 35.2}, {-89.8, 35.15}}, f.Geometry)
	assert.Equal(t, int64(42), f.ID)
	assert.Equal(t, 3, f.Properties["numNodes"])
	assert.Equal(t, geojson.BBox{-90.0, 35.1, -89.8, 35.2}, f.BBox)
}

func TestMarshal(t *testing.T) {
	id := int64(1)
	fc := AlertsToGeoJSON([]types.VegetationAlert{{Lat: 45, Lon: -90, Desc: "x", Risk: 3, SegmentID: &id}})

	data, err := Marshal(fc, false)
	require.NoError(t, err)

	var doc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Type        string    `json:"type"`
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "FeatureCollection", doc.Type)
	require.Len(t, doc.Features, 1)
	assert.Equal(t, "Point", doc.Features[0].Geometry.Type)
	assert.Equal(t, []float64{-90, 45}, doc.Features[0].Geometry.Coordinates)
	assert.Equal(t, float64(3), doc.Features[0].Properties["risk"])

	indented, err := Marshal(fc, true)
	require.NoError(t, err)
	assert.Contains(t, string(indented), "\n  ")
}
