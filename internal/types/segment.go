package types

import (
	"encoding/json"
	"fmt"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/paulmach/orb"
)

// PowerLineSegment is one OSM way of a low-voltage power line.
type PowerLineSegment struct {
	ID       int64 // OSM way ID
	Bounds   BoundingBox
	NumNodes int
	Geometry []geo.GeoPoint // ordered polyline vertices
}

// NewPowerLineSegment builds a segment whose bounds are derived from its geometry.
func NewPowerLineSegment(id int64, numNodes int, geometry []geo.GeoPoint) (PowerLineSegment, error) {
	bounds, ok := BoundingBoxOf(geometry)
	if !ok {
		return PowerLineSegment{}, fmt.Errorf("segment %d has no geometry", id)
	}
	return PowerLineSegment{ID: id, Bounds: bounds, NumNodes: numNodes, Geometry: geometry}, nil
}

func (s PowerLineSegment) String() string {
	return fmt.Sprintf("PowerLineSegment [%d] (%v, %v) - (%v, %v) %d nodes",
		s.ID, s.Bounds.MinLat, s.Bounds.MinLon, s.Bounds.MaxLat, s.Bounds.MaxLon, s.NumNodes)
}

// LineString returns the geometry in lon/lat order.
func (s PowerLineSegment) LineString() orb.LineString {
	ls := make(orb.LineString, len(s.Geometry))
	for i, p := range s.Geometry {
		ls[i] = orb.Point{p.Lon, p.Lat}
	}
	return ls
}

// EncodeGeometry serializes vertices as a JSON array of [lat, lon] pairs.
func EncodeGeometry(points []geo.GeoPoint) (string, error) {
	pairs := make([][2]float64, len(points))
	for i, p := range points {
		pairs[i] = [2]float64{p.Lat, p.Lon}
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeGeometry parses the output of EncodeGeometry.
func DecodeGeometry(s string) ([]geo.GeoPoint, error) {
	var pairs [][2]float64
	if err := json.Unmarshal([]byte(s), &pairs); err != nil {
		return nil, fmt.Errorf("failed to decode geometry: %w", err)
	}
	points := make([]geo.GeoPoint, len(pairs))
	for i, p := range pairs {
		points[i] = geo.GeoPoint{Lat: p[0], Lon: p[1]}
	}
	return points, nil
}

type segmentJSON struct {
	ID       int64   `json:"id"`
	MinLat   float64 `json:"bb_min_lat"`
	MinLon   float64 `json:"bb_min_lon"`
	MaxLat   float64 `json:"bb_max_lat"`
	MaxLon   float64 `json:"bb_max_lon"`
	NumNodes int     `json:"num_nodes"`
	Geometry string  `json:"geometry"`
}

// MarshalJSON emits the flat read-API shape, with geometry as a JSON string.
func (s PowerLineSegment) MarshalJSON() ([]byte, error) {
	g, err := EncodeGeometry(s.Geometry)
	if err != nil {
		return nil, err
	}
	return json.Marshal(segmentJSON{
		ID:       s.ID,
		MinLat:   s.Bounds.MinLat,
		MinLon:   s.Bounds.MinLon,
		MaxLat:   s.Bounds.MaxLat,
		MaxLon:   s.Bounds.MaxLon,
		NumNodes: s.NumNodes,
		Geometry: g,
	})
}

// UnmarshalJSON accepts the shape produced by MarshalJSON.
func (s *PowerLineSegment) UnmarshalJSON(data []byte) error {
	var raw segmentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g, err := DecodeGeometry(raw.Geometry)
	if err != nil {
		return err
	}
	*s = PowerLineSegment{
		ID:       raw.ID,
		Bounds:   BoundingBox{MinLon: raw.MinLon, MinLat: raw.MinLat, MaxLon: raw.MaxLon, MaxLat: raw.MaxLat},
		NumNodes: raw.NumNodes,
		Geometry: g,
	}
	return nil
}
