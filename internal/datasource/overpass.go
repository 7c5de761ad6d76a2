package datasource

import (
	"context"
	"fmt"
	"net/http"

	"github.com/MeKo-Christian/go-overpass"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
)

// DefaultOverpassEndpoint is the public Overpass API interpreter.
const DefaultOverpassEndpoint = "https://overpass-api.de/api/interpreter"

// RegionBoxSize is the edge length in degrees of the box searched for power
// lines around a city center.
const RegionBoxSize = 0.2

// PowerLineSource fetches minor power lines from the Overpass API.
type PowerLineSource struct {
	client overpass.Client
}

// NewPowerLineSource creates a source querying endpoint.
func NewPowerLineSource(endpoint string) *PowerLineSource {
	if endpoint == "" {
		endpoint = DefaultOverpassEndpoint
	}

	// Only 1 parallel request (API etiquette)
	client := overpass.NewWithSettings(endpoint, 1, http.DefaultClient)

	return &PowerLineSource{client: client}
}

// FetchPowerLines returns all minor power line ways intersecting bbox with
// their complete geometry, ordered by way id.
func (s *PowerLineSource) FetchPowerLines(ctx context.Context, bbox types.BoundingBox) ([]types.PowerLineSegment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The client does not take a context.
	result, err := s.client.Query(buildPowerLineQuery(bbox))
	if err != nil {
		return nil, fmt.Errorf("overpass query failed: %w", err)
	}

	return ExtractSegments(&result), nil
}

// buildPowerLineQuery selects every element tagged power=minor_line in bbox.
// The per-element bbox filter with "out geom" returns whole ways rather than
// clipping them at the box.
func buildPowerLineQuery(bbox types.BoundingBox) string {
	return fmt.Sprintf(`[out:json][timeout:25]; nwr["power"="minor_line"](%.6f,%.6f,%.6f,%.6f); out geom;`,
		bbox.MinLat, bbox.MinLon, bbox.MaxLat, bbox.MaxLon)
}
