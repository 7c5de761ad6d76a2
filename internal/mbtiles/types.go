// Package mbtiles reads and writes vegetation overlays as MBTiles databases.
package mbtiles

import (
	"errors"
	"fmt"

	"github.com/klaasnotfound/vegeo-backend/internal/types"
)

// ErrTileNotFound is returned by Reader.ReadTile for missing tiles.
var ErrTileNotFound = errors.New("tile not found")

// Metadata contains MBTiles metadata fields.
type Metadata struct {
	Name        string // Human-readable tileset identifier
	Format      string // Tile data type (png, jpg)
	Attribution string
	Description string
	Type        string // "baselayer" or "overlay"
	Version     string
	Bounds      [4]float64 // minLon, minLat, maxLon, maxLat
	Center      [3]float64 // lon, lat, zoom
	MinZoom     int
	MaxZoom     int
}

// OverlayMetadata describes a vegetation overlay covering bbox at a single zoom.
func OverlayMetadata(name string, bbox types.BoundingBox, zoom int) Metadata {
	lat, lon := bbox.Center()
	return Metadata{
		Name:        name,
		Format:      "png",
		Description: "Vegetation classified from aerial imagery",
		Type:        "overlay",
		Version:     "1.0",
		Bounds:      [4]float64{bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat},
		Center:      [3]float64{lon, lat, float64(zoom)},
		MinZoom:     zoom,
		MaxZoom:     zoom,
	}
}

// ToMap converts Metadata to a map for database insertion.
func (m Metadata) ToMap() map[string]string {
	result := make(map[string]string)

	if m.Name != "" {
		result["name"] = m.Name
	}
	if m.Format != "" {
		result["format"] = m.Format
	}
	if m.MinZoom > 0 {
		result["minzoom"] = fmt.Sprintf("%d", m.MinZoom)
	}
	if m.MaxZoom > 0 {
		result["maxzoom"] = fmt.Sprintf("%d", m.MaxZoom)
	}
	if m.Bounds != [4]float64{} {
		result["bounds"] = fmt.Sprintf("%.6f,%.6f,%.6f,%.6f",
			m.Bounds[0], m.Bounds[1], m.Bounds[2], m.Bounds[3])
	}
	if m.Center != [3]float64{} {
		result["center"] = fmt.Sprintf("%.6f,%.6f,%d",
			m.Center[0], m.Center[1], int(m.Center[2]))
	}
	if m.Attribution != "" {
		result["attribution"] = m.Attribution
	}
	if m.Description != "" {
		result["description"] = m.Description
	}
	if m.Type != "" {
		result["type"] = m.Type
	}
	if m.Version != "" {
		result["version"] = m.Version
	}

	return result
}

// tmsRow flips an XYZ row to the TMS row stored in the tiles table. The
// conversion is its own inverse.
func tmsRow(z, y int) int {
	return (1 << z) - 1 - y
}
