package server

import (
	"context"
	"fmt"

	"github.com/klaasnotfound/vegeo-backend/internal/mbtiles"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
)

// MBTilesTiles serves vegetation tiles from an exported MBTiles overlay
// instead of the store.
type MBTilesTiles struct {
	reader *mbtiles.Reader
}

// OpenMBTilesTiles opens the overlay at path.
func OpenMBTilesTiles(path string) (*MBTilesTiles, error) {
	reader, err := mbtiles.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MBTiles: %w", err)
	}
	return &MBTilesTiles{reader: reader}, nil
}

// Tile implements TileReader. Missing tiles yield mbtiles.ErrTileNotFound.
func (m *MBTilesTiles) Tile(_ context.Context, x, y, z int) (types.RasterTile, error) {
	return m.reader.ReadTile(z, x, y)
}

// Close closes the MBTiles reader.
func (m *MBTilesTiles) Close() error {
	return m.reader.Close()
}
