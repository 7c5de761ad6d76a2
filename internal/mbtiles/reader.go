package mbtiles

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klaasnotfound/vegeo-backend/internal/types"
)

// Reader reads tiles from an MBTiles database.
type Reader struct {
	db   *sql.DB
	path string
}

// OpenReader opens an MBTiles database for reading.
func OpenReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name='tiles'").Scan(&count)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify schema: %w", err)
	}
	if count == 0 {
		db.Close()
		return nil, fmt.Errorf("database does not contain tiles table")
	}

	return &Reader{
		db:   db,
		path: path,
	}, nil
}

// ReadTile reads the tile at XYZ coordinates.
func (r *Reader) ReadTile(z, x, y int) (types.RasterTile, error) {
	var data []byte
	err := r.db.QueryRow(
		"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?",
		z, x, tmsRow(z, y),
	).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return types.RasterTile{}, fmt.Errorf("%w: %d/%d/%d", ErrTileNotFound, z, x, y)
	}
	if err != nil {
		return types.RasterTile{}, fmt.Errorf("failed to query tile: %w", err)
	}

	data, err = maybeGunzip(data)
	if err != nil {
		return types.RasterTile{}, fmt.Errorf("failed to decompress tile %d/%d/%d: %w", z, x, y, err)
	}
	return types.RasterTile{X: x, Y: y, Z: z, Data: data}, nil
}

// ForEach calls fn for every tile ordered by zoom, column and row. Iteration
// stops at the first error returned by fn.
func (r *Reader) ForEach(ctx context.Context, fn func(types.RasterTile) error) error {
	rows, err := r.db.QueryContext(ctx,
		"SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles ORDER BY zoom_level, tile_column, tile_row")
	if err != nil {
		return fmt.Errorf("failed to query tiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t types.RasterTile
		var row int
		if err := rows.Scan(&t.Z, &t.X, &row, &t.Data); err != nil {
			return fmt.Errorf("failed to scan tile row: %w", err)
		}
		t.Y = tmsRow(t.Z, row)

		if t.Data, err = maybeGunzip(t.Data); err != nil {
			return fmt.Errorf("failed to decompress tile %s: %w", t.Coord(), err)
		}
		if err := fn(t); err != nil {
			return err
		}
	}

	return rows.Err()
}

// Metadata reads metadata from the database.
func (r *Reader) Metadata() (Metadata, error) {
	rows, err := r.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to query metadata: %w", err)
	}
	defer rows.Close()

	metaMap := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return Metadata{}, fmt.Errorf("failed to scan metadata row: %w", err)
		}
		metaMap[name] = value
	}
	if err := rows.Err(); err != nil {
		return Metadata{}, fmt.Errorf("error iterating metadata: %w", err)
	}

	meta := Metadata{
		Name:        metaMap["name"],
		Format:      metaMap["format"],
		Attribution: metaMap["attribution"],
		Description: metaMap["description"],
		Type:        metaMap["type"],
		Version:     metaMap["version"],
	}

	if i, err := strconv.Atoi(metaMap["minzoom"]); err == nil {
		meta.MinZoom = i
	}
	if i, err := strconv.Atoi(metaMap["maxzoom"]); err == nil {
		meta.MaxZoom = i
	}

	// "minLon,minLat,maxLon,maxLat"
	parseFloats(metaMap["bounds"], meta.Bounds[:])
	// "lon,lat,zoom"
	parseFloats(metaMap["center"], meta.Center[:])

	return meta, nil
}

func parseFloats(s string, dst []float64) {
	parts := strings.Split(s, ",")
	if len(parts) != len(dst) {
		return
	}
	for i, part := range parts {
		if f, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err == nil {
			dst[i] = f
		}
	}
}

// Close closes the database connection.
func (r *Reader) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// maybeGunzip decompresses gzip tile data written by other tools and returns
// anything else unchanged.
func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}

	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	return io.ReadAll(gr)
}
