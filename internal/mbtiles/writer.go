package mbtiles

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
	_ "modernc.org/sqlite" // SQLite driver
)

// DefaultBatchSize is the number of tiles to buffer before flushing to the database.
const DefaultBatchSize = 100

const schema = `
	CREATE TABLE IF NOT EXISTS metadata (
		name TEXT NOT NULL,
		value TEXT
	);

	CREATE TABLE IF NOT EXISTS tiles (
		zoom_level INTEGER NOT NULL,
		tile_column INTEGER NOT NULL,
		tile_row INTEGER NOT NULL,
		tile_data BLOB NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row);
`

// A later tile for the same coordinate replaces the earlier one.
const upsertTile = `
	INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)
	ON CONFLICT (zoom_level, tile_column, tile_row) DO UPDATE SET tile_data = excluded.tile_data`

// Writer exports vegetation tiles into an MBTiles file. Tiles are buffered
// and written in batches, one transaction each.
type Writer struct {
	db   *sql.DB
	meta Metadata

	mu        sync.Mutex
	pending   []types.RasterTile
	batchSize int
	written   int
	minZoom   int
	maxZoom   int
}

// New creates (or reopens) the MBTiles file at path and replaces its
// metadata with meta.
func New(path string, meta Metadata) (*Writer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initDB(db, meta); err != nil {
		db.Close()
		return nil, err
	}

	return &Writer{
		db:        db,
		meta:      meta,
		pending:   make([]types.RasterTile, 0, DefaultBatchSize),
		batchSize: DefaultBatchSize,
		minZoom:   geo.MaxZoom + 1,
		maxZoom:   -1,
	}, nil
}

func initDB(db *sql.DB, meta Metadata) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.Exec("DELETE FROM metadata"); err != nil {
		return fmt.Errorf("failed to clear metadata: %w", err)
	}
	return putMetadata(db, meta.ToMap())
}

func putMetadata(db *sql.DB, values map[string]string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin metadata transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	for key, value := range values {
		if _, err := tx.Exec("DELETE FROM metadata WHERE name = ?", key); err != nil {
			return fmt.Errorf("failed to replace metadata %q: %w", key, err)
		}
		if _, err := tx.Exec("INSERT INTO metadata (name, value) VALUES (?, ?)", key, value); err != nil {
			return fmt.Errorf("failed to insert metadata %q: %w", key, err)
		}
	}
	return tx.Commit()
}

// WriteTile queues t and flushes once a batch is full. Tiles must lie inside
// the pyramid and carry data; rows are stored in TMS order.
func (w *Writer) WriteTile(t types.RasterTile) error {
	if err := checkTile(t); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, t)
	w.minZoom = min(w.minZoom, t.Z)
	w.maxZoom = max(w.maxZoom, t.Z)

	if len(w.pending) >= w.batchSize {
		return w.flushLocked()
	}
	return nil
}

func checkTile(t types.RasterTile) error {
	if t.Z < 0 || t.Z > geo.MaxZoom {
		return fmt.Errorf("tile %s: zoom out of range [0, %d]", t.Coord(), geo.MaxZoom)
	}
	if n := 1 << t.Z; t.X < 0 || t.X >= n || t.Y < 0 || t.Y >= n {
		return fmt.Errorf("tile %s: outside the zoom %d pyramid", t.Coord(), t.Z)
	}
	if len(t.Data) == 0 {
		return fmt.Errorf("tile %s: empty tile data", t.Coord())
	}
	return nil
}

// Flush writes any buffered tiles to the database.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Written returns the number of tiles flushed so far.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}

	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	stmt, err := tx.Prepare(upsertTile)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range w.pending {
		if _, err := stmt.Exec(t.Z, t.X, tmsRow(t.Z, t.Y), t.Data); err != nil {
			return fmt.Errorf("failed to insert tile %s: %w", t.Coord(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	w.written += len(w.pending)
	w.pending = w.pending[:0]
	return nil
}

// Close flushes the remaining tiles and closes the file. When the metadata
// left the zoom range open, the range of the written tiles is recorded.
func (w *Writer) Close() error {
	err := w.Flush()
	if err == nil {
		err = w.recordZoomRange()
	}
	if cerr := w.db.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close database: %w", cerr))
	}
	return err
}

func (w *Writer) recordZoomRange() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.written == 0 || w.meta.MinZoom != 0 || w.meta.MaxZoom != 0 {
		return nil
	}
	return putMetadata(w.db, map[string]string{
		"minzoom": strconv.Itoa(w.minZoom),
		"maxzoom": strconv.Itoa(w.maxZoom),
	})
}
