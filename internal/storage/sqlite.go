package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/klaasnotfound/vegeo-backend/internal/types"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLite is a Store backed by a single SQLite file.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path and initializes the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Applied to every pooled connection.
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"busy_timeout(5000)",
		"temp_store(MEMORY)",
	}
	dsn := path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		dsn += sep + "_pragma=" + p
		sep = "&"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLite{db: db, path: path}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS region (
			name TEXT PRIMARY KEY,
			bb_min_lat REAL NOT NULL,
			bb_min_lon REAL NOT NULL,
			bb_max_lat REAL NOT NULL,
			bb_max_lon REAL NOT NULL,
			img_url TEXT,
			num_pls INTEGER
		);

		CREATE TABLE IF NOT EXISTS power_line_segment (
			id INTEGER PRIMARY KEY,
			bb_min_lat REAL NOT NULL,
			bb_min_lon REAL NOT NULL,
			bb_max_lat REAL NOT NULL,
			bb_max_lon REAL NOT NULL,
			num_nodes INTEGER NOT NULL,
			geometry TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS power_line_segment_bbox
			ON power_line_segment (bb_min_lat, bb_max_lat, bb_min_lon, bb_max_lon);

		CREATE TABLE IF NOT EXISTS img_tile (
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			d BLOB NOT NULL,
			PRIMARY KEY (x, y, z)
		);

		CREATE TABLE IF NOT EXISTS vegetation_alert (
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			"desc" TEXT NOT NULL,
			risk INTEGER NOT NULL CHECK (risk BETWEEN 1 AND 10),
			pls_id INTEGER REFERENCES power_line_segment (id),
			PRIMARY KEY (lat, lon)
		);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Regions returns all regions ordered by name.
func (s *SQLite) Regions(ctx context.Context) ([]types.Region, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, bb_min_lat, bb_min_lon, bb_max_lat, bb_max_lon, img_url, num_pls FROM region ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query regions: %w", err)
	}
	defer rows.Close()

	var regions []types.Region
	for rows.Next() {
		var (
			r      types.Region
			imgURL sql.NullString
			numPls sql.NullInt64
		)
		if err := rows.Scan(&r.Name, &r.Bounds.MinLat, &r.Bounds.MinLon, &r.Bounds.MaxLat, &r.Bounds.MaxLon, &imgURL, &numPls); err != nil {
			return nil, fmt.Errorf("failed to scan region row: %w", err)
		}
		r.ImgURL = imgURL.String
		if numPls.Valid {
			n := int(numPls.Int64)
			r.NumPls = &n
		}
		regions = append(regions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating regions: %w", err)
	}
	return regions, nil
}

// UpsertRegion inserts the region or replaces the one with the same name.
func (s *SQLite) UpsertRegion(ctx context.Context, r types.Region) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO region (name, bb_min_lat, bb_min_lon, bb_max_lat, bb_max_lon, img_url, num_pls)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			bb_min_lat = excluded.bb_min_lat, bb_min_lon = excluded.bb_min_lon,
			bb_max_lat = excluded.bb_max_lat, bb_max_lon = excluded.bb_max_lon,
			img_url = excluded.img_url, num_pls = excluded.num_pls`,
		r.Name, r.Bounds.MinLat, r.Bounds.MinLon, r.Bounds.MaxLat, r.Bounds.MaxLon, nullString(r.ImgURL), nullInt(r.NumPls))
	if err != nil {
		return fmt.Errorf("failed to upsert region %q: %w", r.Name, err)
	}
	return nil
}

// SegmentsIntersecting returns segments whose bounds overlap bbox with a
// positive area, ordered by id.
func (s *SQLite) SegmentsIntersecting(ctx context.Context, bbox types.BoundingBox) ([]types.PowerLineSegment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bb_min_lat, bb_min_lon, bb_max_lat, bb_max_lon, num_nodes, geometry
		FROM power_line_segment
		WHERE bb_max_lat > ? AND bb_max_lon > ? AND bb_min_lat < ? AND bb_min_lon < ?
		ORDER BY id`,
		bbox.MinLat, bbox.MinLon, bbox.MaxLat, bbox.MaxLon)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	var segs []types.PowerLineSegment
	for rows.Next() {
		var (
			seg  types.PowerLineSegment
			geom string
		)
		if err := rows.Scan(&seg.ID, &seg.Bounds.MinLat, &seg.Bounds.MinLon, &seg.Bounds.MaxLat, &seg.Bounds.MaxLon, &seg.NumNodes, &geom); err != nil {
			return nil, fmt.Errorf("failed to scan segment row: %w", err)
		}
		if seg.Geometry, err = types.DecodeGeometry(geom); err != nil {
			return nil, fmt.Errorf("segment %d: %w", seg.ID, err)
		}
		segs = append(segs, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating segments: %w", err)
	}
	return segs, nil
}

// InsertSegments stores segments in one transaction, skipping known ids.
func (s *SQLite) InsertSegments(ctx context.Context, segs []types.PowerLineSegment) (int, error) {
	inserted := 0
	err := s.inTx(ctx, `
		INSERT INTO power_line_segment (id, bb_min_lat, bb_min_lon, bb_max_lat, bb_max_lon, num_nodes, geometry)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		func(stmt *sql.Stmt) error {
			for _, seg := range segs {
				geom, err := types.EncodeGeometry(seg.Geometry)
				if err != nil {
					return fmt.Errorf("segment %d: %w", seg.ID, err)
				}
				res, err := stmt.ExecContext(ctx, seg.ID, seg.Bounds.MinLat, seg.Bounds.MinLon, seg.Bounds.MaxLat, seg.Bounds.MaxLon, seg.NumNodes, geom)
				if err != nil {
					return fmt.Errorf("failed to insert segment %d: %w", seg.ID, err)
				}
				inserted += affected(res)
			}
			return nil
		})
	return inserted, err
}

// Tile returns the raster tile at (x, y, z) or ErrNotFound.
func (s *SQLite) Tile(ctx context.Context, x, y, z int) (types.RasterTile, error) {
	t := types.RasterTile{X: x, Y: y, Z: z}
	err := s.db.QueryRowContext(ctx, "SELECT d FROM img_tile WHERE x = ? AND y = ? AND z = ?", x, y, z).Scan(&t.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return types.RasterTile{}, fmt.Errorf("tile %d/%d/%d: %w", z, x, y, ErrNotFound)
	}
	if err != nil {
		return types.RasterTile{}, fmt.Errorf("failed to query tile: %w", err)
	}
	return t, nil
}

// InsertTile stores the tile unless one already exists at its coordinates.
func (s *SQLite) InsertTile(ctx context.Context, t types.RasterTile) (bool, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO img_tile (x, y, z, d) VALUES (?, ?, ?, ?) ON CONFLICT (x, y, z) DO NOTHING", t.X, t.Y, t.Z, t.Data)
	if err != nil {
		return false, fmt.Errorf("failed to insert tile %d/%d/%d: %w", t.Z, t.X, t.Y, err)
	}
	return affected(res) > 0, nil
}

// ForEachTile calls fn for every stored tile ordered by z, x, y. The rows are
// read into memory in batches so fn may use the store.
func (s *SQLite) ForEachTile(ctx context.Context, fn func(types.RasterTile) error) error {
	const batch = 256
	last := [3]int{-1, -1, -1}
	for {
		rows, err := s.db.QueryContext(ctx, `
			SELECT x, y, z, d FROM img_tile
			WHERE (z, x, y) > (?, ?, ?)
			ORDER BY z, x, y LIMIT ?`, last[0], last[1], last[2], batch)
		if err != nil {
			return fmt.Errorf("failed to query tiles: %w", err)
		}
		tiles, err := scanTiles(rows)
		if err != nil {
			return err
		}
		for _, t := range tiles {
			if err := fn(t); err != nil {
				return err
			}
		}
		if len(tiles) < batch {
			return nil
		}
		lt := tiles[len(tiles)-1]
		last = [3]int{lt.Z, lt.X, lt.Y}
	}
}

func scanTiles(rows *sql.Rows) ([]types.RasterTile, error) {
	defer rows.Close()
	var tiles []types.RasterTile
	for rows.Next() {
		var t types.RasterTile
		if err := rows.Scan(&t.X, &t.Y, &t.Z, &t.Data); err != nil {
			return nil, fmt.Errorf("failed to scan tile row: %w", err)
		}
		tiles = append(tiles, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tiles: %w", err)
	}
	return tiles, nil
}

// ClearAlerts deletes every alert.
func (s *SQLite) ClearAlerts(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vegetation_alert"); err != nil {
		return fmt.Errorf("failed to clear alerts: %w", err)
	}
	return nil
}

// Only key conflicts are skipped; CHECK and NOT NULL violations still fail.
const insertAlertSQLite = `INSERT INTO vegetation_alert (lat, lon, "desc", risk, pls_id) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (lat, lon) DO NOTHING`

// InsertAlertIfAbsent stores the alert unless its location is taken.
func (s *SQLite) InsertAlertIfAbsent(ctx context.Context, a types.VegetationAlert) (bool, error) {
	res, err := s.db.ExecContext(ctx, insertAlertSQLite, a.Lat, a.Lon, a.Desc, a.Risk, nullInt64(a.SegmentID))
	if err != nil {
		return false, fmt.Errorf("failed to insert alert %s: %w", a, err)
	}
	return affected(res) > 0, nil
}

// InsertAlerts stores alerts in one transaction, first writer wins per location.
func (s *SQLite) InsertAlerts(ctx context.Context, alerts []types.VegetationAlert) (int, error) {
	inserted := 0
	err := s.inTx(ctx, insertAlertSQLite, func(stmt *sql.Stmt) error {
		for _, a := range alerts {
			res, err := stmt.ExecContext(ctx, a.Lat, a.Lon, a.Desc, a.Risk, nullInt64(a.SegmentID))
			if err != nil {
				return fmt.Errorf("failed to insert alert %s: %w", a, err)
			}
			inserted += affected(res)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// Alerts returns alerts inside bbox, borders included.
func (s *SQLite) Alerts(ctx context.Context, bbox types.BoundingBox) ([]types.VegetationAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lat, lon, "desc", risk, pls_id FROM vegetation_alert
		WHERE lat >= ? AND lat <= ? AND lon >= ? AND lon <= ?
		ORDER BY lat, lon`,
		bbox.MinLat, bbox.MaxLat, bbox.MinLon, bbox.MaxLon)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []types.VegetationAlert
	for rows.Next() {
		var (
			a     types.VegetationAlert
			plsID sql.NullInt64
		)
		if err := rows.Scan(&a.Lat, &a.Lon, &a.Desc, &a.Risk, &plsID); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		if plsID.Valid {
			id := plsID.Int64
			a.SegmentID = &id
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}

// Ping checks the connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (s *SQLite) inTx(ctx context.Context, query string, fn func(*sql.Stmt) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	if err := fn(stmt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func affected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}
