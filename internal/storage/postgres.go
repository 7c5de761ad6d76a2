package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
)

const pgSchema = `
	CREATE TABLE IF NOT EXISTS region (
		name TEXT PRIMARY KEY,
		bb_min_lat DOUBLE PRECISION NOT NULL,
		bb_min_lon DOUBLE PRECISION NOT NULL,
		bb_max_lat DOUBLE PRECISION NOT NULL,
		bb_max_lon DOUBLE PRECISION NOT NULL,
		img_url TEXT,
		num_pls INTEGER
	);

	CREATE TABLE IF NOT EXISTS power_line_segment (
		id BIGINT PRIMARY KEY,
		bb_min_lat DOUBLE PRECISION NOT NULL,
		bb_min_lon DOUBLE PRECISION NOT NULL,
		bb_max_lat DOUBLE PRECISION NOT NULL,
		bb_max_lon DOUBLE PRECISION NOT NULL,
		num_nodes INTEGER NOT NULL,
		geometry TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS power_line_segment_bbox
		ON power_line_segment (bb_min_lat, bb_max_lat, bb_min_lon, bb_max_lon);

	CREATE TABLE IF NOT EXISTS img_tile (
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		z INTEGER NOT NULL,
		d BYTEA NOT NULL,
		PRIMARY KEY (x, y, z)
	);

	CREATE TABLE IF NOT EXISTS vegetation_alert (
		lat DOUBLE PRECISION NOT NULL,
		lon DOUBLE PRECISION NOT NULL,
		"desc" TEXT NOT NULL,
		risk INTEGER NOT NULL CHECK (risk BETWEEN 1 AND 10),
		pls_id BIGINT REFERENCES power_line_segment (id),
		PRIMARY KEY (lat, lon)
	);
`

// Postgres is a Store backed by a PostgreSQL connection pool.
type Postgres struct {
	Pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and creates missing tables.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	cfg.MaxConns = 16

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Postgres{Pool: pool}, nil
}

func (p *Postgres) Regions(ctx context.Context) ([]types.Region, error) {
	rows, err := p.Pool.Query(ctx,
		"SELECT name, bb_min_lat, bb_min_lon, bb_max_lat, bb_max_lon, img_url, num_pls FROM region ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query regions: %w", err)
	}
	defer rows.Close()

	var regions []types.Region
	for rows.Next() {
		var (
			r      types.Region
			imgURL *string
			numPls *int32
		)
		if err := rows.Scan(&r.Name, &r.Bounds.MinLat, &r.Bounds.MinLon, &r.Bounds.MaxLat, &r.Bounds.MaxLon, &imgURL, &numPls); err != nil {
			return nil, fmt.Errorf("failed to scan region row: %w", err)
		}
		if imgURL != nil {
			r.ImgURL = *imgURL
		}
		if numPls != nil {
			n := int(*numPls)
			r.NumPls = &n
		}
		regions = append(regions, r)
	}
	return regions, rows.Err()
}

func (p *Postgres) UpsertRegion(ctx context.Context, r types.Region) error {
	var imgURL *string
	if r.ImgURL != "" {
		imgURL = &r.ImgURL
	}
	_, err := p.Pool.Exec(ctx, `
		INSERT INTO region (name, bb_min_lat, bb_min_lon, bb_max_lat, bb_max_lon, img_url, num_pls)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			bb_min_lat = EXCLUDED.bb_min_lat, bb_min_lon = EXCLUDED.bb_min_lon,
			bb_max_lat = EXCLUDED.bb_max_lat, bb_max_lon = EXCLUDED.bb_max_lon,
			img_url = EXCLUDED.img_url, num_pls = EXCLUDED.num_pls`,
		r.Name, r.Bounds.MinLat, r.Bounds.MinLon, r.Bounds.MaxLat, r.Bounds.MaxLon, imgURL, r.NumPls)
	if err != nil {
		return fmt.Errorf("failed to upsert region %q: %w", r.Name, err)
	}
	return nil
}

func (p *Postgres) SegmentsIntersecting(ctx context.Context, bbox types.BoundingBox) ([]types.PowerLineSegment, error) {
	rows, err := p.Pool.Query(ctx, `
		SELECT id, bb_min_lat, bb_min_lon, bb_max_lat, bb_max_lon, num_nodes, geometry
		FROM power_line_segment
		WHERE bb_max_lat > $1 AND bb_max_lon > $2 AND bb_min_lat < $3 AND bb_min_lon < $4
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
	return segs, rows.Err()
}

// InsertSegments queues all inserts in one batch inside a transaction.
func (p *Postgres) InsertSegments(ctx context.Context, segs []types.PowerLineSegment) (int, error) {
	batch := &pgx.Batch{}
	for _, seg := range segs {
		geom, err := types.EncodeGeometry(seg.Geometry)
		if err != nil {
			return 0, fmt.Errorf("segment %d: %w", seg.ID, err)
		}
		batch.Queue(`
			INSERT INTO power_line_segment (id, bb_min_lat, bb_min_lon, bb_max_lat, bb_max_lon, num_nodes, geometry)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			seg.ID, seg.Bounds.MinLat, seg.Bounds.MinLon, seg.Bounds.MaxLat, seg.Bounds.MaxLon, seg.NumNodes, geom)
	}
	return p.execBatch(ctx, batch)
}

func (p *Postgres) Tile(ctx context.Context, x, y, z int) (types.RasterTile, error) {
	t := types.RasterTile{X: x, Y: y, Z: z}
	err := p.Pool.QueryRow(ctx, "SELECT d FROM img_tile WHERE x = $1 AND y = $2 AND z = $3", x, y, z).Scan(&t.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.RasterTile{}, fmt.Errorf("tile %d/%d/%d: %w", z, x, y, ErrNotFound)
	}
	if err != nil {
		return types.RasterTile{}, fmt.Errorf("failed to query tile: %w", err)
	}
	return t, nil
}

func (p *Postgres) InsertTile(ctx context.Context, t types.RasterTile) (bool, error) {
	tag, err := p.Pool.Exec(ctx,
		"INSERT INTO img_tile (x, y, z, d) VALUES ($1, $2, $3, $4) ON CONFLICT (x, y, z) DO NOTHING",
		t.X, t.Y, t.Z, t.Data)
	if err != nil {
		return false, fmt.Errorf("failed to insert tile %d/%d/%d: %w", t.Z, t.X, t.Y, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) ForEachTile(ctx context.Context, fn func(types.RasterTile) error) error {
	const batch = 256
	lz, lx, ly := -1, -1, -1
	for {
		rows, err := p.Pool.Query(ctx, `
			SELECT x, y, z, d FROM img_tile
			WHERE (z, x, y) > ($1, $2, $3)
			ORDER BY z, x, y LIMIT $4`, lz, lx, ly, batch)
		if err != nil {
			return fmt.Errorf("failed to query tiles: %w", err)
		}
		tiles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.RasterTile, error) {
			var t types.RasterTile
			err := row.Scan(&t.X, &t.Y, &t.Z, &t.Data)
			return t, err
		})
		if err != nil {
			return fmt.Errorf("failed to scan tiles: %w", err)
		}
		for _, t := range tiles {
			if err := fn(t); err != nil {
				return err
			}
		}
		if len(tiles) < batch {
			return nil
		}
		last := tiles[len(tiles)-1]
		lz, lx, ly = last.Z, last.X, last.Y
	}
}

func (p *Postgres) ClearAlerts(ctx context.Context) error {
	if _, err := p.Pool.Exec(ctx, "DELETE FROM vegetation_alert"); err != nil {
		return fmt.Errorf("failed to clear alerts: %w", err)
	}
	return nil
}

const insertAlertPostgres = `
	INSERT INTO vegetation_alert (lat, lon, "desc", risk, pls_id)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (lat, lon) DO NOTHING`

func (p *Postgres) InsertAlertIfAbsent(ctx context.Context, a types.VegetationAlert) (bool, error) {
	tag, err := p.Pool.Exec(ctx, insertAlertPostgres, a.Lat, a.Lon, a.Desc, a.Risk, a.SegmentID)
	if err != nil {
		return false, fmt.Errorf("failed to insert alert %s: %w", a, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) InsertAlerts(ctx context.Context, alerts []types.VegetationAlert) (int, error) {
	batch := &pgx.Batch{}
	for _, a := range alerts {
		batch.Queue(insertAlertPostgres, a.Lat, a.Lon, a.Desc, a.Risk, a.SegmentID)
	}
	return p.execBatch(ctx, batch)
}

func (p *Postgres) Alerts(ctx context.Context, bbox types.BoundingBox) ([]types.VegetationAlert, error) {
	rows, err := p.Pool.Query(ctx, `
		SELECT lat, lon, "desc", risk, pls_id FROM vegetation_alert
		WHERE lat >= $1 AND lat <= $2 AND lon >= $3 AND lon <= $4
		ORDER BY lat, lon`,
		bbox.MinLat, bbox.MaxLat, bbox.MinLon, bbox.MaxLon)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []types.VegetationAlert
	for rows.Next() {
		var a types.VegetationAlert
		if err := rows.Scan(&a.Lat, &a.Lon, &a.Desc, &a.Risk, &a.SegmentID); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.Pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.Pool.Close()
	return nil
}

// execBatch sends the batch in its own transaction and sums affected rows.
func (p *Postgres) execBatch(ctx context.Context, batch *pgx.Batch) (int, error) {
	if batch.Len() == 0 {
		return 0, nil
	}

	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	br := tx.SendBatch(ctx, batch)
	inserted := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("batch exec: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("batch close: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}
