package datasource

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/klaasnotfound/vegeo-backend/internal/tile"
)

// DefaultImageryURL is the USDA NAIP aerial imagery tile service.
const DefaultImageryURL = "https://gis.apfo.usda.gov/arcgis/rest/services/NAIP/USDA_CONUS_PRIME/ImageServer/tile/{z}/{y}/{x}?blankTile=false"

// ImageryConfig configures an ImageryDownloader.
type ImageryConfig struct {
	// URLTemplate contains {z}, {x} and {y} placeholders (default: NAIP)
	URLTemplate string
	// OutputDir receives one z{z}_x{x}_y{y}.jpg file per tile
	OutputDir string
	// Workers is the number of concurrent downloads (default: 2)
	Workers int
	Client  *http.Client
	Logger  *slog.Logger
}

// ImageryStats summarizes a download run.
type ImageryStats struct {
	Downloaded int64 `json:"downloaded"`
	Skipped    int64 `json:"skipped"`
	Failed     int64 `json:"failed"`
	Bytes      int64 `json:"bytes"`
}

// ImageryDownloader fetches aerial image tiles for the external classifier.
type ImageryDownloader struct {
	cfg ImageryConfig

	downloaded atomic.Int64
	skipped    atomic.Int64
	failed     atomic.Int64
	bytes      atomic.Int64
}

// NewImageryDownloader applies defaults to cfg.
func NewImageryDownloader(cfg ImageryConfig) *ImageryDownloader {
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultImageryURL
	}
	if cfg.Workers < 1 {
		cfg.Workers = 2
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ImageryDownloader{cfg: cfg}
}

// TileURL fills the URL template for t.
func (d *ImageryDownloader) TileURL(t geo.TileCoord) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(t.Z),
		"{x}", strconv.Itoa(t.X),
		"{y}", strconv.Itoa(t.Y),
	).Replace(d.cfg.URLTemplate)
}

// Path returns the file a tile is written to.
func (d *ImageryDownloader) Path(t geo.TileCoord) string {
	return filepath.Join(d.cfg.OutputDir, tile.FileName(t, "jpg"))
}

// Download fetches all tiles that are not on disk yet. Failed tiles are
// logged and counted; only setup errors and cancellation are returned.
func (d *ImageryDownloader) Download(ctx context.Context, tiles []geo.TileCoord) (ImageryStats, error) {
	if err := os.MkdirAll(d.cfg.OutputDir, 0755); err != nil {
		return ImageryStats{}, fmt.Errorf("failed to create output dir: %w", err)
	}

	jobs := make(chan geo.TileCoord)
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go d.worker(ctx, i, jobs, &wg)
	}

feed:
	for _, t := range tiles {
		select {
		case jobs <- t:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	return d.Stats(), ctx.Err()
}

// Stats returns the counters accumulated so far.
func (d *ImageryDownloader) Stats() ImageryStats {
	return ImageryStats{
		Downloaded: d.downloaded.Load(),
		Skipped:    d.skipped.Load(),
		Failed:     d.failed.Load(),
		Bytes:      d.bytes.Load(),
	}
}

func (d *ImageryDownloader) worker(ctx context.Context, id int, jobs <-chan geo.TileCoord, wg *sync.WaitGroup) {
	defer wg.Done()
	log := d.cfg.Logger.With("worker_id", id)

	for t := range jobs {
		path := d.Path(t)
		if _, err := os.Stat(path); err == nil {
			d.skipped.Add(1)
			log.Debug("Tile already downloaded; skipping", "tile", t.String())
			continue
		}

		start := time.Now()
		n, err := d.fetch(ctx, t, path)
		if err != nil {
			d.failed.Add(1)
			log.Warn("Tile download failed", "tile", t.String(), "error", err)
			continue
		}
		d.downloaded.Add(1)
		d.bytes.Add(n)
		log.Debug("Tile downloaded", "tile", t.String(), "bytes", n, "duration_ms", time.Since(start).Milliseconds())
	}
}

func (d *ImageryDownloader) fetch(ctx context.Context, t geo.TileCoord, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.TileURL(t), nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.cfg.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	// Write to a temp file first so an interrupted download is retried.
	tmp, err := os.CreateTemp(d.cfg.OutputDir, ".download-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name()) // nolint:errcheck
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name()) // nolint:errcheck
		return 0, err
	}
	return n, nil
}
