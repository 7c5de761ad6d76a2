package cmd

import (
	"context"
	"fmt"
	"runtime"

	"github.com/klaasnotfound/vegeo-backend/internal/datasource"
	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/klaasnotfound/vegeo-backend/internal/scan"
	"github.com/klaasnotfound/vegeo-backend/internal/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var fetchImageryCmd = &cobra.Command{
	Use:   "fetch-imagery",
	Short: "Download aerial imagery along stored power lines",
	Long: `Fetch-imagery lists the zoom 17 tiles touched by the power lines of every
region and downloads NAIP aerial imagery for them. The images feed the
external vegetation classifier; existing files are not downloaded again.`,
	RunE: runFetchImagery,
}

func init() {
	rootCmd.AddCommand(fetchImageryCmd)

	fetchImageryCmd.Flags().StringP("output-dir", "o", "./imagery", "Directory receiving z{z}_x{x}_y{y}.jpg files")
	fetchImageryCmd.Flags().String("url", datasource.DefaultImageryURL, "Tile URL template with {z}, {x} and {y}")
	fetchImageryCmd.Flags().IntP("workers", "w", min(4, runtime.NumCPU()), "Number of concurrent downloads")
	fetchImageryCmd.Flags().StringSlice("region", nil, "Only fetch imagery for these regions (default: all)")
	fetchImageryCmd.Flags().Int("zoom", scan.ScanZoom, "Imagery zoom level")

	bindFlags := []struct {
		key  string
		flag string
	}{
		{"imagery.output_dir", "output-dir"},
		{"imagery.url", "url"},
		{"imagery.workers", "workers"},
		{"imagery.regions", "region"},
		{"imagery.zoom", "zoom"},
	}

	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, fetchImageryCmd.Flags().Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

func runFetchImagery(cmd *cobra.Command, args []string) error {
	outputDir := viper.GetString("imagery.output_dir")
	zoom := viper.GetInt("imagery.zoom")

	if logger == nil {
		initLogging()
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	tiles, err := regionTiles(ctx, store, viper.GetStringSlice("imagery.regions"), zoom)
	if err != nil {
		return err
	}
	logger.Info("Fetching imagery", "tiles", len(tiles), "output_dir", outputDir, "zoom", zoom)

	d := datasource.NewImageryDownloader(datasource.ImageryConfig{
		URLTemplate: viper.GetString("imagery.url"),
		OutputDir:   outputDir,
		Workers:     viper.GetInt("imagery.workers"),
		Logger:      logger,
	})
	stats, err := d.Download(ctx, tiles)
	logger.Info("Imagery download finished",
		"downloaded", stats.Downloaded,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"mb", fmt.Sprintf("%.1f", float64(stats.Bytes)/(1024*1024)),
	)
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d tiles failed to download", stats.Failed)
	}
	return nil
}

// regionTiles returns the distinct tiles at zoom z touched by the power lines
// of the named regions, or of all regions when names is empty.
func regionTiles(ctx context.Context, store storage.Store, names []string, z int) ([]geo.TileCoord, error) {
	regions, err := store.Regions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load regions: %w", err)
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	seen := make(map[geo.TileCoord]bool)
	var tiles []geo.TileCoord
	matched := 0
	for _, r := range regions {
		if len(wanted) > 0 && !wanted[r.Name] {
			continue
		}
		matched++

		segs, err := store.SegmentsIntersecting(ctx, r.Bounds)
		if err != nil {
			return nil, fmt.Errorf("region %s: failed to load segments: %w", r.Name, err)
		}
		regionTiles, err := scan.SegmentTiles(segs, z)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", r.Name, err)
		}
		for _, t := range regionTiles {
			if !seen[t] {
				seen[t] = true
				tiles = append(tiles, t)
			}
		}
		logger.Debug("Listed region tiles", "region", r.Name, "segments", len(segs), "tiles", len(regionTiles))
	}

	if len(wanted) > 0 && matched < len(wanted) {
		return nil, fmt.Errorf("unknown region in %v", names)
	}
	return tiles, nil
}
