package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/klaasnotfound/vegeo-backend/internal/mbtiles"
	"github.com/klaasnotfound/vegeo-backend/internal/raster"
	"github.com/klaasnotfound/vegeo-backend/internal/storage"
	"github.com/klaasnotfound/vegeo-backend/internal/tile"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
	"github.com/klaasnotfound/vegeo-backend/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var importTilesCmd = &cobra.Command{
	Use:   "import-tiles",
	Short: "Import classified vegetation tiles",
	Long: `Import classifier output into storage. The input is either a directory of
z{z}_x{x}_y{y}.png files or an MBTiles file. Grayscale masks are colorized to
a magenta overlay and resized to 256x256; tiles already stored are kept.`,
	RunE: runImportTiles,
}

func init() {
	rootCmd.AddCommand(importTilesCmd)

	importTilesCmd.Flags().StringP("input", "i", "./classified", "Input directory or .mbtiles file")

	if err := viper.BindPFlag("import.input", importTilesCmd.Flags().Lookup("input")); err != nil {
		panic(fmt.Sprintf("failed to bind flag input: %v", err))
	}
}

type importStats struct {
	Inserted int
	Existing int
	Failed   int
}

func runImportTiles(cmd *cobra.Command, args []string) error {
	input := viper.GetString("import.input")

	if logger == nil {
		initLogging()
	}

	if _, err := os.Stat(input); os.IsNotExist(err) {
		return fmt.Errorf("input does not exist: %s", input)
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Info("Importing tiles", "input", input)
	stats, err := importTiles(ctx, store, input)
	if err != nil {
		return err
	}

	logger.Info("Import complete", "inserted", stats.Inserted, "existing", stats.Existing, "failed", stats.Failed)
	return nil
}

func importTiles(ctx context.Context, store storage.Store, input string) (importStats, error) {
	if strings.HasSuffix(input, ".mbtiles") {
		return importMBTiles(ctx, store, input)
	}
	return importDirectory(ctx, store, input)
}

func importDirectory(ctx context.Context, store storage.Store, dir string) (importStats, error) {
	var stats importStats

	files, err := scanTilesDirectory(dir)
	if err != nil {
		return stats, fmt.Errorf("failed to scan tiles directory: %w", err)
	}
	if len(files) == 0 {
		return stats, fmt.Errorf("no tiles found in %s", dir)
	}
	logger.Info("Found tiles", "count", len(files))

	progress := worker.NewProgress(dir, len(files), "tiles", "Imported", false)
	defer func() { logger.Info(progress.Summary()) }()

	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		data, err := os.ReadFile(f.path)
		if err != nil {
			logger.Error("Failed to read tile", "path", f.path, "error", err)
			stats.Failed++
			progress.Update(i+1, len(files), stats.Failed)
			continue
		}
		if err := storeTile(ctx, store, f.coord, data, &stats); err != nil {
			return stats, err
		}

		progress.Update(i+1, len(files), stats.Failed)
		if (i+1)%100 == 0 {
			logger.Info("Progress", "imported", i+1, "total", len(files))
		}
	}
	return stats, nil
}

func importMBTiles(ctx context.Context, store storage.Store, path string) (importStats, error) {
	var stats importStats

	r, err := mbtiles.OpenReader(path)
	if err != nil {
		return stats, err
	}
	defer r.Close()

	err = r.ForEach(ctx, func(t types.RasterTile) error {
		return storeTile(ctx, store, t.Coord(), t.Data, &stats)
	})
	return stats, err
}

// storeTile normalizes one classifier image and inserts it. Bad images are
// counted and skipped; storage errors abort the import.
func storeTile(ctx context.Context, store storage.Store, coord geo.TileCoord, data []byte, stats *importStats) error {
	t, err := raster.PrepareTile(coord, data)
	if err != nil {
		logger.Warn("Skipping tile", "tile", coord.String(), "error", err)
		stats.Failed++
		return nil
	}

	inserted, err := store.InsertTile(ctx, t)
	if err != nil {
		return fmt.Errorf("failed to store tile %s: %w", coord, err)
	}
	if inserted {
		stats.Inserted++
	} else {
		stats.Existing++
	}
	return nil
}

type tileFile struct {
	coord geo.TileCoord
	path  string
}

// scanTilesDirectory walks dir for z{z}_x{x}_y{y}.png (or .jpg) files.
func scanTilesDirectory(dir string) ([]tileFile, error) {
	var files []tileFile

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		coord, err := tile.ParseFileName(filepath.Base(path))
		if err != nil {
			return nil
		}
		files = append(files, tileFile{coord: coord, path: path})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}
