package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/klaasnotfound/vegeo-backend/internal/geojson"
	"github.com/klaasnotfound/vegeo-backend/internal/mbtiles"
	"github.com/klaasnotfound/vegeo-backend/internal/scan"
	"github.com/klaasnotfound/vegeo-backend/internal/storage"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored data",
}

var exportTilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "Write all vegetation tiles into an MBTiles overlay",
	RunE:  runExportTiles,
}

var exportAlertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Write alerts as a GeoJSON FeatureCollection",
	RunE:  runExportAlerts,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.AddCommand(exportTilesCmd, exportAlertsCmd)

	exportTilesCmd.Flags().StringP("output", "o", "vegetation.mbtiles", "Output MBTiles file path")
	exportTilesCmd.Flags().String("name", "Vegeo vegetation", "Tileset name")
	exportTilesCmd.Flags().String("attribution", "Imagery: USDA NAIP", "Attribution text")

	exportAlertsCmd.Flags().StringP("output", "o", "alerts.geojson", "Output file path (- for stdout)")
	exportAlertsCmd.Flags().String("bbox", "", "Bounding box: minLon,minLat,maxLon,maxLat (default: everything)")

	bindFlags := []struct {
		cmd  *cobra.Command
		key  string
		flag string
	}{
		{exportTilesCmd, "export.tiles.output", "output"},
		{exportTilesCmd, "export.tiles.name", "name"},
		{exportTilesCmd, "export.tiles.attribution", "attribution"},
		{exportAlertsCmd, "export.alerts.output", "output"},
		{exportAlertsCmd, "export.alerts.bbox", "bbox"},
	}

	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, bf.cmd.Flags().Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

func runExportTiles(cmd *cobra.Command, args []string) error {
	output := viper.GetString("export.tiles.output")

	if logger == nil {
		initLogging()
	}
	if output == "" {
		return fmt.Errorf("--output is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := exportTiles(ctx, store, output, viper.GetString("export.tiles.name"), viper.GetString("export.tiles.attribution"))
	if err != nil {
		return err
	}
	logger.Info("Export complete", "output", output, "tiles", n)
	return nil
}

// exportTiles writes every stored tile to an MBTiles file whose bounds cover
// all regions.
func exportTiles(ctx context.Context, store storage.Store, output, name, attribution string) (int, error) {
	regions, err := store.Regions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load regions: %w", err)
	}

	var bounds types.BoundingBox
	for i, r := range regions {
		if i == 0 {
			bounds = r.Bounds
		} else {
			bounds = bounds.Union(r.Bounds)
		}
	}

	meta := mbtiles.OverlayMetadata(name, bounds, scan.ScanZoom)
	meta.Attribution = attribution

	w, err := mbtiles.New(output, meta)
	if err != nil {
		return 0, fmt.Errorf("failed to create MBTiles writer: %w", err)
	}

	err = store.ForEachTile(ctx, w.WriteTile)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to export tiles: %w", err)
	}
	return w.Written(), nil
}

func runExportAlerts(cmd *cobra.Command, args []string) error {
	output := viper.GetString("export.alerts.output")
	bboxStr := viper.GetString("export.alerts.bbox")

	if logger == nil {
		initLogging()
	}

	bbox := worldBBox
	if bboxStr != "" {
		var err error
		if bbox, err = parseBBox(bboxStr); err != nil {
			return fmt.Errorf("invalid bbox: %w", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	data, n, err := alertsGeoJSON(ctx, store, bbox)
	if err != nil {
		return err
	}

	if output == "-" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(output, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}
	logger.Info("Export complete", "output", output, "alerts", n)
	return nil
}

func alertsGeoJSON(ctx context.Context, store storage.Store, bbox types.BoundingBox) ([]byte, int, error) {
	alerts, err := store.Alerts(ctx, bbox)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load alerts: %w", err)
	}
	data, err := geojson.Marshal(geojson.AlertsToGeoJSON(alerts), true)
	if err != nil {
		return nil, 0, err
	}
	return data, len(alerts), nil
}
