package cmd

import (
	"context"
	"fmt"

	"github.com/klaasnotfound/vegeo-backend/internal/datasource"
	"github.com/klaasnotfound/vegeo-backend/internal/storage"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var populateCmd = &cobra.Command{
	Use:   "populate",
	Short: "Fetch regions and their power lines into storage",
	Long: `Populate looks up the regions to scan (major US cities from Wikidata, or the
populate.regions list from the config file), fetches the minor power lines
around each city center from the Overpass API and stores segments and regions.`,
	RunE: runPopulate,
}

func init() {
	rootCmd.AddCommand(populateCmd)

	populateCmd.Flags().String("source", "wikidata", "Region source: wikidata or config")
	populateCmd.Flags().Int("min-population", datasource.DefaultMinPopulation, "Minimum city population (wikidata source)")
	populateCmd.Flags().Float64("box-size", datasource.RegionBoxSize, "Edge length in degrees of the power line search box around each city")
	populateCmd.Flags().String("overpass-endpoint", datasource.DefaultOverpassEndpoint, "Overpass API interpreter URL")
	populateCmd.Flags().String("wikidata-endpoint", datasource.DefaultWikidataEndpoint, "Wikidata SPARQL endpoint")
	populateCmd.Flags().Int("limit", 0, "Only populate the first N regions (0 = all)")

	bindFlags := []struct {
		key  string
		flag string
	}{
		{"populate.source", "source"},
		{"populate.min_population", "min-population"},
		{"populate.box_size", "box-size"},
		{"populate.overpass_endpoint", "overpass-endpoint"},
		{"populate.wikidata_endpoint", "wikidata-endpoint"},
		{"populate.limit", "limit"},
	}

	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, populateCmd.Flags().Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

// regionSpec is an entry of populate.regions in the config file.
type regionSpec struct {
	Name   string  `mapstructure:"name"`
	Lat    float64 `mapstructure:"lat"`
	Lon    float64 `mapstructure:"lon"`
	ImgURL string  `mapstructure:"img_url"`
}

type powerLineFetcher interface {
	FetchPowerLines(ctx context.Context, bbox types.BoundingBox) ([]types.PowerLineSegment, error)
}

func runPopulate(cmd *cobra.Command, args []string) error {
	source := viper.GetString("populate.source")
	boxSize := viper.GetFloat64("populate.box_size")
	limit := viper.GetInt("populate.limit")

	if logger == nil {
		initLogging()
	}
	if boxSize <= 0 {
		return fmt.Errorf("--box-size must be positive")
	}

	ctx, cancel := signalContext()
	defer cancel()

	cities, err := loadCities(ctx, source)
	if err != nil {
		return err
	}
	if limit > 0 && len(cities) > limit {
		cities = cities[:limit]
	}
	logger.Info("Populating regions", "source", source, "regions", len(cities), "box_size", boxSize)

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	src := datasource.NewPowerLineSource(viper.GetString("populate.overpass_endpoint"))
	n, err := populateRegions(ctx, store, src, cities, boxSize)
	if err != nil {
		return err
	}

	logger.Info("Population complete", "regions", n, "skipped", len(cities)-n)
	return nil
}

func loadCities(ctx context.Context, source string) ([]datasource.City, error) {
	switch source {
	case "wikidata":
		client := datasource.NewWikidataClient(viper.GetString("populate.wikidata_endpoint"), nil)
		cities, err := client.MajorCities(ctx, viper.GetInt("populate.min_population"))
		if err != nil {
			return nil, fmt.Errorf("failed to load cities: %w", err)
		}
		return cities, nil
	case "config":
		var specs []regionSpec
		if err := viper.UnmarshalKey("populate.regions", &specs); err != nil {
			return nil, fmt.Errorf("invalid populate.regions: %w", err)
		}
		return citiesFromSpecs(specs)
	default:
		return nil, fmt.Errorf("invalid source %q: must be 'wikidata' or 'config'", source)
	}
}

func citiesFromSpecs(specs []regionSpec) ([]datasource.City, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("populate.regions is empty")
	}
	cities := make([]datasource.City, 0, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("populate.regions[%d]: name is required", i)
		}
		if s.Lat < -90 || s.Lat > 90 || s.Lon < -180 || s.Lon > 180 {
			return nil, fmt.Errorf("populate.regions[%d] %s: invalid coordinates (%g, %g)", i, s.Name, s.Lat, s.Lon)
		}
		cities = append(cities, datasource.City{Name: s.Name, Lat: s.Lat, Lon: s.Lon, ImgURL: s.ImgURL})
	}
	return cities, nil
}

// populateRegions stores the power lines around every city and a region
// covering them. Cities without power lines are skipped. It returns the
// number of regions written.
func populateRegions(ctx context.Context, store storage.Store, src powerLineFetcher, cities []datasource.City, boxSize float64) (int, error) {
	written := 0
	for _, city := range cities {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		bbox := types.BoundingBoxAround(city.Lat, city.Lon, boxSize)
		segs, err := src.FetchPowerLines(ctx, bbox)
		if err != nil {
			return written, fmt.Errorf("region %s: %w", city.Name, err)
		}

		region, ok := datasource.RegionFromSegments(city.Name, city.ImgURL, segs)
		if !ok {
			logger.Warn("No power lines found; skipping region", "region", city.Name, "bbox", bbox.String())
			continue
		}

		inserted, err := store.InsertSegments(ctx, segs)
		if err != nil {
			return written, fmt.Errorf("region %s: failed to store segments: %w", city.Name, err)
		}
		if err := store.UpsertRegion(ctx, region); err != nil {
			return written, fmt.Errorf("region %s: failed to store region: %w", city.Name, err)
		}
		written++

		logger.Info("Region populated", "region", city.Name, "segments", len(segs),
			"new_segments", inserted, "bbox", region.Bounds.String())
	}
	return written, nil
}
