package cmd

import (
	"fmt"
	"runtime"

	"github.com/klaasnotfound/vegeo-backend/internal/notify"
	"github.com/klaasnotfound/vegeo-backend/internal/observability"
	"github.com/klaasnotfound/vegeo-backend/internal/pipeline"
	"github.com/klaasnotfound/vegeo-backend/internal/scan"
	"github.com/klaasnotfound/vegeo-backend/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Recompute vegetation alerts for all regions",
	Long: `Alerts clears all stored alerts and scores every power line of every region
against the imported vegetation tiles. Each region is committed on its own;
a failing region is reported and the run continues with the next one.`,
	RunE: runAlerts,
}

func init() {
	rootCmd.AddCommand(alertsCmd)

	alertsCmd.Flags().IntP("workers", "w", runtime.NumCPU(), "Number of parallel segment scanners")
	alertsCmd.Flags().Int("zoom", scan.ScanZoom, "Zoom level of the vegetation tiles")
	alertsCmd.Flags().Bool("progress", true, "Show a progress bar per region")
	alertsCmd.Flags().String("nats-url", "", "Publish region summaries to this NATS server (disabled when empty)")
	alertsCmd.Flags().Bool("allow-failures", false, "Exit successfully even if some regions failed")

	bindFlags := []struct {
		key  string
		flag string
	}{
		{"alerts.workers", "workers"},
		{"alerts.zoom", "zoom"},
		{"alerts.progress", "progress"},
		{"alerts.nats_url", "nats-url"},
		{"alerts.allow_failures", "allow-failures"},
	}

	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, alertsCmd.Flags().Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

func runAlerts(cmd *cobra.Command, args []string) error {
	workers := viper.GetInt("alerts.workers")
	zoom := viper.GetInt("alerts.zoom")
	showProgress := viper.GetBool("alerts.progress")
	natsURL := viper.GetString("alerts.nats_url")
	allowFailures := viper.GetBool("alerts.allow_failures")

	if logger == nil {
		initLogging()
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := observability.NewMetrics()
	tiles, closeCache, err := tileSource(store, metrics)
	if err != nil {
		return err
	}
	defer closeCache()

	cfg := pipeline.Config{
		Workers:  workers,
		Zoom:     zoom,
		Logger:   logger,
		Metrics:  metrics,
		Progress: regionProgress(showProgress),
	}

	if natsURL != "" {
		pub, err := notify.Connect(natsURL)
		if err != nil {
			return err
		}
		defer pub.Close()
		cfg.Notifier = pub
		logger.Info("Publishing region summaries", "nats_url", natsURL, "subject", notify.SubjectPrefix+"*")
	}

	report, err := pipeline.NewAggregator(store, tiles, cfg).Run(ctx)
	if err != nil {
		return err
	}

	for _, r := range report.Regions {
		if r.Err != nil {
			logger.Error("Region failed", "region", r.Name, "error", r.Err)
			continue
		}
		logger.Info("Region summary", "region", r.Name, "segments", r.Segments, "spots", r.Spots,
			"alerts", r.Alerts, "duration", r.Duration)
	}

	failed := len(report.Failed())
	logger.Info("Alerts computed", "run_id", report.RunID.String(), "alerts", report.Alerts(),
		"regions", len(report.Regions), "failed", failed, "duration", report.Duration)

	if failed > 0 && !allowFailures {
		return fmt.Errorf("%d of %d regions failed", failed, len(report.Regions))
	}
	return nil
}

// regionProgress returns a progress bar factory for the aggregator, or nil
// when progress output is disabled.
func regionProgress(enabled bool) func(string, int) worker.ProgressFunc {
	if !enabled {
		return nil
	}
	return func(region string, segments int) worker.ProgressFunc {
		logger.Info("Scanning region", "region", region, "segments", segments)
		return worker.NewProgress(region, segments, "segments", "Scanned", true).Callback()
	}
}
