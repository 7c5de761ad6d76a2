package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/klaasnotfound/vegeo-backend/internal/observability"
	"github.com/klaasnotfound/vegeo-backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve regions, power lines, vegetation tiles and alerts",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "127.0.0.1:8000", "Listen address (host:port)")
	serveCmd.Flags().String("cache-control", "public, max-age=3600", "Cache-Control header for served tiles")
	serveCmd.Flags().String("mbtiles", "", "Serve vegetation tiles from this MBTiles file instead of storage")
	serveCmd.Flags().Duration("shutdown-timeout", 10*time.Second, "Grace period for open requests on shutdown")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("serve.addr", "addr")
	mustBind("serve.cache_control", "cache-control")
	mustBind("serve.mbtiles", "mbtiles")
	mustBind("serve.shutdown_timeout", "shutdown-timeout")
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	addr := viper.GetString("serve.addr")
	mbtilesPath := viper.GetString("serve.mbtiles")

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := observability.NewMetrics()
	cfg := server.Config{
		CacheControl: viper.GetString("serve.cache_control"),
		Metrics:      metrics,
		Logger:       logger,
	}

	if mbtilesPath != "" {
		tiles, err := server.OpenMBTilesTiles(mbtilesPath)
		if err != nil {
			return err
		}
		defer tiles.Close()
		cfg.Tiles = tiles
	} else {
		tiles, closeCache, err := tileSource(store, metrics)
		if err != nil {
			return err
		}
		defer closeCache()
		cfg.Tiles = tiles
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(store, cfg).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", addr, "storage", viper.GetString("storage.driver"), "mbtiles", mbtilesPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), viper.GetDuration("serve.shutdown_timeout"))
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("API server stopped")
	return nil
}
