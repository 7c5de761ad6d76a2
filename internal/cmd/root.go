package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "vegeo",
	Short: "Vegetation alerts for power line corridors",
	Long: `Vegeo finds vegetation growing into minor power lines.

It collects power lines from OpenStreetMap for a set of regions, downloads
aerial imagery for the external vegetation classifier, imports the classified
tiles, scores every power line against them and serves the resulting alerts
over a small read API.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("storage-driver", "sqlite", "Storage backend (sqlite, postgres)")
	rootCmd.PersistentFlags().String("storage-dsn", "vegeo.db", "SQLite file path or PostgreSQL connection string")
	rootCmd.PersistentFlags().String("valkey-addr", "", "Valkey address for the raster tile cache (disabled when empty)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose logging")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")

	bindFlags := []struct {
		key  string
		flag string
	}{
		{"storage.driver", "storage-driver"},
		{"storage.dsn", "storage-dsn"},
		{"cache.valkey_addr", "valkey-addr"},
		{"verbose", "verbose"},
		{"log.format", "log-format"},
	}

	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, rootCmd.PersistentFlags().Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// VEGEO_STORAGE_DSN sets storage.dsn, VEGEO_CACHE_VALKEY_ADDR cache.valkey_addr.
	viper.SetEnvPrefix("VEGEO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
