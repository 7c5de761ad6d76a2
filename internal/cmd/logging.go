package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/viper"
)

var logger *slog.Logger

func initLogging() {
	logger = newLogger(os.Stderr, viper.GetString("log.format"), viper.GetBool("verbose"))
	slog.SetDefault(logger)
}

func newLogger(w io.Writer, format string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
