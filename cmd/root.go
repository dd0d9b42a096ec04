package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chadmayfield/noaad/internal/config"
	"github.com/chadmayfield/noaad/internal/store"
)

var (
	cfgFile   string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "noaad",
	Short: "Daily summary daemon for personal weather station archives",
	Long: `noaad ingests weather station archive records into SQLite or PostgreSQL,
keeps one summary row per local calendar day (highs, lows, means, degree-days,
rain and wind), computes monthly climate norms, and exposes a REST API for
summaries and live hour/day/week/month/year statistics.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text or json, overrides config)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging installs the default logger. It runs once before the config is
// read and again with its format and level.
func setupLogging(cfg *config.Config) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	format := logFormat
	if cfg != nil {
		opts.Level = cfg.SlogLevel()
		if format == "" {
			format = cfg.LogFormat
		}
	}

	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads the config and reconfigures logging from it.
func loadConfig() (*config.Config, error) {
	setupLogging(nil)
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)
	return cfg, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.DSN())
	case "postgres":
		return store.NewPostgresStore(cfg.DSN())
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}
}
