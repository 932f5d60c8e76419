package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/hotbackup/internal/config"
	"github.com/withObsrvr/hotbackup/internal/logging"
	"github.com/withObsrvr/hotbackup/internal/metrics"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "hotbackup [command] (flags)",
	Short:         "online backup of Aria and common engine tables",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", os.Getenv("HOTBACKUP_CONFIG"), "path to the YAML config file")
	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(backupCmd, prepareCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("hotbackup failed", "error", err)
		cancel()
		os.Exit(1)
	}
}

// loadConfig reads the config and sets up logging and metrics.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	slog.Info("hotbackup starting", "version", Version, "git_sha", GitSHA)

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Warn("metrics server stopped", "address", cfg.Metrics.Address, "error", err)
			}
		}()
		slog.Info("metrics server listening", "address", cfg.Metrics.Address)
	}
	return cfg, nil
}
