// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soothill/plug-power-stream/app"
	"github.com/soothill/plug-power-stream/config"
	"github.com/soothill/plug-power-stream/pkg/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the power streamer",
		Long: `Start the power streamer.

The streamer will:
  - Load configuration from the specified YAML file (defaults apply when it is missing)
  - Poll the first device in the devices file
  - Serve readings to websocket clients and metrics on the metrics address

It runs until interrupted (Ctrl+C) or it receives SIGTERM.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.InitializeWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info().
		Str("version", version).
		Str("devices_file", cfg.Device.DevicesFile).
		Dur("poll_interval", cfg.Poller.PollInterval()).
		Dur("retry_backoff", cfg.Poller.RetryBackoff).
		Msg("Starting plug power stream")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	setupDebugSignalHandlers(application)

	if err := application.Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}
