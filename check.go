// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/soothill/plug-power-stream/config"
	"github.com/soothill/plug-power-stream/pkg/logger"
	"github.com/soothill/plug-power-stream/storage"
)

const healthCheckTimeout = 5 * time.Second

func newValidateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a config file and the devices file it names",
		Long: `Validate a configuration file without starting the streamer.

The YAML is checked against the embedded JSON schema, then loaded with
environment overrides and validated field by field. The devices file it
points at is schema-checked too.

Exit codes:
  0 - Configuration is valid
  1 - Configuration is invalid (details printed to stderr)`,
		Args: cobra.NoArgs,
		RunE: runValidateConfig,
	}
}

func runValidateConfig(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		return fmt.Errorf("configuration validation FAILED: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		return fmt.Errorf("configuration validation FAILED: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration validation PASSED")
	fmt.Fprintln(out, "\nConfiguration summary:")
	fmt.Fprintf(out, "  Devices File: %s\n", cfg.Device.DevicesFile)
	fmt.Fprintf(out, "  Protocol Version: %s\n", cfg.Device.ProtocolVersion)
	fmt.Fprintf(out, "  Power DP: %s (scale %g)\n", cfg.Device.PowerDP, cfg.Device.PowerScale)
	fmt.Fprintf(out, "  Poll Frequency: %g Hz\n", cfg.Poller.FrequencyHz)
	fmt.Fprintf(out, "  Retry Backoff: %s\n", cfg.Poller.RetryBackoff)
	fmt.Fprintf(out, "  Stream Address: %s (%s format)\n", cfg.Server.Address, cfg.Server.WireFormat)
	fmt.Fprintf(out, "  Metrics Address: %s\n", cfg.Metrics.Address)
	fmt.Fprintf(out, "  Log Level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(out, "  InfluxDB: %s\n", enabled(cfg.InfluxDB.Enabled))
	fmt.Fprintf(out, "  MQTT: %s\n", enabled(cfg.MQTT.Enabled))
	fmt.Fprintf(out, "  mDNS: %s\n", enabled(cfg.MDNS.Enabled))
	fmt.Fprintf(out, "  Slack Notifications: %s\n", enabled(cfg.Notifications.SlackWebhookURL != ""))

	if cfg.Device.Simulate || cfg.Device.ReplayFile != "" {
		fmt.Fprintln(out, "\nDevice is simulated; devices file not required.")
		return nil
	}
	entries, err := config.LoadDevices(cfg.Device.DevicesFile)
	if err != nil {
		return fmt.Errorf("devices file validation FAILED: %w", err)
	}
	fmt.Fprintf(out, "  Devices: %d (polling %s)\n", len(entries), entries[0].ID)
	return nil
}

func enabled(on bool) string {
	if on {
		return "Enabled"
	}
	return "Disabled"
}

func newHealthCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health-check",
		Short: "Check a running streamer and its InfluxDB sink",
		Long: `Query the /health endpoint of a running streamer on the configured
metrics address. When InfluxDB recording is enabled the database is
checked as well. Exits non-zero when anything is unhealthy.`,
		Args: cobra.NoArgs,
		RunE: runHealthCheck,
	}
}

func runHealthCheck(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("health check failed: could not load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), healthCheckTimeout)
	defer cancel()

	if err := checkEndpoint(ctx, "http://"+cfg.Metrics.Address+"/health"); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Health check passed: streamer is healthy")

	if !cfg.InfluxDB.Enabled {
		return nil
	}
	db, err := storage.NewInfluxDBStorage(ctx,
		cfg.InfluxDB.URL,
		cfg.InfluxDB.Token,
		cfg.InfluxDB.Organization,
		cfg.InfluxDB.Bucket,
	)
	if err != nil {
		return fmt.Errorf("health check failed: InfluxDB is unhealthy: %w", err)
	}
	defer db.Close()

	fmt.Fprintln(out, "Health check passed: InfluxDB is healthy")
	return nil
}

func checkEndpoint(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, body)
	}
	return nil
}
