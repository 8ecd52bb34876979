// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"os"

	"github.com/soothill/plug-power-stream/config"
	"github.com/soothill/plug-power-stream/device"
	"github.com/soothill/plug-power-stream/monitoring"
	"github.com/soothill/plug-power-stream/pkg/logger"
)

const simulatedDeviceID = "simulated"

// NewDeviceFactory returns the factory the supervisor calls on every
// (re)start. The devices file is read each time, so edited credentials take
// effect on the next restart.
func NewDeviceFactory(cfg config.DeviceConfig) monitoring.DeviceFactory {
	return func(_ context.Context) (device.Device, error) {
		switch {
		case cfg.ReplayFile != "":
			return device.LoadReplay(deviceIDOr(cfg, "replay"), cfg.ReplayFile)
		case cfg.Simulate:
			return device.NewSimulated(deviceIDOr(cfg, simulatedDeviceID), 0), nil
		}

		entry, err := config.FirstDevice(cfg.DevicesFile)
		if err != nil {
			return nil, err
		}
		addr, err := cfg.ResolveAddress(entry)
		if err != nil {
			return nil, err
		}

		logger.Info().Str("device_id", entry.ID).Str("name", entry.Name).Str("address", addr).Msg("Opening device")
		return device.NewTuya(device.TuyaOptions{
			ID:      entry.ID,
			Key:     entry.Key,
			Address: addr,
			Timeout: cfg.Timeout,
		})
	}
}

// deviceIDOr names simulated and replayed devices after the devices file
// entry when there is one.
func deviceIDOr(cfg config.DeviceConfig, fallback string) string {
	if _, err := os.Stat(cfg.DevicesFile); err != nil {
		return fallback
	}
	entry, err := config.FirstDevice(cfg.DevicesFile)
	if err != nil {
		return fallback
	}
	return entry.ID
}
