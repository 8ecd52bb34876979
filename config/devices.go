// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/util"
)

// DeviceEntry is one record of the devices file written by the Tuya wizard.
type DeviceEntry struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	IP      string `json:"ip,omitempty"`
	Version string `json:"version,omitempty"`
	Name    string `json:"name,omitempty"`
}

// LoadDevices reads and schema-checks the devices file.
func LoadDevices(path string) ([]DeviceEntry, error) {
	data, err := util.ReadFileSafely(path)
	if err != nil {
		return nil, errors.NewConfigError("device.devices_file", path, err)
	}

	if err := validateDocument(devicesSchemaJSON, data, "devices file"); err != nil {
		return nil, errors.NewConfigError("device.devices_file", path, err)
	}

	var entries []DeviceEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.NewConfigError("device.devices_file", path, fmt.Errorf("failed to parse devices file: %w", err))
	}
	if len(entries) == 0 {
		return nil, errors.NewConfigError("device.devices_file", path, errors.ErrNoDevices)
	}
	return entries, nil
}

// FirstDevice returns the only device the streamer polls: the first entry.
func FirstDevice(path string) (DeviceEntry, error) {
	entries, err := LoadDevices(path)
	if err != nil {
		return DeviceEntry{}, err
	}
	return entries[0], nil
}

// ResolveAddress picks the address to dial: the entry's ip wins over the configured fallback.
func (d DeviceConfig) ResolveAddress(entry DeviceEntry) (string, error) {
	host := entry.IP
	if host == "" {
		host = d.Address
	}
	if host == "" {
		return "", errors.NewConfigError("device.address", "", fmt.Errorf("device %s has no ip and no address is configured", entry.ID))
	}
	return net.JoinHostPort(host, strconv.Itoa(d.Port)), nil
}
