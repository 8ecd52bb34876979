// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package device talks to the smart plug whose power draw is streamed.
//
// The production implementation speaks the Tuya local protocol (version 3.3)
// over a persistent TCP socket. A simulated plug and a replay device exist for
// demos and tests; all three satisfy Device.
package device

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
)

// Device is a smart plug that reports its data points (dps) on request.
type Device interface {
	// ID returns the device id from the devices file.
	ID() string
	// RequestUpdate asks the plug to refresh its measured data points.
	// It does not wait for a reply.
	RequestUpdate(ctx context.Context) error
	// Status returns the latest data points keyed by dp number.
	Status(ctx context.Context) (map[string]any, error)
	// Close releases the connection to the plug.
	Close() error
}

// PowerFromStatus extracts the power data point and converts it to watts.
// It reports false when the data point is absent, not numeric or not finite.
func PowerFromStatus(dps map[string]any, dp string, scale float64) (float64, bool) {
	raw, ok := dps[dp]
	if !ok || scale == 0 {
		return 0, false
	}

	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v / scale, true
}
