// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soothill/plug-power-stream/config"
	"github.com/soothill/plug-power-stream/device"
	"github.com/soothill/plug-power-stream/monitoring"
	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/interfaces"
)

// testConfig mirrors the defaults but binds ephemeral ports, which
// Validate would reject, so it is built by hand.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Device: config.DeviceConfig{
			DevicesFile:     filepath.Join(t.TempDir(), "devices.json"),
			ProtocolVersion: "3.3",
			PowerDP:         "19",
			PowerScale:      10,
			Port:            6668,
			Timeout:         time.Second,
		},
		Poller: config.PollerConfig{FrequencyHz: 20, RetryBackoff: 100 * time.Millisecond},
		Server: config.ServerConfig{
			Address:         "127.0.0.1:0",
			WireFormat:      "reading",
			MaxConnections:  10,
			SendBuffer:      16,
			UpgradeRate:     100,
			ShutdownTimeout: 5 * time.Second,
		},
		Metrics: config.MetricsConfig{Address: "127.0.0.1:0"},
		MDNS:    config.MDNSConfig{ServiceType: "_plugpower._tcp", Domain: "local."},
		Logging: config.LoggingConfig{Level: "info", Format: "console"},
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

type runningApp struct {
	app  *App
	stop context.CancelFunc
	done chan error
}

func startApp(t *testing.T, cfg *config.Config) *runningApp {
	t.Helper()
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ra := &runningApp{app: a, stop: cancel, done: make(chan error, 1)}
	go func() { ra.done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ra.done:
		case <-time.After(10 * time.Second):
			t.Error("app did not shut down")
		}
	})
	return ra
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func dialStream(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	var conn *websocket.Conn
	// the poller may still be starting, in which case the server closes with 1013
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
		if err != nil {
			return false
		}
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		if _, _, err := c.ReadMessage(); err != nil {
			_ = c.Close()
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestApp_StreamsSimulatedReadings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Device.Simulate = true
	ra := startApp(t, cfg)

	conn := dialStream(t, ra.app.StreamAddr())
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Contains(t, msg, "timestamp")
	power, ok := msg["power"].(float64)
	require.True(t, ok)
	assert.InDelta(t, 55, power, 50)

	metricsURL := "http://" + ra.app.MetricsAddr()
	code, body := httpGet(t, metricsURL+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	require.Eventually(t, func() bool {
		resp, err := http.Get(metricsURL + "/ready")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	code, body = httpGet(t, metricsURL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "plug_readings_total")

	ra.stop()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)

	select {
	case err := <-ra.done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_ReplayLegacyFormat(t *testing.T) {
	cfg := testConfig(t)
	cfg.Device.ReplayFile = writeFile(t, t.TempDir(), "replay.json", `[{"19":100},{"1":true},{"19":150}]`)
	cfg.Server.WireFormat = "legacy"
	ra := startApp(t, cfg)

	conn := dialStream(t, ra.app.StreamAddr())
	seen := map[float64]bool{}
	for len(seen) < 2 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg map[string]float64
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Len(t, msg, 1)
		seen[msg["w"]] = true
	}
	assert.Equal(t, map[float64]bool{10: true, 15: true}, seen)
	assert.Equal(t, "replay", ra.app.Supervisor().Current().DeviceID())
}

func TestNew_RejectsBadWireFormat(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.WireFormat = "xml"
	_, err := New(context.Background(), cfg)
	assert.True(t, errors.IsValidationError(err))
}

func TestNew_AddressInUse(t *testing.T) {
	cfg := testConfig(t)
	cfg.Device.Simulate = true
	first, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = first.wsListener.Close()
		_ = first.metricsListener.Close()
	})

	cfg2 := testConfig(t)
	cfg2.Server.Address = first.StreamAddr()
	_, err = New(context.Background(), cfg2)
	assert.Error(t, err)
}

func TestDeviceFactory(t *testing.T) {
	dir := t.TempDir()
	devices := writeFile(t, dir, "devices.json",
		`[{"id":"bf1234567890abcdef","key":"0123456789abcdef","ip":"192.168.0.136","version":"3.3"}]`)

	tests := []struct {
		name   string
		mutate func(*config.DeviceConfig)
		wantID string
		check  func(*testing.T, device.Device)
	}{
		{
			name:   "tuya from devices file",
			mutate: func(*config.DeviceConfig) {},
			wantID: "bf1234567890abcdef",
			check: func(t *testing.T, d device.Device) {
				_, ok := d.(*device.Tuya)
				assert.True(t, ok, "got %T", d)
			},
		},
		{
			name:   "simulated takes the entry id",
			mutate: func(c *config.DeviceConfig) { c.Simulate = true },
			wantID: "bf1234567890abcdef",
			check: func(t *testing.T, d device.Device) {
				_, ok := d.(*device.Simulated)
				assert.True(t, ok, "got %T", d)
			},
		},
		{
			name: "simulated without devices file",
			mutate: func(c *config.DeviceConfig) {
				c.Simulate = true
				c.DevicesFile = filepath.Join(dir, "missing.json")
			},
			wantID: simulatedDeviceID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DeviceConfig{DevicesFile: devices, Port: 6668, Timeout: time.Second}
			tt.mutate(&cfg)

			dev, err := NewDeviceFactory(cfg)(context.Background())
			require.NoError(t, err)
			t.Cleanup(func() { _ = dev.Close() })
			assert.Equal(t, tt.wantID, dev.ID())
			if tt.check != nil {
				tt.check(t, dev)
			}
		})
	}
}

func TestDeviceFactory_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewDeviceFactory(config.DeviceConfig{DevicesFile: filepath.Join(dir, "missing.json")})(context.Background())
	assert.True(t, errors.IsConfigError(err))

	noIP := writeFile(t, dir, "devices.json", `[{"id":"bf1","key":"0123456789abcdef"}]`)
	_, err = NewDeviceFactory(config.DeviceConfig{DevicesFile: noIP, Port: 6668})(context.Background())
	assert.True(t, errors.IsConfigError(err))
}

type fixedSource struct {
	reading monitoring.Reading
	ok      bool
}

func (f fixedSource) LastReading() (monitoring.Reading, bool) { return f.reading, f.ok }

type failingCheck struct{ err error }

func (f failingCheck) Health(context.Context) error { return f.err }

func TestReadiness(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := fixedSource{reading: monitoring.Reading{Timestamp: now.Add(-time.Second)}, ok: true}

	tests := []struct {
		name    string
		source  readingSource
		checks  map[string]failingCheck
		wantErr string
	}{
		{name: "fresh reading", source: fresh},
		{name: "no poller", source: fixedSource{}, wantErr: "no active poller"},
		{
			name:    "stale reading",
			source:  fixedSource{reading: monitoring.Reading{Timestamp: now.Add(-time.Minute)}, ok: true},
			wantErr: "old",
		},
		{
			name:    "sink unhealthy",
			source:  fresh,
			checks:  map[string]failingCheck{"influxdb": {err: errors.ErrCircuitBreakerOpen}},
			wantErr: "influxdb unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &readiness{source: tt.source, maxAge: 5 * time.Second, now: func() time.Time { return now }}
			if tt.checks != nil {
				r.checks = map[string]interfaces.HealthChecker{}
				for k, v := range tt.checks {
					r.checks[k] = v
				}
			}
			err := r.check(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should contain %q", err, tt.wantErr)
		})
	}
}
