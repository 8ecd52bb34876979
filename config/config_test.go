// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/soothill/plug-power-stream/pkg/errors"
)

func defaultConfig() Config {
	var cfg Config
	cfg.setDefaults()
	return cfg
}

func TestSetDefaults(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Poller.FrequencyHz != 2 {
		t.Errorf("FrequencyHz = %v, want 2", cfg.Poller.FrequencyHz)
	}
	if cfg.Poller.RetryBackoff != 3*time.Second {
		t.Errorf("RetryBackoff = %v, want 3s", cfg.Poller.RetryBackoff)
	}
	if cfg.Server.Address != "localhost:3001" {
		t.Errorf("Server.Address = %q, want localhost:3001", cfg.Server.Address)
	}
	if cfg.Server.WireFormat != "reading" {
		t.Errorf("WireFormat = %q, want reading", cfg.Server.WireFormat)
	}
	if cfg.Device.PowerDP != "19" || cfg.Device.PowerScale != 10 {
		t.Errorf("power dp/scale = %q/%v, want 19/10", cfg.Device.PowerDP, cfg.Device.PowerScale)
	}
	if cfg.Device.Port != 6668 {
		t.Errorf("Port = %d, want 6668", cfg.Device.Port)
	}
	if cfg.Device.DevicesFile != "devices.json" {
		t.Errorf("DevicesFile = %q, want devices.json", cfg.Device.DevicesFile)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		wantField string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name:      "zero frequency",
			mutate:    func(c *Config) { c.Poller.FrequencyHz = 0 },
			wantErr:   true,
			wantField: "poller.frequency_hz",
		},
		{
			name:      "unknown wire format",
			mutate:    func(c *Config) { c.Server.WireFormat = "xml" },
			wantErr:   true,
			wantField: "server.wire_format",
		},
		{
			name:      "server address without port",
			mutate:    func(c *Config) { c.Server.Address = "localhost" },
			wantErr:   true,
			wantField: "server.address",
		},
		{
			name:      "non numeric power dp",
			mutate:    func(c *Config) { c.Device.PowerDP = "power" },
			wantErr:   true,
			wantField: "device.power_dp",
		},
		{
			name:      "unsupported protocol",
			mutate:    func(c *Config) { c.Device.ProtocolVersion = "3.4" },
			wantErr:   true,
			wantField: "device.protocol_version",
		},
		{
			name:      "invalid log level",
			mutate:    func(c *Config) { c.Logging.Level = "verbose" },
			wantErr:   true,
			wantField: "logging.level",
		},
		{
			name:      "influxdb enabled without url",
			mutate:    func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr:   true,
			wantField: "influxdb.url",
		},
		{
			name: "influxdb over plain http to remote host",
			mutate: func(c *Config) {
				c.InfluxDB = InfluxDBConfig{
					Enabled: true, URL: "http://influx.example.com:8086",
					Token: "test-token", Organization: "org", Bucket: "power", QueueSize: 1,
				}
			},
			wantErr:   true,
			wantField: "influxdb.url",
		},
		{
			name: "influxdb short token",
			mutate: func(c *Config) {
				c.InfluxDB = InfluxDBConfig{
					Enabled: true, URL: "http://localhost:8086",
					Token: "short", Organization: "org", Bucket: "power", QueueSize: 1,
				}
			},
			wantErr:   true,
			wantField: "influxdb.token",
		},
		{
			name: "influxdb valid",
			mutate: func(c *Config) {
				c.InfluxDB = InfluxDBConfig{
					Enabled: true, URL: "http://localhost:8086",
					Token: "test-token", Organization: "org", Bucket: "power", QueueSize: 1,
				}
			},
		},
		{
			name:      "mqtt enabled without broker",
			mutate:    func(c *Config) { c.MQTT.Enabled = true },
			wantErr:   true,
			wantField: "mqtt.broker_url",
		},
		{
			name:      "slack webhook not a url",
			mutate:    func(c *Config) { c.Notifications.SlackWebhookURL = "not a url" },
			wantErr:   true,
			wantField: "notifications.slack_webhook_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}

			var ce *errors.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("error = %T, want *ConfigError", err)
			}
			if ce.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ce.Field, tt.wantField)
			}
		})
	}
}

func TestValidate_RedactsSecrets(t *testing.T) {
	cfg := defaultConfig()
	cfg.Notifications.SlackWebhookURL = "secret-hook"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	if strings.Contains(err.Error(), "secret-hook") {
		t.Errorf("error leaks webhook value: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("nonexistent-config.yaml"); err == nil {
		t.Error("Load() should fail when file doesn't exist")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.yaml")
	if err := os.WriteFile(path, []byte("invalid: yaml: content:\n  - missing\n  closing"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() should fail with invalid YAML")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	content := `
device:
  devices_file: /etc/plug/devices.json
  address: 192.168.0.136
poller:
  frequency_hz: 4
  retry_backoff: 1s
server:
  address: 0.0.0.0:3001
  wire_format: legacy
logging:
  level: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Poller.FrequencyHz != 4 || cfg.Poller.RetryBackoff != time.Second {
		t.Errorf("poller = %+v, want 4 Hz / 1s", cfg.Poller)
	}
	if cfg.Server.WireFormat != "legacy" {
		t.Errorf("WireFormat = %q, want legacy", cfg.Server.WireFormat)
	}
	if cfg.Device.Port != 6668 {
		t.Errorf("Port default not applied, got %d", cfg.Device.Port)
	}
	if got := cfg.Poller.PollInterval(); got != 250*time.Millisecond {
		t.Errorf("PollInterval() = %v, want 250ms", got)
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Poller.FrequencyHz != 2 {
		t.Errorf("FrequencyHz = %v, want default 2", cfg.Poller.FrequencyHz)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PLUG_DEVICES_FILE", "/tmp/devices.json")
	t.Setenv("PLUG_SERVER_ADDRESS", "0.0.0.0:4000")
	t.Setenv("PLUG_FREQUENCY_HZ", "5")
	t.Setenv("PLUG_RETRY_BACKOFF", "10s")
	t.Setenv("INFLUXDB_URL", "http://localhost:8086")
	t.Setenv("INFLUXDB_TOKEN", "env-token-123")
	t.Setenv("INFLUXDB_ORG", "home")
	t.Setenv("INFLUXDB_BUCKET", "plugs")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}

	if cfg.Device.DevicesFile != "/tmp/devices.json" {
		t.Errorf("DevicesFile = %q", cfg.Device.DevicesFile)
	}
	if cfg.Server.Address != "0.0.0.0:4000" {
		t.Errorf("Server.Address = %q", cfg.Server.Address)
	}
	if cfg.Poller.FrequencyHz != 5 {
		t.Errorf("FrequencyHz = %v, want 5", cfg.Poller.FrequencyHz)
	}
	if cfg.Poller.RetryBackoff != 10*time.Second {
		t.Errorf("RetryBackoff = %v, want 10s", cfg.Poller.RetryBackoff)
	}
	if !cfg.InfluxDB.Enabled || cfg.InfluxDB.Bucket != "plugs" {
		t.Errorf("InfluxDB = %+v, want enabled with bucket plugs", cfg.InfluxDB)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestEnvironmentOverrides_BadValuesIgnored(t *testing.T) {
	t.Setenv("PLUG_FREQUENCY_HZ", "fast")
	t.Setenv("PLUG_RETRY_BACKOFF", "soon")

	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Poller.FrequencyHz != 2 || cfg.Poller.RetryBackoff != 3*time.Second {
		t.Errorf("unparseable overrides should fall back to defaults, got %+v", cfg.Poller)
	}
}
