// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the plug power streamer.
package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/util"
)

// Config represents the application configuration
type Config struct {
	Device        DeviceConfig        `yaml:"device"`
	Poller        PollerConfig        `yaml:"poller"`
	Server        ServerConfig        `yaml:"server"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	MDNS          MDNSConfig          `yaml:"mdns"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// DeviceConfig describes how to reach the smart plug
type DeviceConfig struct {
	DevicesFile     string        `yaml:"devices_file" validate:"required"`
	Address         string        `yaml:"address"`
	ProtocolVersion string        `yaml:"protocol_version" validate:"oneof=3.3"`
	PowerDP         string        `yaml:"power_dp" validate:"required,numeric"`
	PowerScale      float64       `yaml:"power_scale" validate:"gt=0"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
	Simulate        bool          `yaml:"simulate"`
	ReplayFile      string        `yaml:"replay_file"`
}

// PollerConfig holds sampling and restart settings
type PollerConfig struct {
	FrequencyHz  float64       `yaml:"frequency_hz" validate:"gt=0,lte=50"`
	RetryBackoff time.Duration `yaml:"retry_backoff" validate:"gt=0"`
}

// ServerConfig holds websocket broadcast server settings
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required,hostname_port"`
	WireFormat      string        `yaml:"wire_format" validate:"oneof=reading legacy"`
	MaxConnections  int           `yaml:"max_connections" validate:"min=1"`
	SendBuffer      int           `yaml:"send_buffer" validate:"min=1"`
	UpgradeRate     float64       `yaml:"upgrade_rate" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// MetricsConfig holds the Prometheus and health endpoint settings
type MetricsConfig struct {
	Address string `yaml:"address" validate:"required,hostname_port"`
}

// InfluxDBConfig holds InfluxDB connection settings
type InfluxDBConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url" validate:"required_if=Enabled true,omitempty,url"`
	Token        string `yaml:"token" validate:"required_if=Enabled true"`
	Organization string `yaml:"organization" validate:"required_if=Enabled true"`
	Bucket       string `yaml:"bucket" validate:"required_if=Enabled true"`
	QueueSize    int    `yaml:"queue_size" validate:"min=1"`
}

// MQTTConfig holds MQTT republisher settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url" validate:"required_if=Enabled true,omitempty,url"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix" validate:"required"`
	QoS         byte   `yaml:"qos" validate:"lte=2"`
	Retained    bool   `yaml:"retained"`
	QueueSize   int    `yaml:"queue_size" validate:"min=1"`
}

// MDNSConfig holds mDNS advertisement settings
type MDNSConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Instance    string `yaml:"instance"`
	ServiceType string `yaml:"service_type" validate:"required"`
	Domain      string `yaml:"domain" validate:"required"`
}

// NotificationsConfig holds alerting settings
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" validate:"omitempty,url"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	data, err := util.ReadFileSafely(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return finish(&cfg)
}

// LoadOrDefault behaves like Load but starts from an empty configuration when
// the file does not exist, so the streamer can run with only a devices file.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	if v := os.Getenv("PLUG_DEVICES_FILE"); v != "" {
		c.Device.DevicesFile = v
	}
	if v := os.Getenv("PLUG_DEVICE_ADDRESS"); v != "" {
		c.Device.Address = v
	}
	if v := os.Getenv("PLUG_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("PLUG_FREQUENCY_HZ"); v != "" {
		hz, parseErr := strconv.ParseFloat(v, 64)
		if parseErr == nil {
			c.Poller.FrequencyHz = hz
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse PLUG_FREQUENCY_HZ '%s': %v\n", v, parseErr)
		}
	}
	if v := os.Getenv("PLUG_RETRY_BACKOFF"); v != "" {
		d, parseErr := time.ParseDuration(v)
		if parseErr == nil {
			c.Poller.RetryBackoff = d
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse PLUG_RETRY_BACKOFF '%s': %v\n", v, parseErr)
		}
	}
	if v := os.Getenv("INFLUXDB_URL"); v != "" {
		c.InfluxDB.URL = v
		c.InfluxDB.Enabled = true
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		c.InfluxDB.Token = v
	}
	if v := os.Getenv("INFLUXDB_ORG"); v != "" {
		c.InfluxDB.Organization = v
	}
	if v := os.Getenv("INFLUXDB_BUCKET"); v != "" {
		c.InfluxDB.Bucket = v
	}
	if v := os.Getenv("MQTT_BROKER_URL"); v != "" {
		c.MQTT.BrokerURL = v
		c.MQTT.Enabled = true
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.Notifications.SlackWebhookURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.Device.DevicesFile == "" {
		c.Device.DevicesFile = "devices.json"
	}
	if c.Device.ProtocolVersion == "" {
		c.Device.ProtocolVersion = "3.3"
	}
	if c.Device.PowerDP == "" {
		c.Device.PowerDP = "19"
	}
	if c.Device.PowerScale == 0 {
		c.Device.PowerScale = 10
	}
	if c.Device.Port == 0 {
		c.Device.Port = 6668
	}
	if c.Device.Timeout == 0 {
		c.Device.Timeout = 5 * time.Second
	}
	if c.Poller.FrequencyHz == 0 {
		c.Poller.FrequencyHz = 2
	}
	if c.Poller.RetryBackoff == 0 {
		c.Poller.RetryBackoff = 3 * time.Second
	}
	if c.Server.Address == "" {
		c.Server.Address = "localhost:3001"
	}
	if c.Server.WireFormat == "" {
		c.Server.WireFormat = "reading"
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = 100
	}
	if c.Server.SendBuffer == 0 {
		c.Server.SendBuffer = 16
	}
	if c.Server.UpgradeRate == 0 {
		c.Server.UpgradeRate = 20
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = "localhost:9090"
	}
	if c.InfluxDB.QueueSize == 0 {
		c.InfluxDB.QueueSize = 256
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "plug-power-stream"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "plugs"
	}
	if c.MQTT.QueueSize == 0 {
		c.MQTT.QueueSize = 64
	}
	if c.MDNS.Instance == "" {
		c.MDNS.Instance = "plug-power-stream"
	}
	if c.MDNS.ServiceType == "" {
		c.MDNS.ServiceType = "_plugpower._tcp"
	}
	if c.MDNS.Domain == "" {
		c.MDNS.Domain = "local."
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			return errors.NewConfigError(field, redact(field, fe.Value()),
				fmt.Errorf("failed %q check%s", fe.Tag(), paramSuffix(fe.Param())))
		}
		return errors.NewConfigError("", "", err)
	}

	if c.InfluxDB.Enabled {
		if err := c.validateInfluxDB(); err != nil {
			return err
		}
	}
	return nil
}

func paramSuffix(param string) string {
	if param == "" {
		return ""
	}
	return " (" + param + ")"
}

// redact hides secrets from error messages
func redact(field string, value any) string {
	if strings.Contains(field, "token") || strings.Contains(field, "webhook") {
		return ""
	}
	return fmt.Sprint(value)
}

// validateInfluxDB applies the checks struct tags cannot express
func (c *Config) validateInfluxDB() error {
	parsedURL, err := url.Parse(c.InfluxDB.URL)
	if err != nil {
		return errors.NewConfigError("influxdb.url", c.InfluxDB.URL, err)
	}
	if err := validateURLSecurity(parsedURL); err != nil {
		return errors.NewConfigError("influxdb.url", c.InfluxDB.URL, err)
	}
	if len(c.InfluxDB.Token) < 8 {
		return errors.NewConfigError("influxdb.token", "", fmt.Errorf("must be at least 8 characters long"))
	}
	return nil
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
func validateURLSecurity(parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	isLocal := hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "192.168.") ||
		strings.HasPrefix(hostname, "10.") ||
		strings.HasPrefix(hostname, "172.")

	if !isLocal {
		return fmt.Errorf("must use HTTPS for non-local connections (got %s)", parsedURL.Scheme)
	}
	return nil
}

// PollInterval is the sleep between successful poll cycles.
func (p PollerConfig) PollInterval() time.Duration {
	return time.Duration(float64(time.Second) / p.FrequencyHz)
}
