// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage records power readings to InfluxDB.
package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/soothill/plug-power-stream/monitoring"
	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/logger"
)

const measurement = "power_consumption"

// InfluxDBStorage handles writing power readings to InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
}

// NewInfluxDBStorage creates a new InfluxDB storage client and verifies the
// server is healthy before returning it.
func NewInfluxDBStorage(ctx context.Context, url, token, org, bucket string) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(url, token)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s := &InfluxDBStorage{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		bucket:   bucket,
		org:      org,
	}
	if err := s.Health(ctx); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info().Str("url", url).Str("bucket", bucket).Msg("Connected to InfluxDB")
	return s, nil
}

// Health reports whether the InfluxDB server passes its health check.
func (s *InfluxDBStorage) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return errors.NewStorageError("health", "", err)
	}
	if health.Status != "pass" {
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return errors.NewStorageError("health", "", fmt.Errorf("status %s: %s", health.Status, message))
	}
	return nil
}

// WriteReading writes one reading as a power_consumption point.
func (s *InfluxDBStorage) WriteReading(ctx context.Context, reading monitoring.Reading) error {
	if reading.DeviceID == "" {
		return errors.NewValidationError("device_id", reading.DeviceID, "cannot be empty")
	}
	if reading.Timestamp.IsZero() {
		return errors.NewValidationError("timestamp", reading.Timestamp, "cannot be zero")
	}

	p := influxdb2.NewPoint(
		measurement,
		map[string]string{"device_id": reading.DeviceID},
		map[string]interface{}{"power": reading.Power},
		reading.Timestamp,
	)
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return errors.NewStorageError("write", reading.DeviceID, err)
	}
	return nil
}

// QueryLatestReading retrieves the most recent reading for a device within
// the last hour.
func (s *InfluxDBStorage) QueryLatestReading(ctx context.Context, deviceID string) (monitoring.Reading, error) {
	if deviceID == "" {
		return monitoring.Reading{}, errors.NewValidationError("device_id", deviceID, "cannot be empty")
	}

	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -1h)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.device_id == "%s")
			|> filter(fn: (r) => r._field == "power")
			|> last()
	`, s.bucket, measurement, deviceID)

	result, err := s.client.QueryAPI(s.org).Query(ctx, query)
	if err != nil {
		return monitoring.Reading{}, errors.NewStorageError("query", deviceID, err)
	}
	defer func() {
		_ = result.Close()
	}()

	reading := monitoring.Reading{DeviceID: deviceID}
	found := false
	for result.Next() {
		record := result.Record()
		if val, ok := record.Value().(float64); ok {
			reading.Power = val
			reading.Timestamp = record.Time()
			found = true
		}
	}
	if result.Err() != nil {
		return monitoring.Reading{}, errors.NewStorageError("query", deviceID, result.Err())
	}
	if !found {
		return monitoring.Reading{}, errors.NewStorageError("query", deviceID, errors.ErrNoReadings)
	}
	return reading, nil
}

// Close closes the InfluxDB client.
func (s *InfluxDBStorage) Close() {
	logger.Info().Msg("Closing InfluxDB connection")
	s.client.Close()
}
