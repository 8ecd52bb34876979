// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/soothill/plug-power-stream/monitoring"
	"github.com/soothill/plug-power-stream/pkg/errors"
)

func TestNewInfluxDBStorage_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	storage, err := NewInfluxDBStorage(ctx, "http://127.0.0.1:1", "token", "org", "bucket")
	if err == nil {
		t.Fatal("NewInfluxDBStorage() should fail with unreachable host")
	}
	if storage != nil {
		storage.Close()
		t.Error("NewInfluxDBStorage() should return nil storage on connection error")
	}
	if !errors.IsStorageError(err) {
		t.Errorf("expected StorageError, got %T: %v", err, err)
	}
}

func TestWriteReading_Validation(t *testing.T) {
	s := &InfluxDBStorage{}
	tests := []struct {
		name    string
		reading monitoring.Reading
	}{
		{"empty device id", monitoring.Reading{Timestamp: time.Now(), Power: 1}},
		{"zero timestamp", monitoring.Reading{DeviceID: "plug", Power: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.WriteReading(context.Background(), tt.reading)
			if !errors.IsValidationError(err) {
				t.Errorf("WriteReading() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestQueryLatestReading_EmptyDeviceID(t *testing.T) {
	s := &InfluxDBStorage{}
	if _, err := s.QueryLatestReading(context.Background(), ""); !errors.IsValidationError(err) {
		t.Errorf("QueryLatestReading() error = %v, want ValidationError", err)
	}
}
