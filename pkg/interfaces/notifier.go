// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines the small interfaces shared between packages so
// that alerting and health checks can be injected and mocked in tests.
package interfaces

import (
	"context"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	// SendAlert sends a notification with the given level, title, and message.
	SendAlert(ctx context.Context, level, title, message string) error
	// IsEnabled returns true if the notifier is configured and enabled.
	IsEnabled() bool
}

// PollerNotifier receives poller failure streak alerts.
type PollerNotifier interface {
	SendPollerFailure(ctx context.Context, deviceID string, err error) error
	SendPollerRecovery(ctx context.Context, deviceID string, failures int) error
}

// SinkNotifier receives alerts about reading sinks such as InfluxDB or MQTT.
type SinkNotifier interface {
	SendSinkFailure(ctx context.Context, sink string, err error) error
	SendSinkRecovery(ctx context.Context, sink string) error
}
