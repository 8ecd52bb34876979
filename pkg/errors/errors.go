// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the plug power streamer.
//
// Every layer that talks to something outside the process wraps its failures
// in one of these types so callers can branch with errors.As and log the
// operation that failed as a structured field.
//
// # Example Usage
//
//	err := errors.NewDeviceError("query status", "bf12ab", io.EOF)
//	if errors.IsDeviceError(err) {
//	    // the poller restarts on device errors
//	}
//
//	var protoErr *errors.ProtocolError
//	if errors.As(err, &protoErr) {
//	    log.Printf("bad frame: %s", protoErr.Op)
//	}
package errors

import (
	"errors"
	"fmt"
)

// DeviceError represents a failure while talking to the smart plug.
type DeviceError struct {
	Op       string // Operation being performed (e.g., "query status", "request update")
	DeviceID string // Device ID involved
	Err      error  // Underlying error
}

func (e *DeviceError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("device %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("device %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("device %s failed", e.Op)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewDeviceError creates a new device error.
func NewDeviceError(op string, deviceID string, err error) *DeviceError {
	return &DeviceError{Op: op, DeviceID: deviceID, Err: err}
}

// IsDeviceError checks if an error is a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// ProtocolError represents a malformed or undecodable frame on the device link.
type ProtocolError struct {
	Op  string // Decoding step (e.g., "read header", "verify crc", "decrypt")
	Err error  // Underlying error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("protocol %s failed", e.Op)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new protocol error.
func NewProtocolError(op string, err error) *ProtocolError {
	return &ProtocolError{Op: op, Err: err}
}

// IsProtocolError checks if an error is a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// StorageError represents an error while recording readings.
type StorageError struct {
	Op       string // Operation being performed (e.g., "write", "health")
	DeviceID string // Device ID involved in the operation (if applicable)
	Err      error  // Underlying error
}

func (e *StorageError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("storage %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s failed", e.Op)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new storage error.
func NewStorageError(op string, deviceID string, err error) *StorageError {
	return &StorageError{Op: op, DeviceID: deviceID, Err: err}
}

// IsStorageError checks if an error is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, redacted for secrets)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// NetworkError represents a network-related error.
type NetworkError struct {
	Op   string // Operation being performed (e.g., "dial", "write frame")
	Addr string // Network address (if applicable)
	Err  error  // Underlying error
}

func (e *NetworkError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("network %s (%s): %v", e.Op, e.Addr, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("network %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network %s failed", e.Op)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new network error.
func NewNetworkError(op string, addr string, err error) *NetworkError {
	return &NetworkError{Op: op, Addr: addr, Err: err}
}

// IsNetworkError checks if an error is a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// NotificationError represents an error sending notifications.
type NotificationError struct {
	Type string // Notification type (e.g., "slack")
	Err  error  // Underlying error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("notification %s failed", e.Type)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// NewNotificationError creates a new notification error.
func NewNotificationError(notifType string, err error) *NotificationError {
	return &NotificationError{Type: notifType, Err: err}
}

// IsNotificationError checks if an error is a NotificationError.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne)
}

// ValidationError represents a data validation error.
type ValidationError struct {
	Field  string // Field that failed validation
	Value  any    // Invalid value
	Reason string // Why validation failed
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: field %q with value %v: %s", e.Field, e.Value, e.Reason)
}

// NewValidationError creates a new validation error.
func NewValidationError(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Sentinel errors for common conditions
var (
	// ErrNoActivePoller indicates no poller is currently accepting listeners
	ErrNoActivePoller = errors.New("no active poller")

	// ErrPollerRetired indicates the poller was replaced by a restart
	ErrPollerRetired = errors.New("poller retired")

	// ErrRestartRequested indicates a restart was asked for, not caused by a failure
	ErrRestartRequested = errors.New("restart requested")

	// ErrClientTooSlow indicates a client's send buffer is full
	ErrClientTooSlow = errors.New("client send buffer full")

	// ErrConnectionClosed indicates a connection was closed
	ErrConnectionClosed = errors.New("connection closed")

	// ErrDeviceOffline indicates the device is unreachable
	ErrDeviceOffline = errors.New("device offline")

	// ErrCircuitBreakerOpen indicates the circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrNoDevices indicates the devices file has no entries
	ErrNoDevices = errors.New("no devices configured")

	// ErrNoReadings indicates a query found no stored readings
	ErrNoReadings = errors.New("no readings found")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
