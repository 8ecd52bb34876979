// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package monitoring polls the smart plug and fans its readings out to listeners.
//
// A Poller owns one device connection and samples it at a fixed cadence.
// The Supervisor keeps exactly one Poller alive: it builds a fresh instance
// from the current device credentials, runs it until it fails, waits a fixed
// backoff and starts over. Listeners belong to a single Poller instance and
// are dropped when it is replaced.
package monitoring

import (
	"time"

	"github.com/google/uuid"
)

// Reading is one power sample taken from the plug.
type Reading struct {
	DeviceID  string
	Timestamp time.Time
	Power     float64 // watts
}

// Listener receives every reading of the poller it is registered on.
// Returning an error reports a failed delivery; the poller then removes
// the listener and it receives nothing further.
type Listener func(Reading) error

// ListenerID identifies a registered listener.
type ListenerID uuid.UUID

func (id ListenerID) String() string {
	return uuid.UUID(id).String()
}
