// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/soothill/plug-power-stream/monitoring"
	"github.com/soothill/plug-power-stream/pkg/errors"
)

// Format selects the JSON shape written to clients.
type Format string

const (
	// FormatReading writes {"timestamp": "<RFC3339Nano UTC>", "power": <watts>}.
	FormatReading Format = "reading"
	// FormatLegacy writes {"w": <watts>}.
	FormatLegacy Format = "legacy"
)

// ParseFormat validates a configured wire format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatReading, "":
		return FormatReading, nil
	case FormatLegacy:
		return FormatLegacy, nil
	}
	return "", errors.NewValidationError("wire_format", s, "must be reading or legacy")
}

type readingMessage struct {
	Timestamp string  `json:"timestamp"`
	Power     float64 `json:"power"`
}

type legacyMessage struct {
	W float64 `json:"w"`
}

// Encode serializes a reading in format f.
func (f Format) Encode(r monitoring.Reading) ([]byte, error) {
	if f == FormatLegacy {
		return json.Marshal(legacyMessage{W: r.Power})
	}
	return json.Marshal(readingMessage{
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
		Power:     r.Power,
	})
}

// Message is a decoded stream message. Timestamp is zero for legacy messages.
type Message struct {
	Timestamp time.Time
	Power     float64
}

type wireMessage struct {
	Timestamp *string  `json:"timestamp"`
	Power     *float64 `json:"power"`
	W         *float64 `json:"w"`
}

// DecodeMessage parses either wire format.
func DecodeMessage(data []byte) (Message, error) {
	var m wireMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}

	switch {
	case m.Power != nil:
		msg := Message{Power: *m.Power}
		if m.Timestamp != nil {
			ts, err := time.Parse(time.RFC3339Nano, *m.Timestamp)
			if err != nil {
				return Message{}, fmt.Errorf("decode message timestamp: %w", err)
			}
			msg.Timestamp = ts
		}
		return msg, nil
	case m.W != nil:
		return Message{Power: *m.W}, nil
	}
	return Message{}, errors.NewValidationError("message", string(data), "has neither power nor w")
}
