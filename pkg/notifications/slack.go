// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package notifications delivers operator alerts over Slack incoming webhooks.
//
// Alerts are sent for poller failure streaks, recovery after the first
// reading of a fresh poller, and sinks (InfluxDB, MQTT) that fall over or come
// back. A notifier built with an empty webhook URL is disabled and every send
// is a no-op, so callers never need to check before sending.
//
// Notification failures are returned to the caller, which logs them; they
// never stop the poller or the broadcast server.
//
// # Example Usage
//
//	notifier := notifications.NewSlackNotifier(cfg.Notifications.SlackWebhookURL)
//	_ = notifier.SendPollerFailure(ctx, "bf12ab", err)
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/logger"
)

// SlackNotifier sends notifications to Slack via webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	enabled    bool
}

// SlackMessage represents a Slack webhook message payload
type SlackMessage struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// NewSlackNotifier creates a new Slack notifier
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		enabled: webhookURL != "",
	}
}

// IsEnabled returns whether Slack notifications are enabled
func (s *SlackNotifier) IsEnabled() bool {
	return s.enabled
}

// SendMessage sends a simple text message to Slack
func (s *SlackNotifier) SendMessage(ctx context.Context, message string) error {
	if !s.enabled {
		logger.Debug().Msg("Slack notifications disabled, skipping message")
		return nil
	}
	return s.sendPayload(ctx, SlackMessage{Text: message})
}

// SendAlert sends a formatted alert to Slack
func (s *SlackNotifier) SendAlert(ctx context.Context, severity, title, message string) error {
	if !s.enabled {
		logger.Debug().Str("title", title).Msg("Slack notifications disabled, skipping alert")
		return nil
	}

	payload := SlackMessage{
		Attachments: []Attachment{
			{
				Color:  severityToColor(severity),
				Title:  title,
				Text:   message,
				Footer: "Plug Power Stream",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return s.sendPayload(ctx, payload)
}

// SendPollerFailure alerts that the poller for a device stopped with an error.
func (s *SlackNotifier) SendPollerFailure(ctx context.Context, deviceID string, err error) error {
	return s.SendAlert(ctx, "danger", "⚠️ Power Poller Failed",
		fmt.Sprintf("Polling device %s failed: %v\nThe poller will be restarted after the retry backoff.", deviceID, err))
}

// SendPollerRecovery alerts that a restarted poller produced a reading again.
func (s *SlackNotifier) SendPollerRecovery(ctx context.Context, deviceID string, failures int) error {
	return s.SendAlert(ctx, "good", "✅ Power Poller Recovered",
		fmt.Sprintf("Device %s is reporting power again after %d failed attempt(s).", deviceID, failures))
}

// SendSinkFailure alerts that a reading sink (influxdb, mqtt) stopped accepting writes.
func (s *SlackNotifier) SendSinkFailure(ctx context.Context, sink string, err error) error {
	return s.SendAlert(ctx, "warning", fmt.Sprintf("⚠️ %s Sink Unavailable", sink),
		fmt.Sprintf("Writes to %s are failing: %v\nReadings are dropped until it recovers.", sink, err))
}

// SendSinkRecovery alerts that a reading sink accepts writes again.
func (s *SlackNotifier) SendSinkRecovery(ctx context.Context, sink string) error {
	return s.SendAlert(ctx, "good", fmt.Sprintf("✅ %s Sink Restored", sink),
		fmt.Sprintf("Writes to %s are succeeding again.", sink))
}

func (s *SlackNotifier) sendPayload(ctx context.Context, payload SlackMessage) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return errors.NewNotificationError("slack", fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return errors.NewNotificationError("slack", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.NewNotificationError("slack", fmt.Errorf("failed to send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.NewNotificationError("slack", fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}

	logger.Debug().Msg("Slack notification sent successfully")
	return nil
}

func severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger"
	case "warning", "warn":
		return "warning"
	case "good", "success":
		return "good"
	default:
		return "#808080"
	}
}
