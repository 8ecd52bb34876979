// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package mqtt republishes power readings to an MQTT broker.
package mqtt

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/soothill/plug-power-stream/broadcast"
	"github.com/soothill/plug-power-stream/monitoring"
	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/logger"
	"github.com/soothill/plug-power-stream/pkg/metrics"
)

const sinkName = "mqtt"

// Options configures a Publisher.
type Options struct {
	BrokerURL      string
	ClientID       string
	TopicPrefix    string
	QoS            byte
	Retained       bool
	QueueSize      int
	Format         broadcast.Format
	PublishTimeout time.Duration
}

// client is the part of autopaho.ConnectionManager the publisher needs.
type client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(ctx context.Context) error
}

// Publisher is a poller listener that forwards readings to MQTT from its own
// goroutine.
type Publisher struct {
	opts   Options
	broker *url.URL
	queue  chan monitoring.Reading
	client client
}

// NewPublisher validates opts. Nothing connects until Run.
func NewPublisher(opts Options) (*Publisher, error) {
	u, err := url.Parse(opts.BrokerURL)
	if err != nil || u.Host == "" {
		if err == nil {
			err = fmt.Errorf("missing host")
		}
		return nil, errors.NewConfigError("mqtt.broker_url", opts.BrokerURL, err)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Format == "" {
		opts.Format = broadcast.FormatReading
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	opts.TopicPrefix = strings.TrimSuffix(opts.TopicPrefix, "/")

	return &Publisher{
		opts:   opts,
		broker: u,
		queue:  make(chan monitoring.Reading, opts.QueueSize),
	}, nil
}

// connect starts the autopaho connection manager. The manager keeps
// reconnecting in the background until ctx ends.
func (p *Publisher) connect(ctx context.Context) (client, error) {
	log := logger.With().Str("component", "mqtt").Str("broker", p.broker.Redacted()).Logger()

	cfg := autopaho.ClientConfig{
		BrokerUrls: []*url.URL{p.broker},
		KeepAlive:  20,
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			log.Info().Msg("MQTT connection up")
		},
		OnConnectError: func(err error) {
			log.Warn().Err(err).Msg("MQTT connection attempt failed")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.opts.ClientID,
			OnClientError: func(err error) {
				log.Error().Err(err).Msg("MQTT client error")
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					log.Warn().Str("reason", d.Properties.ReasonString).Msg("MQTT server requested disconnect")
				} else {
					log.Warn().Uint8("reason_code", d.ReasonCode).Msg("MQTT server requested disconnect")
				}
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, errors.NewNetworkError("mqtt connect", p.broker.Host, err)
	}
	return cm, nil
}

// Topic returns the topic readings for deviceID are published on.
func (p *Publisher) Topic(deviceID string) string {
	return p.opts.TopicPrefix + "/" + deviceID + "/power"
}

// Listener returns the callback to register on each poller. A full queue
// drops the reading and never fails the poller.
func (p *Publisher) Listener() monitoring.Listener {
	return func(r monitoring.Reading) error {
		select {
		case p.queue <- r:
		default:
			metrics.SinkDropped.WithLabelValues(sinkName).Inc()
		}
		return nil
	}
}

// Run connects and publishes queued readings until ctx is cancelled, then
// disconnects. Readings queued while the broker is unreachable fail after
// PublishTimeout and are counted as publish errors.
func (p *Publisher) Run(ctx context.Context) error {
	if p.client == nil {
		c, err := p.connect(ctx)
		if err != nil {
			return err
		}
		p.client = c
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), p.opts.PublishTimeout)
		defer cancel()
		if err := p.client.Disconnect(dctx); err != nil {
			logger.Debug().Err(err).Msg("MQTT disconnect failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-p.queue:
			if err := p.publish(ctx, r); err != nil {
				metrics.MQTTPublishErrors.Inc()
				logger.Warn().Err(err).Str("topic", p.Topic(r.DeviceID)).Msg("Failed to publish reading")
				continue
			}
			metrics.MQTTPublishTotal.Inc()
		}
	}
}

func (p *Publisher) publish(ctx context.Context, r monitoring.Reading) error {
	payload, err := p.opts.Format.Encode(r)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
	defer cancel()
	_, err = p.client.Publish(ctx, &paho.Publish{
		QoS:     p.opts.QoS,
		Topic:   p.Topic(r.DeviceID),
		Payload: payload,
		Retain:  p.opts.Retained,
	})
	return err
}
