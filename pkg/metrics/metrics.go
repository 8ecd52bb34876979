// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the plug power streamer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReadingsTotal tracks readings fanned out to listeners
	ReadingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plug_readings_total",
		Help: "Total number of power readings emitted by the poller",
	})

	// ReadingsSkipped tracks poll cycles whose status lacked the power field
	ReadingsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plug_readings_skipped_total",
		Help: "Total number of poll cycles skipped because the power field was absent",
	})

	// DeviceQueryDuration tracks how long a status round trip to the plug takes
	DeviceQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "plug_device_query_duration_seconds",
		Help:    "Duration of a device status query in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PollerRestarts tracks restarts of the poller by reason
	PollerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plug_poller_restarts_total",
		Help: "Total number of poller restarts",
	}, []string{"reason"})

	// PollerActive is 1 while a poller is accepting listeners
	PollerActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plug_poller_active",
		Help: "Whether a poller instance is currently active",
	})

	// ListenersActive tracks listeners registered on the active poller
	ListenersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plug_listeners_active",
		Help: "Number of listeners registered on the active poller",
	})

	// CurrentPower tracks the latest power reading
	CurrentPower = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plug_current_power_watts",
		Help: "Current power consumption in watts",
	}, []string{"device_id"})

	// WebSocketConnections tracks open client connections
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plug_websocket_connections",
		Help: "Number of open websocket client connections",
	})

	// WebSocketRejected tracks connections refused by reason
	WebSocketRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plug_websocket_rejected_total",
		Help: "Total number of websocket connections refused",
	}, []string{"reason"})

	// WebSocketMessagesSent tracks readings written to clients
	WebSocketMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plug_websocket_messages_sent_total",
		Help: "Total number of readings written to websocket clients",
	})

	// DeliveryFailures tracks listeners removed after a failed delivery
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plug_delivery_failures_total",
		Help: "Total number of listeners removed after a failed delivery",
	})

	// InfluxDBWritesTotal tracks the total number of writes to InfluxDB
	InfluxDBWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plug_influxdb_writes_total",
		Help: "Total number of writes to InfluxDB",
	})

	// InfluxDBWriteErrors tracks the number of failed writes to InfluxDB
	InfluxDBWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plug_influxdb_write_errors_total",
		Help: "Total number of failed writes to InfluxDB",
	})

	// SinkDropped tracks readings a sink discarded because its queue was full
	SinkDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plug_sink_dropped_total",
		Help: "Total number of readings dropped by a sink queue",
	}, []string{"sink"})

	// MQTTPublishTotal tracks readings published to the MQTT broker
	MQTTPublishTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plug_mqtt_publish_total",
		Help: "Total number of readings published to MQTT",
	})

	// MQTTPublishErrors tracks failed MQTT publishes
	MQTTPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plug_mqtt_publish_errors_total",
		Help: "Total number of failed MQTT publishes",
	})

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plug_circuit_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})
)
