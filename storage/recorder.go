// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/soothill/plug-power-stream/monitoring"
	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/interfaces"
	"github.com/soothill/plug-power-stream/pkg/logger"
	"github.com/soothill/plug-power-stream/pkg/metrics"
)

const sinkName = "influxdb"

// ReadingWriter persists a single reading.
type ReadingWriter interface {
	WriteReading(ctx context.Context, reading monitoring.Reading) error
}

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	QueueSize        int
	WriteTimeout     time.Duration
	FailureThreshold uint32        // consecutive failures that open the breaker
	OpenTimeout      time.Duration // time spent open before a trial write
	Notifier         interfaces.SinkNotifier
}

func (o *RecorderOptions) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 30 * time.Second
	}
}

// Recorder is a poller listener that queues readings and writes them from
// its own goroutine, so a slow or failing database never stalls the poller.
type Recorder struct {
	writer  ReadingWriter
	opts    RecorderOptions
	queue   chan monitoring.Reading
	breaker *gobreaker.CircuitBreaker
	lastErr error // written and read only on the Run goroutine
}

// NewRecorder creates a recorder writing through w.
func NewRecorder(w ReadingWriter, opts RecorderOptions) *Recorder {
	opts.setDefaults()
	r := &Recorder{
		writer: w,
		opts:   opts,
		queue:  make(chan monitoring.Reading, opts.QueueSize),
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        sinkName,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		OnStateChange: r.onStateChange,
	})
	metrics.CircuitBreakerState.WithLabelValues(sinkName).Set(0)
	return r
}

// Listener returns the callback to register on each poller. It never fails:
// a full queue drops the reading.
func (r *Recorder) Listener() monitoring.Listener {
	return func(reading monitoring.Reading) error {
		select {
		case r.queue <- reading:
		default:
			metrics.SinkDropped.WithLabelValues(sinkName).Inc()
			logger.Warn().Str("sink", sinkName).Str("device_id", reading.DeviceID).Msg("Recorder queue full, dropping reading")
		}
		return nil
	}
}

// Run writes queued readings until ctx is cancelled, then flushes what is
// left in the queue.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case reading := <-r.queue:
			r.write(context.Background(), reading)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case reading := <-r.queue:
			r.write(context.Background(), reading)
		default:
			return
		}
	}
}

func (r *Recorder) write(parent context.Context, reading monitoring.Reading) {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(parent, r.opts.WriteTimeout)
		defer cancel()
		err := r.writer.WriteReading(ctx, reading)
		if err != nil {
			r.lastErr = err
		}
		return nil, err
	})

	switch {
	case err == nil:
		metrics.InfluxDBWritesTotal.Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.SinkDropped.WithLabelValues(sinkName).Inc()
	default:
		metrics.InfluxDBWriteErrors.Inc()
		logger.Error().Err(err).Str("device_id", reading.DeviceID).Msg("Failed to write reading to InfluxDB")
	}
}

// Health reports an open breaker, or the writer's own health when it has one.
func (r *Recorder) Health(ctx context.Context) error {
	if r.breaker.State() == gobreaker.StateOpen {
		return errors.NewStorageError("health", "", errors.ErrCircuitBreakerOpen)
	}
	if hc, ok := r.writer.(interfaces.HealthChecker); ok {
		return hc.Health(ctx)
	}
	return nil
}

// State returns the circuit breaker state.
func (r *Recorder) State() gobreaker.State {
	return r.breaker.State()
}

func (r *Recorder) onStateChange(name string, from, to gobreaker.State) {
	logger.Warn().Str("sink", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
	metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))

	if r.opts.Notifier == nil {
		return
	}
	var notify func(context.Context) error
	switch {
	case to == gobreaker.StateOpen && from == gobreaker.StateClosed:
		err := r.lastErr
		notify = func(ctx context.Context) error { return r.opts.Notifier.SendSinkFailure(ctx, name, err) }
	case to == gobreaker.StateClosed:
		notify = func(ctx context.Context) error { return r.opts.Notifier.SendSinkRecovery(ctx, name) }
	default:
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := notify(ctx); err != nil {
			logger.Warn().Err(err).Str("sink", name).Msg("Failed to send sink notification")
		}
	}()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return -1
}
