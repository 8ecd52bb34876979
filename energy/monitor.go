// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package energy measures the energy a workload consumes by recording the
// power stream while it runs and integrating the readings afterwards.
package energy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soothill/plug-power-stream/broadcast"
	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/logger"
)

// DefaultReceiveTimeout bounds the wait for each stream message.
const DefaultReceiveTimeout = 5 * time.Second

// Monitor records the power stream at URL.
type Monitor struct {
	URL            string
	ReceiveTimeout time.Duration
	Dialer         *websocket.Dialer
}

// Running is a started monitor.
type Running struct {
	conn     *websocket.Conn
	timeout  time.Duration
	stopping atomic.Bool
	done     chan struct{}

	mu      sync.Mutex
	samples []Sample
	err     error
}

// Start connects and waits for two readings, so the recording is known to
// cover the moment Start returns.
func (m *Monitor) Start(ctx context.Context) (*Running, error) {
	timeout := m.ReceiveTimeout
	if timeout <= 0 {
		timeout = DefaultReceiveTimeout
	}
	dialer := m.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, m.URL, nil)
	if err != nil {
		return nil, errors.NewNetworkError("websocket dial", m.URL, err)
	}

	r := &Running{conn: conn, timeout: timeout, done: make(chan struct{})}
	for i := 0; i < 2; i++ {
		s, err := r.receive()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		r.samples = append(r.samples, s)
	}

	go r.record()
	return r, nil
}

func (r *Running) receive() (Sample, error) {
	_ = r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	kind, data, err := r.conn.ReadMessage()
	if err != nil {
		return Sample{}, errors.NewNetworkError("websocket receive", r.conn.RemoteAddr().String(), err)
	}
	if kind != websocket.TextMessage {
		return Sample{}, errors.NewValidationError("message", kind, "not a text message")
	}

	msg, err := broadcast.DecodeMessage(data)
	if err != nil {
		return Sample{}, err
	}
	if msg.Timestamp.IsZero() {
		return Sample{}, errors.NewValidationError("message", string(data), "has no timestamp; the server must use the reading wire format")
	}
	return Sample{Timestamp: msg.Timestamp, Power: msg.Power}, nil
}

// record appends samples until one arrives after Stop was called.
func (r *Running) record() {
	defer close(r.done)
	for {
		s, err := r.receive()
		r.mu.Lock()
		if err != nil {
			r.err = err
			r.mu.Unlock()
			return
		}
		r.samples = append(r.samples, s)
		r.mu.Unlock()

		if r.stopping.Load() {
			return
		}
	}
}

// Stop waits for one more reading, closes the connection and returns
// everything recorded.
func (r *Running) Stop() (*Result, error) {
	r.stopping.Store(true)
	<-r.done

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = r.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = r.conn.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	res := &Result{Samples: append([]Sample(nil), r.samples...)}
	if r.err != nil {
		return res, fmt.Errorf("recording ended early: %w", r.err)
	}
	return res, nil
}

// Report is the outcome of Measure.
type Report struct {
	Start   time.Time
	End     time.Time
	Elapsed time.Duration
	// Energy is in joules; valid only when HasEnergy is set.
	Energy    float64
	HasEnergy bool
}

// Measure runs fn and reports its duration. When url is set the power
// stream is recorded around the call and the consumed energy integrated.
func Measure(ctx context.Context, url string, fn func(context.Context) error) (Report, error) {
	var running *Running
	if url != "" {
		var err error
		running, err = (&Monitor{URL: url}).Start(ctx)
		if err != nil {
			return Report{}, err
		}
	}

	start := time.Now()
	fnErr := fn(ctx)
	end := time.Now()
	rep := Report{Start: start, End: end, Elapsed: end.Sub(start)}

	if running != nil {
		res, err := running.Stop()
		if err != nil {
			logger.Warn().Err(err).Msg("Power recording incomplete")
		}
		if fnErr == nil {
			joules, ierr := res.ConsumedEnergy(start, end)
			if ierr != nil {
				return rep, ierr
			}
			rep.Energy, rep.HasEnergy = joules, true
		}
	}
	return rep, fnErr
}
