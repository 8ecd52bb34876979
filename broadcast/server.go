// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package broadcast serves the power stream to websocket clients.
//
// Each connection subscribes to whichever poller is active when it connects
// and receives one message per reading until the client goes away, falls
// behind, or the poller is replaced. A client that connects while no poller
// is running is closed with code 1013 before any data is sent; a client whose
// poller is replaced is closed with 1012 so it can reconnect to the new one.
package broadcast

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/soothill/plug-power-stream/monitoring"
	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/logger"
	"github.com/soothill/plug-power-stream/pkg/metrics"
)

// PollerSource yields the active poller, or nil when none is running.
type PollerSource interface {
	Current() *monitoring.Poller
}

// Options configures the broadcast server.
type Options struct {
	Format         Format
	MaxConnections int
	SendBuffer     int
	UpgradeRate    float64 // upgrades per second
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
}

func (o *Options) setDefaults() {
	if o.Format == "" {
		o.Format = FormatReading
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = 100
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 16
	}
	if o.UpgradeRate <= 0 {
		o.UpgradeRate = 20
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
}

// Server is an http.Handler that upgrades requests to websocket streams.
type Server struct {
	source   PollerSource
	opts     Options
	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	active atomic.Int64

	// mu orders handler registration against Shutdown's Wait
	mu       sync.Mutex
	closing  bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// NewServer creates a broadcast server reading from source.
func NewServer(source PollerSource, opts Options) *Server {
	opts.setDefaults()
	burst := int(opts.UpgradeRate)
	if burst < 1 {
		burst = 1
	}
	return &Server{
		source: source,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// no authentication or origin policy: the stream is open to the LAN
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiter:  rate.NewLimiter(rate.Limit(opts.UpgradeRate), burst),
		shutdown: make(chan struct{}),
	}
}

// ActiveConnections returns the number of open client connections.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// track registers a handler with the shutdown wait group unless the server
// is already shutting down.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// ServeHTTP upgrades the request and streams readings until the connection ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.With().Str("component", "broadcast").Str("remote_addr", r.RemoteAddr).Logger()

	if !s.track() {
		metrics.WebSocketRejected.WithLabelValues("shutting_down").Inc()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	if !s.limiter.Allow() {
		metrics.WebSocketRejected.WithLabelValues("rate_limited").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if s.active.Add(1) > int64(s.opts.MaxConnections) {
		s.active.Add(-1)
		metrics.WebSocketRejected.WithLabelValues("max_connections").Inc()
		log.Warn().Int("max_connections", s.opts.MaxConnections).Msg("Connection limit reached")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer s.active.Add(-1)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	c := newClient(conn, s.opts)

	poller := s.source.Current()
	if poller == nil {
		metrics.WebSocketRejected.WithLabelValues("no_poller").Inc()
		log.Info().Msg("No active poller, closing connection")
		c.close(websocket.CloseTryAgainLater, "no data")
		return
	}

	c.start()
	id := poller.AddListener(c.listener())
	defer poller.RemoveListener(id)

	log.Info().Str("listener_id", id.String()).Str("device_id", poller.DeviceID()).Msg("Client subscribed")

	select {
	case <-c.gone:
		c.close(websocket.CloseNormalClosure, "")
	case <-poller.Done():
		log.Info().Err(errors.ErrPollerRetired).Str("listener_id", id.String()).Msg("Dropping client of retired poller")
		c.close(websocket.CloseServiceRestart, errors.ErrPollerRetired.Error())
	case <-s.shutdown:
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	log.Info().Str("listener_id", id.String()).Msg("Client disconnected")
}

// Shutdown closes every client with 1001 and waits for their handlers to
// return or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closing {
		s.closing = true
		close(s.shutdown)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
