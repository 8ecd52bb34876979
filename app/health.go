// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/soothill/plug-power-stream/monitoring"
	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/interfaces"
	"github.com/soothill/plug-power-stream/pkg/logger"
)

const readinessCheckTimeout = 2 * time.Second

// readingSource is satisfied by monitoring.Supervisor.
type readingSource interface {
	LastReading() (monitoring.Reading, bool)
}

// readiness decides whether the streamer is delivering data: a reading must
// be fresher than maxAge and every sink health check must pass.
type readiness struct {
	source readingSource
	maxAge time.Duration
	checks map[string]interfaces.HealthChecker
	now    func() time.Time
}

func (r *readiness) check(ctx context.Context) error {
	reading, ok := r.source.LastReading()
	if !ok {
		return errors.ErrNoActivePoller
	}
	if age := r.now().Sub(reading.Timestamp); age > r.maxAge {
		return fmt.Errorf("last reading is %s old (limit %s)", age.Round(time.Millisecond), r.maxAge)
	}

	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.checks[name].Health(ctx); err != nil {
			return fmt.Errorf("%s unhealthy: %w", name, err)
		}
	}
	return nil
}

// newMetricsMux serves /metrics, /health and /ready.
func newMetricsMux(ready *readiness) *http.ServeMux {
	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))
	mux.HandleFunc("/ready", rateLimitMiddleware(readyLimiter, func(w http.ResponseWriter, r *http.Request) {
		readinessCheckHandler(w, r, ready)
	}))
	return mux
}

// rateLimitMiddleware wraps an HTTP handler with rate limiting
func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rate limit exceeded for health endpoint")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// healthCheckHandler handles health check requests
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

// readinessCheckHandler handles readiness check requests
func readinessCheckHandler(w http.ResponseWriter, r *http.Request, ready *readiness) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessCheckTimeout)
	defer cancel()

	if err := ready.check(ctx); err != nil {
		logger.Debug().Err(err).Msg("Readiness check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, writeErr := fmt.Fprintf(w, "NOT READY: %v", err); writeErr != nil {
			logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("READY")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}
