// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires the poller supervisor, the websocket broadcast server,
// the optional sinks and the metrics endpoints into one process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/soothill/plug-power-stream/broadcast"
	"github.com/soothill/plug-power-stream/config"
	"github.com/soothill/plug-power-stream/discovery"
	"github.com/soothill/plug-power-stream/monitoring"
	"github.com/soothill/plug-power-stream/mqtt"
	"github.com/soothill/plug-power-stream/pkg/interfaces"
	"github.com/soothill/plug-power-stream/pkg/logger"
	"github.com/soothill/plug-power-stream/pkg/notifications"
	"github.com/soothill/plug-power-stream/storage"
)

const (
	influxConnectTimeout = 10 * time.Second
	readHeaderTimeout    = 5 * time.Second
)

// App represents the main application
type App struct {
	cfg        *config.Config
	supervisor *monitoring.Supervisor
	broadcast  *broadcast.Server
	notifier   *notifications.SlackNotifier
	watcher    *config.Watcher

	influxDB  *storage.InfluxDBStorage
	recorder  *storage.Recorder
	publisher *mqtt.Publisher

	wsListener      net.Listener
	metricsListener net.Listener
	wsServer        *http.Server
	metricsServer   *http.Server
	advertiser      *discovery.Advertiser

	wg sync.WaitGroup
}

// New creates the application and binds its listening sockets. Nothing runs
// until Run.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	format, err := broadcast.ParseFormat(cfg.Server.WireFormat)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg}

	a.notifier = notifications.NewSlackNotifier(cfg.Notifications.SlackWebhookURL)
	if a.notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}

	a.supervisor = monitoring.NewSupervisor(NewDeviceFactory(cfg.Device), monitoring.SupervisorOptions{
		Backoff: cfg.Poller.RetryBackoff,
		Poller: monitoring.PollerOptions{
			PowerDP:    cfg.Device.PowerDP,
			PowerScale: cfg.Device.PowerScale,
			Interval:   cfg.Poller.PollInterval(),
		},
		Notifier: a.notifier,
	})

	a.broadcast = broadcast.NewServer(a.supervisor, broadcast.Options{
		Format:         format,
		MaxConnections: cfg.Server.MaxConnections,
		SendBuffer:     cfg.Server.SendBuffer,
		UpgradeRate:    cfg.Server.UpgradeRate,
	})

	checks := make(map[string]interfaces.HealthChecker)
	if err := a.initSinks(ctx, format, checks); err != nil {
		a.closeSinks()
		return nil, err
	}

	ready := &readiness{
		source: a.supervisor,
		maxAge: 3*cfg.Poller.PollInterval() + cfg.Poller.RetryBackoff,
		checks: checks,
		now:    time.Now,
	}

	if err := a.listen(); err != nil {
		a.closeSinks()
		return nil, err
	}

	a.wsServer = &http.Server{Handler: a.broadcast, ReadHeaderTimeout: readHeaderTimeout}
	a.metricsServer = &http.Server{Handler: newMetricsMux(ready), ReadHeaderTimeout: readHeaderTimeout}

	a.watcher = config.NewWatcher(cfg.Device.DevicesFile, func(entry config.DeviceEntry) {
		logger.Info().Str("device_id", entry.ID).Msg("Devices file changed, restarting poller")
		a.supervisor.Restart()
	})

	return a, nil
}

// initSinks connects the optional InfluxDB recorder and MQTT publisher and
// subscribes them to every poller the supervisor starts.
func (a *App) initSinks(ctx context.Context, format broadcast.Format, checks map[string]interfaces.HealthChecker) error {
	if a.cfg.InfluxDB.Enabled {
		ictx, cancel := context.WithTimeout(ctx, influxConnectTimeout)
		defer cancel()

		db, err := storage.NewInfluxDBStorage(ictx,
			a.cfg.InfluxDB.URL,
			a.cfg.InfluxDB.Token,
			a.cfg.InfluxDB.Organization,
			a.cfg.InfluxDB.Bucket,
		)
		if err != nil {
			return fmt.Errorf("failed to initialize InfluxDB: %w", err)
		}
		a.influxDB = db
		a.recorder = storage.NewRecorder(db, storage.RecorderOptions{
			QueueSize: a.cfg.InfluxDB.QueueSize,
			Notifier:  a.notifier,
		})
		checks["influxdb"] = a.recorder
	}

	if a.cfg.MQTT.Enabled {
		pub, err := mqtt.NewPublisher(mqtt.Options{
			BrokerURL:   a.cfg.MQTT.BrokerURL,
			ClientID:    a.cfg.MQTT.ClientID,
			TopicPrefix: a.cfg.MQTT.TopicPrefix,
			QoS:         a.cfg.MQTT.QoS,
			Retained:    a.cfg.MQTT.Retained,
			QueueSize:   a.cfg.MQTT.QueueSize,
			Format:      format,
		})
		if err != nil {
			return err
		}
		a.publisher = pub
	}

	a.supervisor.OnStart(func(p *monitoring.Poller) {
		if a.recorder != nil {
			p.AddListener(a.recorder.Listener())
		}
		if a.publisher != nil {
			p.AddListener(a.publisher.Listener())
		}
	})
	return nil
}

func (a *App) listen() error {
	ws, err := net.Listen("tcp", a.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.Address, err)
	}
	m, err := net.Listen("tcp", a.cfg.Metrics.Address)
	if err != nil {
		_ = ws.Close()
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Metrics.Address, err)
	}
	a.wsListener, a.metricsListener = ws, m
	return nil
}

// Supervisor returns the poller supervisor.
func (a *App) Supervisor() *monitoring.Supervisor {
	return a.supervisor
}

// StreamAddr returns the bound websocket address.
func (a *App) StreamAddr() string {
	return a.wsListener.Addr().String()
}

// MetricsAddr returns the bound metrics address.
func (a *App) MetricsAddr() string {
	return a.metricsListener.Addr().String()
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down gracefully within the configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.serve("websocket", a.wsServer, a.wsListener)
	a.serve("metrics", a.metricsServer, a.metricsListener)
	logger.Info().
		Str("stream_addr", a.StreamAddr()).
		Str("metrics_addr", a.MetricsAddr()).
		Str("wire_format", a.cfg.Server.WireFormat).
		Float64("frequency_hz", a.cfg.Poller.FrequencyHz).
		Msg("Power stream started")

	a.goRun("supervisor", func() error { return a.supervisor.Run(runCtx) })
	if a.recorder != nil {
		a.goRun("recorder", func() error { return a.recorder.Run(runCtx) })
	}
	if a.publisher != nil {
		a.goRun("mqtt", func() error { return a.publisher.Run(runCtx) })
	}

	if !a.cfg.Device.Simulate && a.cfg.Device.ReplayFile == "" {
		if err := a.watcher.Start(runCtx); err != nil {
			logger.Warn().Err(err).Str("path", a.cfg.Device.DevicesFile).Msg("Devices file watch disabled")
		}
	}
	a.advertise()

	<-ctx.Done()
	logger.Info().Msg("Initiating graceful shutdown...")
	return a.shutdown(cancel)
}

func (a *App) serve(name string, srv *http.Server, ln net.Listener) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("server", name).Str("addr", ln.Addr().String()).Msg("Starting HTTP server")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("server", name).Msg("HTTP server failed")
		}
	}()
}

func (a *App) goRun(name string, fn func() error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Str("component", name).Msg("Component stopped with error")
		}
	}()
}

func (a *App) advertise() {
	if !a.cfg.MDNS.Enabled {
		return
	}
	port := a.wsListener.Addr().(*net.TCPAddr).Port
	deviceID := ""
	if entry, err := config.FirstDevice(a.cfg.Device.DevicesFile); err == nil {
		deviceID = entry.ID
	}

	adv, err := discovery.Advertise(discovery.AdvertiseOptions{
		Instance:    a.cfg.MDNS.Instance,
		ServiceType: a.cfg.MDNS.ServiceType,
		Domain:      a.cfg.MDNS.Domain,
		Port:        port,
		Path:        "/",
		Format:      a.cfg.Server.WireFormat,
		DeviceID:    deviceID,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("mDNS advertisement failed")
		return
	}
	a.advertiser = adv
}

// shutdown closes clients first so their handlers return, then stops the
// servers, the supervisor and the sinks.
func (a *App) shutdown(cancel context.CancelFunc) error {
	ctx, done := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer done()

	a.advertiser.Shutdown()

	var errs []error
	if err := a.broadcast.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket clients: %w", err))
	}
	if err := a.wsServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket server: %w", err))
	}
	if err := a.metricsServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics server: %w", err))
	}

	a.watcher.Stop()
	cancel()

	waited := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		logger.Info().Msg("All goroutines finished")
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("components did not stop: %w", ctx.Err()))
	}

	a.closeSinks()
	return errors.Join(errs...)
}

func (a *App) closeSinks() {
	if a.influxDB != nil {
		a.influxDB.Close()
		a.influxDB = nil
	}
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	p := a.supervisor.Current()
	if p == nil {
		logger.Info().Msg("No active poller (waiting out retry backoff)")
	} else {
		ev := logger.Info().
			Str("device_id", p.DeviceID()).
			Int("listeners", p.ListenerCount())
		if r, ok := p.LastReading(); ok {
			ev = ev.Float64("last_power_w", r.Power).Time("last_reading_at", r.Timestamp)
		}
		ev.Msg("Active poller")
	}
	logger.Info().Int("websocket_clients", a.broadcast.ActiveConnections()).Msg("Broadcast state")
	if a.recorder != nil {
		logger.Info().Str("breaker_state", a.recorder.State().String()).Msg("InfluxDB recorder state")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024) // 1MB buffer
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}
