// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/soothill/plug-power-stream/device"
	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/interfaces"
	"github.com/soothill/plug-power-stream/pkg/logger"
	"github.com/soothill/plug-power-stream/pkg/metrics"
)

// DeviceFactory opens the device for a new poller instance. It is called on
// every (re)start so credentials are read fresh each time.
type DeviceFactory func(ctx context.Context) (device.Device, error)

// SupervisorOptions configures the retry loop.
type SupervisorOptions struct {
	Backoff  time.Duration // constant wait after a failure
	Poller   PollerOptions
	Clock    clockwork.Clock
	Notifier interfaces.PollerNotifier // optional
}

// Supervisor keeps a single poller running. It publishes the active instance
// so connection handlers can subscribe to it, and clears the slot while it
// waits out the backoff after a failure.
type Supervisor struct {
	factory DeviceFactory
	opts    SupervisorOptions
	clock   clockwork.Clock

	current  atomic.Pointer[Poller]
	failures atomic.Int32
	restart  chan struct{}

	mu     sync.Mutex
	cancel context.CancelCauseFunc
	hooks  []func(*Poller)
}

// NewSupervisor creates a supervisor. A zero backoff defaults to 3s.
func NewSupervisor(factory DeviceFactory, opts SupervisorOptions) *Supervisor {
	if opts.Backoff <= 0 {
		opts.Backoff = 3 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	opts.Poller.Clock = opts.Clock
	return &Supervisor{
		factory: factory,
		opts:    opts,
		clock:   opts.Clock,
		restart: make(chan struct{}, 1),
	}
}

// OnStart registers fn to run with every new poller before it starts polling.
// Long-lived sinks use it to subscribe to each instance.
func (s *Supervisor) OnStart(fn func(*Poller)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Current returns the active poller, or nil when none is running.
func (s *Supervisor) Current() *Poller {
	return s.current.Load()
}

// LastReading returns the latest reading of the active poller.
func (s *Supervisor) LastReading() (Reading, bool) {
	p := s.Current()
	if p == nil {
		return Reading{}, false
	}
	return p.LastReading()
}

// Restart retires the active poller and starts a new one immediately.
// During a backoff it cuts the wait short.
func (s *Supervisor) Restart() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel(errors.ErrRestartRequested)
	}
	select {
	case s.restart <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled: build a poller, run it, and after a
// failure wait the backoff before building the next one.
func (s *Supervisor) Run(ctx context.Context) error {
	log := logger.Component("supervisor")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		log.Info().Msg("Starting poller instance")
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, errors.ErrRestartRequested) {
			metrics.PollerRestarts.WithLabelValues("requested").Inc()
			log.Info().Msg("Poller restart requested")
			continue
		}

		n := s.failures.Add(1)
		metrics.PollerRestarts.WithLabelValues("failure").Inc()
		log.Error().Err(err).Int32("consecutive_failures", n).Dur("backoff", s.opts.Backoff).
			Msg("Poller failed, restarting after backoff")
		if n == 1 {
			s.notifyFailure(ctx, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.opts.Backoff):
		case <-s.restart:
			log.Info().Msg("Backoff cut short by restart request")
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	// a request that arrived while the previous instance was running is served by this one
	select {
	case <-s.restart:
	default:
	}

	// published before the factory runs so a reload during setup is not lost
	pctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	s.cancel = cancel
	hooks := append([]func(*Poller){}, s.hooks...)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	dev, err := s.factory(pctx)
	if restartRequested(ctx, pctx) {
		if err == nil {
			_ = dev.Close()
		}
		return errors.ErrRestartRequested
	}
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	p := NewPoller(dev, s.opts.Poller)
	s.current.Store(p)
	metrics.PollerActive.Set(1)
	defer func() {
		s.current.CompareAndSwap(p, nil)
		metrics.PollerActive.Set(0)
	}()

	go s.watchRecovery(ctx, p)
	for _, hook := range hooks {
		hook(p)
	}

	err = p.Start(pctx)
	if restartRequested(ctx, pctx) {
		return errors.ErrRestartRequested
	}
	return err
}

func restartRequested(ctx, pctx context.Context) bool {
	return ctx.Err() == nil && errors.Is(context.Cause(pctx), errors.ErrRestartRequested)
}

// watchRecovery resets the failure streak on the first reading of p.
func (s *Supervisor) watchRecovery(ctx context.Context, p *Poller) {
	select {
	case <-p.FirstReading():
	case <-p.Done():
		return
	}
	if n := s.failures.Swap(0); n > 0 {
		logger.Info().Str("device_id", p.DeviceID()).Int32("failures", n).Msg("Poller recovered")
		if s.opts.Notifier != nil {
			if err := s.opts.Notifier.SendPollerRecovery(ctx, p.DeviceID(), int(n)); err != nil {
				logger.Warn().Err(err).Msg("Failed to send recovery notification")
			}
		}
	}
}

func (s *Supervisor) notifyFailure(ctx context.Context, err error) {
	if s.opts.Notifier == nil {
		return
	}
	deviceID := ""
	var de *errors.DeviceError
	if errors.As(err, &de) {
		deviceID = de.DeviceID
	}
	go func() {
		if nerr := s.opts.Notifier.SendPollerFailure(ctx, deviceID, err); nerr != nil {
			logger.Warn().Err(nerr).Msg("Failed to send failure notification")
		}
	}()
}
