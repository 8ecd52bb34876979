// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/soothill/plug-power-stream/device"
	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/logger"
	"github.com/soothill/plug-power-stream/pkg/metrics"
)

// PollerOptions configures how a device is sampled.
type PollerOptions struct {
	PowerDP    string        // data point carrying power, "19" on Tuya plugs
	PowerScale float64       // raw value divided by this gives watts
	Interval   time.Duration // sleep after each reading
	Clock      clockwork.Clock
}

type registration struct {
	id ListenerID
	fn Listener
}

// Poller samples one device and delivers each reading to its listeners.
// A Poller runs once: when Start returns it is retired, Done is closed and
// its listeners are cleared.
type Poller struct {
	device device.Device
	opts   PollerOptions
	clock  clockwork.Clock

	mu        sync.RWMutex
	listeners []registration
	retired   bool

	started   atomic.Bool
	last      atomic.Pointer[Reading]
	done      chan struct{}
	firstRead chan struct{}
	firstOnce sync.Once
}

// NewPoller creates a poller for dev. Zero options fall back to dp "19",
// scale 10 and a 500ms interval.
func NewPoller(dev device.Device, opts PollerOptions) *Poller {
	if opts.PowerDP == "" {
		opts.PowerDP = "19"
	}
	if opts.PowerScale == 0 {
		opts.PowerScale = 10
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Poller{
		device:    dev,
		opts:      opts,
		clock:     opts.Clock,
		done:      make(chan struct{}),
		firstRead: make(chan struct{}),
	}
}

// DeviceID returns the id of the polled device.
func (p *Poller) DeviceID() string {
	return p.device.ID()
}

// Start runs the polling loop until the device fails or ctx ends.
// Each cycle requests a refresh, reads the status and, when the power data
// point is present, emits a reading and sleeps one interval. A status without
// the data point is skipped and the next cycle starts immediately.
func (p *Poller) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("poller for %s already started", p.DeviceID())
	}
	defer p.retire()

	log := logger.With().Str("component", "poller").Str("device_id", p.DeviceID()).Logger()
	log.Info().Dur("interval", p.opts.Interval).Msg("Starting power poller")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := p.device.RequestUpdate(ctx); err != nil {
			return p.deviceError(ctx, "request update", err)
		}

		start := p.clock.Now()
		dps, err := p.device.Status(ctx)
		metrics.DeviceQueryDuration.Observe(p.clock.Since(start).Seconds())
		if err != nil {
			return p.deviceError(ctx, "query status", err)
		}

		power, ok := device.PowerFromStatus(dps, p.opts.PowerDP, p.opts.PowerScale)
		if !ok {
			metrics.ReadingsSkipped.Inc()
			log.Debug().Str("dp", p.opts.PowerDP).Msg("Status without power data point, skipping")
			continue
		}

		reading := Reading{
			DeviceID:  p.DeviceID(),
			Timestamp: p.clock.Now(),
			Power:     power,
		}
		log.Debug().Float64("power_w", power).Msg("Power reading")
		p.emit(reading)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.opts.Interval):
		}
	}
}

func (p *Poller) deviceError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.IsDeviceError(err) {
		return err
	}
	return errors.NewDeviceError(op, p.DeviceID(), err)
}

// emit delivers r to a snapshot of the listeners. A listener removed while
// the snapshot is walked is skipped.
func (p *Poller) emit(r Reading) {
	p.last.Store(&r)
	p.firstOnce.Do(func() { close(p.firstRead) })
	metrics.ReadingsTotal.Inc()
	metrics.CurrentPower.WithLabelValues(r.DeviceID).Set(r.Power)

	p.mu.RLock()
	snapshot := slices.Clone(p.listeners)
	p.mu.RUnlock()

	for _, reg := range snapshot {
		if !p.registered(reg.id) {
			continue
		}
		if err := reg.fn(r); err != nil {
			if p.RemoveListener(reg.id) {
				metrics.DeliveryFailures.Inc()
				logger.Debug().Err(err).Str("listener_id", reg.id.String()).
					Msg("Delivery failed, listener removed")
			}
		}
	}
}

func (p *Poller) registered(id ListenerID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.ContainsFunc(p.listeners, func(r registration) bool { return r.id == id })
}

// AddListener registers l for every subsequent reading. On a retired poller
// the listener is never called; callers watch Done to notice.
func (p *Poller) AddListener(l Listener) ListenerID {
	id := ListenerID(uuid.New())

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retired {
		return id
	}
	p.listeners = append(p.listeners, registration{id: id, fn: l})
	metrics.ListenersActive.Inc()
	return id
}

// RemoveListener unregisters a listener. It reports whether it was registered.
func (p *Poller) RemoveListener(id ListenerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := slices.IndexFunc(p.listeners, func(r registration) bool { return r.id == id })
	if i < 0 {
		return false
	}
	p.listeners = slices.Delete(p.listeners, i, i+1)
	metrics.ListenersActive.Dec()
	return true
}

// ListenerCount returns the number of registered listeners.
func (p *Poller) ListenerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.listeners)
}

// LastReading returns the most recent reading, if any.
func (p *Poller) LastReading() (Reading, bool) {
	r := p.last.Load()
	if r == nil {
		return Reading{}, false
	}
	return *r, true
}

// Done is closed once the poller has retired.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// FirstReading is closed when the poller emits its first reading.
func (p *Poller) FirstReading() <-chan struct{} {
	return p.firstRead
}

func (p *Poller) retire() {
	p.mu.Lock()
	metrics.ListenersActive.Sub(float64(len(p.listeners)))
	p.listeners = nil
	p.retired = true
	p.mu.Unlock()

	close(p.done)
	logger.Info().Str("device_id", p.DeviceID()).Msg("Power poller stopped")
}
