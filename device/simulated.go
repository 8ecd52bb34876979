// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package device

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/soothill/plug-power-stream/pkg/logger"
)

const (
	simulatedBaseLoadMin = 10.0  // Minimum base load in watts
	simulatedLoadRange   = 90.0  // Load range (10-100W)
	simulatedVariation   = 10.0  // Power variation range (±5W)
	simulatedBaseVoltage = 230.0 // Base voltage in volts
	simulatedVoltageVar  = 4.0   // Voltage variation range (±2V)
)

// Simulated is a plug that invents plausible metering data. It keeps a base
// load that drifts only when RequestUpdate is called, so readings look like
// an appliance rather than noise.
type Simulated struct {
	id      string
	latency time.Duration

	mu       sync.Mutex
	rng      *rand.Rand
	baseLoad float64
	power    float64
	voltage  float64
}

// NewSimulated creates a simulated plug. latency is added to every Status call.
func NewSimulated(id string, latency time.Duration) *Simulated {
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404
	s := &Simulated{
		id:       id,
		latency:  latency,
		rng:      rng,
		baseLoad: simulatedBaseLoadMin + rng.Float64()*simulatedLoadRange,
	}
	s.sample()
	return s
}

// ID returns the device id.
func (s *Simulated) ID() string { return s.id }

// RequestUpdate takes a new sample.
func (s *Simulated) RequestUpdate(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sample()
	return nil
}

func (s *Simulated) sample() {
	s.power = s.baseLoad + (s.rng.Float64()-0.5)*simulatedVariation
	if s.power < 0 {
		s.power = 0
	}
	s.voltage = simulatedBaseVoltage + (s.rng.Float64()-0.5)*simulatedVoltageVar
}

// Status returns the last sample encoded the way a plug reports it.
func (s *Simulated) Status(ctx context.Context) (map[string]any, error) {
	if s.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.latency):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.power / s.voltage * 1000
	logger.Debug().Str("device_id", s.id).Float64("power_w", s.power).Msg("Simulated reading")

	return map[string]any{
		"1":  true,
		"18": float64(int(current)),
		"19": float64(int(s.power * 10)),
		"20": float64(int(s.voltage * 10)),
	}, nil
}

// Close is a no-op.
func (s *Simulated) Close() error { return nil }
