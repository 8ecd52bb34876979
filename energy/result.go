// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package energy

import (
	"fmt"
	"time"

	"github.com/soothill/plug-power-stream/pkg/errors"
)

// StepSize is the integration step used by ConsumedEnergy.
const StepSize = 50 * time.Millisecond

// Sample is one power reading received from the stream.
type Sample struct {
	Timestamp time.Time
	Power     float64
}

// Result holds the samples recorded by a monitor, oldest first.
type Result struct {
	Samples []Sample
}

// ConsumedEnergy integrates power over [start, end) in joules. Each step
// uses the latest sample taken at or before the step start, so the samples
// must begin no later than start.
func (r *Result) ConsumedEnergy(start, end time.Time) (float64, error) {
	for i := 1; i < len(r.Samples); i++ {
		if r.Samples[i].Timestamp.Before(r.Samples[i-1].Timestamp) {
			return 0, errors.NewValidationError("samples", i, "timestamps are not sorted")
		}
	}

	var joules float64
	for stepStart := start; stepStart.Before(end); stepStart = stepStart.Add(StepSize) {
		stepEnd := stepStart.Add(StepSize)
		if stepEnd.After(end) {
			stepEnd = end
		}
		ms := stepEnd.Sub(stepStart).Milliseconds()

		s, ok := r.at(stepStart)
		if !ok {
			return 0, errors.NewValidationError("samples", stepStart.Format(time.RFC3339Nano),
				fmt.Sprintf("no sample at or before step start (first sample %s)", r.first()))
		}
		joules += s.Power * float64(ms) / 1000.0
	}
	return joules, nil
}

// at returns the latest sample with Timestamp <= t.
func (r *Result) at(t time.Time) (Sample, bool) {
	for i := len(r.Samples) - 1; i >= 0; i-- {
		if !r.Samples[i].Timestamp.After(t) {
			return r.Samples[i], true
		}
	}
	return Sample{}, false
}

func (r *Result) first() string {
	if len(r.Samples) == 0 {
		return "none"
	}
	return r.Samples[0].Timestamp.Format(time.RFC3339Nano)
}
