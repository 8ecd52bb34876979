// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/util"
)

// Step is one scripted Status outcome.
type Step struct {
	Status map[string]any
	Err    error
}

// Replay plays back a fixed sequence of Status results. Once the script is
// exhausted it either starts over (loop) or blocks until the context ends or
// the device is closed.
type Replay struct {
	id    string
	steps []Step
	loop  bool

	mu     sync.Mutex
	next   int
	closed chan struct{}
	once   sync.Once

	updates atomic.Int64
	queries atomic.Int64
}

// NewReplay creates a replay device from steps.
func NewReplay(id string, loop bool, steps ...Step) *Replay {
	return &Replay{
		id:     id,
		steps:  steps,
		loop:   loop,
		closed: make(chan struct{}),
	}
}

// LoadReplay reads a JSON array of dps objects and plays them in a loop.
func LoadReplay(id, path string) (*Replay, error) {
	data, err := util.ReadFileSafely(path)
	if err != nil {
		return nil, errors.NewConfigError("replay", path, err)
	}
	var statuses []map[string]any
	if err := json.Unmarshal(data, &statuses); err != nil {
		return nil, errors.NewConfigError("replay", path, fmt.Errorf("failed to parse replay file: %w", err))
	}
	if len(statuses) == 0 {
		return nil, errors.NewConfigError("replay", path, fmt.Errorf("replay file is empty"))
	}

	steps := make([]Step, len(statuses))
	for i, s := range statuses {
		steps[i] = Step{Status: s}
	}
	return NewReplay(id, true, steps...), nil
}

// ID returns the device id.
func (r *Replay) ID() string { return r.id }

// RequestUpdate only counts calls.
func (r *Replay) RequestUpdate(_ context.Context) error {
	r.updates.Add(1)
	return nil
}

// Status returns the next scripted result.
func (r *Replay) Status(ctx context.Context) (map[string]any, error) {
	r.queries.Add(1)

	r.mu.Lock()
	if r.next >= len(r.steps) && r.loop && len(r.steps) > 0 {
		r.next = 0
	}
	if r.next < len(r.steps) {
		step := r.steps[r.next]
		r.next++
		r.mu.Unlock()
		return step.Status, step.Err
	}
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.closed:
		return nil, errors.NewDeviceError("query status", r.id, errors.ErrConnectionClosed)
	}
}

// Close unblocks a waiting Status call.
func (r *Replay) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

// Updates returns how many times RequestUpdate was called.
func (r *Replay) Updates() int64 { return r.updates.Load() }

// Queries returns how many times Status was called.
func (r *Replay) Queries() int64 { return r.queries.Load() }
