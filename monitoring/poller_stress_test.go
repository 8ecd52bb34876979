// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/soothill/plug-power-stream/device"
	"github.com/soothill/plug-power-stream/monitoring"
)

func TestPollerListenerRace(t *testing.T) {
	p := monitoring.NewPoller(device.NewSimulated("stress", 0), monitoring.PollerOptions{
		Interval: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopped := make(chan error, 1)
	go func() { stopped <- p.Start(ctx) }()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := p.AddListener(func(monitoring.Reading) error { return nil })
				time.Sleep(100 * time.Microsecond)
				p.RemoveListener(id)
			}
		}()
	}

	// Readers race the fan-out's writes
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			p.LastReading()
			p.ListenerCount()
			time.Sleep(100 * time.Microsecond)
		}
	}()

	wg.Wait()
	cancel()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
	if n := p.ListenerCount(); n != 0 {
		t.Errorf("ListenerCount() = %d after retirement, want 0", n)
	}
}

func TestSupervisorRestartRace(t *testing.T) {
	sup := monitoring.NewSupervisor(func(context.Context) (device.Device, error) {
		return device.NewSimulated("stress", 0), nil
	}, monitoring.SupervisorOptions{
		Backoff: time.Millisecond,
		Poller:  monitoring.PollerOptions{Interval: time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopped := make(chan error, 1)
	go func() { stopped <- sup.Run(ctx) }()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			sup.Restart()
			time.Sleep(time.Millisecond)
		}
	}()

	// Subscribe to whichever instance is current
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if p := sup.Current(); p != nil {
				id := p.AddListener(func(monitoring.Reading) error { return nil })
				p.RemoveListener(id)
			}
			sup.LastReading()
			time.Sleep(200 * time.Microsecond)
		}
	}()

	wg.Wait()
	cancel()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
