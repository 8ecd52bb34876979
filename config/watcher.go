// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/soothill/plug-power-stream/pkg/logger"
)

// Watcher reloads the devices file when it changes on disk or on SIGHUP and
// hands the new first entry to onChange. A file that fails to load is logged
// and the previous device stays active.
type Watcher struct {
	path       string
	onChange   func(DeviceEntry)
	reloadChan chan os.Signal
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// NewWatcher creates a new devices file watcher.
func NewWatcher(path string, onChange func(DeviceEntry)) *Watcher {
	return &Watcher{
		path:       path,
		onChange:   onChange,
		reloadChan: make(chan os.Signal, 1),
		done:       make(chan struct{}),
	}
}

// Start begins watching. It returns an error only if the file watch cannot be set up.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := os.Stat(w.path); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// the directory, so rename-on-save replacements keep being seen
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return err
	}

	ctx, w.cancelFunc = context.WithCancel(ctx)
	signal.Notify(w.reloadChan, syscall.SIGHUP)

	logger.Info().Str("path", w.path).Msg("Watching devices file for changes")
	go w.watch(ctx, fw)
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	if w.cancelFunc == nil {
		return
	}
	w.cancelFunc()
	signal.Stop(w.reloadChan)
	<-w.done
}

func (w *Watcher) watch(ctx context.Context, fw *fsnotify.Watcher) {
	defer close(w.done)
	defer func() { _ = fw.Close() }()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.reloadChan:
			logger.Info().Msg("SIGHUP received, reloading devices file")
			w.reload()

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			// editors often save by rename, which shows up as Create
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("devices file watcher error")
		}
	}
}

func (w *Watcher) reload() {
	entry, err := FirstDevice(w.path)
	if err != nil {
		logger.Error().Err(err).Str("path", w.path).Msg("Failed to reload devices file, keeping previous device")
		return
	}
	logger.Info().Str("device_id", entry.ID).Msg("Devices file reloaded")
	w.onChange(entry)
}
