// Package control passes one-shot signals to a running daemon through
// trigger files in a watched directory.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fakeyudi/capwatch/internal/fsutil"
)

// Signal names a trigger file.
type Signal string

const (
	// Refresh asks for a poll now.
	Refresh Signal = "refresh"
	// Reset closes the circuit breaker.
	Reset Signal = "reset"
)

var signals = map[string]Signal{
	string(Refresh): Refresh,
	string(Reset):   Reset,
}

// Dir returns the control directory under dataDir.
func Dir(dataDir string) string { return filepath.Join(dataDir, "control") }

// Trigger raises sig for whichever daemon watches dir.
func Trigger(dir string, sig Signal) error {
	if _, ok := signals[string(sig)]; !ok {
		return fmt.Errorf("unknown control signal %q", sig)
	}
	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano) + "\n")
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, string(sig)), stamp, 0o600); err != nil {
		return fmt.Errorf("raising %s: %w", sig, err)
	}
	return nil
}

// Watch calls handle for every signal raised in dir until ctx is cancelled.
// Each trigger file is consumed exactly once; files present when Watch
// starts are delivered first.
func Watch(ctx context.Context, dir string, handle func(Signal), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "control")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating control directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	deliver := func(path string) {
		sig, ok := signals[filepath.Base(path)]
		if !ok {
			return
		}
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Warn("consuming trigger file", "path", path, "error", err)
			}
			return
		}
		logger.Info("control signal received", "signal", sig)
		handle(sig)
	}

	for name := range signals {
		deliver(filepath.Join(dir, name))
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				deliver(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("control watcher error", "error", err)
		}
	}
}
