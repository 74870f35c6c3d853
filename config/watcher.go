package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/migadu/eaf/pkg/metrics"
)

// ErrReloadInProgress is returned when a reload is requested while another
// one is still running.
var ErrReloadInProgress = errors.New("configuration reload already in progress")

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk or when
// Reload is called, and hands every valid result to the apply callback. A
// file that fails to load or validate is reported and the previously applied
// configuration stays in effect.
type Watcher struct {
	path     string
	apply    func(*Config) error
	debounce time.Duration

	reloading atomic.Bool
	fs        *fsnotify.Watcher
}

// NewWatcher watches the directory holding path, so that editors which
// replace the file through a rename are noticed too.
func NewWatcher(path string, apply func(*Config) error) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, apply: apply, debounce: defaultDebounce, fs: fw}, nil
}

// Reload loads, validates and applies the configuration file once.
func (w *Watcher) Reload() error {
	if !w.reloading.CompareAndSwap(false, true) {
		metrics.ConfigReloads.WithLabelValues("skipped").Inc()
		slog.Info("Config already loading", "path", w.path)
		return ErrReloadInProgress
	}
	defer w.reloading.Store(false)

	cfg, err := Load(w.path)
	if err == nil {
		err = w.apply(cfg)
	}
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("error").Inc()
		slog.Error("Config reload failed, keeping previous configuration", "path", w.path, "error", err)
		return err
	}
	metrics.ConfigReloads.WithLabelValues("success").Inc()
	slog.Info("Config reloaded", "path", w.path)
	return nil
}

// Run processes file events until ctx is cancelled. Bursts of events are
// collapsed into one reload after the debounce interval.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Config watcher error", "path", w.path, "error", err)

		case <-timer.C:
			_ = w.Reload()
		}
	}
}
