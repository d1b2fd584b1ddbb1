package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a settings file when it changes on disk and hands the new
// settings to a callback. Editors often replace files instead of writing them,
// so the parent directory is watched and events are filtered by name.
type Watcher struct {
	path     string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onChange func(old, updated Settings)

	mu      sync.Mutex
	current Settings
}

// NewWatcher watches path; current is the settings already in use
func NewWatcher(path string, current Settings, logger *zap.Logger, onChange func(old, updated Settings)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		logger:   logger,
		watcher:  fw,
		debounce: 250 * time.Millisecond,
		onChange: onChange,
		current:  current,
	}, nil
}

// SetDebounce changes how long the watcher waits for writes to settle
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Current returns the last successfully loaded settings
func (w *Watcher) Current() Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run processes events until ctx is done, then closes the underlying watcher
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Settings watcher error", zap.Error(err))

		case <-timer.C:
			w.reload()

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) reload() {
	updated, err := Load(w.path, w.logger)
	if err != nil {
		w.logger.Warn("Ignoring invalid settings change", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	w.mu.Unlock()

	if updated.RestartRequired(old) {
		w.logger.Warn("Settings change requires a restart to take effect",
			zap.Int("oldParticles", old.Simulation.Particles),
			zap.Int("newParticles", updated.Simulation.Particles),
			zap.String("backend", updated.Compute.Backend))
	}
	if w.onChange != nil {
		w.onChange(old, updated)
	}
}
