package config

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager handles settings loading and hot-reload of the overrides
// file. It uses atomic pointer swaps for thread-safe updates.
type Manager struct {
	settings atomic.Pointer[Settings]
	path     string
	watcher  *fsnotify.Watcher
	onChange []func(*Settings)
	logger   *slog.Logger
}

// NewManager creates a manager around env-derived settings, optionally
// layered with a YAML overrides file. path may be empty.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if path != "" {
		cfg, err = LoadFromFile(path, cfg)
		if err != nil {
			return nil, err
		}
	}

	m := &Manager{
		path:   path,
		logger: logger,
	}
	m.settings.Store(cfg)

	return m, nil
}

// Get returns the current settings.
// Safe to call concurrently from multiple goroutines.
func (m *Manager) Get() *Settings {
	return m.settings.Load()
}

// OnChange registers a callback invoked when settings change.
func (m *Manager) OnChange(fn func(*Settings)) {
	m.onChange = append(m.onChange, fn)
}

// Watch starts watching the overrides file for changes. It debounces
// rapid changes and reloads atomically. No-op without an overrides file.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					m.reload()
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("settings watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	base, err := FromEnv()
	if err != nil {
		m.logger.Error("failed to rebuild settings from env, keeping current", "error", err)
		return
	}

	newCfg, err := LoadFromFile(m.path, base)
	if err != nil {
		m.logger.Error("failed to reload settings, keeping current", "error", err)
		return
	}

	m.settings.Store(newCfg)
	m.logger.Info("protection settings reloaded")

	for _, fn := range m.onChange {
		fn(newCfg)
	}
}

// Close stops the settings watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
