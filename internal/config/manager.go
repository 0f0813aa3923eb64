package config

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Manager holds the current config snapshot and reloads it when the
// underlying features file changes. Readers get an immutable copy, so
// a reload never mutates state a request already observed.
type Manager struct {
	mu      sync.RWMutex
	current *Config
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager loads the initial snapshot and begins watching the config
// file if it exists.
func NewManager(logger *zap.Logger) (*Manager, error) {
	c, err := Load()
	if err != nil {
		return nil, err
	}
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/features.yaml"
	}
	m := &Manager{current: c, path: path, logger: logger, done: make(chan struct{})}

	if _, err := os.Stat(path); err == nil {
		w, werr := fsnotify.NewWatcher()
		if werr != nil {
			logger.Warn("Config watcher unavailable, hot reload disabled", zap.Error(werr))
			return m, nil
		}
		if werr := w.Add(path); werr != nil {
			logger.Warn("Config watch failed, hot reload disabled", zap.Error(werr))
			_ = w.Close()
			return m, nil
		}
		m.watcher = w
		go m.watch()
	}
	return m, nil
}

// Current returns the active config snapshot.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Close stops the file watcher.
func (m *Manager) Close() {
	close(m.done)
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
}

func (m *Manager) watch() {
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			c, err := Load()
			if err != nil {
				m.logger.Warn("Config reload failed, keeping previous snapshot", zap.Error(err))
				continue
			}
			m.mu.Lock()
			m.current = c
			m.mu.Unlock()
			m.logger.Info("Config reloaded", zap.String("path", m.path))
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}
