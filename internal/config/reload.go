package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ArchitectVS7/OpenClaw/internal/bus"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

// ReloadCallback is invoked after a successful swap with the new value.
// Callbacks run on the watcher goroutine and must not block.
type ReloadCallback func(cfg *Config)

// Manager owns the live configuration. Reads are an atomic pointer load;
// reloads validate first and swap only on success, so readers never observe
// a broken config.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	events  bus.Publisher

	mu        sync.Mutex
	callbacks []ReloadCallback

	debounce time.Duration
}

// NewManager wraps an already-loaded config. events may be nil (tests).
func NewManager(path string, cfg *Config, events bus.Publisher) *Manager {
	m := &Manager{path: path, events: events, debounce: 300 * time.Millisecond}
	m.current.Store(cfg)
	return m
}

// Current returns the live config. The returned value is immutable; never
// mutate it.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// OnReload registers a callback for successful reloads.
func (m *Manager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Update validates and applies a full replacement document (config.update),
// persisting it to the config file.
func (m *Manager) Update(raw []byte) (*Config, error) {
	next, err := Parse(raw)
	if err != nil {
		m.publishInvalid(err)
		return nil, err
	}
	if err := Save(m.path, next); err != nil {
		return nil, fmt.Errorf("persist config: %w", err)
	}
	m.apply(next)
	return next, nil
}

// Reload re-reads the config file (config.reload and the file watcher).
// On validation failure the previous config is retained.
func (m *Manager) Reload() (*Config, error) {
	next, err := Load(m.path)
	if err != nil {
		m.publishInvalid(err)
		return m.Current(), err
	}
	m.apply(next)
	return next, nil
}

func (m *Manager) apply(next *Config) {
	prev := m.current.Load()
	if prev.Equal(next) {
		slog.Debug("config.reload_noop", "hash", next.Hash())
		return
	}
	m.current.Store(next)
	slog.Info("config.changed", "hash", next.Hash())

	m.mu.Lock()
	cbs := make([]ReloadCallback, len(m.callbacks))
	copy(cbs, m.callbacks)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(next)
	}

	if m.events != nil {
		m.events.Publish(bus.Event{
			Topic:   protocol.EventConfigChanged,
			Payload: map[string]string{"hash": next.Hash()},
		})
	}
}

func (m *Manager) publishInvalid(err error) {
	path := "config"
	if ve, ok := err.(*ValidationError); ok {
		path = ve.Path
	}
	slog.Warn("config.invalid", "path", path, "error", err)
	if m.events != nil {
		m.events.Publish(bus.Event{
			Topic: protocol.EventConfigInvalid,
			Payload: protocol.OpsEvent{
				Kind:    protocol.ErrConfigInvalid,
				Message: fmt.Sprintf("%s: %v", path, err),
			},
		})
	}
}

// Watch observes the config file for changes until ctx is done. Editors
// replace files with rename+create, so the parent directory is watched and
// events are debounced before reloading.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	slog.Debug("config.watching", "path", m.path)

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(m.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config.watch_error", "error", err)
		case <-fire:
			if _, err := m.Reload(); err != nil {
				slog.Warn("config.reload_failed", "error", err)
			}
		}
	}
}
