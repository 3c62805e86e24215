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
)

// Update represents a configuration change notification
type Update struct {
	Path   string      // Config file that changed
	Config *SafeConfig // Full latest configuration
}

// Manager provides centralized configuration management with hot reload.
// It watches the config file on disk and pushes validated updates to
// subscribers; an invalid file keeps the previous configuration active.
type Manager struct {
	config      *SafeConfig
	path        string
	loader      *Loader
	subscribers []chan Update
	mu          sync.RWMutex // protects subscribers
	logger      *slog.Logger

	// Writes within the debounce window collapse into one reload
	debounce time.Duration

	// Lifecycle management
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	started    atomic.Bool
	stopped    atomic.Bool
}

// NewManager creates a configuration manager for the given file path.
// The file is loaded immediately; a missing file falls back to defaults.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	loader := NewLoader()
	loader.EnableValidation(true)

	cfg, err := loader.LoadFile(path)
	if err != nil {
		logger.Warn("config file not loadable, using defaults", "path", path, "error", err)
		cfg = Defaults()
	}

	return &Manager{
		config:   NewSafeConfig(cfg),
		path:     path,
		loader:   loader,
		logger:   logger,
		debounce: 250 * time.Millisecond,
	}, nil
}

// GetConfig returns the current configuration
func (cm *Manager) GetConfig() *SafeConfig {
	return cm.config
}

// OnChange subscribes to configuration changes. The returned channel
// receives the current configuration immediately, then one update per
// successful reload.
func (cm *Manager) OnChange() <-chan Update {
	ch := make(chan Update, 1) // Buffered to prevent blocking

	cm.mu.Lock()
	cm.subscribers = append(cm.subscribers, ch)
	cm.mu.Unlock()

	// Send initial config immediately
	select {
	case ch <- Update{Path: cm.path, Config: cm.config}:
	default:
	}

	return ch
}

// Start begins watching the config file for changes
func (cm *Manager) Start(ctx context.Context) error {
	if !cm.started.CompareAndSwap(false, true) {
		return fmt.Errorf("config manager already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files via
	// rename, which drops a direct file watch.
	dir := filepath.Dir(cm.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config directory %s: %w", dir, err)
	}

	cm.shutdownCh = make(chan struct{})
	cm.wg.Add(1)
	go cm.watchLoop(ctx, watcher)

	cm.logger.Info("config manager started", "path", cm.path)
	return nil
}

// Stop stops watching and closes subscriber channels
func (cm *Manager) Stop() {
	if !cm.stopped.CompareAndSwap(false, true) {
		return
	}
	if cm.shutdownCh != nil {
		close(cm.shutdownCh)
	}
	cm.wg.Wait()

	cm.mu.Lock()
	for _, ch := range cm.subscribers {
		close(ch)
	}
	cm.subscribers = nil
	cm.mu.Unlock()
}

// watchLoop consumes file events, debounces them, and reloads.
func (cm *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer cm.wg.Done()
	defer func() { _ = watcher.Close() }()

	var timer *time.Timer
	var timerC <-chan time.Time

	target := filepath.Clean(cm.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.shutdownCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(cm.debounce)
				timerC = timer.C
			} else {
				timer.Reset(cm.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Warn("config watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			cm.reload()
		}
	}
}

// reload re-reads the config file and publishes it to subscribers.
// Validation failures leave the previous configuration in place.
func (cm *Manager) reload() {
	cfg, err := cm.loader.LoadFile(cm.path)
	if err != nil {
		cm.logger.Warn("config reload failed, keeping previous config",
			"path", cm.path, "error", err)
		return
	}

	if err := cm.config.Update(cfg); err != nil {
		cm.logger.Warn("config reload rejected by validation",
			"path", cm.path, "error", err)
		return
	}

	cm.logger.Info("config reloaded", "path", cm.path, "version", cfg.Version)
	cm.notify()
}

// notify pushes the current config to every subscriber without blocking.
func (cm *Manager) notify() {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for _, ch := range cm.subscribers {
		select {
		case ch <- Update{Path: cm.path, Config: cm.config}:
		default:
			// Subscriber is behind; it will pick up the latest via GetConfig
		}
	}
}
