package config

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the event bursts editors and orchestrators
// produce for a single logical write.
const reloadDebounce = 200 * time.Millisecond

// Manager owns the live configuration. Readers always get a complete,
// validated Config; a file change that fails validation is logged and
// the previous config stays in force.
type Manager struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *log.Logger

	mu        sync.RWMutex
	current   *Config
	listeners []func(*Config)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager loads the file once and starts watching it for changes.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: most writers replace the file
	// by rename, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	m := &Manager{
		path:    path,
		watcher: watcher,
		logger:  log.New(log.Writer(), "[CONFIG] ", log.LstdFlags),
		current: cfg,
		stopCh:  make(chan struct{}),
	}
	go m.watch()
	return m, nil
}

// Current returns the live config.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnReload registers a callback invoked with each successfully loaded
// config. Callbacks run on the watcher goroutine and must not block.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Close stops the watcher.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	return m.watcher.Close()
}

func (m *Manager) watch() {
	var pending *time.Timer
	base := filepath.Base(m.path)

	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, m.reload)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Printf("watch error: %v", err)
		case <-m.stopCh:
			if pending != nil {
				pending.Stop()
			}
			return
		}
	}
}

func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Printf("reload rejected, keeping previous config: %v", err)
		return
	}

	m.mu.Lock()
	m.current = cfg
	listeners := append([]func(*Config){}, m.listeners...)
	m.mu.Unlock()

	m.logger.Printf("config reloaded from %s", m.path)
	for _, fn := range listeners {
		fn(cfg)
	}
}
