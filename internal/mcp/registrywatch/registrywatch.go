// Package registrywatch hot-reloads the standalone MCP server registry file
// (a bare list of [config.MCPServerConfig] entries, distinct from the main
// runtime config that [config.Watcher] polls) using fsnotify, since that
// file changes far more often during local development than the rest of
// the runtime configuration: adding or removing a single tool server should
// not require restarting inferd.
package registrywatch

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/inferd-run/inferd/internal/config"
)

// registryFile is the on-disk shape of the standalone MCP server registry
// file: just the server list, nothing else.
type registryFile struct {
	Servers []config.MCPServerConfig `yaml:"servers"`
}

// OnChange is invoked after a reload with the field-level diff between the
// previous and new server lists. It is never called for a file that fails
// to parse or fails validation; the previous server list remains current.
type OnChange func(diff []config.MCPServerDiff, servers []config.MCPServerConfig)

// Watcher watches a standalone MCP server registry file and reloads it on
// every write, create, or rename fsnotify reports for its path.
type Watcher struct {
	path     string
	onChange OnChange
	debounce time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}
	stopped sync.Once

	mu      sync.RWMutex
	current []config.MCPServerConfig
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the coalescing window applied after an fsnotify event
// before the file is re-read. Defaults to 100ms, matching editors' typical
// write-then-rename save sequence so a single save does not trigger two
// reloads.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New creates a Watcher, performs an initial load of path, and starts
// watching it for changes. onChange may be nil.
func New(path string, onChange OnChange, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		onChange: onChange,
		debounce: 100 * time.Millisecond,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	servers, err := loadRegistryFile(path)
	if err != nil {
		return nil, fmt.Errorf("registrywatch: initial load: %w", err)
	}
	w.current = servers

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("registrywatch: new fsnotify watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("registrywatch: watch %s: %w", path, err)
	}
	w.watcher = fw

	go w.run()
	return w, nil
}

// Current returns the most recently successfully loaded server list.
func (w *Watcher) Current() []config.MCPServerConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Stop closes the fsnotify watcher and stops the reload goroutine. Safe to
// call more than once.
func (w *Watcher) Stop() {
	w.stopped.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
}

func (w *Watcher) run() {
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	scheduleReload := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("mcp registry watch error", "path", w.path, "error", err)
		case <-reload:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	servers, err := loadRegistryFile(w.path)
	if err != nil {
		slog.Warn("mcp registry reload failed, keeping previous server list", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	previous := w.current
	w.current = servers
	w.mu.Unlock()

	diff := config.DiffMCPServers(previous, servers)
	if len(diff) == 0 {
		return
	}
	slog.Info("mcp registry reloaded", "path", w.path, "changes", len(diff))
	if w.onChange != nil {
		w.onChange(diff, servers)
	}
}

func loadRegistryFile(path string) ([]config.MCPServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf registryFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if errs := config.ValidateMCPServers(rf.Servers); len(errs) > 0 {
		return nil, fmt.Errorf("validate: %w", errors.Join(errs...))
	}
	return rf.Servers, nil
}
