package core

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the write bursts editors and atomic-rename
// saves produce into a single reload.
const debounceWindow = 250 * time.Millisecond

// ConfigWatcher watches the configuration file and invokes a callback
// with the reloaded configuration on change. The parent directory is
// watched rather than the file itself so atomic save-via-rename is
// still observed.
type ConfigWatcher struct {
	path     string
	logger   *slog.Logger
	onChange func(*Config)

	watcher *fsnotify.Watcher
	once    sync.Once
	started bool
	done    chan struct{}
}

// NewConfigWatcher creates a watcher for the config file at path.
// onChange runs on the watcher goroutine with each validated reload.
func NewConfigWatcher(path string, logger *slog.Logger, onChange func(*Config)) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching config directory %q: %w", dir, err)
	}

	w := &ConfigWatcher{
		path:     path,
		logger:   logger.With("component", "config-watcher"),
		onChange: onChange,
		watcher:  watcher,
		done:     make(chan struct{}),
	}
	return w, nil
}

// Start runs the watch loop until ctx is cancelled or Close is called.
func (w *ConfigWatcher) Start(ctx context.Context) {
	w.started = true
	go w.run(ctx)
}

// Close stops the watcher.
func (w *ConfigWatcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.watcher.Close()
		if w.started {
			<-w.done
		}
	})
	return err
}

func (w *ConfigWatcher) run(ctx context.Context) {
	defer close(w.done)

	var debounce *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceWindow)
			}
			pending = debounce.C
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

// relevant filters events down to writes touching the config file.
func (w *ConfigWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename)
}

func (w *ConfigWatcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Warn("ignoring invalid config change", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config file changed, reloading", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
