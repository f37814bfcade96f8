package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"opclink/logging"
)

// DefaultDebounce is how long the watcher waits after the last file event
// before reloading.
const DefaultDebounce = 100 * time.Millisecond

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Logger   *slog.Logger
	Debounce time.Duration
	// OnChange receives each successfully loaded configuration.
	OnChange func(*Config)
	// OnError receives each rejected update. The current configuration
	// is left in place.
	OnError func(error)
}

// Watcher reloads a configuration file when it changes on disk.
type Watcher struct {
	path     string
	opts     WatcherOptions
	logger   *slog.Logger
	current  atomic.Pointer[Config]
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	lastData []byte
}

// NewWatcher starts watching path. initial is the configuration currently
// in effect; it stays current until a valid update is read.
func NewWatcher(path string, initial *Config, opts WatcherOptions) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// editors replace files by rename, so watch the directory
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:    absPath,
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger).With("component", "config"),
		watcher: fw,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	w.current.Store(initial)
	if data, err := os.ReadFile(absPath); err == nil {
		w.lastData = data
	}

	go w.watchLoop(ctx)
	return w, nil
}

// Current returns the configuration in effect.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.opts.Debounce, func() {
					if ctx.Err() == nil {
						w.reload()
					}
				})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

// reload reads the file and publishes it if it parses and validates.
func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		w.reject(&ConfigImportError{File: w.path, Detail: "read failed", Err: err})
		return
	}
	if bytes.Equal(data, w.lastData) {
		return
	}
	cfg, err := Parse(data, w.path)
	if err != nil {
		w.reject(err)
		return
	}

	w.lastData = data
	w.current.Store(cfg)
	w.logger.Info("configuration reloaded", "file", w.path, "servers", len(cfg.Servers), "tags", len(cfg.Tags))
	if w.opts.OnChange != nil {
		w.opts.OnChange(cfg)
	}
}

func (w *Watcher) reject(err error) {
	w.logger.Error("configuration update rejected, keeping previous configuration", "error", err)
	if w.opts.OnError != nil {
		w.opts.OnError(err)
	}
}
