// Package watcher watches an artifact directory with fsnotify and fires a
// debounced callback when a new manifest lands.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/stylematch/internal/storage"
)

const defaultDebounce = 400 * time.Millisecond

// Watcher watches a single directory for changes to one trigger file.
type Watcher struct {
	dir      string
	file     string
	onChange func()
	debounce time.Duration
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	timer    *time.Timer
	done     chan struct{}
	started  bool
	stopOnce sync.Once
	logger   *zap.Logger // optional; when set, logs debug events
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long the watcher waits for events to settle before
// calling onChange. Non-positive values keep the default.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithTriggerFile changes the watched file name (default manifest.json).
func WithTriggerFile(name string) WatcherOption {
	return func(w *Watcher) { w.file = name }
}

// NewWatcher creates a watcher for dir. onChange runs once per burst of
// events on the trigger file.
func NewWatcher(dir string, onChange func(), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:      filepath.Clean(dir),
		file:     storage.ManifestFile,
		onChange: onChange,
		debounce: defaultDebounce,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Start starts the watcher. It runs until ctx is cancelled or Stop is called.
// The directory is created if it does not exist.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// The manifest is replaced by rename, so watch the directory rather than the file.
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw
	w.started = true
	if w.logger != nil {
		w.logger.Debug("watcher starting", zap.String("dir", w.dir), zap.String("file", w.file), zap.Duration("debounce", w.debounce))
	}
	go w.run(ctx, fw.Events, fw.Errors)
	return nil
}

func (w *Watcher) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-errs:
			if !ok {
				return
			}
			if err != nil && w.logger != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if filepath.Base(ev.Name) != w.file || filepath.Clean(filepath.Dir(ev.Name)) != w.dir {
		return
	}
	if w.logger != nil {
		w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", ev.Name))
	}
	if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
		w.schedule()
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.timer = nil
		active := w.started
		w.mu.Unlock()
		if !active {
			return
		}
		if w.logger != nil {
			w.logger.Debug("watcher firing (debounced)", zap.String("dir", w.dir))
		}
		if w.onChange != nil {
			w.onChange()
		}
	})
}

// Stop stops the watcher and releases resources. Pending callbacks are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
