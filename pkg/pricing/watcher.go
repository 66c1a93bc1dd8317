package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher publishes pricing documents as they appear or change on disk.
// Rapid bursts of file events are debounced into a single publish.
type Watcher struct {
	registry *Registry
	path     string
	interval time.Duration
	watcher  *fsnotify.Watcher
	debounce *Debouncer
	logger   *slog.Logger

	// OnPublish is called after each successful publish with the new models.
	OnPublish func([]*Model)

	// OnError is called when a document fails to load or publish.
	OnError func(error)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher for a pricing file or directory.
func NewWatcher(registry *Registry, path string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		registry: registry,
		path:     path,
		interval: debounce,
		watcher:  fw,
		debounce: NewDebouncer(debounce),
		logger:   slog.Default().With("component", "pricing.watcher"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Watch blocks until ctx is cancelled or Stop is called.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()
	defer close(w.doneCh)

	target := w.path
	if info, err := os.Stat(w.path); err != nil {
		return fmt.Errorf("failed to watch pricing path: %w", err)
	} else if !info.IsDir() {
		// Editors replace files on save, so watch the parent directory.
		target = filepath.Dir(w.path)
	}
	if err := w.watcher.Add(target); err != nil {
		return fmt.Errorf("failed to watch pricing path: %w", err)
	}

	w.logger.Info("Pricing watcher started", "path", w.path, "debounce_ms", w.interval.Milliseconds())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("Pricing file event", "path", event.Name, "op", event.Op.String())
			w.debounce.Trigger(func() { w.reload(ctx) })
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Pricing watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	doc, err := LoadDocuments(w.path)
	if err == nil {
		var published []*Model
		published, err = w.registry.PublishDocument(ctx, doc)
		if err == nil {
			if len(published) > 0 {
				w.logger.Info("Published pricing from watched path", "path", w.path, "versions", len(published))
				if w.OnPublish != nil {
					w.OnPublish(published)
				}
			}
			return
		}
	}

	w.logger.Error("Pricing reload failed", "path", w.path, "error", err)
	if w.OnError != nil {
		w.OnError(err)
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	if info, err := os.Stat(w.path); err == nil && !info.IsDir() {
		return filepath.Clean(event.Name) == filepath.Clean(w.path)
	}
	ext := strings.ToLower(filepath.Ext(event.Name))
	for _, valid := range DocumentExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// Stop stops the watcher and waits for Watch to return.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	w.debounce.Stop()
	return w.watcher.Close()
}

// Debouncer collects rapid triggers and runs only the last callback after
// a quiet period.
type Debouncer struct {
	interval time.Duration
	timer    *time.Timer
	mu       sync.Mutex
	callback func()
	stopped  bool
}

// NewDebouncer creates a new debouncer.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Trigger schedules callback, replacing any pending one.
func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		cb := d.callback
		stopped := d.stopped
		d.mu.Unlock()

		if cb != nil && !stopped {
			cb()
		}
	})
}

// Stop cancels any pending callback.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.callback = nil
}
