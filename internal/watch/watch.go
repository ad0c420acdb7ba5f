// Package watch re-runs a batch when the files it depends on change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long a file must be quiet before it triggers.
const DefaultDebounce = 500 * time.Millisecond

// TriggerFunc is called with the settled paths, sorted. Calls never overlap.
type TriggerFunc func(ctx context.Context, changed []string)

// Options configure a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *zap.Logger
}

// Stats counts watcher activity.
type Stats struct {
	Events    int
	Triggers  int
	Errors    int
	LastEvent time.Time
	LastPath  string
}

// Watcher watches a fixed set of files. It watches their directories rather
// than the files so that editors replacing a file by rename are seen.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	files    map[string]bool
	dirs     []string
	trigger  TriggerFunc
	debounce time.Duration
	logger   *zap.Logger
	pending  map[string]time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	stats    Stats
}

// New creates a watcher for files. It does not start watching.
func New(files []string, trigger TriggerFunc, opts Options) (*Watcher, error) {
	if len(files) == 0 {
		return nil, errors.New("watch: no files")
	}
	if trigger == nil {
		return nil, errors.New("watch: trigger is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	w := &Watcher{
		files:    make(map[string]bool, len(files)),
		trigger:  trigger,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		pending:  make(map[string]time.Time),
	}
	seenDirs := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("watch: %s: %w", f, err)
		}
		w.files[abs] = true
		if dir := filepath.Dir(abs); !seenDirs[dir] {
			seenDirs[dir] = true
			w.dirs = append(w.dirs, dir)
		}
	}
	return w, nil
}

// Start begins watching. It is non-blocking and a no-op when running.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.logger.Debug("Watching directory", zap.String("dir", dir))
	}

	w.watcher = fw
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	go w.run(ctx, fw, w.stopCh, w.doneCh)
	return nil
}

// Stop stops watching and waits for an in-flight trigger to return.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stopCh, doneCh, fw := w.stopCh, w.doneCh, w.watcher
	w.mu.Unlock()

	close(stopCh)
	<-doneCh
	if err := fw.Close(); err != nil {
		w.logger.Warn("Error closing watcher", zap.Error(err))
	}
	w.logger.Debug("Watcher stopped")
}

// Done is closed when the event loop exits, either by Stop or because ctx
// was cancelled. It is nil before Start.
func (w *Watcher) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doneCh
}

// Stats returns a snapshot of the counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	tick := w.debounce / 5
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			if changed := w.settled(); len(changed) > 0 {
				w.fire(ctx, changed)
			}
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Clean(event.Name)
	if !w.files[name] {
		return
	}

	w.logger.Debug("File changed", zap.String("path", name), zap.Stringer("op", event.Op))
	now := time.Now()
	w.mu.Lock()
	w.pending[name] = now
	w.stats.Events++
	w.stats.LastEvent = now
	w.stats.LastPath = name
	w.mu.Unlock()
}

// settled removes and returns the paths quiet for at least the debounce.
func (w *Watcher) settled() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	var out []string
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			out = append(out, path)
			delete(w.pending, path)
		}
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) fire(ctx context.Context, changed []string) {
	w.mu.Lock()
	w.stats.Triggers++
	w.mu.Unlock()
	w.logger.Info("Change detected, re-running", zap.Strings("files", changed))
	w.trigger(ctx, changed)
}
