package config

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a configuration file when its contents change on disk.
// Rewrites that leave the bytes unchanged do not trigger the callback.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(*Config)

	mu      sync.Mutex
	lastSum uint64
	timer   *time.Timer

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

func NewWatcher(path string, onReload func(*Config)) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: 100 * time.Millisecond,
		onReload: onReload,
		quit:     make(chan struct{}),
	}
	if data, err := os.ReadFile(w.path); err == nil {
		w.lastSum = xxhash.Sum64(data)
	}
	return w
}

// Start watches the file's directory until Stop is called or ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors often save by renaming a temp file over the original, which
	// only shows up as an event on the directory.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer fsw.Close()
		defer w.cancelPending()
		slog.Debug("config watcher started", "path", w.path)

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.quit:
				return
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "path", w.path, "error", err)
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				w.handle(event)
			}
		}
	}()
	return nil
}

func (w *Watcher) handle(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	switch {
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timer = time.AfterFunc(w.debounce, w.reload)
		w.mu.Unlock()
	case event.Has(fsnotify.Remove):
		slog.Warn("config file removed, keeping current configuration", "path", w.path)
	}
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Stop ends the watch loop. Safe to call more than once.
func (w *Watcher) Stop() {
	w.quitOnce.Do(func() { close(w.quit) })
	w.wg.Wait()
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Error("failed to read configuration", "path", w.path, "error", err)
		}
		return
	}
	sum := xxhash.Sum64(data)
	w.mu.Lock()
	unchanged := sum == w.lastSum
	w.mu.Unlock()
	if unchanged {
		slog.Debug("config rewritten without changes", "path", w.path)
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config reload rejected, keeping current configuration", "path", w.path, "error", err)
		return
	}
	Resolve(cfg, filepath.Dir(w.path))

	w.mu.Lock()
	w.lastSum = sum
	w.mu.Unlock()
	slog.Info("configuration reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
