package watcher

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"grammargate/internal/shared/observability"
	"grammargate/internal/shared/util"
)

// Change is a settled modification of a watched artifact.
type Change struct {
	Path    string
	Removed bool
}

type Options struct {
	Debounce time.Duration
	// Root is the watched directory. Include and Exclude match a file's base
	// name or, when Root is set, its slash-separated path relative to Root.
	// Always names files that pass regardless of Include, such as the manifest.
	Root    string
	Include []string
	Exclude []string
	Always  []string
	// ReloadRate and ReloadBurst bound how often one path may be reported.
	ReloadRate  float64
	ReloadBurst int
}

type Watcher struct {
	fsWatcher  *fsnotify.Watcher
	root       string
	debounce   time.Duration
	include    []glob.Glob
	exclude    []glob.Glob
	always     map[string]bool
	limiters   *util.LimiterRegistry
	onChange   func([]Change)
	callbackMu sync.Mutex

	pending   map[string]struct{}
	hashes    map[string]uint64
	pendingMu sync.Mutex
	timer     *time.Timer
	done      chan struct{}
	closeOnce sync.Once
}

func NewWatcher(opts Options, onChange func([]Change)) (*Watcher, error) {
	if onChange == nil {
		return nil, os.ErrInvalid
	}

	include, err := compileAll(opts.Include)
	if err != nil {
		return nil, err
	}
	exclude, err := compileAll(opts.Exclude)
	if err != nil {
		return nil, err
	}

	always := make(map[string]bool, len(opts.Always))
	for _, name := range opts.Always {
		always[name] = true
	}

	rate, burst := opts.ReloadRate, opts.ReloadBurst
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		fsWatcher: fsw,
		root:      opts.Root,
		debounce:  opts.Debounce,
		include:   include,
		exclude:   exclude,
		always:    always,
		limiters:  util.NewLimiterRegistry(rate, burst, time.Minute),
		onChange:  onChange,
		pending:   make(map[string]struct{}),
		hashes:    make(map[string]uint64),
		done:      make(chan struct{}),
	}, nil
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, g)
	}
	return compiled, nil
}

func (w *Watcher) SetDebounce(debounce time.Duration) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	w.debounce = debounce
}

// Watch registers roots recursively and starts delivering changes. Files
// already present are hashed so that only later edits are reported.
func (w *Watcher) Watch(roots []string) error {
	for _, root := range roots {
		if err := w.watchRecursive(root, true); err != nil {
			return err
		}
	}

	go w.run()
	return nil
}

func (w *Watcher) watchRecursive(root string, seed bool) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			if path != root && w.isExcluded(path) {
				return filepath.SkipDir
			}
			return w.fsWatcher.Add(path)
		}

		if !w.Matches(path) {
			return nil
		}
		if seed {
			if sum, ok := hashFile(path); ok {
				w.pendingMu.Lock()
				w.hashes[path] = sum
				w.pendingMu.Unlock()
			}
		} else {
			w.scheduleChange(path)
		}
		return nil
	})
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			observability.WatcherEventsTotal.Inc()

			if event.Op&fsnotify.Create == fsnotify.Create {
				info, err := os.Stat(event.Name)
				if err == nil && info.IsDir() {
					if !w.isExcluded(event.Name) {
						if err := w.watchRecursive(event.Name, false); err != nil {
							slog.Warn("failed to watch new directory", "path", event.Name, "error", err)
						}
					}
					continue
				}
			}

			if !w.Matches(event.Name) {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.scheduleChange(event.Name)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleChange(path string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	w.pending[path] = struct{}{}
	w.resetTimerLocked(w.debounce)
}

func (w *Watcher) resetTimerLocked(d time.Duration) {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(d, w.flushChanges)
}

func (w *Watcher) flushChanges() {
	select {
	case <-w.done:
		return
	default:
	}

	w.pendingMu.Lock()
	paths := util.SortedStringKeys(w.pending)
	w.pending = make(map[string]struct{})

	changes := make([]Change, 0, len(paths))
	var retry time.Duration
	for _, path := range paths {
		sum, exists := hashFile(path)
		prev, known := w.hashes[path]
		switch {
		case !exists && !known:
			continue
		case exists && known && sum == prev:
			// Touched but not modified.
			continue
		}

		limiter := w.limiters.Get(path)
		if !limiter.Allow(1) {
			observability.ReloadsThrottledTotal.Inc()
			w.pending[path] = struct{}{}
			if d := limiter.Delay(); retry == 0 || d < retry {
				retry = d
			}
			continue
		}

		if exists {
			w.hashes[path] = sum
		} else {
			delete(w.hashes, path)
		}
		changes = append(changes, Change{Path: path, Removed: !exists})
	}
	if len(w.pending) > 0 {
		if retry <= 0 {
			retry = w.debounce
		}
		w.resetTimerLocked(retry)
	}
	w.pendingMu.Unlock()

	if len(changes) > 0 {
		sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
		w.callbackMu.Lock()
		defer w.callbackMu.Unlock()
		w.onChange(changes)
	}
}

// Matches reports whether a file would be reported by the watcher.
func (w *Watcher) Matches(path string) bool {
	base := filepath.Base(path)
	if w.always[base] {
		return true
	}
	if w.isExcluded(path) {
		return false
	}
	if len(w.include) == 0 {
		return true
	}
	return w.matchAny(w.include, path)
}

func (w *Watcher) isExcluded(path string) bool {
	return w.matchAny(w.exclude, path)
}

func (w *Watcher) matchAny(globs []glob.Glob, path string) bool {
	base := filepath.Base(path)
	rel := ""
	if w.root != "" {
		if r, err := filepath.Rel(w.root, path); err == nil {
			rel = util.NormalizePatternPath(r)
		}
	}
	for _, g := range globs {
		if g.Match(base) || (rel != "" && g.Match(rel)) {
			return true
		}
	}
	return false
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.pendingMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.pendingMu.Unlock()
		w.limiters.Close()
		err = w.fsWatcher.Close()
	})
	return err
}

func hashFile(path string) (uint64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, false
	}
	return h.Sum64(), true
}
