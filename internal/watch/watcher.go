// Package watch runs the sync pipeline in response to filesystem
// changes. It observes two roots, the canonical store file and the
// markdown tree, and reduces the inherently concurrent event stream to
// at most one in-flight sync via debouncing and a pending-event slot.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultDebounce is how long the event stream must go quiet before
	// a sync is scheduled.
	DefaultDebounce = 300 * time.Millisecond
	// stabilityDelay is the write-finish gate: a file modified more
	// recently than this is assumed to still be mid-write, so the run
	// is pushed back. Large writes land as one sync, not many.
	stabilityDelay = 100 * time.Millisecond
	// pollInterval drives the mtime-comparison fallback for platforms
	// and filesystems where fsnotify drops events.
	pollInterval = 2 * time.Second
)

// Event is one observed filesystem change.
type Event struct {
	Path string
	Op   fsnotify.Op
}

// Options configure a Watcher.
type Options struct {
	Debounce time.Duration // 0 means DefaultDebounce
	// OnChange runs before each sync with the event that triggered it.
	// Errors (and panics) are routed to OnError and never terminate
	// the watcher.
	OnChange func(Event) error
	// OnError receives callback and sync errors. Nil drops them.
	OnError func(error)
}

// Watcher debounces change events on the store file and the markdown
// tree into serialized sync runs.
type Watcher struct {
	storePath string
	todoDir   string
	syncFn    func() error
	opts      Options

	mu      sync.Mutex
	timer   *time.Timer
	last    Event
	pending bool
	ready   bool
	syncing bool

	fsw  *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher over the given store file and markdown tree.
// syncFn is the sync pipeline to run after each quiet period.
func New(storePath, todoDir string, syncFn func() error, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Watcher{
		storePath: storePath,
		todoDir:   todoDir,
		syncFn:    syncFn,
		opts:      opts,
	}
}

// Start begins filesystem monitoring. It is an error to start an
// already-running watcher.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ready {
		return fmt.Errorf("watcher already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.storePath)); err != nil {
		fsw.Close()
		return err
	}
	if err := fsw.Add(w.todoDir); err != nil {
		fsw.Close()
		return err
	}
	// Subdirectories are watched best effort.
	_ = filepath.WalkDir(w.todoDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == w.todoDir {
			return nil
		}
		_ = fsw.Add(path)
		return nil
	})

	w.fsw = fsw
	w.done = make(chan struct{})
	w.ready = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Close shuts the watcher down and waits for any in-flight sync.
// Readiness is cleared first so a queued timer callback cannot start a
// new run while teardown is underway.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if !w.ready {
		w.mu.Unlock()
		return nil
	}
	w.ready = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = false
	w.mu.Unlock()

	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	mtimes := w.snapshotMtimes()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// Pick up new subdirectories in the markdown tree.
			if event.Op&fsnotify.Create != 0 && !strings.HasSuffix(event.Name, ".md") {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.fsw.Add(event.Name)
				}
			}
			if !w.relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(Event{Path: event.Name, Op: event.Op})

		case <-ticker.C:
			for path, op := range w.pollForChanges(mtimes) {
				w.schedule(Event{Path: path, Op: op})
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

// relevant reports whether a changed path is the store file or a
// markdown file inside the watched tree.
func (w *Watcher) relevant(path string) bool {
	if path == w.storePath {
		return true
	}
	if !strings.HasSuffix(path, ".md") {
		return false
	}
	rel, err := filepath.Rel(w.todoDir, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

// schedule records the event and resets the debounce timer.
func (w *Watcher) schedule(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.ready {
		return
	}
	w.last = ev
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.Debounce, w.onTimer)
}

// onTimer is the fired-timer half of the state machine. A run already
// in flight turns this firing into a pending pass; a closed watcher
// ignores it.
func (w *Watcher) onTimer() {
	w.mu.Lock()
	if w.syncing {
		w.pending = true
		w.mu.Unlock()
		return
	}
	if !w.ready {
		w.mu.Unlock()
		return
	}
	// Write-finish gate: if the triggering file is still being written,
	// push the run back instead of reading a half-written file.
	if fi, err := os.Stat(w.last.Path); err == nil {
		if age := time.Since(fi.ModTime()); age < stabilityDelay {
			w.timer = time.AfterFunc(stabilityDelay-age, w.onTimer)
			w.mu.Unlock()
			return
		}
	}
	w.syncing = true
	ev := w.last
	w.wg.Add(1)
	w.mu.Unlock()

	w.run(ev)
}

// run executes one sync pass and then drains at most one pending pass.
func (w *Watcher) run(ev Event) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		w.syncing = false
		again := w.pending && w.ready
		w.pending = false
		last := w.last
		w.mu.Unlock()
		if again {
			w.schedule(last)
		}
	}()

	if w.opts.OnChange != nil {
		w.invokeCallback(ev)
	}
	if err := w.syncFn(); err != nil {
		w.reportError(fmt.Errorf("sync: %w", err))
	}
}

// invokeCallback isolates the user callback so neither its error nor a
// panic can leak into the watcher.
func (w *Watcher) invokeCallback(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			w.reportError(fmt.Errorf("change callback panicked: %v", r))
		}
	}()
	if err := w.opts.OnChange(ev); err != nil {
		w.reportError(fmt.Errorf("change callback: %w", err))
	}
}

func (w *Watcher) reportError(err error) {
	if w.opts.OnError != nil {
		w.opts.OnError(err)
	}
}

// snapshotMtimes seeds the polling fallback with current mtimes of the
// store file and every markdown file in the tree.
func (w *Watcher) snapshotMtimes() map[string]time.Time {
	mtimes := make(map[string]time.Time)
	if fi, err := os.Stat(w.storePath); err == nil {
		mtimes[w.storePath] = fi.ModTime()
	}
	_ = filepath.WalkDir(w.todoDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		if info, err := d.Info(); err == nil {
			mtimes[path] = info.ModTime()
		}
		return nil
	})
	return mtimes
}

// pollForChanges compares current mtimes against the cached map and
// returns the changed paths. The map is updated in place, and newly
// discovered subdirectories are added to the fsnotify watch.
func (w *Watcher) pollForChanges(mtimes map[string]time.Time) map[string]fsnotify.Op {
	changes := make(map[string]fsnotify.Op)
	seen := make(map[string]bool)

	check := func(path string, mtime time.Time) {
		seen[path] = true
		prev, exists := mtimes[path]
		switch {
		case !exists:
			mtimes[path] = mtime
			changes[path] = fsnotify.Create
		case !mtime.Equal(prev):
			mtimes[path] = mtime
			changes[path] = fsnotify.Write
		}
	}

	if fi, err := os.Stat(w.storePath); err == nil {
		check(w.storePath, fi.ModTime())
	}
	_ = filepath.WalkDir(w.todoDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != w.todoDir {
				_ = w.fsw.Add(path)
			}
			return nil
		}
		if !strings.HasSuffix(path, ".md") {
			return nil
		}
		if info, err := d.Info(); err == nil {
			check(path, info.ModTime())
		}
		return nil
	})

	for path := range mtimes {
		if !seen[path] {
			delete(mtimes, path)
			changes[path] = fsnotify.Remove
		}
	}
	return changes
}
