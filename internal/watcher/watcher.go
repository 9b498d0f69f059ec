package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// excludedDirs are directories excluded from watching and file counting.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// UpdateCallback is called after a debounced burst of changes in a session's
// working directory. touched holds the workdir-relative paths modified since
// the watch started, sorted.
type UpdateCallback func(sessionID string, fileCount int, touched []string)

// Watcher monitors session working directories for file activity.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*sessionWatcher // sessionID → watcher
	callback UpdateCallback
	log      *slog.Logger
}

type sessionWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu        sync.Mutex
	touched   map[string]struct{}
	lastCount int
}

// New creates a watcher. The callback may be nil.
func New(callback UpdateCallback, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		callback: callback,
		log:      logger,
	}
}

// Watch starts watching a session's working directory. Watching the same
// session twice replaces the previous watch.
func (w *Watcher) Watch(sessionID, workDir string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		touched:   make(map[string]struct{}),
		lastCount: -1, // force the initial update
	}

	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	w.mu.Lock()
	prev := w.watchers[sessionID]
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	if prev != nil {
		close(prev.cancel)
		prev.fsWatcher.Close()
	}

	go w.watchLoop(sw)

	// Report the starting file count so consumers have a baseline.
	go w.recount(sw)

	return nil
}

// Unwatch stops watching a session's directory.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.cancel)
		sw.fsWatcher.Close()
	}
}

// Touched returns the workdir-relative paths modified since the session's
// watch started, sorted.
func (w *Watcher) Touched(sessionID string) []string {
	w.mu.RLock()
	sw, ok := w.watchers[sessionID]
	w.mu.RUnlock()
	if !ok {
		return nil
	}
	return sw.touchedList()
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-sw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}

			// A newly created directory gets watched too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && !isHidden(base) {
						sw.fsWatcher.Add(event.Name)
					}
				}
			}

			sw.recordTouch(event.Name)

			// Debounce: reset the timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				w.recount(sw)
			})

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watch error", "session_id", sw.sessionID, "error", err)
		}
	}
}

// recordTouch adds a changed path to the session's touched set. Directories
// and excluded paths are ignored.
func (sw *sessionWatcher) recordTouch(path string) {
	rel, err := filepath.Rel(sw.workDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if excludedDirs[part] {
			return
		}
		if isHidden(part) && part != ".claude" {
			return
		}
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return
	}

	sw.mu.Lock()
	sw.touched[filepath.ToSlash(rel)] = struct{}{}
	sw.mu.Unlock()
}

func (sw *sessionWatcher) touchedList() []string {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	list := make([]string, 0, len(sw.touched))
	for path := range sw.touched {
		list = append(list, path)
	}
	sort.Strings(list)
	return list
}

// recount recalculates the file count and notifies when it changed.
func (w *Watcher) recount(sw *sessionWatcher) {
	count := CountFiles(sw.workDir)

	sw.mu.Lock()
	changed := count != sw.lastCount
	sw.lastCount = count
	sw.mu.Unlock()

	if changed && w.callback != nil {
		w.callback(sw.sessionID, count, sw.touchedList())
	}
}

// CountFiles counts all non-excluded files in a directory.
func CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip inaccessible paths
		}

		name := d.Name()

		if d.IsDir() {
			if excludedDirs[name] {
				return filepath.SkipDir
			}
			// Skip hidden dirs except .claude.
			if isHidden(name) && name != ".claude" && path != dir {
				return filepath.SkipDir
			}
			return nil
		}

		// Skip hidden files (except inside .claude).
		rel, _ := filepath.Rel(dir, path)
		if isHidden(name) && !strings.HasPrefix(rel, ".claude") {
			return nil
		}

		count++
		return nil
	})
	return count
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if excludedDirs[name] && path != dir {
			return filepath.SkipDir
		}
		if isHidden(name) && name != ".claude" && path != dir {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
