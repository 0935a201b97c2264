// Package fswatch turns filesystem notifications into wake-ups for the poll
// loop. Notifications are only hints: the poller still re-stats everything,
// so a missed or spurious event costs at most one idle interval.
package fswatch

import (
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/tailsync/pkg/errors"
	"github.com/sidkik/tailsync/pkg/tree"
)

// Watcher watches a set of paths that is updated after every poll pass.
type Watcher struct {
	watcher *fsnotify.Watcher
	watched map[string]struct{}
	events  chan struct{}
	log     log.FieldLogger
}

// New starts a Watcher that isn't watching anything yet.
func New(logger log.FieldLogger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	go func() {
		for err := range watcher.Errors {
			logger.WithError(err).Debug("File watcher error")
		}
	}()

	return &Watcher{
		watcher: watcher,
		watched: map[string]struct{}{},
		events:  combineUpdates(watcher.Events),
		log:     logger,
	}, nil
}

// Events receives a value after changes to the watched paths. Bursts of
// changes are combined into a single event.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Sync updates the watched paths to `paths`. Paths that can't be watched,
// usually because they don't exist yet, are retried by the next call.
func (w *Watcher) Sync(paths []string) {
	wanted := map[string]struct{}{}
	for _, path := range paths {
		wanted[path] = struct{}{}
		if _, ok := w.watched[path]; ok {
			continue
		}

		if err := w.watcher.Add(path); err != nil {
			w.log.WithError(err).WithField("path", path).Debug("Failed to watch path")
			continue
		}
		w.watched[path] = struct{}{}
	}

	for path := range w.watched {
		if _, ok := wanted[path]; ok {
			continue
		}

		// The watch is dropped automatically when a path is deleted, so
		// failures here are expected.
		if err := w.watcher.Remove(path); err != nil {
			w.log.WithError(err).WithField("path", path).Debug("Failed to stop watching path")
		}
		delete(w.watched, path)
	}
}

// Watched returns the paths currently being watched.
func (w *Watcher) Watched() []string {
	var paths []string
	for path := range w.watched {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func combineUpdates(updates <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

// PathsToWatch returns the paths whose notifications could affect the tree.
// For every monitored path, the path itself and its parent directory are
// watched, so that files that are replaced or created later are noticed.
// Globs are watched through the deepest directory that has no
// metacharacters.
func PathsToWatch(roots []*tree.Node) []string {
	set := map[string]struct{}{}
	var walk func(nodes []*tree.Node)
	walk = func(nodes []*tree.Node) {
		for _, n := range nodes {
			if tree.IsGlob(n.Path) {
				set[staticPrefix(n.Path)] = struct{}{}
			} else {
				set[n.Path] = struct{}{}
				set[filepath.Dir(n.Path)] = struct{}{}
			}
			walk(n.Children)
		}
	}
	walk(roots)

	var paths []string
	for path := range set {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func staticPrefix(pattern string) string {
	dir := filepath.Dir(pattern)
	for tree.IsGlob(dir) {
		dir = filepath.Dir(dir)
	}
	return dir
}
