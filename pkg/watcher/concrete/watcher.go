package concrete

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/butter-bot-machines/scribe/pkg/events"
	scribefs "github.com/butter-bot-machines/scribe/pkg/fs"
	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/security"
	"github.com/butter-bot-machines/scribe/pkg/telemetry"
	"github.com/butter-bot-machines/scribe/pkg/timing"
	"github.com/butter-bot-machines/scribe/pkg/timing/real"
	"github.com/butter-bot-machines/scribe/pkg/watcher"
)

// Options wires the watcher to the rest of the engine
type Options struct {
	Bus events.Bus
	// SelfWrites suppresses notifications caused by the engine's own
	// writes; optional
	SelfWrites  *scribefs.SelfWrites
	Reader      scribefs.Reader
	MaxFileSize int64
	Clock       timing.Clock
	Logger      logging.Logger
}

// watcherImpl implements watcher.FileWatcher
type watcherImpl struct {
	fsWatcher  *fsnotify.Watcher
	bus        events.Bus
	selfWrites *scribefs.SelfWrites
	reader     scribefs.Reader
	maxSize    int64
	debouncer  *debouncerImpl
	clock      timing.Clock
	logger     logging.Logger
	rewatch    *rate.Limiter

	roots   []string
	exclude []string
	globs   atomic.Pointer[scribefs.GlobSet]

	mu      sync.Mutex
	watched map[string]bool
	pending map[string]*pendingEvent
	rename  *pendingRename
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup

	published atomic.Uint64
	filtered  atomic.Uint64
	dropped   atomic.Uint64
	selfWrite atomic.Uint64
	gaps      atomic.Uint64
}

type pendingEvent struct {
	typ     events.EventType
	oldPath string
}

type pendingRename struct {
	path string
	at   time.Time
}

// NewWatcher watches every root recursively and publishes debounced file
// events to opts.Bus. Failing to watch a root is an error.
func NewWatcher(cfg watcher.Config, opts Options) (watcher.FileWatcher, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if len(cfg.Roots) == 0 {
		return nil, fmt.Errorf("at least one watch root is required")
	}
	if opts.Clock == nil {
		opts.Clock = real.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Reader == nil {
		opts.Reader = scribefs.OSReader{}
	}

	globs, err := scribefs.CompileGlobs(cfg.Patterns)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &watcherImpl{
		fsWatcher:  fsWatcher,
		bus:        opts.Bus,
		selfWrites: opts.SelfWrites,
		reader:     opts.Reader,
		maxSize:    opts.MaxFileSize,
		debouncer:  newDebouncer(cfg.Debounce, cfg.MaxDelay, opts.Clock),
		clock:      opts.Clock,
		logger:     opts.Logger.WithGroup("watcher"),
		rewatch:    rate.NewLimiter(rate.Every(time.Second), 1),
		watched:    make(map[string]bool),
		pending:    make(map[string]*pendingEvent),
		done:       make(chan struct{}),
	}
	w.globs.Store(&globs)
	for _, ex := range cfg.Exclude {
		if ex != "" {
			w.exclude = append(w.exclude, filepath.Clean(ex))
		}
	}

	for _, root := range cfg.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			fsWatcher.Close()
			return nil, fmt.Errorf("failed to resolve path %s: %w", root, err)
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			fsWatcher.Close()
			return nil, fmt.Errorf("failed to watch path %s: not a directory", abs)
		}
		w.roots = append(w.roots, abs)
		if err := w.AddPath(abs); err != nil {
			fsWatcher.Close()
			return nil, fmt.Errorf("failed to watch path %s: %w", abs, err)
		}
		w.logger.Info("Watching path", "path", abs)
	}

	w.wg.Add(1)
	go w.watch()

	return w, nil
}

// AddPath implements watcher.PathManager. Symlinked directories are not
// followed.
func (w *watcherImpl) AddPath(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			w.logger.Warn("Skipping unreadable path", "path", p, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.excluded(p) {
			return filepath.SkipDir
		}
		return w.add(p)
	})
}

func (w *watcherImpl) add(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[dir] {
		return nil
	}
	if err := w.fsWatcher.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = true
	return nil
}

// RemovePath implements watcher.PathManager
func (w *watcherImpl) RemovePath(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for dir := range w.watched {
		if security.IsSubPath(dir, path) {
			delete(w.watched, dir)
			if err := w.fsWatcher.Remove(dir); err != nil && !stderrors.Is(err, fsnotify.ErrNonExistentWatch) {
				errs = append(errs, err)
			}
		}
	}
	return stderrors.Join(errs...)
}

// IsWatched implements watcher.PathManager
func (w *watcherImpl) IsWatched(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watched[filepath.Clean(path)]
}

// SetPatterns implements watcher.FileWatcher
func (w *watcherImpl) SetPatterns(patterns []string) error {
	globs, err := scribefs.CompileGlobs(patterns)
	if err != nil {
		return err
	}
	w.globs.Store(&globs)
	w.logger.Debug("Watch patterns updated", "patterns", patterns)
	return nil
}

// Stats implements watcher.FileWatcher
func (w *watcherImpl) Stats() watcher.Stats {
	w.mu.Lock()
	n := len(w.watched)
	w.mu.Unlock()
	return watcher.Stats{
		Published: w.published.Load(),
		Filtered:  w.filtered.Load(),
		Dropped:   w.dropped.Load(),
		SelfWrite: w.selfWrite.Load(),
		Gaps:      w.gaps.Load(),
		Watched:   n,
	}
}

// Stop stops the watcher. Events still waiting out their debounce window
// are discarded.
func (w *watcherImpl) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.done)
	w.mu.Unlock()

	w.wg.Wait()
	w.debouncer.Stop()
	return w.fsWatcher.Close()
}

func (w *watcherImpl) watch() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.gap(err)
		}
	}
}

// handle normalizes one fsnotify event into the per-path pending state
func (w *watcherImpl) handle(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if scribefs.IsTemp(path) || w.excluded(path) {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Lstat(path)
		if err == nil && info.IsDir() {
			w.directoryCreated(path)
			return
		}
		if err == nil && info.Mode()&os.ModeSymlink != 0 {
			w.filtered.Add(1)
			return
		}
		if !w.admit(path) {
			return
		}
		if from, ok := w.takeRename(); ok {
			w.cancel(from)
			w.record(path, events.Moved, from)
			return
		}
		w.record(path, events.Created, "")

	case event.Has(fsnotify.Write):
		if w.admit(path) {
			w.record(path, events.Modified, "")
		}

	case event.Has(fsnotify.Remove):
		w.forget(path)
		if w.admit(path) {
			w.record(path, events.Deleted, "")
		}

	case event.Has(fsnotify.Rename):
		w.forget(path)
		if w.admit(path) {
			w.mu.Lock()
			w.rename = &pendingRename{path: path, at: w.clock.Now()}
			w.mu.Unlock()
			// Deleted unless a Create pairs with it within the window
			w.record(path, events.Deleted, "")
		}
	}
}

// admit applies the root and pattern filters
func (w *watcherImpl) admit(path string) bool {
	globs := *w.globs.Load()
	for _, root := range w.roots {
		if !security.IsSubPath(path, root) {
			continue
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			continue
		}
		if globs.Match(filepath.ToSlash(rel)) {
			return true
		}
	}
	w.filtered.Add(1)
	return false
}

func (w *watcherImpl) excluded(path string) bool {
	for _, ex := range w.exclude {
		if security.IsSubPath(path, ex) {
			return true
		}
	}
	return false
}

// record merges an event into the pending state for path and (re)starts
// its debounce window. A create followed by modifications stays a create.
func (w *watcherImpl) record(path string, typ events.EventType, oldPath string) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	p, ok := w.pending[path]
	switch {
	case !ok:
		w.pending[path] = &pendingEvent{typ: typ, oldPath: oldPath}
	case typ == events.Modified && (p.typ == events.Created || p.typ == events.Moved):
	default:
		p.typ = typ
		p.oldPath = oldPath
	}
	w.mu.Unlock()

	w.debouncer.Debounce(path, func() { w.emit(path) })
}

// takeRename returns the path of a rename seen within the debounce window
func (w *watcherImpl) takeRename() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rename
	w.rename = nil
	if r == nil || w.clock.Since(r.at) > w.debouncer.delay {
		return "", false
	}
	return r.path, true
}

// cancel drops the pending event for path
func (w *watcherImpl) cancel(path string) {
	w.debouncer.Cancel(path)
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()
}

// forget stops watching a directory that was removed or renamed away
func (w *watcherImpl) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range w.watched {
		if security.IsSubPath(dir, path) {
			delete(w.watched, dir)
		}
	}
}

// directoryCreated watches a new directory and reports files that appeared
// in it before the watch was in place.
func (w *watcherImpl) directoryCreated(dir string) {
	if err := w.AddPath(dir); err != nil {
		w.logger.Warn("Failed to watch new directory", "path", dir, "error", err)
		return
	}
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if w.excluded(p) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && !scribefs.IsTemp(p) && w.admit(p) {
			w.record(p, events.Created, "")
		}
		return nil
	})
}

// emit publishes the settled event for path
func (w *watcherImpl) emit(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	delete(w.pending, path)
	stopped := w.stopped
	w.mu.Unlock()
	if !ok || stopped {
		return
	}
	// a path may have become a link while the event settled
	if p.typ != events.Deleted && scribefs.IsSymlink(path) {
		w.filtered.Add(1)
		return
	}

	if p.typ != events.Deleted && w.selfWrites != nil && w.selfWrites.Pending(path) {
		data, err := w.reader.ReadFile(path, w.maxSize)
		if err == nil && w.selfWrites.Consume(path, data) {
			w.selfWrite.Add(1)
			w.logger.Debug("Ignoring engine write", "path", path)
			return
		}
	}

	ev := events.NewFileEvent(p.typ, path, p.oldPath, w.clock.Now())
	result := w.bus.Publish(context.Background(), events.NewMessage(events.TopicFile, ev))
	if result != events.Accepted {
		w.dropped.Add(1)
		w.logger.Warn("File event not accepted", "path", path, "type", p.typ, "result", result)
		return
	}
	w.published.Add(1)
	telemetry.RecordWatcherEvent(string(p.typ))
	w.logger.Debug("File event", "path", path, "type", p.typ, "event_id", ev.ID)
}

// gap handles a watcher error. Lost events cannot be recovered, so the
// roots are rewatched to pick up directories whose watch was dropped.
func (w *watcherImpl) gap(err error) {
	w.gaps.Add(1)
	telemetry.RecordWatcherGap()
	w.logger.Error("Watcher error, events may have been lost", "error", err)

	if !w.rewatch.Allow() {
		return
	}
	for _, root := range w.roots {
		if rerr := w.AddPath(root); rerr != nil {
			w.logger.Error("Rewatch failed", "root", root, "error", rerr)
			continue
		}
	}
	w.logger.Warn("Roots rewatched after gap", "roots", w.roots, "watched", w.watchedDirs())
}

func (w *watcherImpl) watchedDirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	dirs := make([]string, 0, len(w.watched))
	for d := range w.watched {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}
