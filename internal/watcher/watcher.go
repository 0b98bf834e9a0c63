// Package watcher reports source changes of a project directory tree.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/Iron-Ham/oxyrun/internal/logging"
)

// DefaultDebounce groups the bursts of events editors emit for one save.
const DefaultDebounce = 50 * time.Millisecond

// DefaultIgnores are matched against every path segment.
var DefaultIgnores = []string{".git", "node_modules", ".cache", ".oxyrun", "dist", ".DS_Store", "*.swp", "*~"}

// Op is the kind of a change.
type Op int

const (
	OpCreate Op = iota
	OpChange
	OpDelete
)

// String returns a human-readable op name.
func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpChange:
		return "change"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is one file that changed.
type Change struct {
	Path string
	Op   Op
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithIgnore replaces DefaultIgnores. A pattern matches a path segment or
// the slash-separated path relative to the root.
func WithIgnore(patterns ...string) Option {
	return func(w *Watcher) {
		w.patterns = patterns
	}
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithLogger sets the watcher logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) {
		w.logger = l
	}
}

// Watcher delivers debounced batches of changes under a root directory.
type Watcher struct {
	watcher  *fsnotify.Watcher
	root     string
	patterns []string
	ignores  []glob.Glob
	debounce time.Duration
	onChange func([]Change)
	logger   *logging.Logger

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New watches root and every directory below it that is not ignored.
// onChange receives each batch on the watcher goroutine, sorted by path.
func New(root string, onChange func([]Change), opts ...Option) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", root)
	}

	w := &Watcher{
		root:     root,
		patterns: DefaultIgnores,
		debounce: DefaultDebounce,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logging.NopLogger()
	}
	w.logger = w.logger.WithComponent("watcher")

	for _, p := range w.patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("ignore pattern %q: %w", p, err)
		}
		w.ignores = append(w.ignores, g)
	}

	w.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.watchDirRecursive(root); err != nil {
		_ = w.watcher.Close()
		return nil, err
	}

	go w.watchLoop()
	return w, nil
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.stopCh)
		w.closeErr = w.watcher.Close()
		<-w.done
	})
	return w.closeErr
}

// Ignored reports whether path is excluded from watching.
func (w *Watcher) Ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, g := range w.ignores {
		if g.Match(rel) {
			return true
		}
		for _, seg := range strings.Split(rel, "/") {
			if g.Match(seg) {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) watchDirRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.Ignored(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	debounceTimer := time.NewTimer(w.debounce)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	defer debounceTimer.Stop()

	pending := make(map[string]Op)

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.Ignored(ev.Name) {
				continue
			}
			op, ok := w.classify(ev)
			if !ok {
				continue
			}
			if prev, seen := pending[ev.Name]; seen && prev == OpCreate && op == OpChange {
				op = OpCreate
			}
			pending[ev.Name] = op
			debounceTimer.Reset(w.debounce)

		case <-debounceTimer.C:
			if len(pending) == 0 {
				continue
			}
			batch := make([]Change, 0, len(pending))
			for path, op := range pending {
				batch = append(batch, Change{Path: path, Op: op})
			}
			pending = make(map[string]Op)
			slices.SortFunc(batch, func(a, b Change) int {
				return strings.Compare(a.Path, b.Path)
			})
			if w.onChange != nil {
				w.onChange(batch)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err.Error())
		}
	}
}

// classify maps an fsnotify event to a change. New directories are
// watched and not reported.
func (w *Watcher) classify(ev fsnotify.Event) (Op, bool) {
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.watchDirRecursive(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err.Error())
			}
			return 0, false
		}
		return OpCreate, true
	case ev.Has(fsnotify.Write):
		return OpChange, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return OpDelete, true
	default:
		return 0, false
	}
}
