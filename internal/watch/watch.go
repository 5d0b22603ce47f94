// Package watch re-runs a callback when files below a directory change.
package watch

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/forge/internal/exception"
)

// DefaultDebounce is the quiet period before a batch of changes is reported.
const DefaultDebounce = 200 * time.Millisecond

// DefaultIgnore skips dependency stores and VCS metadata.
var DefaultIgnore = []string{"**/node_modules", "**/node_modules/**", "**/.git", "**/.git/**"}

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	// Ignore holds doublestar patterns matched against slash-separated paths
	// relative to the root. Defaults to DefaultIgnore.
	Ignore []string
	Logger logrus.FieldLogger
}

// Watcher observes a directory tree.
type Watcher struct {
	root string
	opts Options
	fs   *fsnotify.Watcher
}

// New starts watching root and every directory below it that is not ignored.
func New(root string, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	if opts.Ignore == nil {
		opts.Ignore = DefaultIgnore
	}

	if opts.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		opts.Logger = l
	}

	for _, p := range opts.Ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, exception.New(exception.KindConfiguration, "invalid ignore pattern %q", p)
		}
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, exception.Wrap(exception.KindConfiguration, err, "invalid watch root %s", root)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, exception.Wrap(exception.KindConfiguration, err, "cannot create file watcher")
	}

	w := &Watcher{root: abs, opts: opts, fs: fw}

	if err := w.addTree(abs); err != nil {
		fw.Close()
		return nil, err
	}

	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return exception.Wrap(exception.KindConfiguration, err, "cannot watch %s", dir)
			}

			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if path != w.root && w.Ignored(path) {
			return filepath.SkipDir
		}

		if err := w.fs.Add(path); err != nil {
			w.opts.Logger.WithError(err).WithField("path", path).Debug("cannot watch directory")
		}

		return nil
	})
}

// Ignored reports whether path matches one of the ignore patterns.
func (w *Watcher) Ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}

	rel = filepath.ToSlash(rel)

	for _, p := range w.opts.Ignore {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}

	return false
}

// Run calls onChange with the sorted set of changed paths after each quiet
// period. It returns when ctx is done or the watcher fails. Calls never
// overlap.
func (w *Watcher) Run(ctx context.Context, onChange func(ctx context.Context, paths []string)) error {
	defer w.fs.Close()

	pending := map[string]struct{}{}

	timer := time.NewTimer(w.opts.Debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}

			if ev.Op == fsnotify.Chmod || w.Ignored(ev.Name) {
				continue
			}

			if ev.Op&fsnotify.Create != 0 {
				_ = w.addTree(ev.Name)
			}

			pending[ev.Name] = struct{}{}
			timer.Reset(w.opts.Debounce)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}

			return exception.Wrap(exception.KindExecution, err, "file watcher failed")
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}

			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}

			sort.Strings(paths)
			pending = map[string]struct{}{}

			w.opts.Logger.WithField("changed", len(paths)).Debug("change detected")
			onChange(ctx, paths)
		}
	}
}

// Close stops watching without running.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
