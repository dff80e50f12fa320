package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher keeps the latest valid profile loaded from a file. Invalid edits are
// logged and ignored; the previous snapshot stays current.
type Watcher struct {
	path    string
	current atomic.Pointer[Profile]
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	reloads chan struct{}
}

// NewWatcher loads path once and prepares to watch it for changes.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create profile watcher: %w", err)
	}
	// Editors replace files via rename, so watch the directory.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch profile directory: %w", err)
	}

	w := &Watcher{
		path:    filepath.Clean(path),
		watcher: fw,
		logger:  logger,
		reloads: make(chan struct{}, 1),
	}
	w.current.Store(p)
	return w, nil
}

// Current returns the latest valid profile snapshot.
func (w *Watcher) Current() *Profile {
	return w.current.Load()
}

// Reloaded receives a value after each successful reload.
func (w *Watcher) Reloaded() <-chan struct{} {
	return w.reloads
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("profile watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	// A truncate-then-write shows up as an empty file first.
	if info, err := os.Stat(w.path); err != nil || info.Size() == 0 {
		return
	}
	p, err := Load(w.path)
	if err != nil {
		w.logger.Warn("profile reload failed, keeping previous profile",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.current.Store(p)
	w.logger.Info("profile reloaded",
		zap.String("path", w.path),
		zap.Int("interests", len(p.Interests)),
		zap.Int("exclusions", len(p.Exclusions)))
	select {
	case w.reloads <- struct{}{}:
	default:
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
