// Package watcher reports edits to the source files of file-run sessions.
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// ChangeCallback is called once per burst of writes to a watched file.
type ChangeCallback func(sessionID, path string)

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher monitors one source file per session.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*sessionWatcher // sessionID → watcher
	callback ChangeCallback
	debounce time.Duration
	log      *slog.Logger
}

type sessionWatcher struct {
	sessionID string
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
}

// New creates a new file watcher.
func New(callback ChangeCallback, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		callback: callback,
		debounce: opts.Debounce,
		log:      opts.Logger,
	}
}

// Watch starts reporting changes to path for a session, replacing any
// previous watch for it. The parent directory is watched so that editors
// which save by writing a new file and renaming it are still noticed.
func (w *Watcher) Watch(sessionID, path string) error {
	if path == "" {
		return errors.New("empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		path:      abs,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
	}

	w.Unwatch(sessionID)
	w.mu.Lock()
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	go w.watchLoop(sw)
	w.log.Debug("watching source file", "session_id", sessionID, "path", abs)
	return nil
}

// Unwatch stops watching a session's file.
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

// Watched reports whether a session currently has a watch.
func (w *Watcher) Watched(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watchers[sessionID]
	return ok
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
			if filepath.Clean(event.Name) != sw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case <-sw.cancel:
					return
				default:
				}
				if w.callback != nil {
					w.callback(sw.sessionID, sw.path)
				}
			})

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "session_id", sw.sessionID, "error", err)
		}
	}
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
