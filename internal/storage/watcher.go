package storage

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EvictCallback is called after the watcher dropped a cached session.
// kind is "changed" or "removed".
type EvictCallback func(kind, location string)

const settleDelay = 200 * time.Millisecond

// Watch observes the given database files until ctx is cancelled. When a
// file changes on disk and its checksum no longer matches the cached
// session, the session is evicted so the next request reopens the file.
//
// Directories are watched rather than files, since KeePass clients
// usually save by writing a temp file and renaming it over the original.
func Watch(ctx context.Context, sessions *Sessions, locations []string, logger *slog.Logger, cb EvictCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	watched := make(map[string]bool, len(locations))
	dirs := make(map[string]bool)
	for _, loc := range locations {
		abs, err := ExpandPath(loc)
		if err != nil {
			return err
		}
		watched[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			return err
		}
	}

	logger.Info("watcher: started", slog.Int("databases", len(watched)))

	pending := make(map[string]bool)
	var settleTimer *time.Timer
	var settleCh <-chan time.Time

	schedule := func(path string) {
		pending[path] = true
		if settleTimer == nil {
			settleTimer = time.NewTimer(settleDelay)
			settleCh = settleTimer.C
		} else {
			settleTimer.Reset(settleDelay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if settleTimer != nil {
				settleTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-settleCh:
			for path := range pending {
				reconcile(sessions, path, logger, cb)
			}
			clear(pending)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			path := filepath.Clean(ev.Name)
			if !watched[path] {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule(path)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// reconcile compares the file on disk with the cached session.
func reconcile(sessions *Sessions, path string, logger *slog.Logger, cb EvictCallback) {
	sess, ok := sessions.Lookup(path)
	if !ok {
		return
	}

	sum, err := FileChecksum(path)
	kind := "changed"
	switch {
	case err != nil:
		kind = "removed"
	case sum == sess.Checksum():
		logger.Debug("watcher: own save ignored", slog.String("location", path))
		return
	}

	if sessions.Evict(path) {
		logger.Info("watcher: session evicted", slog.String("location", path), slog.String("reason", kind))
		if cb != nil {
			cb(kind, path)
		}
	}
}
