package policy

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Cache keeps the last loaded Snapshot and invalidates it when any of the
// watched policy files change on disk. A cache miss reloads synchronously.
type Cache struct {
	loader *Loader

	mu    sync.Mutex
	snap  *Snapshot
	watch *fsnotify.Watcher
}

// NewCache wraps the loader and starts watching the workspace policy
// surface. Watch setup failure degrades to load-on-every-call.
func NewCache(loader *Loader) *Cache {
	c := &Cache{loader: loader}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("policy.watch_unavailable", "error", err)
		return c
	}
	c.watch = w

	for _, dir := range c.watchDirs() {
		if err := w.Add(dir); err != nil {
			slog.Debug("policy.watch_skip", "dir", dir, "error", err)
		}
	}

	go c.run()
	return c
}

// Snapshot returns the cached snapshot, loading from disk when stale.
func (c *Cache) Snapshot() (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snap != nil && c.watch != nil {
		return c.snap, nil
	}
	snap, err := c.loader.Load()
	if err != nil {
		return nil, err
	}
	c.snap = snap
	return snap, nil
}

// Invalidate drops the cached snapshot; the next Snapshot call reloads.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.mu.Unlock()
}

// Close stops the filesystem watcher.
func (c *Cache) Close() error {
	if c.watch != nil {
		return c.watch.Close()
	}
	return nil
}

func (c *Cache) watchDirs() []string {
	ws := c.loader.workspace
	dirs := []string{
		ws,
		filepath.Join(ws, ".claude"),
		filepath.Join(ws, ".claude", "agents"),
		filepath.Join(ws, ".claude", "skills"),
		filepath.Join(ws, "skills"),
	}
	if home := c.loader.home; home != "" {
		dirs = append(dirs,
			filepath.Join(home, ".claude"),
			filepath.Join(home, ".claude", "agents"),
		)
	}
	return dirs
}

func (c *Cache) run() {
	for {
		select {
		case ev, ok := <-c.watch.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				slog.Debug("policy.invalidated", "path", ev.Name, "op", ev.Op.String())
				c.Invalidate()
			}
		case err, ok := <-c.watch.Errors:
			if !ok {
				return
			}
			slog.Warn("policy.watch_error", "error", err)
		}
	}
}
