package cache

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Stats summarizes the cache directory.
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// Stats returns the last computed snapshot.
func (c *Cache) Stats() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats
}

func (c *Cache) refreshStats() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		slog.Debug("Failed to scan cache directory", "error", err)
		return
	}

	var s Stats
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), partSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s.Entries++
		s.Bytes += info.Size()
	}

	c.statsMu.Lock()
	c.stats = s
	c.statsMu.Unlock()
}

// Watch keeps Stats current when files are added or removed by anything,
// including other processes sharing the directory. It blocks until ctx is
// done.
func (c *Cache) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(c.dir); err != nil {
		return err
	}
	slog.Info("Started watching cache directory", "path", c.dir)
	c.refreshStats()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if strings.HasSuffix(event.Name, partSuffix) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Write) {
				c.refreshStats()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("Cache watcher error", "error", err)
		}
	}
}
