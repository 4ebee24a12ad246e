// Package cache stores downloaded source audio on disk, keyed by a hash of
// the locator it came from.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTTL          = 24 * time.Hour
	DefaultFetchTimeout = 30 * time.Minute

	keyLength  = 12
	partSuffix = ".part"
)

// Progress is reported while resolving a locator.
type Progress struct {
	Percent float64
	Message string
	Cached  bool
}

// Cache is a flat directory of <hash12>.<ext> files. File presence and mtime
// are the only metadata.
type Cache struct {
	dir          string
	ttl          time.Duration
	fetchTimeout time.Duration
	fetcher      Fetcher
	now          func() time.Time

	statsMu sync.RWMutex
	stats   Stats
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) { c.fetchTimeout = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates the cache directory if needed.
func New(dir string, fetcher Fetcher, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	c := &Cache{
		dir:          dir,
		ttl:          DefaultTTL,
		fetchTimeout: DefaultFetchTimeout,
		fetcher:      fetcher,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.refreshStats()
	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Key returns the truncated sha256 hex digest used to name a locator's file.
func Key(locator string) string {
	sum := sha256.Sum256([]byte(locator))
	return hex.EncodeToString(sum[:])[:keyLength]
}

// Lookup returns the cached file for locator if one exists and is younger
// than the TTL.
func (c *Cache) Lookup(locator string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(c.dir, Key(locator)+".*"))
	if err != nil {
		return "", false
	}
	now := c.now()
	for _, m := range matches {
		if strings.HasSuffix(m, partSuffix) {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if now.Sub(info.ModTime()) < c.ttl {
			return m, true
		}
	}
	return "", false
}

// Resolve returns a local path for locator, fetching it on a miss. progress
// may be nil.
func (c *Cache) Resolve(ctx context.Context, locator string, progress func(Progress)) (string, error) {
	report := func(p Progress) {
		if progress != nil {
			progress(p)
		}
	}

	if path, ok := c.Lookup(locator); ok {
		slog.Info("Audio cache hit", "key", Key(locator))
		report(Progress{Percent: 100, Message: "Using cached audio", Cached: true})
		return path, nil
	}

	if n := c.Evict(); n > 0 {
		slog.Info("Evicted stale cache entries", "count", n)
	}

	scratch, err := os.MkdirTemp("", "stt-fetch-")
	if err != nil {
		return "", fmt.Errorf("failed to create fetch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	fetchCtx := ctx
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	report(Progress{Message: "Downloading audio..."})
	fetched, err := c.fetcher.Fetch(fetchCtx, locator, scratch, func(pct float64) {
		report(Progress{Percent: pct, Message: fmt.Sprintf("Downloading audio... %.1f%%", pct)})
	})
	if err != nil {
		if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			var dl *DownloadError
			if !errors.As(err, &dl) || dl.Kind != KindTimeout {
				return "", &DownloadError{Kind: KindTimeout, Timeout: c.fetchTimeout, Err: err}
			}
		}
		return "", err
	}

	path, err := c.store(locator, fetched)
	if err != nil {
		return "", err
	}
	report(Progress{Percent: 100, Message: "Download complete"})
	return path, nil
}

// store copies src into the cache under the locator's key.
func (c *Cache) store(locator, src string) (string, error) {
	ext := strings.ToLower(filepath.Ext(src))
	if ext == "" {
		ext = ".audio"
	}
	dst := filepath.Join(c.dir, Key(locator)+ext)
	tmp := dst + partSuffix

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open fetched audio: %w", err)
	}
	defer in.Close()

	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to copy into cache: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to move cache file into place: %w", err)
	}

	now := c.now()
	_ = os.Chtimes(dst, now, now)
	c.removeSiblings(dst)
	c.refreshStats()
	return dst, nil
}

// removeSiblings deletes other files stored under the same key as dst, so a
// locator never has more than one entry. Failures are logged and swallowed.
func (c *Cache) removeSiblings(dst string) {
	base := filepath.Base(dst)
	key := strings.TrimSuffix(base, filepath.Ext(base))
	matches, err := filepath.Glob(filepath.Join(c.dir, key+".*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if m == dst || strings.HasSuffix(m, partSuffix) {
			continue
		}
		if err := os.Remove(m); err != nil {
			slog.Debug("Failed to remove superseded cache file", "path", m, "error", err)
		}
	}
}

// Evict removes every cached file strictly older than the TTL and returns
// how many were removed. Errors are logged and swallowed.
func (c *Cache) Evict() int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		slog.Warn("Failed to list cache directory", "error", err)
		return 0
	}

	now := c.now()
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= c.ttl {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		if err := os.Remove(path); err != nil {
			slog.Debug("Failed to evict cache file", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		c.refreshStats()
	}
	return removed
}
