package scribe

import (
	"context"
	"log/slog"
	"time"
)

type cacheWatcher interface {
	Watch(ctx context.Context) error
}

// maintain keeps cache stats live and reaps stale jobs and sessions.
func (s *Scribe) maintain(ctx context.Context) {
	if w, ok := s.cache.(cacheWatcher); ok {
		go func() {
			if err := w.Watch(ctx); err != nil {
				slog.Error("Failed to watch cache directory", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(maintenancePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.reap()
		}
	}
}

func (s *Scribe) reap() {
	if n := s.jobs.Reap(); n > 0 {
		slog.Info("Reaped finished jobs", "count", n)
	}
	if n := s.sessions.Reap(); n > 0 {
		slog.Info("Reaped realtime sessions", "count", n)
	}
}
