package session

import (
	"context"
	"log/slog"
	"time"
)

// StartSweeper runs a background goroutine that periodically evicts sessions
// idle for longer than ttl from memory. Evicted sessions stay resolvable
// through the durable store.
func (c *Cache) StartSweeper(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		slog.Info("Session sweeper disabled", "interval", interval, "ttl", ttl)
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if n := c.sweep(ttl); n > 0 {
					slog.Info("Session sweeper evicted idle sessions", "count", n, "remaining", c.Len())
				}
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
