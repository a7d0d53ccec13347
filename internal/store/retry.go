package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	busyMaxRetries = 3
	busyBaseDelay  = 50 * time.Millisecond
)

// withBusyRetry runs fn, retrying with exponential backoff (50ms, 100ms)
// while SQLite reports SQLITE_BUSY or "database is locked".
func withBusyRetry(ctx context.Context, op string, fn func() error) error {
	for i := 0; i < busyMaxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isSQLiteConflict(err) {
			return err
		}
		if i == busyMaxRetries-1 {
			return fmt.Errorf("%s failed after %d attempts: %w", op, busyMaxRetries, err)
		}

		delay := busyBaseDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil
}

// isSQLiteConflict reports SQLITE_BUSY and "database is locked" errors,
// both of which are transient under concurrent writers.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
