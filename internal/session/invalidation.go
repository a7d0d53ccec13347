package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Invalidator broadcasts session writes so other server instances can drop
// their stale in-memory copies.
type Invalidator interface {
	Publish(ctx context.Context, sessionID string) error
	// Subscribe calls onInvalidate for writes made by other instances. It
	// returns once the subscription is established; delivery stops when ctx ends.
	Subscribe(ctx context.Context, onInvalidate func(sessionID string)) error
	Close() error
}

// NoopInvalidator is used for single-instance deployments.
type NoopInvalidator struct{}

func (NoopInvalidator) Publish(context.Context, string) error { return nil }

func (NoopInvalidator) Subscribe(context.Context, func(string)) error { return nil }

func (NoopInvalidator) Close() error { return nil }

const payloadSep = "|"

// RedisInvalidator publishes invalidations over a Redis pub/sub channel.
type RedisInvalidator struct {
	rdb        *goredis.Client
	channel    string
	instanceID string
}

// NewRedisInvalidator connects to Redis and verifies the connection.
func NewRedisInvalidator(ctx context.Context, addr, channel, instanceID string) (*RedisInvalidator, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if channel == "" {
		channel = "studypartner:sessions"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisInvalidator{rdb: rdb, channel: channel, instanceID: instanceID}, nil
}

// Publish announces that sessionID was written by this instance.
func (r *RedisInvalidator) Publish(ctx context.Context, sessionID string) error {
	return r.rdb.Publish(ctx, r.channel, r.instanceID+payloadSep+sessionID).Err()
}

// Subscribe starts forwarding invalidations from other instances.
func (r *RedisInvalidator) Subscribe(ctx context.Context, onInvalidate func(sessionID string)) error {
	if onInvalidate == nil {
		return fmt.Errorf("onInvalidate callback required")
	}

	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				origin, sessionID, found := strings.Cut(m.Payload, payloadSep)
				if !found || sessionID == "" {
					slog.Warn("Bad session invalidation payload", "payload", m.Payload)
					continue
				}
				if origin == r.instanceID {
					continue
				}
				onInvalidate(sessionID)
			}
		}
	}()

	slog.Info("Session invalidation subscriber started", "channel", r.channel, "instance_id", r.instanceID)
	return nil
}

// Close closes the Redis client.
func (r *RedisInvalidator) Close() error {
	return r.rdb.Close()
}
