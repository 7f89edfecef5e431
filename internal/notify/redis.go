package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is used when no channel is configured.
const DefaultRedisChannel = "spotd:events"

// RedisNotifier publishes each event as JSON on a Redis pub/sub channel.
type RedisNotifier struct {
	rdb     redis.UniversalClient
	channel string
}

var _ Notifier = (*RedisNotifier)(nil)

type RedisOption func(*RedisNotifier)

func WithRedisChannel(channel string) RedisOption {
	return func(n *RedisNotifier) {
		if c := strings.TrimSpace(channel); c != "" {
			n.channel = c
		}
	}
}

func NewRedisNotifier(rdb redis.UniversalClient, opts ...RedisOption) *RedisNotifier {
	n := &RedisNotifier{rdb: rdb, channel: DefaultRedisChannel}
	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Channel returns the pub/sub channel events are published on.
func (n *RedisNotifier) Channel() string {
	return n.channel
}

func (n *RedisNotifier) Notify(ctx context.Context, ev Event) error {
	if n == nil || n.rdb == nil {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if err := n.rdb.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", n.channel, err)
	}

	return nil
}

// Close closes the underlying client.
func (n *RedisNotifier) Close() error {
	if n == nil || n.rdb == nil {
		return nil
	}

	return n.rdb.Close()
}
