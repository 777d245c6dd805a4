// Package redis provides the Redis-backed duplicate-suppression window for
// worker job dispatch. Job ids are deterministic per execution attempt, so a
// short SET NX window is enough to collapse double publishes from handler
// redelivery.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWindow is the dedup window applied when none is configured.
const DefaultWindow = 10 * time.Minute

// Config configures the deduper.
type Config struct {
	RedisURL  string        // defaults to redis://localhost:6379/0
	KeyPrefix string        // defaults to "dedup:"
	Window    time.Duration // defaults to DefaultWindow
}

// Deduper records published job ids in Redis with a TTL.
type Deduper struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewDeduper connects to Redis and pings it.
func NewDeduper(ctx context.Context, config Config) (*Deduper, error) {
	redisURL := config.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewDeduperWithClient(client, config), nil
}

// NewDeduperWithClient wraps an existing client; tests hand in miniredis.
func NewDeduperWithClient(client *redis.Client, config Config) *Deduper {
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "dedup:"
	}
	window := config.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduper{client: client, prefix: prefix, window: window}
}

// Close closes the Redis connection
func (d *Deduper) Close() error {
	return d.client.Close()
}

// Seen claims id for the window and reports whether it was already claimed.
// SET NX PX makes the claim and the check one atomic operation.
func (d *Deduper) Seen(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+id, "1", d.window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Ready reports whether Redis answers a ping.
func (d *Deduper) Ready(ctx context.Context) bool {
	return d.client.Ping(ctx).Err() == nil
}
