// Package throttle limits how often an action may repeat for a given key.
package throttle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "auth:cooldown:"

// Cooldown grants at most one Acquire per key within its window.
type Cooldown interface {
	// Acquire reports whether the caller may proceed. A false result means
	// the key is still cooling down.
	Acquire(ctx context.Context, key string) (bool, error)
}

// RedisCooldown stores windows as SET NX keys with a TTL, so every instance
// of the service shares them.
type RedisCooldown struct {
	rdb    *redis.Client
	window time.Duration
}

func NewRedisCooldown(rdb *redis.Client, window time.Duration) *RedisCooldown {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisCooldown{rdb: rdb, window: window}
}

func (c *RedisCooldown) Acquire(ctx context.Context, key string) (bool, error) {
	if c == nil || c.rdb == nil || key == "" {
		return true, nil
	}
	ok, err := c.rdb.SetNX(ctx, keyPrefix+hashKey(key), "1", c.window).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown setnx: %w", err)
	}
	return ok, nil
}

// Key joins parts into a cooldown key. Emails are case-folded.
func Key(parts ...string) string {
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, ":")
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Noop never throttles.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (bool, error) { return true, nil }

// Open connects to redisURL and returns a RedisCooldown, or Noop when the URL is empty.
func Open(ctx context.Context, redisURL string, window time.Duration) (Cooldown, func() error, error) {
	if redisURL == "" {
		return Noop{}, func() error { return nil }, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisCooldown(rdb, window), rdb.Close, nil
}
