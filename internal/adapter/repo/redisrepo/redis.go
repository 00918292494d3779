// Package redisrepo contains the Redis-backed repositories. Redis is the
// single source of truth for jobs, files, counters, and archives; every
// mutation that could race goes through a server-side script.
package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/media-fetch/internal/domain"
)

// scanBatchHint bounds the per-round-trip batch of SCAN iterations.
const scanBatchHint = 100

// defaultTimeout is applied to each store round-trip when the caller context
// carries no tighter deadline.
const defaultTimeout = 1 * time.Second

// Client wraps go-redis with the small KV surface the repositories share.
type Client struct {
	rdb *redis.Client
}

// New parses a redis:// URL and returns a connected client.
func New(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redis.parse_url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opt)}, nil
}

// NewFromClient wraps an existing go-redis client (tests use miniredis here).
func NewFromClient(rdb *redis.Client) *Client { return &Client{rdb: rdb} }

// Rdb exposes the underlying client to sibling repositories.
func (c *Client) Rdb() *redis.Client { return c.rdb }

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=redis.ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// SetJSON marshals v and stores it under key with the given TTL.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=redis.set_json key=%s: %w", key, err)
	}
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("op=redis.set_json key=%s: %w", key, err)
	}
	return nil
}

// GetJSON loads key into v. Returns domain.ErrNotFound when the key is absent.
func (c *Client) GetJSON(ctx context.Context, key string, v any) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("op=redis.get_json key=%s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("op=redis.get_json key=%s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("op=redis.get_json key=%s decode: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("op=redis.delete key=%s: %w", key, err)
	}
	return nil
}

// Exists reports whether the key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("op=redis.exists key=%s: %w", key, err)
	}
	return n > 0, nil
}

// ScanKeys iterates keys matching pattern with a bounded batch size, invoking
// fn per key. fn returning false stops the scan early. SCAN never blocks the
// store the way KEYS would.
func (c *Client) ScanKeys(ctx context.Context, pattern string, fn func(key string) (bool, error)) error {
	var cursor uint64
	for {
		scanCtx, cancel := withDeadline(ctx)
		keys, next, err := c.rdb.Scan(scanCtx, cursor, pattern, scanBatchHint).Result()
		cancel()
		if err != nil {
			return fmt.Errorf("op=redis.scan pattern=%s: %w", pattern, err)
		}
		for _, k := range keys {
			cont, err := fn(k)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// WithLock runs fn while holding a distributed lock. When another holder owns
// the lock the call returns (false, nil) without running fn. Release is
// compare-and-delete so an expired lease never deletes a successor's lock.
func (c *Client) WithLock(ctx context.Context, name string, lease time.Duration, fn func(ctx context.Context) error) (bool, error) {
	token := uuid.NewString()
	key := "lock:" + name
	ok, err := c.rdb.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		return false, fmt.Errorf("op=redis.lock name=%s: %w", name, err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		_ = releaseLockScript.Run(context.WithoutCancel(ctx), c.rdb, []string{key}, token).Err()
	}()
	return true, fn(ctx)
}

func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultTimeout)
}
