package redisrepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/media-fetch/internal/domain"
)

// RateLimitRepo maintains windowed counters keyed by (ip-hash, limit-type).
// Transport failures degrade to an unlimited synthetic state: rate limits are
// advisory, not a security boundary, so a store outage fails open.
type RateLimitRepo struct {
	client *Client
}

// NewRateLimitRepo constructs a RateLimitRepo.
func NewRateLimitRepo(c *Client) *RateLimitRepo { return &RateLimitRepo{client: c} }

func rateLimitKey(ip string, limit domain.RateLimitType) string {
	h := sha256.Sum256([]byte(ip))
	return fmt.Sprintf("ratelimit:%s:%s", limit, hex.EncodeToString(h[:8]))
}

// ResetTime computes the window boundary for a limit type: daily limits reset
// at the next midnight UTC, hourly at the next hour, everything else at the
// next minute.
func ResetTime(limit domain.RateLimitType, now time.Time) time.Time {
	now = now.UTC()
	name := string(limit)
	switch {
	case strings.HasPrefix(name, "daily"):
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	case strings.Contains(name, "hourly"):
		return now.Truncate(time.Hour).Add(time.Hour)
	default:
		return now.Truncate(time.Minute).Add(time.Minute)
	}
}

// Increment atomically bumps the counter and pins its expiry to the window
// boundary. EXPIREAT is idempotent, so racing callers agree on the reset.
func (r *RateLimitRepo) Increment(ctx context.Context, ip string, limit domain.RateLimitType) (int64, time.Time, error) {
	key := rateLimitKey(ip, limit)
	resetAt := ResetTime(limit, time.Now())
	pipe := r.client.Rdb().Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, resetAt)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("rate limit increment failed, failing open",
			slog.String("limit", string(limit)), slog.Any("error", err))
		return 0, ResetTime(limit, time.Now()), nil
	}
	return incr.Val(), resetAt, nil
}

// GetState reads the counter and its remaining window without incrementing.
// A missing or TTL-less key yields a fresh window.
func (r *RateLimitRepo) GetState(ctx context.Context, ip string, limit domain.RateLimitType) (int64, time.Time, error) {
	key := rateLimitKey(ip, limit)
	pipe := r.client.Rdb().Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("rate limit state read failed, failing open",
			slog.String("limit", string(limit)), slog.Any("error", err))
		return 0, ResetTime(limit, time.Now()), nil
	}
	count, _ := get.Int64()
	d := ttl.Val()
	if d <= 0 {
		return count, ResetTime(limit, time.Now()), nil
	}
	return count, time.Now().UTC().Add(d), nil
}
