package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is the distributed analog of the token bucket: a sliding
// window of Capacity events over Capacity*RefillInterval, shared by every
// instance pointing at the same Redis.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
}

func NewRedisLimiter(redisURL string, cfg Config) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return NewRedisLimiterWithClient(client, cfg), nil
}

func NewRedisLimiterWithClient(client *redis.Client, cfg Config) *RedisLimiter {
	if cfg.Scopes == nil {
		cfg.Scopes = DefaultConfig().Scopes
	}
	return &RedisLimiter{client: client, cfg: cfg}
}

func (r *RedisLimiter) Allow(ctx context.Context, scopeKey string) (Decision, error) {
	sc, ok := r.cfg.Scopes[ScopeClass(scopeKey)]
	if !ok {
		sc = defaultScope
	}

	window := time.Duration(sc.Capacity) * sc.RefillInterval
	if window <= 0 {
		window = time.Minute
	}

	key := "ratelimit:" + scopeKey
	now := time.Now()
	member := now.UnixNano()
	windowStart := now.Add(-window)

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(member), Member: member})
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("ratelimit pipeline: %w", err)
	}

	count := int(countCmd.Val())
	remaining := sc.Capacity - count
	if remaining < 0 {
		remaining = 0
	}

	if count > sc.Capacity {
		// Denied attempts should not occupy window quota.
		r.client.ZRem(ctx, key, member)

		retryAfter := window
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			oldestAt := time.Unix(0, int64(oldest[0].Score))
			retryAfter = oldestAt.Add(window).Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return Decision{Allowed: false, Remaining: remaining, RetryAfter: retryAfter}, nil
	}

	return Decision{Allowed: true, Remaining: remaining}, nil
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
