// Package infra provides concrete infrastructure adapters for Redis.
//
// The Redis limiter shares the command-submission budget across gateway
// instances. If Redis is not reachable at startup, main.go falls back to
// the in-memory limiter.
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridpoint/plantgateway/internal/ratelimit"
)

// RedisLimiter implements ratelimit.Limiter over a shared Redis instance
// using fixed one-minute windows (INCR + EXPIRE on first hit).
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	logger *log.Logger
}

// NewRedisLimiter connects to Redis and verifies connectivity with a ping.
func NewRedisLimiter(addr, password string, db, perMinute int) (*RedisLimiter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	if perMinute <= 0 {
		perMinute = 30
	}
	return &RedisLimiter{
		rdb:    rdb,
		limit:  perMinute,
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}, nil
}

// Allow counts one submission against key's current window. Redis failures
// fail open: a broken limiter must not block operator commands.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (int, error) {
	rkey := "ratelimit:" + key

	count, err := l.rdb.Incr(ctx, rkey).Result()
	if err != nil {
		l.logger.Printf("redis incr failed, allowing: key=%s err=%v", key, err)
		return l.limit, nil
	}
	if count == 1 {
		l.rdb.Expire(ctx, rkey, time.Minute)
	}
	if int(count) > l.limit {
		ttl, err := l.rdb.TTL(ctx, rkey).Result()
		if err != nil || ttl < 0 {
			ttl = time.Minute
		}
		l.logger.Printf("rate limit exceeded: key=%s count=%d limit=%d", key, count, l.limit)
		return 0, &ratelimit.Error{Key: key, Limit: l.limit, ResetAfter: ttl}
	}
	return l.limit - int(count), nil
}

// Close shuts down the underlying redis client.
func (l *RedisLimiter) Close() error {
	return l.rdb.Close()
}
