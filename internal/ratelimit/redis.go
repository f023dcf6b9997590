package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter gates an action per key, typically a client address.
type RateLimiter interface {
	Allow(key string) bool
}

// RedisLimiter admits one action per key per interval across every server
// instance sharing the Redis database.
type RedisLimiter struct {
	client   *redis.Client
	prefix   string
	interval time.Duration
}

func NewRedis(client *redis.Client, prefix string, interval time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		prefix:   prefix,
		interval: interval,
	}
}

// Allow claims the key for one interval. Redis errors fail open so that a
// cache outage never locks users out of refreshing.
func (l *RedisLimiter) Allow(key string) bool {
	if l.interval <= 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := l.client.SetNX(ctx, l.prefix+key, 1, l.interval).Result()
	if err != nil {
		return true
	}
	return ok
}

var (
	_ RateLimiter = (*Limiter)(nil)
	_ RateLimiter = (*RedisLimiter)(nil)
)
