// Package ratelimit spaces out repeated actions on the same key. Proxy
// relays are shared third-party services and ban clients that hammer them,
// and manual refreshes are throttled per client.
package ratelimit

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// MaxKeys bounds the keys a Limiter tracks. Past it the least recently used
// key is forgotten, which only lets that key act again early.
const MaxKeys = 4096

type Limiter struct {
	mu          sync.Mutex
	keys        *lru.Cache[string, *rate.Limiter]
	minInterval time.Duration
}

func New(minInterval time.Duration) *Limiter {
	return NewWithCapacity(minInterval, MaxKeys)
}

// NewWithCapacity is New with a custom key bound. Non-positive capacities
// use MaxKeys.
func NewWithCapacity(minInterval time.Duration, capacity int) *Limiter {
	if capacity <= 0 {
		capacity = MaxKeys
	}
	// lru.New only fails for a non-positive size.
	keys, _ := lru.New[string, *rate.Limiter](capacity)
	return &Limiter{
		keys:        keys,
		minInterval: minInterval,
	}
}

// Allow reports whether an action on key may happen now. A denied call does
// not consume the slot.
func (l *Limiter) Allow(key string) bool {
	return l.limiterFor(key).Allow()
}

// Wait blocks until an action on key is permitted or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.limiterFor(key).Wait(ctx)
}

// Len is the number of keys currently tracked.
func (l *Limiter) Len() int {
	return l.keys.Len()
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	key = normalizeKey(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.keys.Get(key); ok {
		return lim
	}

	limit := rate.Inf
	if l.minInterval > 0 {
		limit = rate.Every(l.minInterval)
	}
	lim := rate.NewLimiter(limit, 1)
	l.keys.Add(key, lim)
	return lim
}

// normalizeKey folds an http(s) URL to its host so every request through one
// relay shares a key. Any other key is only lowercased.
func normalizeKey(key string) string {
	lower := strings.ToLower(strings.TrimSpace(key))
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		if u, err := url.Parse(lower); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return lower
}
