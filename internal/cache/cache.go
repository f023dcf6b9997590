package cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryCapacity bounds the in-process cache. The service only keeps a
// handful of keys (the snapshot and its sources), so eviction is a safety
// net rather than a policy.
const MemoryCapacity = 256

// MemoryCache holds JSON-encoded values in an LRU with per-entry expiry.
// A ttl of zero means entries never expire.
type MemoryCache struct {
	entries *lru.Cache[string, entry]
	ttl     time.Duration
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type entry struct {
	data      []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemory starts a cache whose entries live for ttl. A background sweep
// drops expired entries every minute until Stop.
func NewMemory(ttl time.Duration) *MemoryCache {
	// lru.New only fails for a non-positive size.
	entries, _ := lru.New[string, entry](MemoryCapacity)

	c := &MemoryCache{
		entries: entries,
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweep(time.Minute)
	return c
}

func (c *MemoryCache) Get(key string, dest interface{}) error {
	e, ok := c.entries.Get(key)
	if !ok {
		return ErrMiss
	}
	if e.expired(c.now()) {
		c.entries.Remove(key)
		return ErrMiss
	}

	if err := json.Unmarshal(e.data, dest); err != nil {
		return fmt.Errorf("decode cached %s: %w", key, err)
	}
	return nil
}

func (c *MemoryCache) Set(key string, value interface{}) error {
	return c.SetWithTTL(key, value, c.ttl)
}

func (c *MemoryCache) SetWithTTL(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	e := entry{data: data}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries.Add(key, e)
	return nil
}

func (c *MemoryCache) Delete(key string) {
	c.entries.Remove(key)
}

func (c *MemoryCache) Clear() {
	c.entries.Purge()
}

// Len counts stored entries, expired ones included until swept.
func (c *MemoryCache) Len() int {
	return c.entries.Len()
}

// Stop ends the background sweep. Safe to call more than once.
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *MemoryCache) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *MemoryCache) removeExpired() {
	now := c.now()
	for _, key := range c.entries.Keys() {
		// Peek leaves recency alone.
		if e, ok := c.entries.Peek(key); ok && e.expired(now) {
			c.entries.Remove(key)
		}
	}
}

var _ Cache = (*MemoryCache)(nil)
