package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultCapacity bounds the in-memory seen set. Feeds rotate far fewer links
// than this between runs.
const DefaultCapacity = 10000

// SeenStore remembers which article links a reader has already been told
// about. It is owned by the caller and passed to Diff.
type SeenStore interface {
	// Seen reports, per link, whether it was recorded before.
	Seen(ctx context.Context, links []string) ([]bool, error)
	Add(ctx context.Context, links ...string) error
	Len(ctx context.Context) (int, error)
}

// MemorySeenStore is a bounded set; the least recently added links fall out
// first once capacity is reached.
type MemorySeenStore struct {
	links *lru.Cache[string, struct{}]
}

func NewMemorySeenStore(capacity int) (*MemorySeenStore, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	links, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("create seen set: %w", err)
	}
	return &MemorySeenStore{links: links}, nil
}

func (s *MemorySeenStore) Seen(ctx context.Context, links []string) ([]bool, error) {
	out := make([]bool, len(links))
	for i, link := range links {
		out[i] = s.links.Contains(link)
	}
	return out, nil
}

func (s *MemorySeenStore) Add(ctx context.Context, links ...string) error {
	for _, link := range links {
		s.links.Add(link, struct{}{})
	}
	return nil
}

func (s *MemorySeenStore) Len(ctx context.Context) (int, error) {
	return s.links.Len(), nil
}

const (
	defaultSeenRedisKey = "samachar:seen-links"
	defaultSeenTTL      = 30 * 24 * time.Hour
)

// RedisSeenStore keeps the seen set in a single Redis set so that every
// server instance reports the same new items. The key expiry is refreshed on
// each Add.
type RedisSeenStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisSeenStore(client *redis.Client, key string, ttl time.Duration) *RedisSeenStore {
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultSeenRedisKey
	}
	if ttl <= 0 {
		ttl = defaultSeenTTL
	}
	return &RedisSeenStore{client: client, key: key, ttl: ttl}
}

func (s *RedisSeenStore) Seen(ctx context.Context, links []string) ([]bool, error) {
	if len(links) == 0 {
		return []bool{}, nil
	}
	members := make([]interface{}, len(links))
	for i, link := range links {
		members[i] = link
	}
	seen, err := s.client.SMIsMember(ctx, s.key, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis seen lookup: %w", err)
	}
	return seen, nil
}

func (s *RedisSeenStore) Add(ctx context.Context, links ...string) error {
	if len(links) == 0 {
		return nil
	}
	members := make([]interface{}, len(links))
	for i, link := range links {
		members[i] = link
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.key, members...)
	pipe.Expire(ctx, s.key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis seen add: %w", err)
	}
	return nil
}

func (s *RedisSeenStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis seen count: %w", err)
	}
	return int(n), nil
}

var (
	_ SeenStore = (*MemorySeenStore)(nil)
	_ SeenStore = (*RedisSeenStore)(nil)
)
