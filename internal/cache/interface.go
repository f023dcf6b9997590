package cache

import (
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache stores JSON-encodable values under string keys. Both backends
// serialize on Set, so callers never share memory with a cached value.
type Cache interface {
	// Get decodes the value stored under key into dest.
	Get(key string, dest interface{}) error
	Set(key string, value interface{}) error
	SetWithTTL(key string, value interface{}, ttl time.Duration) error
	Delete(key string)
	Clear()
}
