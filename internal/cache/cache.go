package cache

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// Cache is a TTL key-value store. Values are msgpack encoded.
// GetDel reads and removes a key atomically: of two concurrent callers at most one receives the value.
type Cache interface {
	Put(ctx context.Context, key string, value interface{}, ttl int) error
	Get(ctx context.Context, key string, out interface{}) error
	GetDel(ctx context.Context, key string, out interface{}) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	GetDefaultTTL() int
	ShutDown(ctx context.Context)
}
