package freecache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	fc "github.com/coocood/freecache"
	"github.com/ssuji15/codemod-run/internal/cache"
	"github.com/ssuji15/codemod-run/internal/config"
	"github.com/vmihailenco/msgpack/v5"
)

// FreeCache is an in-process cache. It is only suitable when the admission service and the
// runner share a process, such as in tests and local development.
type FreeCache struct {
	cache *fc.Cache
	ttl   int // seconds
	// guards read-then-delete in GetDel
	mu sync.Mutex
}

var (
	fcc       *FreeCache
	once      sync.Once
	initError error
)

func NewFreeCache() (cache.Cache, error) {
	once.Do(func() {
		cfg, err := config.GetFreeCacheConfig()
		if err != nil {
			initError = err
			return
		}
		fcc = New(cfg.SIZE_BYTES, cfg.TTL)
	})
	if initError != nil {
		return nil, initError
	}
	return fcc, nil
}

// New builds a standalone cache outside the process-wide singleton.
func New(sizeBytes int, ttlSeconds int) *FreeCache {
	return &FreeCache{
		cache: fc.NewCache(sizeBytes),
		ttl:   ttlSeconds,
	}
}

func (c *FreeCache) Put(ctx context.Context, key string, value interface{}, ttlSeconds int) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if value == nil {
		return fmt.Errorf("value cannot be nil")
	}
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %s: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Set([]byte(key), data, ttlSeconds)
}

func (c *FreeCache) Get(ctx context.Context, key string, out interface{}) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	data, err := c.cache.Get([]byte(key))
	if err != nil {
		return translate(err)
	}
	return msgpack.Unmarshal(data, out)
}

func (c *FreeCache) GetDel(ctx context.Context, key string, out interface{}) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	c.mu.Lock()
	data, err := c.cache.Get([]byte(key))
	if err == nil {
		c.cache.Del([]byte(key))
	}
	c.mu.Unlock()
	if err != nil {
		return translate(err)
	}
	return msgpack.Unmarshal(data, out)
}

func (c *FreeCache) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Del([]byte(key))
	return nil
}

func translate(err error) error {
	if errors.Is(err, fc.ErrNotFound) {
		return cache.ErrNotFound
	}
	return err
}

func (c *FreeCache) Ping(ctx context.Context) error {
	return nil
}

func (c *FreeCache) GetDefaultTTL() int {
	return c.ttl
}

func (c *FreeCache) ShutDown(ctx context.Context) {
	c.cache.Clear()
}
