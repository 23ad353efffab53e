package fakes

import (
	"context"

	"github.com/ssuji15/codemod-run/internal/cache"
	"github.com/ssuji15/codemod-run/internal/cache/freecache"
)

// Cache is an in-process cache whose operations can be made to fail.
type Cache struct {
	*freecache.FreeCache

	PutErr    error
	GetErr    error
	GetDelErr error
	DeleteErr error
	PingErr   error
}

var _ cache.Cache = (*Cache)(nil)

func NewCache() *Cache {
	return &Cache{FreeCache: freecache.New(16*1024*1024, 600)}
}

func (c *Cache) Put(ctx context.Context, key string, value interface{}, ttl int) error {
	if c.PutErr != nil {
		return c.PutErr
	}
	return c.FreeCache.Put(ctx, key, value, ttl)
}

func (c *Cache) Get(ctx context.Context, key string, out interface{}) error {
	if c.GetErr != nil {
		return c.GetErr
	}
	return c.FreeCache.Get(ctx, key, out)
}

func (c *Cache) GetDel(ctx context.Context, key string, out interface{}) error {
	if c.GetDelErr != nil {
		return c.GetDelErr
	}
	return c.FreeCache.GetDel(ctx, key, out)
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if c.DeleteErr != nil {
		return c.DeleteErr
	}
	return c.FreeCache.Delete(ctx, key)
}

func (c *Cache) Ping(ctx context.Context) error {
	if c.PingErr != nil {
		return c.PingErr
	}
	return c.FreeCache.Ping(ctx)
}
