// Package cache provides a bounded, TTL-scoped read-through cache used for
// tenant-scoped lookups (org memory, tenant policy, entitlements).
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSize = 1024
	DefaultTTL  = 5 * time.Minute
)

// Loader fetches the authoritative value for key on a miss.
type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

type Cache[K comparable, V any] struct {
	entries *expirable.LRU[K, V]
	load    Loader[K, V]
	group   singleflight.Group

	mu    sync.RWMutex
	hooks []func(K)
}

func New[K comparable, V any](size int, ttl time.Duration, load Loader[K, V]) *Cache[K, V] {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[K, V]{
		entries: expirable.NewLRU[K, V](size, nil, ttl),
		load:    load,
	}
}

// Get returns the cached value or loads it. Concurrent misses for the same
// key share a single load. Load errors are not cached.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	if v, ok := c.entries.Get(key); ok {
		return v, nil
	}
	var zero V
	if c.load == nil {
		return zero, errors.New("cache loader required")
	}
	res, err, _ := c.group.Do(fmt.Sprint(key), func() (any, error) {
		v, err := c.load(ctx, key)
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, v)
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	return res.(V), nil
}

// Set stores a value directly, e.g. after a write-through update.
func (c *Cache[K, V]) Set(key K, value V) {
	c.entries.Add(key, value)
}

// Invalidate drops key and notifies registered hooks.
func (c *Cache[K, V]) Invalidate(key K) {
	c.entries.Remove(key)
	c.mu.RLock()
	hooks := append([]func(K){}, c.hooks...)
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn(key)
	}
}

// OnInvalidate registers fn to run after every Invalidate call.
func (c *Cache[K, V]) OnInvalidate(fn func(K)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *Cache[K, V]) Purge() {
	c.entries.Purge()
}

func (c *Cache[K, V]) Len() int {
	return c.entries.Len()
}
