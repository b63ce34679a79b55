// Package cache holds the short-lived read-through cache that bounds how often the
// readiness promoter hits the database.
package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

// ReadThrough caches one loaded value per key for a fixed TTL. Within the TTL every Get
// returns the stored value as-is, including an empty result; the first Get after expiry
// loads again and replaces it. Errors are never cached.
type ReadThrough[T any] struct {
	items *ttlcache.Cache[string, T]
	group singleflight.Group
}

// NewReadThrough returns a cache with the given TTL. Hits do not extend an entry's lifetime.
func NewReadThrough[T any](ttl time.Duration) *ReadThrough[T] {
	return &ReadThrough[T]{
		items: ttlcache.New[string, T](
			ttlcache.WithTTL[string, T](ttl),
			ttlcache.WithDisableTouchOnHit[string, T](),
		),
	}
}

// Get returns the cached value for key, calling load when there is none or it has expired.
// Concurrent misses for the same key share a single load.
func (c *ReadThrough[T]) Get(ctx context.Context, key string, load func(ctx context.Context) (T, error)) (T, error) {
	if item := c.items.Get(key); item != nil {
		return item.Value(), nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if item := c.items.Get(key); item != nil {
			return item.Value(), nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.items.Set(key, v, ttlcache.DefaultTTL)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// Invalidate drops the entry for key.
func (c *ReadThrough[T]) Invalidate(key string) {
	c.items.Delete(key)
}
