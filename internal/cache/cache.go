// Package cache holds retrieve-by-name city lookups in front of the record store.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kjstillabower/city-geo-service/internal/models"
)

// Cache stores cities keyed by exact name.
// Get returns (city, true, nil) on a hit and (zero, false, nil) on a miss or expiry.
type Cache interface {
	Get(ctx context.Context, name string) (models.City, bool, error)
	Set(ctx context.Context, name string, city models.City, ttl time.Duration) error
	Delete(ctx context.Context, name string) error
	Ping(ctx context.Context) error
}

const (
	defaultTTL      = 10 * time.Minute
	cleanupInterval = time.Minute
)

var _ Cache = (*InMemoryCache)(nil)

// InMemoryCache is a process-local cache with per-entry TTL. Safe for concurrent use.
// Deletes on other instances do not reach it; multi-instance deployments use MemcachedCache.
type InMemoryCache struct {
	store *gocache.Cache
}

// NewInMemoryCache creates an empty cache; expired entries are purged every minute.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{store: gocache.New(defaultTTL, cleanupInterval)}
}

func (c *InMemoryCache) Get(ctx context.Context, name string) (models.City, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.City{}, false, err
	}
	v, ok := c.store.Get(name)
	if !ok {
		return models.City{}, false, nil
	}
	city, ok := v.(models.City)
	if !ok {
		c.store.Delete(name)
		return models.City{}, false, nil
	}
	return city, true, nil
}

// Set stores city under name. ttl <= 0 uses the cache default.
func (c *InMemoryCache) Set(ctx context.Context, name string, city models.City, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	c.store.Set(name, city, ttl)
	return nil
}

// Delete removes name; deleting a missing key is not an error.
func (c *InMemoryCache) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.store.Delete(name)
	return nil
}

func (c *InMemoryCache) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len reports the number of entries, including expired ones not yet purged.
func (c *InMemoryCache) Len() int {
	return c.store.ItemCount()
}
