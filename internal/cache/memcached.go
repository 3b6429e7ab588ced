package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/city-geo-service/internal/models"
)

const (
	keyPrefix = "city:"

	// memcached treats larger relative expirations as unix timestamps.
	maxRelativeExpiration = 30 * 24 * 60 * 60
	fallbackExpiration    = 600
)

var _ Cache = (*MemcachedCache)(nil)

// MemcachedCache stores cities as JSON in memcached.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// keep the client defaults when zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// key hashes the name: memcached keys may not contain spaces and are capped at 250 bytes.
func key(name string) string {
	sum := sha256.Sum256([]byte(name))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func (c *MemcachedCache) Get(ctx context.Context, name string) (models.City, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.City{}, false, err
	}
	item, err := c.client.Get(key(name))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return models.City{}, false, nil
		}
		return models.City{}, false, err
	}
	var city models.City
	if err := json.Unmarshal(item.Value, &city); err != nil {
		return models.City{}, false, err
	}
	// Guard against hash collisions.
	if city.Name != name {
		return models.City{}, false, nil
	}
	return city, true, nil
}

func (c *MemcachedCache) Set(ctx context.Context, name string, city models.City, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(city)
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        key(name),
		Value:      raw,
		Expiration: expirationSeconds(ttl),
	})
}

// Delete removes name. A miss is not an error.
func (c *MemcachedCache) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.client.Delete(key(name))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

// Ping checks that every server is reachable.
func (c *MemcachedCache) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.client.Ping()
}

// Close closes idle connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}

func expirationSeconds(ttl time.Duration) int32 {
	sec := int64(ttl / time.Second)
	if sec <= 0 || sec > maxRelativeExpiration {
		return fallbackExpiration
	}
	return int32(sec)
}
