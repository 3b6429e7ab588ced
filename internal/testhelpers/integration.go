//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-geo-service/internal/cache"
	"github.com/kjstillabower/city-geo-service/internal/client"
	"github.com/kjstillabower/city-geo-service/internal/service"
	"github.com/kjstillabower/city-geo-service/internal/store"
)

const defaultGeocoderURL = "https://catalog.api.2gis.com/3.0/items/geocode"

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey        string
	APIURL        string
	DatabaseURL   string // empty: in-memory store
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if GEOCODER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	apiKey := os.Getenv("GEOCODER_API_KEY")
	if apiKey == "" {
		t.Skip("GEOCODER_API_KEY not set, skipping integration test")
	}

	apiURL := os.Getenv("GEOCODER_URL")
	if apiURL == "" {
		apiURL = defaultGeocoderURL
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIKey:        apiKey,
		APIURL:        apiURL,
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// DatabaseURL returns DATABASE_URL or skips the test.
func DatabaseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping database integration test")
	}
	return url
}

// NewPostgresStore opens a pool on databaseURL, applies migrations and empties the cities table.
func NewPostgresStore(t *testing.T, databaseURL string) *store.PostgresStore {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := store.RunMigrations(databaseURL, zap.NewNop()); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	pool, err := store.NewPool(ctx, databaseURL, 2, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(pool.Close)
	if err := store.WaitForDB(ctx, pool, 3, zap.NewNop()); err != nil {
		t.Skipf("database not reachable: %v", err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE cities RESTART IDENTITY"); err != nil {
		t.Fatalf("truncate cities: %v", err)
	}
	return store.NewPostgresStore(pool)
}

// SetupIntegrationService creates a fully configured CityService for integration tests.
// Returns the service, its cache and a cleanup function.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.CityService, cache.Cache, func()) {
	t.Helper()
	geocoder := SetupIntegrationClient(t, cfg)

	var st store.Store = store.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		st = NewPostgresStore(t, cfg.DatabaseURL)
	}

	var cacheSvc cache.Cache = cache.NewInMemoryCache()
	cleanup := func() {}
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil && mc.Ping(context.Background()) == nil {
			cacheSvc = mc
			cleanup = func() { _ = mc.Close() }
			t.Logf("using memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("memcached not available, using in-memory cache")
		}
	}

	return service.NewCityService(st, geocoder, cacheSvc, time.Minute), cacheSvc, cleanup
}

// SetupIntegrationClient creates a geocoding client against the live provider.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.GISClient {
	t.Helper()
	c, err := client.NewGISClient(client.GeocoderConfig{
		APIKey:  cfg.APIKey,
		URL:     cfg.APIURL,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewGISClient() error = %v", err)
	}
	return c
}
