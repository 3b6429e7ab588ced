package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/city-geo-service/internal/models"
	"github.com/kjstillabower/city-geo-service/internal/observability"
)

const warmConcurrency = 8

// CityLister is implemented by the record store.
type CityLister interface {
	List(ctx context.Context) ([]models.City, error)
}

// Warmer preloads stored cities into the lookup cache.
type Warmer struct {
	lister CityLister
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewWarmer creates a Warmer. logger may be nil.
func NewWarmer(lister CityLister, c Cache, ttl time.Duration, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{lister: lister, cache: c, ttl: ttl, logger: logger}
}

// Warm lists every stored city and writes it to the cache. Individual Set failures are
// aggregated; the returned count is the number of cities written.
func (w *Warmer) Warm(ctx context.Context) (int, error) {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	defer func() {
		observability.CacheWarmingDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	cities, err := w.lister.List(ctx)
	if err != nil {
		observability.CacheWarmingErrorsTotal.Inc()
		return 0, fmt.Errorf("cache warming: list cities: %w", err)
	}
	w.logger.Info("warming cache", zap.Int("cities", len(cities)))

	errs := make([]error, len(cities))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for i, city := range cities {
		g.Go(func() error {
			if err := w.cache.Set(gctx, city.Name, city, w.ttl); err != nil {
				errs[i] = fmt.Errorf("warm %q: %w", city.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, e := range errs {
		if e != nil {
			failed++
		}
	}
	w.logger.Info("cache warming complete",
		zap.Int("cities", len(cities)),
		zap.Int("errors", failed),
		zap.Duration("duration", time.Since(start)),
	)
	if failed > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return len(cities) - failed, fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return len(cities), nil
}
