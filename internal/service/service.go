// Package service implements the city operations on top of the record store,
// the geocoding client and the lookup cache.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-geo-service/internal/cache"
	"github.com/kjstillabower/city-geo-service/internal/client"
	"github.com/kjstillabower/city-geo-service/internal/geo"
	"github.com/kjstillabower/city-geo-service/internal/models"
	"github.com/kjstillabower/city-geo-service/internal/observability"
	"github.com/kjstillabower/city-geo-service/internal/store"
	"github.com/kjstillabower/city-geo-service/internal/validation"
)

// NearestCount is how many cities a nearest query returns at most.
const NearestCount = 2

// ErrGeocoderUnavailable wraps every failure talking to the geocoding provider.
var ErrGeocoderUnavailable = errors.New("geocoding provider unavailable")

// CityService orchestrates create, lookup, delete and nearest queries.
type CityService struct {
	store    store.Store
	geocoder client.Geocoder
	cache    cache.Cache
	cacheTTL time.Duration

	// invalidations counts deletes per name. A lookup that saw a different count
	// before its store read drops the entry it just cached.
	mu            sync.Mutex
	invalidations map[string]uint64
}

// NewCityService creates a CityService. c may be nil to disable the lookup cache.
func NewCityService(st store.Store, geocoder client.Geocoder, c cache.Cache, cacheTTL time.Duration) *CityService {
	return &CityService{
		store:         st,
		geocoder:      geocoder,
		cache:         c,
		cacheTTL:      cacheTTL,
		invalidations: make(map[string]uint64),
	}
}

func (s *CityService) invalidation(name string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidations[name]
}

func (s *CityService) invalidate(name string) {
	s.mu.Lock()
	s.invalidations[name]++
	s.mu.Unlock()
}

// CreateCity validates name, resolves it with the geocoder and stores the result.
// Returns models.ErrValidation, models.ErrConflict, models.ErrNotFound (provider has no
// such city) or ErrGeocoderUnavailable. Nothing is stored unless the provider resolves the name.
func (s *CityService) CreateCity(ctx context.Context, name string) (city models.City, err error) {
	defer func() { recordOutcome("create", err) }()
	logger := observability.LoggerFromContext(ctx)

	name, err = validation.ValidateCityName(name)
	if err != nil {
		return models.City{}, err
	}

	if _, err := s.store.GetByName(ctx, name); err == nil {
		return models.City{}, fmt.Errorf("city %q: %w", name, models.ErrConflict)
	} else if !errors.Is(err, models.ErrNotFound) {
		return models.City{}, fmt.Errorf("check existing city: %w", err)
	}

	coords, ok, err := s.geocoder.Geocode(ctx, name)
	if err != nil {
		logger.Warn("geocoding failed",
			zap.String("city", name),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		return models.City{}, fmt.Errorf("%w: %w", ErrGeocoderUnavailable, err)
	}
	if !ok {
		logger.Debug("geocoder found no city", zap.String("city", name))
		return models.City{}, fmt.Errorf("no such city %q: %w", name, models.ErrNotFound)
	}
	if err := validation.ValidateCoordinates(coords.Lat, coords.Lon); err != nil {
		return models.City{}, fmt.Errorf("%w: %w: provider returned (%v, %v)",
			ErrGeocoderUnavailable, client.ErrUpstreamFailure, coords.Lat, coords.Lon)
	}

	created, err := s.store.Create(ctx, models.City{Name: name, Latitude: coords.Lat, Longitude: coords.Lon})
	if err != nil {
		return models.City{}, err
	}
	logger.Debug("city created",
		zap.String("city", created.Name),
		zap.Float64("latitude", created.Latitude),
		zap.Float64("longitude", created.Longitude),
	)
	return created, nil
}

// ListCities returns every stored city in store order; never nil.
func (s *CityService) ListCities(ctx context.Context) (cities []models.City, err error) {
	defer func() { recordOutcome("list", err) }()

	cities, err = s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cities: %w", err)
	}
	if cities == nil {
		cities = []models.City{}
	}
	return cities, nil
}

// GetCity returns the city with exactly this name, checking the cache first.
func (s *CityService) GetCity(ctx context.Context, name string) (city models.City, err error) {
	defer func() { recordOutcome("get", err) }()
	logger := observability.LoggerFromContext(ctx)

	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, name)
		switch {
		case err != nil:
			observability.CacheErrorsTotal.WithLabelValues("get").Inc()
			logger.Warn("cache get failed", zap.String("city", name), zap.Error(err))
		case ok:
			observability.CacheHitsTotal.Inc()
			logger.Debug("cache hit", zap.String("city", name))
			return cached, nil
		default:
			observability.CacheMissesTotal.Inc()
		}
	}

	seen := s.invalidation(name)
	city, err = s.store.GetByName(ctx, name)
	if err != nil {
		return models.City{}, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, name, city, s.cacheTTL); err != nil {
			observability.CacheErrorsTotal.WithLabelValues("set").Inc()
			logger.Warn("cache set failed", zap.String("city", name), zap.Error(err))
		} else if s.invalidation(name) != seen {
			// Deleted while we were reading; the delete may already have cleared the cache.
			if err := s.cache.Delete(ctx, name); err != nil {
				observability.CacheErrorsTotal.WithLabelValues("delete").Inc()
				logger.Warn("cache delete of stale lookup failed", zap.String("city", name), zap.Error(err))
			}
		}
	}
	return city, nil
}

// DeleteCity removes the city with exactly this name and drops it from the cache.
func (s *CityService) DeleteCity(ctx context.Context, name string) (err error) {
	defer func() { recordOutcome("delete", err) }()

	if err := s.store.DeleteByName(ctx, name); err != nil {
		return err
	}
	s.invalidate(name)
	if s.cache != nil {
		if err := s.cache.Delete(ctx, name); err != nil {
			observability.CacheErrorsTotal.WithLabelValues("delete").Inc()
			// A stale entry would keep serving a deleted city.
			return fmt.Errorf("invalidate cached city %q: %w", name, err)
		}
	}
	observability.LoggerFromContext(ctx).Debug("city deleted", zap.String("city", name))
	return nil
}

// NearestCities returns up to NearestCount stored cities closest to (lat, lon), nearest
// first. Coordinates are validated before the store is read.
func (s *CityService) NearestCities(ctx context.Context, lat, lon float64) (nearest []models.City, err error) {
	defer func() { recordOutcome("nearest", err) }()

	if err := validation.ValidateCoordinates(lat, lon); err != nil {
		return nil, err
	}

	cities, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cities: %w", err)
	}
	observability.NearestCandidates.Observe(float64(len(cities)))

	points := make([]models.Coordinates, len(cities))
	for i, c := range cities {
		points[i] = c.Coordinates()
	}
	ranked := geo.Nearest(models.Coordinates{Lat: lat, Lon: lon}, points, NearestCount)

	nearest = make([]models.City, len(ranked))
	for i, r := range ranked {
		nearest[i] = cities[r.Index]
	}
	return nearest, nil
}

func recordOutcome(operation string, err error) {
	observability.CityOperationsTotal.WithLabelValues(operation, outcomeLabel(err)).Inc()
}

// outcomeLabel returns a stable metrics label for err.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	case errors.Is(err, ErrGeocoderUnavailable):
		return "geocoder_error"
	default:
		return "error"
	}
}
