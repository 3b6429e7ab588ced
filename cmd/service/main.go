package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-geo-service/internal/cache"
	"github.com/kjstillabower/city-geo-service/internal/circuitbreaker"
	"github.com/kjstillabower/city-geo-service/internal/client"
	"github.com/kjstillabower/city-geo-service/internal/config"
	httphandler "github.com/kjstillabower/city-geo-service/internal/http"
	"github.com/kjstillabower/city-geo-service/internal/lifecycle"
	"github.com/kjstillabower/city-geo-service/internal/observability"
	"github.com/kjstillabower/city-geo-service/internal/service"
	"github.com/kjstillabower/city-geo-service/internal/store"
)

const (
	geocoderComponent = "geocoder"
	dbPingAttempts    = 5
	warmTimeout       = 30 * time.Second
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	cityStore, closeStore, err := openStore(startCtx, cfg, logger)
	startCancel()
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}

	geocoder, err := client.NewGISClient(client.GeocoderConfig{
		APIKey:  cfg.GeocoderAPIKey,
		URL:     cfg.GeocoderURL,
		Timeout: cfg.GeocoderTimeout,
	})
	if err != nil {
		logger.Fatal("geocoder client", zap.Error(err))
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        geocoderComponent,
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
				logger.Warn("circuit breaker state change",
					zap.String("component", component),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
		geocoder.SetCircuitBreaker(breaker)
		observability.CircuitBreakerState.WithLabelValues(geocoderComponent).Set(float64(circuitbreaker.StateClosed))
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	cityCache, closeCache, err := openCache(cfg, logger)
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}

	if cfg.WarmCache {
		warmer := cache.NewWarmer(cityStore, cityCache, cfg.CacheTTL, logger)
		warmCtx, warmCancel := context.WithTimeout(context.Background(), warmTimeout)
		if _, err := warmer.Warm(warmCtx); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
	}

	cityService := service.NewCityService(cityStore, geocoder, cityCache, cfg.CacheTTL)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		CapacityRPS:          cfg.CapacityRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		Dependencies: []httphandler.DependencyCheck{
			{Name: "store", Critical: true, Check: cityStore.Ping},
			{Name: "cache", Check: cityCache.Ping},
		},
	}
	if breaker != nil {
		healthConfig.GeocoderBreaker = breaker
	}

	observability.RegisterTrafficGauges(cfg.OverloadWindow)

	handler := httphandler.NewHandler(cityService, healthConfig, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", ":"+cfg.ServerPort),
			zap.String("store", cfg.StoreBackend),
			zap.String("cache", cfg.CacheBackend),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if err := closeCache(); err != nil {
		logger.Error("cache close", zap.Error(err))
	}
	closeStore()
	logger.Info("shutdown complete")
}

// openStore builds the city store for cfg.StoreBackend. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreBackendInMemory:
		logger.Info("store backend: in_memory")
		return store.NewMemoryStore(), func() {}, nil
	case config.StoreBackendPostgres:
		if cfg.RunMigrations {
			if err := store.RunMigrations(cfg.DatabaseURL, logger); err != nil {
				return nil, nil, fmt.Errorf("migrations: %w", err)
			}
		}
		pool, err := store.NewPool(ctx, cfg.DatabaseURL, cfg.StoreMaxConns, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := store.WaitForDB(ctx, pool, dbPingAttempts, logger); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("store backend: postgres")
		return store.NewPostgresStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// openCache builds the lookup cache for cfg.CacheBackend. The returned func releases it.
func openCache(cfg *config.Config, logger *zap.Logger) (cache.Cache, func() error, error) {
	switch cfg.CacheBackend {
	case config.CacheBackendMemcached:
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, mc.Close, nil
	case config.CacheBackendInMemory, "":
		logger.Info("cache backend: in_memory")
		return cache.NewInMemoryCache(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}
