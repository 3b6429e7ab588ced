package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-geo-service/internal/circuitbreaker"
	"github.com/kjstillabower/city-geo-service/internal/lifecycle"
	"github.com/kjstillabower/city-geo-service/internal/models"
	"github.com/kjstillabower/city-geo-service/internal/observability"
	"github.com/kjstillabower/city-geo-service/internal/service"
	"github.com/kjstillabower/city-geo-service/internal/traffic"
	"github.com/kjstillabower/city-geo-service/internal/validation"
)

const (
	maxRequestBodyBytes = 1 << 16
	dependencyTimeout   = 2 * time.Second
	// A failing dependency is logged at most once per interval.
	dependencyWarnInterval = 30 * time.Second
)

// CityService is the set of city operations the handlers expose.
type CityService interface {
	CreateCity(ctx context.Context, name string) (models.City, error)
	ListCities(ctx context.Context) ([]models.City, error)
	GetCity(ctx context.Context, name string) (models.City, error)
	DeleteCity(ctx context.Context, name string) error
	NearestCities(ctx context.Context, lat, lon float64) ([]models.City, error)
}

// DependencyCheck is a named reachability probe reported on /health.
// A failing Critical check makes the service degraded.
type DependencyCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// BreakerStatus reports a circuit breaker's state.
type BreakerStatus interface {
	State() circuitbreaker.State
}

// HealthConfig holds lifecycle thresholds and probes for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	// CapacityRPS is the request rate one instance is sized for.
	CapacityRPS      int
	DegradedWindow   time.Duration
	DegradedErrorPct int
	Dependencies     []DependencyCheck
	// GeocoderBreaker is nil when the circuit breaker is disabled.
	GeocoderBreaker BreakerStatus
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	cities           CityService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev lifecycle.Status
	dependencyWarn   map[string]*rate.Sometimes
}

// NewHandler returns a new Handler. healthConfig may be nil.
func NewHandler(cities CityService, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		cities:         cities,
		healthConfig:   healthConfig,
		logger:         logger,
		dependencyWarn: make(map[string]*rate.Sometimes),
	}
	if healthConfig != nil {
		for _, dep := range healthConfig.Dependencies {
			h.dependencyWarn[dep.Name] = &rate.Sometimes{Interval: dependencyWarnInterval}
		}
	}
	return h
}

type createCityRequest struct {
	Name *string `json:"name"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// CreateCity handles POST /city/.
func (h *Handler) CreateCity(w http.ResponseWriter, r *http.Request) {
	var req createCityRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "request body must be a JSON object with a name field")
		return
	}
	if req.Name == nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "name is required")
		return
	}

	city, err := h.cities.CreateCity(r.Context(), *req.Name)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrValidation):
			writeError(w, r, http.StatusBadRequest, "INVALID_CITY_NAME", validationMessage(err))
		case errors.Is(err, models.ErrNotFound):
			writeError(w, r, http.StatusBadRequest, "CITY_NOT_FOUND", "no such city")
		default:
			writeServiceError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, city)
	traffic.Record(traffic.Success)
}

// ListCities handles GET /cities/.
func (h *Handler) ListCities(w http.ResponseWriter, r *http.Request) {
	cities, err := h.cities.ListCities(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cities)
	traffic.Record(traffic.Success)
}

// GetCity handles GET /cities/{name}/.
func (h *Handler) GetCity(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	city, err := h.cities.GetCity(r.Context(), name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, city)
	traffic.Record(traffic.Success)
}

// DeleteCity handles DELETE /del_city/{name}.
func (h *Handler) DeleteCity(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.cities.DeleteCity(r.Context(), name); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("city %s deleted", name)})
	traffic.Record(traffic.Success)
}

// NearestCities handles GET /nearest-cities/?latitude=&longitude=.
func (h *Handler) NearestCities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	coords, err := validation.ParseCoordinates(q.Get("latitude"), q.Get("longitude"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", validationMessage(err))
		return
	}

	cities, err := h.cities.NearestCities(r.Context(), coords.Lat, coords.Lon)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", validationMessage(err))
			return
		}
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cities)
	traffic.Record(traffic.Success)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status lifecycle.Status
	reason string
	checks map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", string(prev)),
			zap.String("current_status", string(result.status)),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	resp := map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"checks":    result.checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	code := http.StatusOK
	if !result.status.Serving() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// computeHealthStatus evaluates, in order: shutting-down, critical dependencies,
// overload, geocoder circuit, error rate. The first condition met decides the status.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := make(map[string]string)
	if lifecycle.IsShuttingDown() {
		return healthResult{lifecycle.StatusShuttingDown, "signal", checks}
	}
	if h.healthConfig == nil {
		return healthResult{lifecycle.StatusHealthy, "", checks}
	}
	cfg := h.healthConfig

	failedCritical := h.runDependencyChecks(ctx, checks)
	if cfg.GeocoderBreaker != nil {
		state := cfg.GeocoderBreaker.State()
		if state == circuitbreaker.StateOpen {
			checks["geocoder"] = "unhealthy"
		} else {
			checks["geocoder"] = "healthy"
		}
	}

	if failedCritical != "" {
		return healthResult{lifecycle.StatusDegraded, failedCritical + "_unavailable", checks}
	}
	if cfg.CapacityRPS > 0 && cfg.OverloadWindow > 0 && cfg.OverloadThresholdPct > 0 {
		threshold := float64(cfg.CapacityRPS) * cfg.OverloadWindow.Seconds() * float64(cfg.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(cfg.OverloadWindow)) > threshold {
			return healthResult{lifecycle.StatusOverloaded, "overload_threshold", checks}
		}
	}
	if checks["geocoder"] == "unhealthy" {
		return healthResult{lifecycle.StatusDegraded, "geocoder_circuit_open", checks}
	}
	if cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		errCount, total := traffic.ErrorRate(cfg.DegradedWindow)
		if total > 0 {
			pct := float64(errCount) * 100 / float64(total)
			if pct >= float64(cfg.DegradedErrorPct) {
				return healthResult{lifecycle.StatusDegraded, "error_rate_breach", checks}
			}
		}
	}
	return healthResult{lifecycle.StatusHealthy, "", checks}
}

// runDependencyChecks probes every dependency concurrently, fills checks and returns
// the name of the first failing critical dependency in configured order, or "".
func (h *Handler) runDependencyChecks(ctx context.Context, checks map[string]string) string {
	deps := h.healthConfig.Dependencies
	if len(deps) == 0 {
		return ""
	}
	results := make([]error, len(deps))
	g, gctx := errgroup.WithContext(ctx)
	for i, dep := range deps {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, dependencyTimeout)
			defer cancel()
			results[i] = dep.Check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	failed := ""
	for i, dep := range deps {
		if results[i] != nil {
			checks[dep.Name] = "unhealthy"
			h.warnDependency(dep.Name, results[i])
			if dep.Critical && failed == "" {
				failed = dep.Name
			}
			continue
		}
		checks[dep.Name] = "healthy"
	}
	return failed
}

// warnDependency logs a failed dependency check, throttled per dependency.
func (h *Handler) warnDependency(name string, err error) {
	warn := func() {
		h.logger.Warn("dependency check failed", zap.String("dependency", name), zap.Error(err))
	}
	if s, ok := h.dependencyWarn[name]; ok {
		s.Do(warn)
		return
	}
	warn()
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationIDFromContext(r.Context()),
		},
	})
	if status >= http.StatusInternalServerError {
		traffic.Record(traffic.Error)
	} else {
		traffic.Record(traffic.Success)
	}
}

// writeServiceError maps a CityService error to a status code and error code.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFromContext(r.Context())
	switch {
	case errors.Is(err, models.ErrValidation):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", validationMessage(err))
	case errors.Is(err, models.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "CITY_NOT_FOUND", "city not found")
	case errors.Is(err, models.ErrConflict):
		writeError(w, r, http.StatusConflict, "CITY_EXISTS", "city already exists")
	case errors.Is(err, service.ErrGeocoderUnavailable):
		logger.Debug("geocoder error", zap.Error(err))
		writeError(w, r, http.StatusBadGateway, "GEOCODER_UNAVAILABLE", "Unable to resolve city coordinates")
	case errors.Is(err, context.DeadlineExceeded):
		logger.Debug("request timed out", zap.Error(err))
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
	default:
		logger.Error("store error", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "STORE_UNAVAILABLE", "Unable to access city records")
	}
}

// validationMessage strips the "validation failed: " prefix for client display.
func validationMessage(err error) string {
	msg := err.Error()
	prefix := models.ErrValidation.Error() + ": "
	if i := strings.LastIndex(msg, prefix); i >= 0 {
		return msg[i+len(prefix):]
	}
	return msg
}
