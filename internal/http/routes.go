package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-geo-service/internal/observability"
)

// RouterConfig carries what NewRouter needs besides the handler.
type RouterConfig struct {
	Logger         *zap.Logger
	RequestTimeout time.Duration
}

// NewRouter registers the city API, /health and /metrics.
// City routes carry the request timeout; /health and /metrics do not.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.NewRoute().Subrouter()
	api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/city/", h.CreateCity).Methods(http.MethodPost)
	api.HandleFunc("/cities/", h.ListCities).Methods(http.MethodGet)
	api.HandleFunc("/cities/{name}/", h.GetCity).Methods(http.MethodGet)
	api.HandleFunc("/del_city/{name}", h.DeleteCity).Methods(http.MethodDelete)
	api.HandleFunc("/nearest-cities/", h.NearestCities).Methods(http.MethodGet)
	return router
}
