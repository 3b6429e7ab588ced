package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/kjstillabower/city-geo-service/internal/circuitbreaker"
	"github.com/kjstillabower/city-geo-service/internal/models"
	"github.com/kjstillabower/city-geo-service/internal/observability"
)

// Geocoder resolves a place name to coordinates. ok is false when the provider
// has no city matching name; that is not an error.
type Geocoder interface {
	Geocode(ctx context.Context, name string) (coords models.Coordinates, ok bool, err error)
}

var (
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrCircuitOpen     = errors.New("geocoder circuit open")
)

// DefaultTimeout bounds a single provider call when the config leaves it unset.
const DefaultTimeout = 3 * time.Second

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 1 << 20

// cityType is the item subtype the provider uses for settlements of city rank.
const cityType = "city"

// GeocoderConfig is injected at construction; the client never reads the environment.
type GeocoderConfig struct {
	APIKey  string
	URL     string
	Timeout time.Duration
}

// GISClient talks to a 2GIS-style "items/geocode" endpoint. One HTTP GET per call, no retries.
type GISClient struct {
	apiKey  string
	apiURL  *url.URL
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewGISClient validates cfg and returns a client.
func NewGISClient(cfg GeocoderConfig) (*GISClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid geocoder URL %q", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &GISClient{
		apiKey: cfg.APIKey,
		apiURL: u,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// SetCircuitBreaker makes Geocode fail fast with ErrCircuitOpen while cb is open.
func (c *GISClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

type geocodeResponse struct {
	Meta struct {
		Code int `json:"code"`
	} `json:"meta"`
	Result *struct {
		Items []geocodeItem `json:"items"`
	} `json:"result"`
}

type geocodeItem struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Point   *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"point"`
}

// Geocode returns the point of the first item tagged as a city.
func (c *GISClient) Geocode(ctx context.Context, name string) (models.Coordinates, bool, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, name)
	}
	var (
		coords models.Coordinates
		ok     bool
	)
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		coords, ok, err = c.callAPI(ctx, name)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		observability.GeocoderCallsTotal.WithLabelValues("circuit_open").Inc()
		return models.Coordinates{}, false, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return coords, ok, err
}

func (c *GISClient) callAPI(ctx context.Context, name string) (models.Coordinates, bool, error) {
	start := time.Now()

	req, err := c.buildRequest(ctx, name)
	if err != nil {
		observability.GeocoderCallsTotal.WithLabelValues("error").Inc()
		return models.Coordinates{}, false, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.GeocoderCallsTotal.WithLabelValues("error").Inc()
		observability.GeocoderDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
			(errors.As(err, &netErr) && netErr.Timeout()) {
			return models.Coordinates{}, false, fmt.Errorf("request timeout: %w", err)
		}
		return models.Coordinates{}, false, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.GeocoderCallsTotal.WithLabelValues(status).Inc()
	observability.GeocoderDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if resp.StatusCode == http.StatusNotFound {
		return models.Coordinates{}, false, nil
	}
	if err := c.handleErrorResponse(resp); err != nil {
		return models.Coordinates{}, false, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return models.Coordinates{}, false, fmt.Errorf("read response body: %w", err)
	}

	var apiResp geocodeResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.Coordinates{}, false, fmt.Errorf("parse response: %w", err)
	}

	coords, ok := firstCity(apiResp)
	return coords, ok, nil
}

func firstCity(resp geocodeResponse) (models.Coordinates, bool) {
	if resp.Result == nil {
		return models.Coordinates{}, false
	}
	for _, item := range resp.Result.Items {
		if item.Subtype == cityType && item.Point != nil {
			return models.Coordinates{Lat: item.Point.Lat, Lon: item.Point.Lon}, true
		}
	}
	return models.Coordinates{}, false
}

func (c *GISClient) buildRequest(ctx context.Context, name string) (*http.Request, error) {
	u := *c.apiURL
	params := u.Query()
	params.Set("q", name)
	params.Set("fields", "items.point")
	params.Set("key", c.apiKey)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

func (c *GISClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidAPIKey, resp.StatusCode)
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusNotFound:
		return "not_found"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}
