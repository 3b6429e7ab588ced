package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCategorizeError_Sentinels(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCategory
	}{
		{nil, ""},
		{context.DeadlineExceeded, ErrorCategoryTimeout},
		{fmt.Errorf("request timeout: %w", context.Canceled), ErrorCategoryTimeout},
		{fmt.Errorf("%w: HTTP 403", ErrInvalidAPIKey), ErrorCategoryInvalidAPIKey},
		{ErrRateLimited, ErrorCategoryRateLimited},
		{fmt.Errorf("%w: HTTP 502", ErrUpstreamFailure), ErrorCategoryUpstream},
		{fmt.Errorf("%w: circuit breaker is open", ErrCircuitOpen), ErrorCategoryCircuitOpen},
		{errors.New("dial tcp: connection refused"), ErrorCategoryNetwork},
		{errors.New("geocoder exploded"), ErrorCategoryUnknown},
	}
	for _, tt := range tests {
		if got := CategorizeError(tt.err); got != tt.want {
			t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

// Errors produced by a real Geocode call land in the expected category.
func TestCategorizeError_FromGeocode(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    ErrorCategory
	}{
		{"forbidden key", statusHandler(http.StatusForbidden), ErrorCategoryInvalidAPIKey},
		{"provider throttling", statusHandler(http.StatusTooManyRequests), ErrorCategoryRateLimited},
		{"provider 500", statusHandler(http.StatusInternalServerError), ErrorCategoryUpstream},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>maintenance</html>"))
		}, ErrorCategoryParsing},
		{"slow provider", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}, ErrorCategoryTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			c, err := NewGISClient(GeocoderConfig{APIKey: testAPIKey, URL: srv.URL, Timeout: 50 * time.Millisecond})
			if err != nil {
				t.Fatalf("NewGISClient() error = %v", err)
			}

			_, _, err = c.Geocode(context.Background(), "Kazan")
			if err == nil {
				t.Fatal("Geocode() error = nil")
			}
			if got := CategorizeError(err); got != tt.want {
				t.Errorf("CategorizeError(%v) = %q, want %q", err, got, tt.want)
			}
		})
	}
}

func statusHandler(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(code) }
}
