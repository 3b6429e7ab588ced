package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/city-geo-service/internal/cache"
	"github.com/kjstillabower/city-geo-service/internal/circuitbreaker"
	"github.com/kjstillabower/city-geo-service/internal/client"
	"github.com/kjstillabower/city-geo-service/internal/lifecycle"
	"github.com/kjstillabower/city-geo-service/internal/models"
	"github.com/kjstillabower/city-geo-service/internal/service"
	"github.com/kjstillabower/city-geo-service/internal/store"
	"github.com/kjstillabower/city-geo-service/internal/traffic"
)

type mockGeocoder struct {
	coords map[string]models.Coordinates
	err    error
	calls  atomic.Int32
}

func (m *mockGeocoder) Geocode(ctx context.Context, name string) (models.Coordinates, bool, error) {
	m.calls.Add(1)
	if m.err != nil {
		return models.Coordinates{}, false, m.err
	}
	c, ok := m.coords[name]
	return c, ok, nil
}

type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) List(ctx context.Context) ([]models.City, error) {
	return nil, errors.New("connection refused")
}

func (brokenStore) Ping(ctx context.Context) error {
	return errors.New("connection refused")
}

type fixedBreaker circuitbreaker.State

func (b fixedBreaker) State() circuitbreaker.State { return circuitbreaker.State(b) }

var testCoords = map[string]models.Coordinates{
	"Moscow":   {Lat: 55.7558, Lon: 37.6173},
	"Paris":    {Lat: 48.8566, Lon: 2.3522},
	"London":   {Lat: 51.5074, Lon: -0.1278},
	"New York": {Lat: 40.7128, Lon: -74.0060},
}

type testEnv struct {
	router   http.Handler
	handler  *Handler
	store    *store.MemoryStore
	geocoder *mockGeocoder
}

func newTestEnv(t *testing.T, healthConfig *HealthConfig) *testEnv {
	t.Helper()
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	t.Cleanup(func() {
		traffic.Reset()
		lifecycle.SetShuttingDown(false)
	})

	st := store.NewMemoryStore()
	geocoder := &mockGeocoder{coords: testCoords}
	svc := service.NewCityService(st, geocoder, cache.NewInMemoryCache(), time.Minute)
	h := NewHandler(svc, healthConfig, zap.NewNop())
	return &testEnv{
		router:   NewRouter(h, RouterConfig{RequestTimeout: 5 * time.Second}),
		handler:  h,
		store:    st,
		geocoder: geocoder,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) (code, message, requestID string) {
	t.Helper()
	var resp struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"requestId"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Code, resp.Error.Message, resp.Error.RequestID
}

func TestHandler_CreateCity_Success(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/city/", `{"name": "Moscow"}`)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body = %s", w.Code, w.Body.String())
	}
	var got models.City
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := models.City{Name: "Moscow", Latitude: 55.7558, Longitude: 37.6173}
	if got != want {
		t.Errorf("body = %+v, want %+v", got, want)
	}
}

func TestHandler_CreateCity_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"malformed json", `{"name": `, "INVALID_REQUEST"},
		{"not an object", `["Moscow"]`, "INVALID_REQUEST"},
		{"missing name", `{}`, "INVALID_REQUEST"},
		{"unknown field", `{"name": "Moscow", "country": "RU"}`, "INVALID_REQUEST"},
		{"empty name", `{"name": "  "}`, "INVALID_CITY_NAME"},
		{"slash in name", `{"name": "Mos/cow"}`, "INVALID_CITY_NAME"},
		{"only dots", `{"name": ".."}`, "INVALID_CITY_NAME"},
		{"too long", `{"name": "` + strings.Repeat("a", 501) + `"}`, "INVALID_CITY_NAME"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			w := env.do(t, "POST", "/city/", tt.body)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if code, _, _ := decodeError(t, w); code != tt.wantCode {
				t.Errorf("error code = %q, want %q", code, tt.wantCode)
			}
			if n := env.geocoder.calls.Load(); n != 0 {
				t.Errorf("geocoder called %d times, want 0", n)
			}
		})
	}
}

func TestHandler_CreateCity_NotFoundByProvider(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/city/", `{"name": "Xyzzyville"}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if code, _, _ := decodeError(t, w); code != "CITY_NOT_FOUND" {
		t.Errorf("error code = %q, want CITY_NOT_FOUND", code)
	}
	list, _ := env.store.List(context.Background())
	if len(list) != 0 {
		t.Errorf("store has %d cities, want 0", len(list))
	}
}

func TestHandler_CreateCity_Duplicate(t *testing.T) {
	env := newTestEnv(t, nil)
	if w := env.do(t, "POST", "/city/", `{"name": "Paris"}`); w.Code != http.StatusCreated {
		t.Fatalf("first create status = %d, want 201", w.Code)
	}

	w := env.do(t, "POST", "/city/", `{"name": "Paris"}`)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if code, _, _ := decodeError(t, w); code != "CITY_EXISTS" {
		t.Errorf("error code = %q, want CITY_EXISTS", code)
	}
}

func TestHandler_CreateCity_GeocoderFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.geocoder.err = client.ErrUpstreamFailure

	w := env.do(t, "POST", "/city/", `{"name": "Moscow"}`)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if code, _, _ := decodeError(t, w); code != "GEOCODER_UNAVAILABLE" {
		t.Errorf("error code = %q, want GEOCODER_UNAVAILABLE", code)
	}
	if errs, _ := traffic.ErrorRate(time.Minute); errs != 1 {
		t.Errorf("traffic errors = %d, want 1", errs)
	}
}

func TestHandler_ListCities(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/cities/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("empty list body = %s, want []", body)
	}

	env.do(t, "POST", "/city/", `{"name": "Moscow"}`)
	env.do(t, "POST", "/city/", `{"name": "Paris"}`)

	w = env.do(t, "GET", "/cities/", "")
	var got []models.City
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Name != "Moscow" || got[1].Name != "Paris" {
		t.Errorf("list = %+v, want [Moscow Paris]", got)
	}
}

func TestHandler_ListCities_StoreFailure(t *testing.T) {
	traffic.Reset()
	t.Cleanup(traffic.Reset)
	svc := service.NewCityService(brokenStore{store.NewMemoryStore()}, &mockGeocoder{}, nil, 0)
	router := NewRouter(NewHandler(svc, nil, nil), RouterConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/cities/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if code, _, _ := decodeError(t, w); code != "STORE_UNAVAILABLE" {
		t.Errorf("error code = %q, want STORE_UNAVAILABLE", code)
	}
}

func TestHandler_GetCity(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, "POST", "/city/", `{"name": "New York"}`)

	w := env.do(t, "GET", "/cities/New%20York/", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	var got models.City
	_ = json.NewDecoder(w.Body).Decode(&got)
	if got.Name != "New York" || got.Latitude != 40.7128 {
		t.Errorf("body = %+v", got)
	}
}

func TestHandler_GetCity_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/cities/Atlantis/", "")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if code, _, _ := decodeError(t, w); code != "CITY_NOT_FOUND" {
		t.Errorf("error code = %q, want CITY_NOT_FOUND", code)
	}
}

func TestHandler_DeleteCity(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, "POST", "/city/", `{"name": "Paris"}`)
	env.do(t, "GET", "/cities/Paris/", "")

	w := env.do(t, "DELETE", "/del_city/Paris", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp["message"] != "city Paris deleted" {
		t.Errorf("message = %q, want %q", resp["message"], "city Paris deleted")
	}

	if w := env.do(t, "GET", "/cities/Paris/", ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
	if w := env.do(t, "DELETE", "/del_city/Paris", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestHandler_NearestCities(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, name := range []string{"Moscow", "Paris", "London", "New York"} {
		env.do(t, "POST", "/city/", `{"name": "`+name+`"}`)
	}

	// Brussels
	w := env.do(t, "GET", "/nearest-cities/?latitude=50.8503&longitude=4.3517", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	var got []models.City
	_ = json.NewDecoder(w.Body).Decode(&got)
	if len(got) != 2 || got[0].Name != "Paris" || got[1].Name != "London" {
		t.Errorf("nearest = %+v, want [Paris London]", got)
	}
}

func TestHandler_NearestCities_InvalidCoordinates(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"latitude out of range", "latitude=91&longitude=0"},
		{"longitude out of range", "latitude=0&longitude=-181"},
		{"missing latitude", "longitude=0"},
		{"missing both", ""},
		{"non-numeric", "latitude=north&longitude=0"},
		{"NaN", "latitude=NaN&longitude=0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			w := env.do(t, "GET", "/nearest-cities/?"+tt.query, "")

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if code, _, _ := decodeError(t, w); code != "INVALID_COORDINATES" {
				t.Errorf("error code = %q, want INVALID_COORDINATES", code)
			}
		})
	}
}

func TestHandler_ErrorIncludesRequestID(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest("GET", "/cities/Atlantis/", nil)
	req.Header.Set("X-Correlation-ID", "req-123")
	w := httptest.NewRecorder()

	env.router.ServeHTTP(w, req)

	if _, _, id := decodeError(t, w); id != "req-123" {
		t.Errorf("requestId = %q, want req-123", id)
	}
}

func TestHandler_ClientErrorsDoNotCountAsErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, "GET", "/cities/Atlantis/", "")
	env.do(t, "POST", "/city/", `{}`)

	errs, total := traffic.ErrorRate(time.Minute)
	if errs != 0 || total != 2 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 2)", errs, total)
	}
}

func getHealth(t *testing.T, env *testEnv) (int, map[string]interface{}) {
	t.Helper()
	w := env.do(t, "GET", "/health", "")
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return w.Code, body
}

func TestHandler_GetHealth(t *testing.T) {
	env := newTestEnv(t, &HealthConfig{
		Dependencies: []DependencyCheck{
			{Name: "store", Critical: true, Check: func(ctx context.Context) error { return nil }},
			{Name: "cache", Check: func(ctx context.Context) error { return nil }},
		},
	})

	code, body := getHealth(t, env)

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
	if body["service"] != "city-geo-service" {
		t.Errorf("service = %v", body["service"])
	}
	checks := body["checks"].(map[string]interface{})
	if checks["store"] != "healthy" || checks["cache"] != "healthy" {
		t.Errorf("checks = %v", checks)
	}
}

func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	env := newTestEnv(t, &HealthConfig{})
	lifecycle.SetShuttingDown(true)

	code, body := getHealth(t, env)

	if code != http.StatusServiceUnavailable || body["status"] != "shutting-down" {
		t.Errorf("health = %d %v, want 503 shutting-down", code, body["status"])
	}
}

func TestHandler_GetHealth_CriticalDependencyDown(t *testing.T) {
	env := newTestEnv(t, &HealthConfig{
		Dependencies: []DependencyCheck{
			{Name: "store", Critical: true, Check: func(ctx context.Context) error { return errors.New("down") }},
		},
	})

	code, body := getHealth(t, env)

	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("health = %d %v, want 503 degraded", code, body["status"])
	}
	if body["reason"] != "store_unavailable" {
		t.Errorf("reason = %v, want store_unavailable", body["reason"])
	}
}

func TestHandler_GetHealth_NonCriticalDependencyDown(t *testing.T) {
	env := newTestEnv(t, &HealthConfig{
		Dependencies: []DependencyCheck{
			{Name: "cache", Check: func(ctx context.Context) error { return errors.New("down") }},
		},
	})

	code, body := getHealth(t, env)

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if checks := body["checks"].(map[string]interface{}); checks["cache"] != "unhealthy" {
		t.Errorf("cache check = %v, want unhealthy", checks["cache"])
	}
}

func TestHandler_GetHealth_GeocoderCircuitOpen(t *testing.T) {
	env := newTestEnv(t, &HealthConfig{GeocoderBreaker: fixedBreaker(circuitbreaker.StateOpen)})

	code, body := getHealth(t, env)

	if code != http.StatusServiceUnavailable || body["reason"] != "geocoder_circuit_open" {
		t.Errorf("health = %d %v, want 503 geocoder_circuit_open", code, body["reason"])
	}
}

func TestHandler_GetHealth_Overloaded(t *testing.T) {
	env := newTestEnv(t, &HealthConfig{
		OverloadWindow:       time.Minute,
		OverloadThresholdPct: 50,
		CapacityRPS:          1,
	})
	// threshold = 1 rps * 60s * 50% = 30
	for i := 0; i < 31; i++ {
		traffic.Record(traffic.Success)
	}

	code, body := getHealth(t, env)

	if code != http.StatusServiceUnavailable || body["status"] != "overloaded" {
		t.Errorf("health = %d %v, want 503 overloaded", code, body["status"])
	}
}

func TestHandler_GetHealth_DegradedErrorRate(t *testing.T) {
	env := newTestEnv(t, &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50})
	traffic.Record(traffic.Success)
	traffic.Record(traffic.Error)

	code, body := getHealth(t, env)

	if code != http.StatusServiceUnavailable || body["reason"] != "error_rate_breach" {
		t.Errorf("health = %d %v, want 503 error_rate_breach", code, body["reason"])
	}
}

func TestHandler_GetHealth_NotDegraded_BelowErrorThreshold(t *testing.T) {
	env := newTestEnv(t, &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50})
	traffic.Record(traffic.Success)
	traffic.Record(traffic.Success)
	traffic.Record(traffic.Error)

	code, _ := getHealth(t, env)

	if code != http.StatusOK {
		t.Errorf("status = %d, want 200 (33%% < 50%%)", code)
	}
}

// TestHandler_GetHealth_LogsTransition verifies transitions are logged once, not on every call.
func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	traffic.Reset()
	t.Cleanup(traffic.Reset)
	core, logs := observer.New(zap.DebugLevel)
	svc := service.NewCityService(store.NewMemoryStore(), &mockGeocoder{}, nil, 0)
	handler := NewHandler(svc, &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}, zap.New(core))

	traffic.Record(traffic.Success)
	traffic.Record(traffic.Success)
	req := httptest.NewRequest("GET", "/health", nil)
	handler.GetHealth(httptest.NewRecorder(), req)
	if logs.Len() != 0 {
		t.Fatalf("first call logged %d entries, want 0", logs.Len())
	}

	traffic.Record(traffic.Error)
	traffic.Record(traffic.Error)
	w := httptest.NewRecorder()
	handler.GetHealth(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("second call status = %d, want 503", w.Code)
	}

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 transition log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "error_rate_breach" {
		t.Errorf("transition fields = %v", fields)
	}

	handler.GetHealth(httptest.NewRecorder(), req)
	if logs.Len() != 1 {
		t.Errorf("unchanged status logged again; total logs = %d, want 1", logs.Len())
	}
}

func TestHandler_GetHealth_ThrottlesDependencyWarnings(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	svc := service.NewCityService(store.NewMemoryStore(), &mockGeocoder{}, nil, 0)
	handler := NewHandler(svc, &HealthConfig{
		Dependencies: []DependencyCheck{
			{Name: "cache", Check: func(ctx context.Context) error { return errors.New("memcache: no servers") }},
			{Name: "store", Critical: true, Check: func(ctx context.Context) error { return errors.New("connection refused") }},
		},
	}, zap.New(core))

	for i := 0; i < 3; i++ {
		handler.GetHealth(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
	}

	entries := logs.FilterMessage("dependency check failed").All()
	if len(entries) != 2 {
		t.Fatalf("dependency warnings = %d, want one per dependency", len(entries))
	}
	seen := map[interface{}]bool{}
	for _, e := range entries {
		seen[e.ContextMap()["dependency"]] = true
	}
	if !seen["cache"] || !seen["store"] {
		t.Errorf("warned dependencies = %v", seen)
	}
}

func TestValidationMessage(t *testing.T) {
	wrapped := errors.New("validation failed: latitude must be between -90 and 90")
	if got := validationMessage(wrapped); got != "latitude must be between -90 and 90" {
		t.Errorf("validationMessage() = %q", got)
	}
}
