package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"segment-dashboard/internal/config"
	"segment-dashboard/internal/services"
	"segment-dashboard/internal/source"
	"segment-dashboard/internal/table"
)

type fixtureSource map[string]*table.Table

func (s fixtureSource) Name() string { return "fixture" }

func (s fixtureSource) Fetch(ctx context.Context, q source.Query) (*table.Table, error) {
	return s[q.Dataset], nil
}

func newTestConfig() *config.Config {
	return &config.Config{
		Analytics: config.AnalyticsConfig{
			EntityColumn:   "MemberAK",
			TimeColumn:     "yearmon",
			ValueColumn:    "monetary",
			Direction:      "source",
			TopTransitions: 20,
			AsOf:           time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Logger: config.LoggerConfig{Level: "error", Format: "text"},
		Security: config.SecurityConfig{
			EnableRateLimit: false,
			RateLimitRPS:    100,
			RateLimitBurst:  10,
			AllowedOrigins:  []string{"http://localhost:8084"},
		},
	}
}

// Test helper to create the report service over fixture tables
func newTestReports(cfg *config.Config) *services.Reports {
	src := fixtureSource{
		source.DatasetSegments: table.New(
			[]string{"MemberAK", "yearmon", "RFM_Segment", "Lifecycle_Segment", "Affinität_Segment", "monetary"},
			[][]string{
				{"1", "202001", "Loyals", "Regularly Active", "Gentlemen", "100"},
				{"1", "202101", "Loyals", "Regularly Active", "Gentlemen", "120"},
				{"2", "202001", "Hesitants", "Leaving Customer", "Cozy Home", "20"},
				{"3", "202101", "Prized Champs", "Regularly Active", "Fashionistas", "300"},
			},
		),
		source.DatasetSurvival: table.New(
			[]string{"konto_id", "group_name", "status_full", "bearbeitet_datum", "month_nr", "is_valid", "n_days_to_invalid"},
			[][]string{
				{"a1", "G1", "Approved PP", "2020-06-01", "1", "true", ""},
				{"a2", "G1", "Approved PP", "2020-06-01", "1", "true", "10"},
			},
		),
	}
	return services.NewReports(src, config.SourceConfig{}, cfg.Analytics, config.DefaultCatalog(), quietLogger())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler() http.Handler {
	cfg := newTestConfig()
	return newHandler(cfg, newTestReports(cfg), quietLogger())
}

// Integration tests for HTTP routes
func TestServer_Routes(t *testing.T) {
	handler := newTestHandler()

	tests := []struct {
		path           string
		expectedStatus int
		contentType    string
	}{
		{"/", http.StatusOK, "text/html"},
		{"/api/transitions", http.StatusOK, "application/json"},
		{"/api/flow?dimension=lifecycle", http.StatusOK, "application/json"},
		{"/api/treemap", http.StatusOK, "application/json"},
		{"/api/survival", http.StatusOK, "application/json"},
		{"/api/status-shares", http.StatusOK, "application/json"},
		{"/api/dimensions", http.StatusOK, "application/json"},
		{"/api/transitions?dimension=region", http.StatusNotFound, "application/json"},
		{"/health", http.StatusOK, "application/json"},
		{"/metrics", http.StatusOK, "text/plain"},
		{"/nope", http.StatusNotFound, "text/plain"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest("GET", tt.path, nil)

			handler.ServeHTTP(w, r)

			if w.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.expectedStatus)
			}

			ct := w.Header().Get("Content-Type")
			if !strings.Contains(ct, tt.contentType) {
				t.Errorf("content-type = %q, want %q", ct, tt.contentType)
			}

			// Validate JSON responses
			if tt.contentType == "application/json" {
				var result any
				if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
					t.Errorf("invalid json: %v", err)
				}
			}
		})
	}
}

// Test the transition rows handed to renderers
func TestServer_JSONResponse(t *testing.T) {
	handler := newTestHandler()

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/transitions?dimension=rfm", nil)
	handler.ServeHTTP(w, r)

	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}

	if success, ok := response["success"].(bool); !ok || !success {
		t.Error("expected success=true in response")
	}

	data, ok := response["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data object in response")
	}
	pairs, ok := data["pairs"].([]any)
	if !ok || len(pairs) == 0 {
		t.Fatal("expected transition pairs")
	}

	// Verify structure of first item
	item, ok := pairs[0].(map[string]any)
	if !ok {
		t.Fatal("invalid pair structure")
	}
	for _, key := range []string{"source", "target", "n_accounts", "n_total_source", "prop_accounts_source", "prop_accounts_target"} {
		if _, ok := item[key]; !ok {
			t.Errorf("pair should have %q field", key)
		}
	}
}

// Test Server-Sent Events routes
func TestServer_SSERoutes(t *testing.T) {
	handler := newTestHandler()

	sseRoutes := []string{
		"/sse/flow",
		"/sse/treemap",
		"/sse/stability",
		"/sse/survival",
		"/sse/refresh-all",
	}

	for _, route := range sseRoutes {
		t.Run(route, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest("GET", route, nil)

			handler.ServeHTTP(w, r)

			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
			}

			// Check for SSE headers
			if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
				t.Errorf("content-type = %q, should contain 'text/event-stream'", ct)
			}

			if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
				t.Errorf("cache-control = %q, want 'no-cache'", cc)
			}
		})
	}
}

// Test middleware headers on a routed request
func TestServer_Middleware(t *testing.T) {
	handler := newTestHandler()

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/health", nil)
	r.Header.Set("Origin", "http://localhost:8084")
	handler.ServeHTTP(w, r)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("response should carry a request id")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:8084" {
		t.Error("CORS origin not echoed")
	}
}

// Test error handling for invalid methods
func TestServer_ErrorHandling(t *testing.T) {
	handler := newTestHandler()

	tests := []struct {
		method string
		path   string
		status int
	}{
		{"POST", "/api/transitions", http.StatusMethodNotAllowed},
		{"PUT", "/", http.StatusMethodNotAllowed},
		{"DELETE", "/health", http.StatusMethodNotAllowed},
		{"PATCH", "/api/flow", http.StatusMethodNotAllowed},
		{"GET", "/admin/refresh", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(tt.method, tt.path, nil)

			handler.ServeHTTP(w, r)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

// Test dashboard template rendering
func TestDashboardTemplate(t *testing.T) {
	cfg := newTestConfig()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)

	dashboardHandler(newTestReports(cfg), "target")(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	body := w.Body.String()
	if !strings.Contains(body, "Customer Segment Dashboard") {
		t.Error("dashboard should contain title")
	}

	expectedComponents := []string{
		"Segment Flow",
		"Transition Treemap",
		"Stable Segments",
		"Account Survival",
		"Lifecycle-Segments",
		"&#34;direction&#34;:&#34;target&#34;",
	}

	for _, component := range expectedComponents {
		if !strings.Contains(body, component) {
			t.Errorf("dashboard should contain '%s'", component)
		}
	}
}
