package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"segment-dashboard/internal/config"
	"segment-dashboard/internal/observability"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || w.Header().Get("X-Request-ID") != seen {
		t.Errorf("generated id %q, header %q", seen, w.Header().Get("X-Request-ID"))
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if seen != "abc-123" {
		t.Errorf("request id = %q, want client value", seen)
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	Chain(mark("a"), mark("b"), mark("c"))(okHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if len(order) != 3 || order[0] != "a" || order[2] != "c" {
		t.Errorf("order = %v", order)
	}
}

func TestRateLimit(t *testing.T) {
	limiter := NewRateLimiter(config.SecurityConfig{EnableRateLimit: true, RateLimitRPS: 1, RateLimitBurst: 2})
	h := RateLimit(limiter, quietLogger())(okHandler())

	codes := make([]int, 3)
	for i := range codes {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		codes[i] = w.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want burst of 2 then 429", codes)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("other client got %d", w.Code)
	}
}

func TestRateLimiter_SweepsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(config.SecurityConfig{EnableRateLimit: true, RateLimitRPS: 1, RateLimitBurst: 1})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("a")
	limiter.Allow("b")
	if got := limiter.tracked(); got != 2 {
		t.Fatalf("tracked = %d, want 2", got)
	}

	now = now.Add(2 * time.Minute)
	limiter.Allow("c")
	if got := limiter.tracked(); got != 1 {
		t.Errorf("tracked after sweep = %d, want 1", got)
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	limiter := NewRateLimiter(config.SecurityConfig{EnableRateLimit: false, RateLimitRPS: 1, RateLimitBurst: 1})
	for i := 0; i < 5; i++ {
		if !limiter.Allow("a") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestCORS(t *testing.T) {
	h := CORS(config.SecurityConfig{AllowedOrigins: []string{"http://localhost:8084"}})(okHandler())

	tests := []struct {
		origin string
		method string
		allow  string
	}{
		{"http://localhost:8084", http.MethodGet, "http://localhost:8084"},
		{"http://evil.example", http.MethodGet, ""},
		{"http://localhost:8084", http.MethodOptions, "http://localhost:8084"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/api/flow", nil)
			r.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.allow {
				t.Errorf("allow origin = %q, want %q", got, tt.allow)
			}
			if w.Code != http.StatusOK {
				t.Errorf("status = %d", w.Code)
			}
		})
	}
}

func TestTrustedProxy(t *testing.T) {
	var forwarded string
	h := TrustedProxy(config.SecurityConfig{TrustedProxies: []string{"127.0.0.1"}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded = r.Header.Get("X-Forwarded-For")
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "127.0.0.1:5000"
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if forwarded != "1.2.3.4" {
		t.Errorf("trusted proxy header dropped: %q", forwarded)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "8.8.8.8:5000"
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if forwarded != "" {
		t.Errorf("untrusted header kept: %q", forwarded)
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("GET /{$}", okHandler())
	mux.Handle("GET /api/flow", okHandler())
	mux.Handle("GET /sse/treemap", okHandler())

	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/", "GET /{$}"},
		{http.MethodGet, "/api/flow?dimension=rfm", "GET /api/flow"},
		{http.MethodGet, "/sse/treemap", "GET /sse/treemap"},
		{http.MethodGet, "/api/does-not-exist", "other"},
		{http.MethodGet, "/sse/random-123", "other"},
		{http.MethodGet, "/wp-admin", "other"},
		{http.MethodPost, "/api/flow", "other"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, tt.path, nil)
		if got := routeLabel(mux, r); got != tt.want {
			t.Errorf("routeLabel(%s %s) = %q, want %q", tt.method, tt.path, got, tt.want)
		}
	}

	if got := routeLabel(nil, httptest.NewRequest(http.MethodGet, "/api/flow", nil)); got != "other" {
		t.Errorf("routeLabel without routes = %q, want other", got)
	}
}

func TestMetrics_UnknownPathsShareOneLabel(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("GET /api/flow", okHandler())
	h := Metrics(mux)(mux)

	for _, path := range []string{"/api/a", "/api/b", "/sse/c"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, w.Code)
		}
	}

	for _, path := range []string{"/api/a", "/api/b", "/sse/c"} {
		if n := requestCount(t, path); n != 0 {
			t.Errorf("Expected no series labelled %q, found %d", path, n)
		}
	}
	if n := requestCount(t, "other"); n == 0 {
		t.Error("Expected unknown paths to be counted under other")
	}
}

// requestCount sums the request counter over all series with the given
// route label.
func requestCount(t *testing.T, route string) int {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	total := 0
	for _, mf := range families {
		if mf.GetName() != "segment_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "route" && lp.GetValue() == route {
					total += int(m.GetCounter().GetValue())
				}
			}
		}
	}
	return total
}
