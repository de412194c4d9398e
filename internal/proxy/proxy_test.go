package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgegate/edgegate/internal/breaker"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/limiter"
	"github.com/edgegate/edgegate/internal/metrics"
	"github.com/edgegate/edgegate/internal/pipeline"
	"github.com/edgegate/edgegate/internal/retry"
	"github.com/edgegate/edgegate/internal/store"
)

func init() {
	metrics.Init()
}

type handlerOpts struct {
	maxRequests      int
	failureThreshold int
	maxAttempts      int
	failMode         pipeline.FailMode
	trustedProxies   []string
}

func defaultOpts() handlerOpts {
	return handlerOpts{
		maxRequests:      100,
		failureThreshold: 3,
		maxAttempts:      1,
		failMode:         pipeline.FailOpen,
	}
}

func newTestHandler(t *testing.T, st store.Store, backend string, opts handlerOpts) *Handler {
	t.Helper()
	logger := slog.Default()

	l, err := limiter.New(st, limiter.Config{MaxRequests: opts.maxRequests, Window: time.Minute}, logger)
	if err != nil {
		t.Fatalf("limiter.New: %v", err)
	}
	b := breaker.New(st, breaker.Config{FailureThreshold: opts.failureThreshold, RecoveryTimeout: 30 * time.Second}, logger)
	r, err := retry.New(retry.Config{
		MaxAttempts: opts.maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Multiplier:  2,
	}, IsRetryable)
	if err != nil {
		t.Fatalf("retry.New: %v", err)
	}

	p := pipeline.New(l, b, r, opts.failMode, IsUpstreamFailure, logger)
	routes := []config.RouteConfig{
		{PathPrefix: "/api", Backend: backend, Target: "api-backend", StripPrefix: true, TimeoutMs: 2000},
		{PathPrefix: "/raw", Backend: backend, Target: "api-backend", Methods: []string{"GET"}},
	}
	return New(p, routes, opts.trustedProxies, logger)
}

func TestServeHTTP_ProxiesAndStripsPrefix(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("path=" + r.URL.Path))
	}))
	defer backend.Close()

	h := newTestHandler(t, store.NewMemoryStore(), backend.URL, defaultOpts())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/users/7", nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if rec.Header().Get("X-Backend") != "yes" {
		t.Error("expected backend headers replayed")
	}
	if got := rec.Body.String(); got != "path=/users/7" {
		t.Errorf("expected stripped path forwarded, got %q", got)
	}
}

func TestServeHTTP_NoRoute(t *testing.T) {
	h := newTestHandler(t, store.NewMemoryStore(), "http://localhost:9", defaultOpts())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/nothing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "GATEWAY_ROUTE_NOT_FOUND") {
		t.Errorf("expected route-not-found code, got %s", rec.Body.String())
	}
}

func TestServeHTTP_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, store.NewMemoryStore(), "http://localhost:9", defaultOpts())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("DELETE", "/raw", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "GATEWAY_METHOD_NOT_ALLOWED") {
		t.Errorf("expected method-not-allowed code, got %s", rec.Body.String())
	}
}

func TestServeHTTP_RateLimitedWithRetryAfter(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	opts := defaultOpts()
	opts.maxRequests = 2
	h := newTestHandler(t, store.NewMemoryStore(), backend.URL, opts)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/x", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/x", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("expected Retry-After 60, got %q", rec.Header().Get("Retry-After"))
	}
	if !strings.Contains(rec.Body.String(), "GATEWAY_RATE_LIMIT_EXCEEDED") {
		t.Errorf("expected rate-limit code, got %s", rec.Body.String())
	}
}

func TestServeHTTP_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	h := newTestHandler(t, store.NewMemoryStore(), backend.URL, defaultOpts())

	// Threshold is 3; each request is one terminal failure.
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/x", nil))
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("request %d: expected 502 while closed, got %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/x", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once open, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "GATEWAY_CIRCUIT_OPEN") {
		t.Errorf("expected circuit-open code, got %s", rec.Body.String())
	}
}

func TestServeHTTP_BackendServerErrorTripsBreaker(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer backend.Close()

	opts := defaultOpts()
	opts.maxAttempts = 3
	h := newTestHandler(t, store.NewMemoryStore(), backend.URL, opts)

	// A 500 is a definitive backend answer: replayed to the client, never
	// retried, and counted as a breaker failure.
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/x", nil))
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("request %d: expected backend 500 replayed, got %d", i+1, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "boom") {
			t.Errorf("request %d: expected backend body replayed, got %q", i+1, rec.Body.String())
		}
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 backend calls (no retries of a 500), got %d", got)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/x", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after three straight 500s, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "GATEWAY_CIRCUIT_OPEN") {
		t.Errorf("expected circuit-open code, got %s", rec.Body.String())
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("open breaker must not reach the backend, got %d calls", got)
	}
}

func TestServeHTTP_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer backend.Close()

	opts := defaultOpts()
	opts.maxAttempts = 3
	h := newTestHandler(t, store.NewMemoryStore(), backend.URL, opts)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/x", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after retry, got %d", rec.Code)
	}
	if rec.Body.String() != "recovered" {
		t.Errorf("expected second attempt's body, got %q", rec.Body.String())
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 backend calls, got %d", got)
	}
	if strings.Contains(rec.Body.String(), "Bad Gateway") {
		t.Error("failed attempt bytes must not leak to the client")
	}
}

func TestServeHTTP_FailClosedStoreOutage(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be reached under fail-closed store outage")
	}))
	defer backend.Close()

	opts := defaultOpts()
	opts.failMode = pipeline.FailClosed
	h := newTestHandler(t, unavailableStore{}, backend.URL, opts)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/x", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "GATEWAY_STORE_UNAVAILABLE") {
		t.Errorf("expected store-unavailable code, got %s", rec.Body.String())
	}
}

func TestServeHTTP_FailOpenStoreOutage(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	h := newTestHandler(t, unavailableStore{}, backend.URL, defaultOpts())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/x", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("fail-open must still proxy, got %d", rec.Code)
	}
}

func TestClientIdentity(t *testing.T) {
	_, trustedNet, err := net.ParseCIDR("192.0.2.0/24")
	if err != nil {
		t.Fatalf("ParseCIDR: %v", err)
	}
	trusted := []*net.IPNet{trustedNet}

	cases := []struct {
		name       string
		remoteAddr string
		xff        string
		trusted    bool
		want       string
	}{
		{"direct client", "203.0.113.9:4321", "", true, "203.0.113.9"},
		{"trusted proxy with xff", "192.0.2.1:1234", "203.0.113.50, 10.0.0.1", true, "203.0.113.50"},
		{"untrusted peer ignores xff", "203.0.113.9:4321", "1.2.3.4", true, "203.0.113.9"},
		{"no trusted nets", "192.0.2.1:1234", "1.2.3.4", false, "192.0.2.1"},
		{"garbage xff falls back to peer", "192.0.2.1:1234", "not-an-ip", true, "192.0.2.1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/x", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			nets := trusted
			if !tc.trusted {
				nets = nil
			}
			if got := clientIdentity(r, nets); got != tc.want {
				t.Errorf("clientIdentity = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIsUpstreamFailure(t *testing.T) {
	if !IsUpstreamFailure(&upstreamError{status: 502}) {
		t.Error("upstream 502 must be a failure")
	}
	if !IsUpstreamFailure(&upstreamError{status: 500}) {
		t.Error("upstream 500 must be a failure")
	}
	if IsUpstreamFailure(errors.New("some client problem")) {
		t.Error("arbitrary errors are not upstream failures")
	}
}

func TestIsRetryable(t *testing.T) {
	for _, status := range []int{502, 503, 504} {
		if !IsRetryable(&upstreamError{status: status}) {
			t.Errorf("upstream %d must be retryable", status)
		}
	}
	for _, status := range []int{500, 501} {
		if IsRetryable(&upstreamError{status: status}) {
			t.Errorf("upstream %d must not be retryable", status)
		}
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Error("attempt deadline must be retryable")
	}
}

// unavailableStore fails every operation the way an unreachable Redis would.
type unavailableStore struct{}

func errUnavail() error {
	return fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}

func (unavailableStore) TrimAndCount(context.Context, string, time.Time) (int64, error) {
	return 0, errUnavail()
}

func (unavailableStore) Insert(context.Context, string, time.Time, string, time.Duration) error {
	return errUnavail()
}

func (unavailableStore) GetBreakerState(context.Context, string) (store.BreakerState, error) {
	return store.BreakerState{}, errUnavail()
}

func (unavailableStore) CompareAndSetBreakerState(context.Context, string, store.BreakerState, store.BreakerState) (bool, error) {
	return false, errUnavail()
}

func (unavailableStore) Ping(context.Context) error { return errUnavail() }

func (unavailableStore) Close() error { return nil }
