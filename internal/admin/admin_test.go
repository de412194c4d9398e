package admin

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edgegate/edgegate/internal/breaker"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/metrics"
	"github.com/edgegate/edgegate/internal/store"
)

func init() {
	metrics.Init()
}

type staticConfig struct {
	cfg *config.Config
}

func (s staticConfig) Current() *config.Config { return s.cfg }

func newTestAdmin(t *testing.T) (*http.ServeMux, *breaker.Breaker) {
	t.Helper()
	logger := slog.Default()
	st := store.NewMemoryStore()
	b := breaker.New(st, breaker.Config{FailureThreshold: 2, RecoveryTimeout: 30 * time.Second}, logger)

	cfg := &config.Config{
		Store: config.StoreConfig{Redis: config.RedisConfig{Addr: "localhost:6379", Password: "hunter2"}},
		Routes: []config.RouteConfig{
			{PathPrefix: "/api", Backend: "http://orders:3000", Target: "orders"},
		},
	}

	h := New(staticConfig{cfg}, b, []string{"127.0.0.0/8"}, logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux, b
}

func adminRequest(method, path string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	r.RemoteAddr = "127.0.0.1:5000"
	return r
}

func TestAdmin_DeniesOutsideAllowlist(t *testing.T) {
	mux, _ := newTestAdmin(t)

	r := httptest.NewRequest("GET", "/admin/breakers", nil)
	r.RemoteAddr = "203.0.113.9:4321"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, r)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAdmin_MethodEnforced(t *testing.T) {
	mux, _ := newTestAdmin(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest("POST", "/admin/config"))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST /admin/config, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest("GET", "/admin/breakers/reset"))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET reset, got %d", rec.Code)
	}
}

func TestAdmin_ConfigRedactsSecrets(t *testing.T) {
	mux, _ := newTestAdmin(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest("GET", "/admin/config"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "hunter2") {
		t.Error("redis password must be redacted")
	}
	if !strings.Contains(body, "localhost:6379") {
		t.Errorf("expected redis addr in body, got %s", body)
	}
}

func TestAdmin_BreakersReflectState(t *testing.T) {
	mux, b := newTestAdmin(t)

	ctx := context.Background()
	b.Record(ctx, "orders", false)
	b.Record(ctx, "orders", false)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest("GET", "/admin/breakers"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"state":"open"`) {
		t.Errorf("expected open breaker, got %s", rec.Body.String())
	}
}

func TestAdmin_ResetClosesBreaker(t *testing.T) {
	mux, b := newTestAdmin(t)

	ctx := context.Background()
	b.Record(ctx, "orders", false)
	b.Record(ctx, "orders", false)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest("POST", "/admin/breakers/reset?target=orders"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	st, err := b.State(ctx, "orders")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st != breaker.StateClosed {
		t.Fatalf("expected closed after reset, got %v", st)
	}
}

func TestAdmin_ResetRequiresTarget(t *testing.T) {
	mux, _ := newTestAdmin(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest("POST", "/admin/breakers/reset"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAdmin_GuardThrottles(t *testing.T) {
	mux, _ := newTestAdmin(t)

	throttled := false
	for i := 0; i < 30; i++ {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, adminRequest("GET", "/admin/breakers"))
		if rec.Code == http.StatusTooManyRequests {
			throttled = true
			break
		}
	}
	if !throttled {
		t.Error("expected the token bucket to throttle a burst of 30 requests")
	}
}
