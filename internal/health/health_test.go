package health

import (
	"context"
	"fmt"
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

var testRoutes = []config.RouteConfig{
	{PathPrefix: "/api", Backend: "http://orders:3000", Target: "orders"},
	{PathPrefix: "/pay", Backend: "http://payments:3000", Target: "payments"},
}

func newTestHandler(t *testing.T, st store.Store) (*Handler, *breaker.Breaker) {
	t.Helper()
	logger := slog.Default()
	b := breaker.New(st, breaker.Config{FailureThreshold: 2, RecoveryTimeout: 30 * time.Second}, logger)
	return New(testRoutes, st, b, logger), b
}

func TestLiveness(t *testing.T) {
	h, _ := newTestHandler(t, store.NewMemoryStore())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestReadiness_AllHealthy(t *testing.T) {
	h, _ := newTestHandler(t, store.NewMemoryStore())

	rec := httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest("GET", "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"status":"ready"`) {
		t.Errorf("expected ready status, got %s", body)
	}
	if !strings.Contains(body, `"orders":"closed"`) || !strings.Contains(body, `"payments":"closed"`) {
		t.Errorf("expected closed breaker states, got %s", body)
	}
}

func TestReadiness_OpenCircuitDegrades(t *testing.T) {
	st := store.NewMemoryStore()
	h, b := newTestHandler(t, st)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := b.Record(ctx, "orders", false); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest("GET", "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"orders":"open"`) {
		t.Errorf("expected open orders breaker, got %s", rec.Body.String())
	}
}

func TestReadiness_StoreDown(t *testing.T) {
	h, _ := newTestHandler(t, deadStore{})

	rec := httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest("GET", "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"store":"unreachable"`) {
		t.Errorf("expected unreachable store, got %s", body)
	}
}

func TestReadiness_ResultIsCached(t *testing.T) {
	st := store.NewMemoryStore()
	h, b := newTestHandler(t, st)

	rec := httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// Trip a breaker; the cached verdict must still be served.
	ctx := context.Background()
	b.Record(ctx, "orders", false)
	b.Record(ctx, "orders", false)

	rec = httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected cached 200, got %d", rec.Code)
	}
}

// deadStore is a store whose Ping always fails.
type deadStore struct{}

func unavailable() error {
	return fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}

func (deadStore) TrimAndCount(context.Context, string, time.Time) (int64, error) {
	return 0, unavailable()
}

func (deadStore) Insert(context.Context, string, time.Time, string, time.Duration) error {
	return unavailable()
}

func (deadStore) GetBreakerState(context.Context, string) (store.BreakerState, error) {
	return store.BreakerState{}, unavailable()
}

func (deadStore) CompareAndSetBreakerState(context.Context, string, store.BreakerState, store.BreakerState) (bool, error) {
	return false, unavailable()
}

func (deadStore) Ping(context.Context) error { return unavailable() }

func (deadStore) Close() error { return nil }
