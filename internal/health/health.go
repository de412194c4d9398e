// Package health provides liveness and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/edgegate/edgegate/internal/breaker"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/store"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const (
	readinessCacheTTL = 5 * time.Second
	probeTimeout      = 2 * time.Second
)

// Handler provides /health and /ready endpoints. Readiness reflects the
// admission state store and the per-target breaker states: an unreachable
// store or an open circuit means traffic is being degraded.
type Handler struct {
	routes  []config.RouteConfig
	store   store.Store
	breaker *breaker.Breaker
	logger  *slog.Logger

	// Cached readiness result so /ready polls do not hammer the store.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health Handler.
func New(routes []config.RouteConfig, st store.Store, b *breaker.Breaker, logger *slog.Logger) *Handler {
	return &Handler{routes: routes, store: st, breaker: b, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	h.cacheMu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	ready := true
	storeStatus := "ok"
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("state store unreachable", "error", err)
		storeStatus = "unreachable"
		ready = false
	}

	targets := make(map[string]string, len(h.routes))
	for _, route := range h.routes {
		if _, seen := targets[route.Target]; seen {
			continue
		}
		st, err := h.breaker.State(ctx, route.Target)
		if err != nil {
			targets[route.Target] = "unknown"
			continue
		}
		targets[route.Target] = st.String()
		if st == breaker.StateOpen {
			ready = false
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if !ready {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":  statusStr,
		"store":   storeStatus,
		"targets": targets,
	})
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}
