// Package admin provides admin API endpoints for runtime inspection of
// gateway state and manual breaker resets. All endpoints are protected by an
// IP allowlist and a shared token-bucket request guard.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/edgegate/edgegate/internal/breaker"
	"github.com/edgegate/edgegate/internal/config"
)

// The admin surface is cheap but talks to the store; a small token bucket
// keeps a misbehaving dashboard from turning it into load.
const (
	guardRate  = 5
	guardBurst = 10
)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	breaker     *breaker.Breaker
	allowedNets []*net.IPNet
	guard       *rate.Limiter
	logger      *slog.Logger
}

// New creates an admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(reloader ConfigProvider, b *breaker.Breaker, allowlist []string, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		breaker:     b,
		allowedNets: nets,
		guard:       rate.NewLimiter(guardRate, guardBurst),
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/config", h.guarded(http.MethodGet, h.configHandler))
	mux.HandleFunc("/admin/breakers", h.guarded(http.MethodGet, h.breakersHandler))
	mux.HandleFunc("/admin/breakers/reset", h.guarded(http.MethodPost, h.resetHandler))
}

// guarded wraps a handler with method, allowlist, and token-bucket checks.
func (h *Handler) guarded(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}

		if !h.guard.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "Too Many Requests",
			})
			return
		}

		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Shallow copy and redact secrets.
	redacted := *cfg
	if redacted.Store.Redis.Password != "" {
		redacted.Store.Redis.Password = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

// breakerStatus is the per-target entry in the /admin/breakers response.
type breakerStatus struct {
	Target string `json:"target"`
	State  string `json:"state"`
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	seen := make(map[string]bool, len(cfg.Routes))
	statuses := make([]breakerStatus, 0, len(cfg.Routes))
	for _, route := range cfg.Routes {
		if seen[route.Target] {
			continue
		}
		seen[route.Target] = true

		state := "unknown"
		if st, err := h.breaker.State(ctx, route.Target); err == nil {
			state = st.String()
		}
		statuses = append(statuses, breakerStatus{Target: route.Target, State: state})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"breakers": statuses})
}

// resetHandler forces a target's breaker back to closed. Intended for
// operators who know the backend has recovered and do not want to wait out
// the recovery timeout.
func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "target query parameter is required",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.breaker.Reset(ctx, target); err != nil {
		h.logger.Error("breaker reset failed", "target", target, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "reset failed",
		})
		return
	}

	h.logger.Info("breaker reset by operator", "target", target, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{
		"target": target,
		"state":  "closed",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
