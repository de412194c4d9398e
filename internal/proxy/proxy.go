// Package proxy is the gateway's request surface: it matches routes, derives
// the caller identity, runs the admission chain, and reverse-proxies admitted
// requests to the route's backend.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edgegate/edgegate/internal/apierror"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/pipeline"
	"github.com/edgegate/edgegate/internal/retry"
	"github.com/edgegate/edgegate/internal/routing"
	"github.com/edgegate/edgegate/internal/store"
)

// upstreamError marks an attempt whose response counts against the target:
// any 5xx status. Whether the attempt is also worth retrying is a separate
// question, answered by IsRetryable.
type upstreamError struct {
	status int
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.status, http.StatusText(e.status))
}

// IsUpstreamFailure reports whether err represents a failed upstream call:
// any 5xx response or an attempt deadline. Wired into the pipeline as the
// breaker's failure classifier; 4xx responses never reach it because the
// attempt returns nil for them.
func IsUpstreamFailure(err error) bool {
	var ue *upstreamError
	return errors.As(err, &ue) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether err is a transient upstream failure worth
// another attempt: a gateway-class status (502, 503, 504) or an attempt
// deadline. A backend that answered 500 gave a definitive response and is
// not retried, though the breaker still counts it as a failure.
func IsRetryable(err error) bool {
	var ue *upstreamError
	if errors.As(err, &ue) {
		return isRetryable(ue.status)
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Handler proxies admitted requests to backends.
type Handler struct {
	pipeline *pipeline.Pipeline
	logger   *slog.Logger

	mu      sync.RWMutex
	table   *routing.Table
	proxies map[string]*httputil.ReverseProxy
	trusted []*net.IPNet
}

// New creates a Handler serving the given routes through the admission
// pipeline. trustedProxies lists CIDRs whose X-Forwarded-For headers are
// honored when deriving the caller identity.
func New(p *pipeline.Pipeline, routes []config.RouteConfig, trustedProxies []string, logger *slog.Logger) *Handler {
	h := &Handler{
		pipeline: p,
		logger:   logger,
	}
	h.SetRoutes(routes, trustedProxies)
	return h
}

// SetRoutes swaps the route table and trusted proxy list. Called at startup
// and from the config reload callback; in-flight requests keep the table they
// started with.
func (h *Handler) SetRoutes(routes []config.RouteConfig, trustedProxies []string) {
	table := routing.NewTable(routes)

	proxies := make(map[string]*httputil.ReverseProxy, len(routes))
	for _, rc := range routes {
		if rt := table.Match(rc.PathPrefix); rt != nil {
			rp := httputil.NewSingleHostReverseProxy(rt.Backend)
			backend := rc.Backend
			rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
				h.logger.Error("proxy transport error", "error", err, "backend", backend, "path", r.URL.Path)
				w.WriteHeader(http.StatusBadGateway)
			}
			proxies[rc.PathPrefix] = rp
		}
	}

	var trusted []*net.IPNet
	for _, cidr := range trustedProxies {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			trusted = append(trusted, ipnet)
		}
	}

	h.mu.Lock()
	h.table = table
	h.proxies = proxies
	h.trusted = trusted
	h.mu.Unlock()
}

// RouteLabel returns the route metric label for a path. Used by the access
// log middleware to keep metric cardinality bounded.
func (h *Handler) RouteLabel(path string) string {
	h.mu.RLock()
	table := h.table
	h.mu.RUnlock()
	return table.Label(path)
}

// ServeHTTP implements http.Handler. Admission order is fixed: rate limit by
// caller identity, then circuit breaker by target, then the retried backend
// call.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	table := h.table
	proxies := h.proxies
	trusted := h.trusted
	h.mu.RUnlock()

	route := table.Match(r.URL.Path)
	if route == nil {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
		return
	}
	if !route.AllowsMethod(r.Method) {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
			fmt.Sprintf("method %s not allowed for %s", r.Method, route.PathPrefix))
		return
	}

	rp := proxies[route.PathPrefix]
	identity := clientIdentity(r, trusted)

	if route.StripPrefix {
		r.URL.Path = strings.TrimPrefix(r.URL.Path, route.PathPrefix)
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}
	}

	// The winning attempt's buffered response; replayed after the pipeline
	// reports success so denied and retried attempts never leak bytes to the
	// client.
	var winner *responseBuffer

	err := h.pipeline.Do(r.Context(), identity, route.Target, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, route.Timeout)
		defer cancel()

		buf := &responseBuffer{header: make(http.Header), statusCode: http.StatusOK}
		rp.ServeHTTP(buf, r.WithContext(attemptCtx))

		if err := attemptCtx.Err(); err != nil && buf.statusCode == http.StatusBadGateway {
			// The transport error behind the 502 was the deadline firing.
			return err
		}
		if buf.statusCode >= http.StatusInternalServerError {
			if !isRetryable(buf.statusCode) {
				// A definitive backend error (e.g. 500): the client still gets
				// the backend's response, but the target failed.
				winner = buf
			}
			return &upstreamError{status: buf.statusCode}
		}
		winner = buf
		return nil
	})

	if err != nil {
		if winner != nil {
			winner.replayTo(w)
			return
		}
		h.writeAdmissionError(w, r, route, err)
		return
	}
	winner.replayTo(w)
}

// writeAdmissionError maps a pipeline error to the client-facing response.
func (h *Handler) writeAdmissionError(w http.ResponseWriter, r *http.Request, route *routing.Route, err error) {
	switch {
	case errors.Is(err, pipeline.ErrRateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(int(h.retryAfter().Seconds())))
		apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimitExceeded, "rate limit exceeded, retry later")
	case errors.Is(err, pipeline.ErrCircuitOpen):
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.CircuitOpen, "circuit breaker open")
	case errors.Is(err, store.ErrUnavailable):
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.StoreUnavailable, "admission state store unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded, "backend deadline exceeded")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		var exhausted *retry.ExhaustedError
		if !errors.As(err, &exhausted) {
			h.logger.Error("unexpected pipeline error", "error", err, "route", route.PathPrefix)
		}
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamUnavailable, "upstream service unavailable")
	}
}

// retryAfter is the hint clients get with a 429. The window length is the
// worst case until budget frees up.
func (h *Handler) retryAfter() time.Duration {
	return h.pipeline.Window()
}

// clientIdentity derives the rate-limit identity from the connection peer,
// honoring X-Forwarded-For only when the peer is a trusted proxy.
func clientIdentity(r *http.Request, trusted []*net.IPNet) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	peer := net.ParseIP(host)
	if peer != nil && inAnyNet(peer, trusted) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Leftmost entry is the original client.
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if ip := net.ParseIP(first); ip != nil {
				return ip.String()
			}
		}
	}
	return host
}

func inAnyNet(ip net.IP, nets []*net.IPNet) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func isRetryable(status int) bool {
	return status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

// responseBuffer captures a full attempt response (status, headers, body) in
// memory so failed attempts can be discarded and only the winning attempt is
// replayed to the client.
type responseBuffer struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
	written    bool
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(code int) {
	if !b.written {
		b.statusCode = code
		b.written = true
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if !b.written {
		b.statusCode = http.StatusOK
		b.written = true
	}
	return b.body.Write(p)
}

// replayTo copies the buffered response to the real writer.
func (b *responseBuffer) replayTo(w http.ResponseWriter) {
	for k, vals := range b.header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.statusCode)
	w.Write(b.body.Bytes()) //nolint:errcheck
}
