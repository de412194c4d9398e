package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/edgegate/edgegate/internal/apierror"
	"github.com/edgegate/edgegate/internal/metrics"
)

// Recovery returns middleware that converts a handler panic into a 500 JSON
// response. The stack trace goes to the log and the panic counter, never to
// the client.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					metrics.PanicsRecovered.Inc()
					logger.Error("panic recovered",
						"panic", v,
						"stack", string(debug.Stack()),
						"method", r.Method,
						"path", r.URL.Path,
						"client_ip", r.RemoteAddr,
						"request_id", GetRequestID(r.Context()),
					)
					apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
