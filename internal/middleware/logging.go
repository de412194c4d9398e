package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/edgegate/edgegate/internal/metrics"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
	start         time.Time
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.headerWritten {
		sr.headerWritten = true
		sr.statusCode = code
		// Header must go out before the status line is written.
		sr.ResponseWriter.Header().Set("X-Process-Time", processTime(time.Since(sr.start)))
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.headerWritten {
		sr.WriteHeader(http.StatusOK)
	}
	return sr.ResponseWriter.Write(b)
}

// processTime renders an elapsed duration as fractional seconds for the
// X-Process-Time response header.
func processTime(d time.Duration) string {
	return fmt.Sprintf("%.6f", d.Seconds())
}

// Logging returns middleware that logs each request as structured JSON
// including method, path, status code, latency, and client IP, stamps the
// X-Process-Time header, and records request metrics. routeLabel maps a
// request path to its route's metric label; pass nil to label every request
// with its raw path (fine for low-cardinality test servers, not production).
func Logging(logger *slog.Logger, routeLabel func(string) string) func(http.Handler) http.Handler {
	if routeLabel == nil {
		routeLabel = func(path string) string { return path }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK, start: start}

			next.ServeHTTP(recorder, r)

			elapsed := time.Since(start)
			route := routeLabel(r.URL.Path)

			metrics.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(recorder.statusCode)).Inc()
			metrics.RequestDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.statusCode,
				"latency_ms", elapsed.Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			)
		})
	}
}
