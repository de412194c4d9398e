// Package main provides a simple echo server for testing the gateway.
// It returns request details as JSON, useful for verifying routing, prefix
// stripping, and identity propagation, and exposes failure toggles for
// exercising the breaker and retry paths.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "echo", "service name")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	// When set, every request (except the toggles themselves) returns 503.
	// Lets you watch the gateway's breaker trip and recover without killing
	// the process.
	var failing atomic.Bool

	http.HandleFunc("/__fail/on", func(w http.ResponseWriter, r *http.Request) {
		failing.Store(true)
		writeStatusJSON(w, http.StatusOK, *name, "failure simulation on")
	})
	http.HandleFunc("/__fail/off", func(w http.ResponseWriter, r *http.Request) {
		failing.Store(false)
		writeStatusJSON(w, http.StatusOK, *name, "failure simulation off")
	})

	// /__status/{code} returns an arbitrary HTTP status code.
	// Useful for testing error handling, retries, and metrics.
	// Example: GET /__status/503 → 503 Service Unavailable
	http.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		writeStatusJSON(w, code, *name, http.StatusText(code))
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			writeStatusJSON(w, http.StatusServiceUnavailable, *name, "simulated failure")
			return
		}

		resp := map[string]interface{}{
			"service":     *name,
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"headers":     flattenHeaders(r.Header),
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s", *name, addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func writeStatusJSON(w http.ResponseWriter, code int, service, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"service": service,
		"status":  code,
		"message": message,
	})
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}
