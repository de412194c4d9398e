// Package main is the entry point for the admission gateway. It loads
// configuration, wires the store, limiter, breaker, and retry policy into the
// admission pipeline, assembles the middleware stack, starts the HTTP server,
// and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/edgegate/edgegate/internal/admin"
	"github.com/edgegate/edgegate/internal/breaker"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/health"
	"github.com/edgegate/edgegate/internal/limiter"
	"github.com/edgegate/edgegate/internal/logging"
	"github.com/edgegate/edgegate/internal/metrics"
	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/pipeline"
	"github.com/edgegate/edgegate/internal/proxy"
	"github.com/edgegate/edgegate/internal/retry"
	"github.com/edgegate/edgegate/internal/store"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logOut, err := logging.Open(cfg.Logging.Output, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays)
	if err != nil {
		bootLogger.Error("failed to open log output", "error", err)
		os.Exit(1)
	}
	defer logOut.Close()
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: logging.ParseLevel(cfg.Logging.Level),
	}))

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"routes", len(cfg.Routes),
		"store_backend", cfg.Store.Backend,
		"fail_mode", cfg.Admission.FailMode,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"trusted_proxies", len(cfg.Server.TrustedProxies),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	lim, err := limiter.New(st, limiter.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window,
	}, logger)
	if err != nil {
		logger.Error("failed to build rate limiter", "error", err)
		os.Exit(1)
	}
	defer lim.Stop()

	brk := breaker.New(st, breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
	}, logger)

	pol, err := retry.New(retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Multiplier:  cfg.Retry.Multiplier,
		Jitter:      cfg.Retry.Jitter,
	}, proxy.IsRetryable)
	if err != nil {
		logger.Error("failed to build retry policy", "error", err)
		os.Exit(1)
	}

	failMode, err := pipeline.ParseFailMode(cfg.Admission.FailMode)
	if err != nil {
		logger.Error("invalid fail mode", "error", err)
		os.Exit(1)
	}
	pipe := pipeline.New(lim, brk, pol, failMode, proxy.IsUpstreamFailure, logger)

	proxyHandler := proxy.New(pipe, cfg.Routes, cfg.Server.TrustedProxies, logger)

	// Middleware stack: Recovery → RequestID → Logging → Deadline → Proxy
	var handler http.Handler = proxyHandler
	handler = middleware.Deadline(cfg.Server.GlobalTimeout())(handler)
	handler = middleware.Logging(logger, proxyHandler.RouteLabel)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Health, metrics, and admin endpoints bypass the admission stack.
	mux := http.NewServeMux()
	healthHandler := health.New(cfg.Routes, st, brk, logger)
	healthHandler.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	reloader := config.NewReloader(*configPath, cfg, logger)

	if cfg.Admin.Enabled {
		adminHandler := admin.New(reloader, brk, cfg.Admin.IPAllowlist, logger)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin endpoints registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			strings.HasPrefix(r.URL.Path, "/admin/") ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	reloader.Start()
	defer reloader.Stop()

	// Routes and fail mode hot-reload; limiter, breaker, and retry settings
	// need a restart since their state layout depends on them.
	reloader.OnReload(func(newCfg *config.Config) {
		proxyHandler.SetRoutes(newCfg.Routes, newCfg.Server.TrustedProxies)
		if fm, err := pipeline.ParseFailMode(newCfg.Admission.FailMode); err == nil {
			pipe.SetFailMode(fm)
		}
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting gateway", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped gracefully")
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewRedisStore(store.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
	}
}
