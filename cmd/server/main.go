// Package main is the entry point for the guardrail protection gateway.
// It builds the full protection pipeline and proxies admitted requests
// to the upstream service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsmux/guardrail/internal/anomaly"
	"github.com/opsmux/guardrail/internal/behavior"
	"github.com/opsmux/guardrail/internal/breaker"
	"github.com/opsmux/guardrail/internal/config"
	"github.com/opsmux/guardrail/internal/dedup"
	"github.com/opsmux/guardrail/internal/fingerprint"
	"github.com/opsmux/guardrail/internal/metrics"
	"github.com/opsmux/guardrail/internal/observability"
	"github.com/opsmux/guardrail/internal/protection"
	"github.com/opsmux/guardrail/internal/ratelimit"
	"github.com/opsmux/guardrail/internal/reputation"
	"github.com/opsmux/guardrail/internal/store"
	"github.com/opsmux/guardrail/internal/timeout"
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML configuration file")
	listenAddr := flag.String("listen", ":8080", "address to listen on")
	upstreamURL := flag.String("upstream", "http://localhost:9090", "upstream service base URL")
	flag.Parse()

	cfgManager, err := config.NewManager(*configPath, slog.Default())
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	settings := cfgManager.Get()
	if err := settings.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      logLevel(settings.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: settings.Logging.Format != "text",
	}).Slog()
	slog.SetDefault(logger)

	logger.Info("starting guardrail gateway",
		"listen", *listenAddr,
		"upstream", *upstreamURL,
		"fail_open", settings.FailOpen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	var tracer *observability.TracerProvider
	if settings.Tracing.Enabled {
		tracer, err = observability.InitTracing(ctx, observability.TracingConfig{
			Enabled:     true,
			Endpoint:    settings.Tracing.Endpoint,
			ServiceName: settings.Tracing.ServiceName,
			SampleRate:  settings.Tracing.SampleRate,
			Insecure:    settings.Tracing.Insecure,
		})
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		}
	}

	redisCfg := store.DefaultRedisConfig()
	redisCfg.URL = settings.Redis.URL
	if settings.Redis.KeyPrefix != "" {
		redisCfg.Namespace = settings.Redis.KeyPrefix
	}
	rs, err := store.NewRedisStore(redisCfg)
	if err != nil {
		if !settings.FailOpen {
			logger.Error("redis unavailable and fail-open is disabled", "error", err)
			os.Exit(1)
		}
		logger.Warn("redis unavailable, starting with in-memory fallbacks", "error", err)
	}

	var st store.Store
	limiterCfg := ratelimit.Config{
		Prefix:   redisCfg.Namespace,
		Settings: settings.RateLimits,
		FailOpen: settings.FailOpen,
		Logger:   logger,
	}
	if rs != nil {
		st = rs
		limiterCfg.Client = rs.Client()
	} else {
		st = store.NewMemoryStore(time.Minute)
	}
	limiter := ratelimit.NewLimiter(limiterCfg)

	hasher := fingerprint.NewHasher()
	deduper := dedup.New(dedup.Config{
		Store:    st,
		Hasher:   hasher,
		Settings: settings.Dedup,
		FailOpen: settings.FailOpen,
		Logger:   logger,
	})

	timeouts := timeout.NewManager(settings.Timeouts, logger)
	analyzer := behavior.NewAnalyzer(logger)

	modelFile := filepath.Join(settings.Anomaly.ModelPath, "anomaly_model.json")
	detector := anomaly.NewDetector(modelFile, logger)

	repute := reputation.NewEngine(st, logger)
	breakers := breaker.NewManager(settings.Breakers, logger)

	co := protection.NewCoordinator(protection.Components{
		Settings: settings,
		Logger:   logger,
		Store:    st,
		Limiter:  limiter,
		Dedup:    deduper,
		Timeouts: timeouts,
		Analyzer: analyzer,
		Detector: detector,
		Repute:   repute,
		Breakers: breakers,
	})
	co.Start()

	upstream, err := url.Parse(*upstreamURL)
	if err != nil {
		logger.Error("invalid upstream URL", "url", *upstreamURL, "error", err)
		os.Exit(1)
	}
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("upstream request failed",
			"path", r.URL.Path,
			"error", err)
		w.WriteHeader(http.StatusBadGateway)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health/protection", co.HealthHandler())
	mux.Handle("GET /health/protection/metrics", co.MetricsHandler())
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/", co.Middleware(proxy))

	var handler http.Handler = mux
	handler = observability.CorrelationMiddleware(handler)
	handler = metrics.Middleware(handler)

	server := &http.Server{
		Addr:         *listenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: settings.Timeouts.AgentTotal + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("gateway listening", "addr", *listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gateway")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	co.Stop()
	_ = timeouts.Close()
	_ = deduper.Close()
	if rs != nil {
		_ = rs.Close()
	}
	if tracer != nil {
		_ = tracer.Shutdown(shutdownCtx)
	}
	_ = cfgManager.Close()
	logger.Info("gateway stopped")
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
