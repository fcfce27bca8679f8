package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"orderctl/pkg/cache"
	"orderctl/pkg/circuitbreaker"
	"orderctl/pkg/config"
	"orderctl/pkg/discovery"
	"orderctl/pkg/logger"
	"orderctl/pkg/metrics"
	"orderctl/pkg/ratelimit"
	"orderctl/pkg/telemetry"
	"orderctl/services/gateway-svc/internal/middleware"
	"orderctl/services/gateway-svc/internal/router"
)

// orchestratorService is the logical name the Resilient Request Router
// resolves order/saga traffic to via the discovery registry.
const orchestratorService = "orchestrator"

func main() {
	cfg, err := config.LoadWithServiceDefaults("gateway-svc", 8080)
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})

	logger.Log.Info("starting gateway-svc",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
		metrics.Get().SetServiceInfo(cfg.App.Version, cfg.App.Environment)
	}

	provider, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.App.Name,
		Version:     cfg.App.Version,
		Environment: cfg.App.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		logger.Fatal("failed to initialize telemetry", "error", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Log.Warn("telemetry shutdown error", "error", err)
		}
	}()

	discOpts := discovery.DefaultOptions()
	if cfg.Discovery.ProbeInterval > 0 {
		discOpts.ProbeInterval = cfg.Discovery.ProbeInterval
	}
	if cfg.Discovery.ProbeTimeout > 0 {
		discOpts.ProbeTimeout = cfg.Discovery.ProbeTimeout
	}
	discRegistry := discovery.New(cfg.Discovery.Services, discOpts)
	go discRegistry.StartProbing(ctx)

	breakerRegistry := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		Cooldown:         cfg.Circuit.Cooldown,
	})

	var respCache cache.Cache
	if cfg.Cache.Enabled {
		respCache, err = cache.New(cache.FromConfig(&cfg.Cache))
		if err != nil {
			logger.Fatal("failed to initialize cache", "error", err)
		}
		defer respCache.Close()
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.New(&ratelimit.Config{
			Requests:        cfg.RateLimit.Requests,
			Window:          cfg.RateLimit.Window,
			Strategy:        cfg.RateLimit.Strategy,
			Backend:         cfg.RateLimit.Backend,
			BurstSize:       cfg.RateLimit.BurstSize,
			CleanupInterval: cfg.RateLimit.CleanupInterval,
			RedisAddr:       cfg.RateLimit.RedisAddr,
		})
		if err != nil {
			logger.Fatal("failed to initialize rate limiter", "error", err)
		}
		defer limiter.Close()
	}

	engine := router.New(discRegistry, breakerRegistry, respCache, cfg.Router)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/orders", engine.Handler(orchestratorService, 0))
	mux.HandleFunc("/api/v1/orders/", engine.Handler(orchestratorService, 0))
	mux.HandleFunc("/api/v1/sagas/", engine.Handler(orchestratorService, 0))

	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/health/live", handleHealth)
	mux.HandleFunc("/health/ready", handleReady(discRegistry))

	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", metrics.Handler())
	}

	var handler http.Handler = mux
	handler = middleware.Logging(handler)
	if limiter != nil {
		handler = middleware.RateLimit(limiter)(handler)
	}
	handler = middleware.Auth(cfg.Auth, "rrr")(handler)
	if cfg.HTTP.CORS.Enabled {
		handler = middleware.CORS(cfg.HTTP.CORS)(handler)
	}
	handler = telemetry.HTTPServerMiddleware(handler)
	handler = middleware.Correlation(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Log.Info("gateway-svc listening", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("shutting down gateway-svc")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("server shutdown error", "error", err)
	}
	cancel()

	logger.Log.Info("gateway-svc stopped")
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func handleReady(disc *discovery.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _, ok := disc.Resolve(orchestratorService)
		w.Header().Set("Content-Type", "application/json")
		if ok {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ready":true}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ready":false}`))
	}
}
