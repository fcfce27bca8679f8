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

	"orderctl/pkg/audit"
	"orderctl/pkg/circuitbreaker"
	"orderctl/pkg/config"
	"orderctl/pkg/database"
	"orderctl/pkg/discovery"
	"orderctl/pkg/logger"
	"orderctl/pkg/metrics"
	"orderctl/pkg/outbox"
	"orderctl/pkg/repository"
	"orderctl/pkg/saga"
	"orderctl/pkg/telemetry"
	"orderctl/services/orchestrator-svc/internal/httpapi"
	"orderctl/services/orchestrator-svc/internal/sagadefs"
)

const (
	inventoryService = "inventory"
	partnerService   = "partner"
	stuckSagaSweep   = 2 * time.Minute
)

func main() {
	cfg, err := config.LoadWithServiceDefaults("orchestrator-svc", 8081)
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	logger.Log.Info("starting orchestrator-svc", "version", cfg.App.Version, "environment", cfg.App.Environment)

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
		_ = provider.Shutdown(shutdownCtx)
	}()

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	orderRepo := repository.NewPostgresOrderRepository(db)
	sagaRepo := repository.NewPostgresSagaRepository(db)
	outboxRepo := repository.NewPostgresOutboxRepository(db)
	writer := outbox.NewWriter(outboxRepo)

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

	stepTimeout := cfg.Saga.DefaultStepTimeout
	if stepTimeout <= 0 {
		stepTimeout = 10 * time.Second
	}
	inventoryClient := saga.NewInventoryClient(inventoryService, breakerRegistry, discRegistry, stepTimeout)
	partnerClient := saga.NewPartnerClient(partnerService, breakerRegistry, discRegistry, stepTimeout)

	sagaRegistry := saga.NewRegistry()
	sagadefs.Register(sagaRegistry, inventoryClient, partnerClient, orderRepo, writer, db, cfg.Saga)

	coordinator := saga.NewCoordinator(db, sagaRepo, orderRepo, writer, sagaRegistry)

	if n, err := coordinator.ResumeStuck(ctx, time.Now().Add(-stuckSagaSweep), 50); err != nil {
		logger.Log.Warn("orchestrator: stuck saga sweep failed", "error", err)
	} else if n > 0 {
		logger.Log.Info("orchestrator: resumed stuck sagas", "count", n)
	}

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger, err = audit.New(&audit.Config{
			Enabled:         cfg.Audit.Enabled,
			Backend:         cfg.Audit.Backend,
			FilePath:        cfg.Audit.FilePath,
			BufferSize:      cfg.Audit.BufferSize,
			FlushPeriod:     cfg.Audit.FlushPeriod,
			ExcludeMethods:  cfg.Audit.ExcludeMethods,
			IncludeRequest:  cfg.Audit.IncludeRequest,
			IncludeResponse: cfg.Audit.IncludeResponse,
		})
		if err != nil {
			logger.Log.Warn("orchestrator: audit logger init failed, continuing without it", "error", err)
		}
	}

	handler := httpapi.NewHandler(db, orderRepo, sagaRepo, outboxRepo, writer, coordinator, auditLogger)

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/health/live", handleHealth)
	mux.HandleFunc("/health/ready", handleReady(db))
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", metrics.Handler())
	}

	var httpHandler http.Handler = mux
	httpHandler = telemetry.HTTPServerMiddleware(httpHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      h2c.NewHandler(httpHandler, &http2.Server{}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Log.Info("orchestrator-svc listening", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("shutting down orchestrator-svc")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("server shutdown error", "error", err)
	}
	cancel()

	logger.Log.Info("orchestrator-svc stopped")
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func handleReady(db database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"ready":false}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ready":true}`))
	}
}
