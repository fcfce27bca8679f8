package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"orderctl/pkg/bus"
	"orderctl/pkg/config"
	"orderctl/pkg/database"
	"orderctl/pkg/logger"
	"orderctl/pkg/metrics"
	"orderctl/pkg/outbox"
	"orderctl/pkg/repository"
)

func main() {
	cfg, err := config.LoadWithServiceDefaults("outbox-relay-svc", 8082)
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	logger.Log.Info("starting outbox-relay-svc", "version", cfg.App.Version, "environment", cfg.App.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
		metrics.Get().SetServiceInfo(cfg.App.Version, cfg.App.Environment)
	}

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	outboxRepo := repository.NewPostgresOutboxRepository(db)
	publisher := bus.New(cfg.Bus, cfg.Retry)
	defer publisher.Close()

	relay := outbox.NewRelay(outboxRepo, publisher, cfg.Outbox)
	go relay.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/health/live", handleHealth)
	mux.HandleFunc("/health/ready", handleReady(db))
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", metrics.Handler())
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: mux,
	}

	go func() {
		logger.Log.Info("outbox-relay-svc listening", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("shutting down outbox-relay-svc")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("server shutdown error", "error", err)
	}

	logger.Log.Info("outbox-relay-svc stopped")
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
