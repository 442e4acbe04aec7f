package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/venantvr/pubsub-relay/internal/batcher"
	"github.com/venantvr/pubsub-relay/internal/broker"
	"github.com/venantvr/pubsub-relay/internal/config"
	"github.com/venantvr/pubsub-relay/internal/logging"
	"github.com/venantvr/pubsub-relay/internal/metrics"
	"github.com/venantvr/pubsub-relay/internal/store"
	"github.com/venantvr/pubsub-relay/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metrics.NewRegistry()

	db, err := store.Open(ctx, cfg.Store.DatabaseFile, cfg.Store.MaxConnections, logger)
	if err != nil {
		logger.Fatal("store open failed", zap.Error(err))
	}
	defer db.Close()

	b := batcher.New(db, logger, metricsRegistry, cfg.Broker.BatchSize, cfg.Broker.BatchInterval)
	go b.Run(ctx)

	br := broker.New(cfg.Broker, db, b, metricsRegistry, logger)
	go br.RunRetention(ctx)

	transportServer := transport.NewServer(cfg.Server, br, metricsRegistry, logger)
	if err := transportServer.Start(ctx); err != nil {
		logger.Fatal("transport start failed", zap.Error(err))
	}

	metricsErrCh := make(chan error, 1)
	if cfg.Metrics.Enabled {
		go func() {
			metricsErrCh <- runMetricsServer(ctx, cfg.Metrics, metricsRegistry, logger)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-metricsErrCh:
		if err != nil {
			logger.Error("metrics server error", zap.Error(err))
		}
		stop()
	}

	transportServer.Stop()
	b.Wait()
	logger.Info("shutdown complete")
}

// runMetricsServer serves Prometheus exposition on its own listener,
// separate from the public REST/WS surface, mirroring the teacher's
// dedicated metrics listener pattern.
func runMetricsServer(ctx context.Context, cfg config.MetricsConfig, reg *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Endpoint, reg.Handler())

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
