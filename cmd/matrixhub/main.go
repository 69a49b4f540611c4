// Package main runs the matrix hub: the authenticated WebSocket relay
// that fans messages out between workspace daemons.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/config"
	"github.com/matrixfabric/matrixfabric/internal/common/logger"
	"github.com/matrixfabric/matrixfabric/internal/common/tracing"
	"github.com/matrixfabric/matrixfabric/internal/events"
	"github.com/matrixfabric/matrixfabric/internal/hub"
	"github.com/matrixfabric/matrixfabric/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("event bus init failed", zap.Error(err))
	}
	defer busCleanup()

	st, err := store.Open(ctx, cfg.Store.DatabasePath(cfg.Memory.ProjectPath), cfg.Store.BusyTimeout(), log)
	if err != nil {
		log.Fatal("store open failed", zap.Error(err))
	}
	defer st.Close()

	srv, err := hub.NewServer(cfg.Hub, st, providedBus.Bus, log)
	if err != nil {
		log.Fatal("hub init failed", zap.Error(err))
	}

	log.Info("starting matrixhub",
		zap.String("host", cfg.Hub.Host),
		zap.Int("port", cfg.Hub.Port),
		zap.Bool("tls", cfg.Hub.TLSEnabled()))

	if err := srv.Start(ctx); err != nil {
		log.Error("hub stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
	log.Info("matrixhub stopped")
}
