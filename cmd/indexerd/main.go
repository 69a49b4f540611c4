// Package main runs the vector indexer: it tails learning and session
// events, embeds the changed entities, and serves reindex and health
// endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/config"
	"github.com/matrixfabric/matrixfabric/internal/common/logger"
	"github.com/matrixfabric/matrixfabric/internal/common/tracing"
	"github.com/matrixfabric/matrixfabric/internal/events"
	"github.com/matrixfabric/matrixfabric/internal/indexer"
	"github.com/matrixfabric/matrixfabric/internal/store"
	"github.com/matrixfabric/matrixfabric/internal/vector"
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

	embedder, err := vector.NewEmbedder(cfg.Embedding)
	if err != nil {
		log.Fatal("embedder init failed", zap.Error(err))
	}
	vec, err := vector.New(vector.Config{
		Dir:       filepath.Join(cfg.Store.ResolveDir(cfg.Memory.ProjectPath), "vectors"),
		BatchSize: cfg.Embedding.BatchSize,
	}, embedder, log)
	if err != nil {
		log.Fatal("vector store open failed", zap.Error(err))
	}
	defer vec.Stop()

	svc := indexer.New(cfg.Indexer, st, vec, providedBus.Bus, log)

	log.Info("starting indexerd", zap.Int("port", cfg.Indexer.Port))

	if err := svc.Start(ctx); err != nil {
		log.Error("indexer stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
	log.Info("indexerd stopped")
}
