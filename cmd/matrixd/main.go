// Package main runs the workspace daemon: the durable outbound message
// queue, the hub connection, the recall surface, the task engine, and
// the GitHub issue sync sweeper.
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

	"github.com/matrixfabric/matrixfabric/internal/adapters/ghsync"
	"github.com/matrixfabric/matrixfabric/internal/common/config"
	"github.com/matrixfabric/matrixfabric/internal/common/logger"
	"github.com/matrixfabric/matrixfabric/internal/common/tracing"
	"github.com/matrixfabric/matrixfabric/internal/daemon"
	"github.com/matrixfabric/matrixfabric/internal/events"
	"github.com/matrixfabric/matrixfabric/internal/retrieval"
	"github.com/matrixfabric/matrixfabric/internal/store"
	"github.com/matrixfabric/matrixfabric/internal/taskengine"
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

	// Retrieval runs against the shared vector directory; the indexer owns
	// the writes, the daemon only queries. A missing vector path degrades
	// recall to keyword search.
	var vec *vector.Adapter
	embedder, err := vector.NewEmbedder(cfg.Embedding)
	if err != nil {
		log.Warn("embedder unavailable, recall degrades to keyword search", zap.Error(err))
	} else {
		vec, err = vector.New(vector.Config{
			Dir:       filepath.Join(cfg.Store.ResolveDir(cfg.Memory.ProjectPath), "vectors"),
			BatchSize: cfg.Embedding.BatchSize,
		}, embedder, log)
		if err != nil {
			log.Warn("vector store unavailable, recall degrades to keyword search", zap.Error(err))
			vec = nil
		} else {
			defer vec.Stop()
		}
	}
	retr := retrieval.New(st, vec, providedBus.Bus, cfg.Retrieval, "matrixd", log)

	engine := taskengine.New(st, providedBus.Bus, taskengine.DefaultConfig(), log)
	if err := engine.Start(ctx); err != nil {
		log.Fatal("task engine start failed", zap.Error(err))
	}
	defer engine.Stop()

	syncer := ghsync.New(st, cfg.GitHub.Repo, log)
	go syncer.Run(ctx)

	d, err := daemon.New(cfg, st, providedBus.Bus, retr, log)
	if err != nil {
		log.Fatal("daemon init failed", zap.Error(err))
	}

	log.Info("starting matrixd",
		zap.String("matrix_id", cfg.Daemon.MatrixID),
		zap.Int("port", cfg.Daemon.Port))

	if err := d.Start(ctx); err != nil {
		log.Error("daemon stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
	log.Info("matrixd stopped")
}
