package indexer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/httpmw"
	"github.com/matrixfabric/matrixfabric/internal/vector"
)

// buildRouter assembles the indexer control surface. Like the daemon it
// binds to localhost and carries no auth.
func (s *Service) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(s.log, "indexerd"))
	router.Use(httpmw.OtelTracing("indexerd"))

	router.GET("/health", s.handleHealth)
	router.GET("/stats", s.handleStats)
	router.POST("/reindex", s.handleReindex)

	return router
}

func (s *Service) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("indexer listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleHealth reports the embedding path state. A failing embedder
// degrades the status instead of failing the endpoint; queued documents
// are still accepted and flushed once it recovers.
func (s *Service) handleHealth(c *gin.Context) {
	status := "ok"
	var embedderErr string
	if err := s.vec.HealthCheck(c.Request.Context()); err != nil {
		status = "degraded"
		embedderErr = err.Error()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"embedder_error": embedderErr,
		"queue_depth":    s.vec.QueueDepth(),
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Service) handleStats(c *gin.Context) {
	learnings, err := s.vec.Count(vector.CollectionLearnings)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}
	sessions, err := s.vec.Count(vector.CollectionSessions)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"learnings":   learnings,
		"sessions":    sessions,
		"queue_depth": s.vec.QueueDepth(),
	})
}

// handleReindex rebuilds both collections synchronously. The caller waits;
// reindex is an operator action, not a hot path.
func (s *Service) handleReindex(c *gin.Context) {
	learnings, sessions, err := s.Reindex(c.Request.Context())
	if err != nil {
		s.log.Error("reindex", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reindex failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"learnings": learnings,
		"sessions":  sessions,
	})
}
