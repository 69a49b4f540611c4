package taskengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/constants"
	"github.com/matrixfabric/matrixfabric/internal/events"
)

// Sweep loop errors.
var (
	ErrAlreadyRunning = errors.New("task engine is already running")
	ErrNotRunning     = errors.New("task engine is not running")
)

// Config tunes the sweep loop.
type Config struct {
	SweepInterval  time.Duration
	TaskTimeout    time.Duration
	MissionTimeout time.Duration
	SweepBatch     int
}

// DefaultConfig returns the production sweep settings.
func DefaultConfig() Config {
	return Config{
		SweepInterval:  5 * time.Second,
		TaskTimeout:    constants.AgentTaskTimeout,
		MissionTimeout: constants.MissionTimeout,
		SweepBatch:     50,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.MissionTimeout <= 0 {
		c.MissionTimeout = d.MissionTimeout
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = d.SweepBatch
	}
	return c
}

// sweeper periodically promotes due retries, expires stuck claims, and
// unblocks tasks whose dependencies completed while no one was watching.
type sweeper struct {
	engine *Engine

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newSweeper(e *Engine) *sweeper {
	return &sweeper{engine: e}
}

func (s *sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.engine.log.Info("task sweeper starting",
		zap.Duration("interval", s.engine.cfg.SweepInterval))

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

func (s *sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.engine.log.Info("task sweeper stopped")
	return nil
}

func (s *sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.engine.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one sweep pass. Exported through the engine for tests and
// one-shot maintenance flows.
func (s *sweeper) SweepOnce(ctx context.Context) {
	e := s.engine

	due, err := e.store.DueRetryTasks(ctx, e.cfg.SweepBatch)
	if err != nil {
		e.log.Warn("list due retries", zap.Error(err))
	}
	for _, t := range due {
		if err := e.store.PromoteRetryTask(ctx, t.ID); err != nil {
			e.log.Warn("promote retry", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		e.publish(ctx, events.TaskRetrying, map[string]interface{}{
			"task_id":     t.ID,
			"retry_count": t.RetryCount,
			"requeued":    true,
		})
	}

	if err := e.RecoverStuck(ctx); err != nil {
		e.log.Warn("stuck recovery sweep", zap.Error(err))
	}

	e.unblockDependents(ctx)
}

// SweepOnce exposes a single sweep pass on the engine.
func (e *Engine) SweepOnce(ctx context.Context) {
	e.sweep.SweepOnce(ctx)
}
