// Package indexer keeps the vector collections in sync with the store.
// It tails learning and session events off the bus, embeds the changed
// entities, and exposes a small HTTP surface for health and reindexing.
package indexer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/config"
	"github.com/matrixfabric/matrixfabric/internal/common/logger"
	"github.com/matrixfabric/matrixfabric/internal/events"
	"github.com/matrixfabric/matrixfabric/internal/events/bus"
	"github.com/matrixfabric/matrixfabric/internal/store"
	"github.com/matrixfabric/matrixfabric/internal/vector"
)

// Service consumes entity events and writes vector documents. Indexing is
// eventually consistent: a missed event is repaired by the next reindex.
type Service struct {
	store *store.Store
	vec   *vector.Adapter
	bus   bus.EventBus
	cfg   config.IndexerConfig

	subs      []bus.Subscription
	startedAt time.Time
	log       *logger.Logger
}

func New(cfg config.IndexerConfig, st *store.Store, vec *vector.Adapter, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:     st,
		vec:       vec,
		bus:       eventBus,
		cfg:       cfg,
		startedAt: time.Now(),
		log:       log.WithComponent("indexer"),
	}
}

// Start subscribes to entity events and serves the control surface until
// the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if err := s.subscribe(); err != nil {
		return err
	}
	defer s.unsubscribe()
	return s.serve(ctx)
}

func (s *Service) subscribe() error {
	if s.bus == nil {
		s.log.Warn("no event bus, indexing only via reindex")
		return nil
	}
	for _, subject := range []string{events.SubjectLearning, events.SubjectSessions} {
		sub, err := s.bus.Subscribe(subject, s.handleEvent)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.log.Warn("unsubscribe", zap.Error(err))
		}
	}
	s.subs = nil
}

// handleEvent indexes the entity an event refers to. Unknown or deleted
// entities are dropped; the handler never fails the bus delivery.
func (s *Service) handleEvent(ctx context.Context, event *bus.Event) error {
	switch event.Type {
	case events.LearningCreated, events.LearningValidated, events.LearningPromoted:
		id, ok := eventInt64(event.Data["learning_id"])
		if !ok {
			s.log.Warn("learning event without id", zap.String("type", event.Type))
			return nil
		}
		l, err := s.store.GetLearning(ctx, id)
		if err != nil {
			s.log.Error("load learning for indexing", zap.Int64("learning_id", id), zap.Error(err))
			return nil
		}
		if l == nil {
			return nil
		}
		if err := s.IndexLearning(ctx, l); err != nil {
			s.log.Error("index learning", zap.Int64("learning_id", id), zap.Error(err))
		}

	case events.SessionRecorded, events.SessionUpdated:
		id, _ := event.Data["session_id"].(string)
		if id == "" {
			s.log.Warn("session event without id")
			return nil
		}
		sess, err := s.store.GetSession(ctx, id)
		if err != nil {
			s.log.Error("load session for indexing", zap.String("session_id", id), zap.Error(err))
			return nil
		}
		if sess == nil {
			return nil
		}
		if err := s.IndexSession(ctx, sess); err != nil {
			s.log.Error("index session", zap.String("session_id", id), zap.Error(err))
		}
	}
	return nil
}

// IndexLearning queues a learning for embedding.
func (s *Service) IndexLearning(ctx context.Context, l *store.Learning) error {
	err := s.vec.Upsert(ctx, vector.CollectionLearnings, vector.LearningDocID(l.ID), learningText(l),
		map[string]string{
			vector.MetaKeyEntity:     vector.EntityLearning,
			vector.MetaKeyAgentID:    vector.AgentMetadataValue(l.AgentID),
			vector.MetaKeyVisibility: l.Visibility,
			vector.MetaKeyProject:    l.ProjectPath,
			vector.MetaKeyCategory:   l.Category,
		})
	if err != nil {
		return err
	}
	s.publishIndexed(ctx, vector.CollectionLearnings, vector.LearningDocID(l.ID))
	return nil
}

// IndexSession queues a session for embedding.
func (s *Service) IndexSession(ctx context.Context, sess *store.Session) error {
	err := s.vec.Upsert(ctx, vector.CollectionSessions, sess.ID, sessionText(sess),
		map[string]string{
			vector.MetaKeyEntity:     vector.EntitySession,
			vector.MetaKeyAgentID:    vector.AgentMetadataValue(sess.AgentID),
			vector.MetaKeyVisibility: sess.Visibility,
			vector.MetaKeyProject:    sess.ProjectPath,
		})
	if err != nil {
		return err
	}
	s.publishIndexed(ctx, vector.CollectionSessions, sess.ID)
	return nil
}

// Reindex rebuilds both collections from the store. Existing documents
// are dropped first so deletions do not linger.
func (s *Service) Reindex(ctx context.Context) (learnings, sessions int, err error) {
	if err := s.vec.ResetCollection(ctx, vector.CollectionLearnings); err != nil {
		return 0, 0, err
	}
	if err := s.vec.ResetCollection(ctx, vector.CollectionSessions); err != nil {
		return 0, 0, err
	}

	ls, err := s.store.ListLearnings(ctx, store.LearningFilter{})
	if err != nil {
		return 0, 0, fmt.Errorf("list learnings: %w", err)
	}
	for _, l := range ls {
		if err := s.IndexLearning(ctx, l); err != nil {
			return learnings, sessions, err
		}
		learnings++
	}

	ss, err := s.store.ListSessions(ctx, store.SessionFilter{})
	if err != nil {
		return learnings, 0, fmt.Errorf("list sessions: %w", err)
	}
	for _, sess := range ss {
		if err := s.IndexSession(ctx, sess); err != nil {
			return learnings, sessions, err
		}
		sessions++
	}

	s.vec.Flush(ctx)
	s.publish(ctx, events.IndexFlushed, map[string]interface{}{
		"learnings": learnings,
		"sessions":  sessions,
	})
	s.log.Info("reindex complete", zap.Int("learnings", learnings), zap.Int("sessions", sessions))
	return learnings, sessions, nil
}

func (s *Service) publishIndexed(ctx context.Context, collection, docID string) {
	s.publish(ctx, events.DocumentIndexed, map[string]interface{}{
		"collection": collection,
		"doc_id":     docID,
	})
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "indexer", data)
	if err := s.bus.Publish(ctx, events.SubjectFor(eventType), ev); err != nil {
		s.log.Warn("publish indexer event", zap.String("type", eventType), zap.Error(err))
	}
}

func learningText(l *store.Learning) string {
	return joinNonEmpty(l.Title, l.Description, l.WhatHappened, l.Lesson, l.Prevention)
}

func sessionText(sess *store.Session) string {
	parts := []string{sess.Summary}
	if c := sess.Context; c != nil {
		parts = append(parts, strings.Join(c.Wins, "\n"), strings.Join(c.Issues, "\n"),
			strings.Join(c.Decisions, "\n"), strings.Join(c.NextSteps, "\n"))
	}
	return joinNonEmpty(parts...)
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}

// eventInt64 reads a numeric event field. In-process events keep their
// int64; events that crossed NATS arrive as float64 after JSON decoding.
func eventInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
