package indexer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixfabric/matrixfabric/internal/common/config"
	"github.com/matrixfabric/matrixfabric/internal/events"
	"github.com/matrixfabric/matrixfabric/internal/events/bus"
	"github.com/matrixfabric/matrixfabric/internal/store"
	"github.com/matrixfabric/matrixfabric/internal/vector"
)

func newTestService(t *testing.T) (*Service, *store.Store, *vector.Adapter, *bus.MemoryEventBus) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "fabric.db"), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	embedder, err := vector.NewEmbedder(config.EmbeddingConfig{Provider: vector.ProviderLocal})
	require.NoError(t, err)
	vec, err := vector.New(vector.Config{BatchSize: 16, FlushInterval: time.Hour}, embedder, nil)
	require.NoError(t, err)
	t.Cleanup(vec.Stop)

	memBus := bus.NewMemoryEventBus(nil)
	t.Cleanup(memBus.Close)

	svc := New(config.IndexerConfig{Port: 0}, st, vec, memBus, nil)
	require.NoError(t, svc.subscribe())
	t.Cleanup(svc.unsubscribe)

	return svc, st, vec, memBus
}

func TestLearningEventIndexesDocument(t *testing.T) {
	_, st, vec, memBus := newTestService(t)
	ctx := context.Background()

	l := &store.Learning{
		Category:    "backend",
		Title:       "retry backoff schedule",
		Description: "delays double from ten seconds",
	}
	require.NoError(t, st.CreateLearning(ctx, l))

	ev := bus.NewEvent(events.LearningCreated, "daemon", map[string]interface{}{
		"learning_id": l.ID,
	})
	require.NoError(t, memBus.Publish(ctx, events.SubjectFor(events.LearningCreated), ev))

	vec.Flush(ctx)
	count, err := vec.Count(vector.CollectionLearnings)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := vec.Query(ctx, vector.CollectionLearnings, "retry backoff", 1, vector.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, vector.LearningDocID(l.ID), results[0].ID)
	assert.Equal(t, vector.EntityLearning, results[0].Metadata[vector.MetaKeyEntity])
	assert.Equal(t, "backend", results[0].Metadata[vector.MetaKeyCategory])
}

func TestSessionEventIndexesDocument(t *testing.T) {
	_, st, vec, memBus := newTestService(t)
	ctx := context.Background()

	sess := &store.Session{
		Summary: "migrated the outbound queue to two-phase delivery",
		Context: &store.SessionContext{
			Wins: []string{"crash recovery resurrects in-flight rows"},
		},
	}
	require.NoError(t, st.CreateSession(ctx, sess))

	ev := bus.NewEvent(events.SessionRecorded, "daemon", map[string]interface{}{
		"session_id": sess.ID,
	})
	require.NoError(t, memBus.Publish(ctx, events.SubjectFor(events.SessionRecorded), ev))

	vec.Flush(ctx)
	count, err := vec.Count(vector.CollectionSessions)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEventForUnknownEntityIsDropped(t *testing.T) {
	_, _, vec, memBus := newTestService(t)
	ctx := context.Background()

	ev := bus.NewEvent(events.LearningCreated, "daemon", map[string]interface{}{
		"learning_id": int64(9999),
	})
	require.NoError(t, memBus.Publish(ctx, events.SubjectFor(events.LearningCreated), ev))

	vec.Flush(ctx)
	count, err := vec.Count(vector.CollectionLearnings)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReindexRebuildsCollections(t *testing.T) {
	svc, st, vec, _ := newTestService(t)
	ctx := context.Background()

	for _, title := range []string{"first learning", "second learning"} {
		require.NoError(t, st.CreateLearning(ctx, &store.Learning{Title: title, Description: "text"}))
	}
	require.NoError(t, st.CreateSession(ctx, &store.Session{Summary: "one recorded session"}))

	// A stale document that no longer has a store row must not survive.
	require.NoError(t, vec.Upsert(ctx, vector.CollectionLearnings, "learning_999", "stale text", nil))
	vec.Flush(ctx)

	learnings, sessions, err := svc.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, learnings)
	assert.Equal(t, 1, sessions)

	vec.Flush(ctx)
	count, err := vec.Count(vector.CollectionLearnings)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestHealthAndStatsRoutes(t *testing.T) {
	svc, st, vec, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, st.CreateLearning(ctx, &store.Learning{Title: "indexed", Description: "doc"}))
	_, _, err := svc.Reindex(ctx)
	require.NoError(t, err)
	vec.Flush(ctx)

	srv := httptest.NewServer(svc.buildRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stats, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer stats.Body.Close()
	assert.Equal(t, http.StatusOK, stats.StatusCode)
}

func TestEventInt64(t *testing.T) {
	if v, ok := eventInt64(int64(7)); !ok || v != 7 {
		t.Fatalf("int64: %v %v", v, ok)
	}
	if v, ok := eventInt64(float64(7)); !ok || v != 7 {
		t.Fatalf("float64: %v %v", v, ok)
	}
	if _, ok := eventInt64("7"); ok {
		t.Fatal("string accepted")
	}
}
