package retrieval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixfabric/matrixfabric/internal/common/config"
	"github.com/matrixfabric/matrixfabric/internal/events/bus"
	"github.com/matrixfabric/matrixfabric/internal/store"
	"github.com/matrixfabric/matrixfabric/internal/vector"
)

func testConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		VectorWeight:    0.36,
		KeywordWeight:   0.64,
		MaxVariants:     4,
		CacheSize:       100,
		CacheTTLSeconds: 300,
	}
}

func newTestEngine(t *testing.T, withVector bool) (*Engine, *store.Store, *vector.Adapter) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "fabric.db"), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var vec *vector.Adapter
	if withVector {
		embedder, err := vector.NewEmbedder(config.EmbeddingConfig{Provider: vector.ProviderLocal})
		require.NoError(t, err)
		vec, err = vector.New(vector.Config{BatchSize: 16, FlushInterval: time.Hour}, embedder, nil)
		require.NoError(t, err)
		t.Cleanup(vec.Stop)
	}

	return New(st, vec, nil, testConfig(), "test", nil), st, vec
}

func indexLearning(t *testing.T, vec *vector.Adapter, l *store.Learning) {
	t.Helper()
	err := vec.Upsert(context.Background(), vector.CollectionLearnings,
		vector.LearningDocID(l.ID), l.Title+"\n"+l.Description+"\n"+l.Lesson,
		map[string]string{
			vector.MetaKeyEntity:     vector.EntityLearning,
			vector.MetaKeyAgentID:    vector.AgentMetadataValue(l.AgentID),
			vector.MetaKeyVisibility: l.Visibility,
			vector.MetaKeyProject:    l.ProjectPath,
		})
	require.NoError(t, err)
}

func TestHybridSearchFindsFTSVisibleContent(t *testing.T) {
	e, st, vec := newTestEngine(t, true)
	ctx := context.Background()

	learnings := []*store.Learning{
		{Category: "frontend", Title: "typography guidelines", Description: "font stacks and sizing rules"},
		{Category: "backend", Title: "retry backoff schedule", Description: "delays double from ten seconds"},
		{Category: "process", Title: "weekly planning notes", Description: "errands groceries unrelated"},
	}
	for _, l := range learnings {
		require.NoError(t, st.CreateLearning(ctx, l))
		indexLearning(t, vec, l)
	}
	vec.Flush(ctx)

	hits, err := e.SearchLearnings(ctx, "typography guidelines", 5, Scope{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "typography guidelines", hits[0].Learning.Title)
	assert.Greater(t, hits[0].Score, 0.0)
	assert.Greater(t, hits[0].KeywordScore, 0.0)

	records, err := st.RecentSearches(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, QueryTypeHybrid, records[0].QueryType)
	assert.GreaterOrEqual(t, records[0].ResultCount, 1)
}

func TestSearchDegradesWithoutVector(t *testing.T) {
	e, st, _ := newTestEngine(t, false)
	ctx := context.Background()

	require.NoError(t, st.CreateLearning(ctx, &store.Learning{
		Category: "backend", Title: "sequence counters", Description: "monotone per-matrix ordering",
	}))

	hits, err := e.SearchLearnings(ctx, "sequence counters", 5, Scope{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Zero(t, hits[0].VectorScore)
	assert.Greater(t, hits[0].KeywordScore, 0.0)
}

func TestSearchEmptyOnNoMatch(t *testing.T) {
	e, _, _ := newTestEngine(t, false)

	hits, err := e.SearchLearnings(context.Background(), "nothing indexed here", 5, Scope{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchResultsCached(t *testing.T) {
	e, st, _ := newTestEngine(t, false)
	ctx := context.Background()

	require.NoError(t, st.CreateLearning(ctx, &store.Learning{
		Category: "backend", Title: "cache invariants", Description: "cached arrays are identical",
	}))

	first, err := e.SearchLearnings(ctx, "cache invariants", 5, Scope{})
	require.NoError(t, err)
	second, err := e.SearchLearnings(ctx, "cache invariants", 5, Scope{})
	require.NoError(t, err)
	// Within the TTL the exact same slice comes back.
	require.Len(t, second, len(first))
	for i := range first {
		assert.Same(t, first[i], second[i])
	}

	// Only the first call logged telemetry.
	records, err := st.RecentSearches(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSearchCacheClearedOnLearningEvent(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "fabric.db"), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	memBus := bus.NewMemoryEventBus(nil)
	e := New(st, nil, memBus, testConfig(), "test", nil)

	require.NoError(t, st.CreateLearning(ctx, &store.Learning{Category: "backend", Title: "first entry"}))

	_, err = e.SearchLearnings(ctx, "first entry", 5, Scope{})
	require.NoError(t, err)
	require.Equal(t, 1, e.CacheLen())

	ev := bus.NewEvent("learning.created", "test", nil)
	require.NoError(t, memBus.Publish(ctx, "fabric.learning", ev))
	assert.Equal(t, 0, e.CacheLen())
}

func TestSearchHonorsVisibility(t *testing.T) {
	e, st, _ := newTestEngine(t, false)
	ctx := context.Background()

	owner := int64(1)
	other := int64(2)
	for _, l := range []*store.Learning{
		{Category: "backend", Title: "private backoff note", AgentID: &owner, Visibility: store.VisibilityPrivate},
		{Category: "backend", Title: "shared backoff note", AgentID: &owner, Visibility: store.VisibilityShared},
	} {
		require.NoError(t, st.CreateLearning(ctx, l))
	}

	hits, err := e.SearchLearnings(ctx, "backoff note", 5, Scope{AgentID: &other})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "shared backoff note", hits[0].Learning.Title)

	all, err := e.SearchLearnings(ctx, "backoff note", 5, Scope{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSearchProjectFilter(t *testing.T) {
	e, st, _ := newTestEngine(t, false)
	ctx := context.Background()

	agent := int64(3)
	for _, l := range []*store.Learning{
		{Category: "backend", Title: "scoped learning here", ProjectPath: "/work/alpha"},
		{Category: "backend", Title: "other scoped learning here", ProjectPath: "/work/beta"},
		{Category: "backend", Title: "global scoped learning here"},
	} {
		require.NoError(t, st.CreateLearning(ctx, l))
	}

	// Orchestrator with a project filter still sees unscoped rows.
	hits, err := e.SearchLearnings(ctx, "scoped learning here", 5, Scope{ProjectPath: "/work/alpha"})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	// An agent with the same filter only sees its project.
	agentHits, err := e.SearchLearnings(ctx, "scoped learning here", 5, Scope{AgentID: &agent, ProjectPath: "/work/alpha"})
	require.NoError(t, err)
	require.Len(t, agentHits, 1)
	assert.Equal(t, "/work/alpha", agentHits[0].Learning.ProjectPath)
}

func TestRecallDispatch(t *testing.T) {
	e, st, _ := newTestEngine(t, false)
	ctx := context.Background()

	sess := &store.Session{Summary: "wired the hub heartbeat", ProjectPath: "/work/alpha"}
	require.NoError(t, st.CreateSession(ctx, sess))

	l := &store.Learning{Category: "backend", Title: "heartbeat interval"}
	require.NoError(t, st.CreateLearning(ctx, l))

	t.Run("recent", func(t *testing.T) {
		r, err := e.Recall(ctx, "", 5, Scope{ProjectPath: "/work/alpha"})
		require.NoError(t, err)
		assert.Equal(t, QueryTypeRecent, r.QueryType)
		require.NotNil(t, r.Session)
		assert.Equal(t, sess.ID, r.Session.ID)
	})

	t.Run("exact session bypasses project filter", func(t *testing.T) {
		r, err := e.Recall(ctx, sess.ID, 5, Scope{ProjectPath: "/somewhere/else"})
		require.NoError(t, err)
		assert.Equal(t, QueryTypeSession, r.QueryType)
		require.NotNil(t, r.Session)
	})

	t.Run("exact learning by number", func(t *testing.T) {
		r, err := e.Recall(ctx, "#1", 5, Scope{})
		require.NoError(t, err)
		assert.Equal(t, QueryTypeLearning, r.QueryType)
		require.NotNil(t, r.Learning)
		assert.Equal(t, l.ID, r.Learning.ID)
	})

	t.Run("unknown learning id", func(t *testing.T) {
		r, err := e.Recall(ctx, "#9999", 5, Scope{})
		require.NoError(t, err)
		assert.Nil(t, r.Learning)
	})

	t.Run("hybrid", func(t *testing.T) {
		r, err := e.Recall(ctx, "heartbeat interval", 5, Scope{})
		require.NoError(t, err)
		assert.Equal(t, QueryTypeHybrid, r.QueryType)
		assert.NotEmpty(t, r.Learnings)
	})
}

func TestRecallPrivateSessionHiddenFromOtherAgent(t *testing.T) {
	e, st, _ := newTestEngine(t, false)
	ctx := context.Background()

	owner := int64(1)
	other := int64(2)
	sess := &store.Session{Summary: "private work", AgentID: &owner, Visibility: store.VisibilityPrivate}
	require.NoError(t, st.CreateSession(ctx, sess))

	r, err := e.Recall(ctx, sess.ID, 5, Scope{AgentID: &other})
	require.NoError(t, err)
	assert.Nil(t, r.Session)

	r, err = e.Recall(ctx, sess.ID, 5, Scope{AgentID: &owner})
	require.NoError(t, err)
	assert.NotNil(t, r.Session)
}
