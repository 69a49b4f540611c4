package vector

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTestAdapter(t *testing.T, dir string) *Adapter {
	t.Helper()
	a, err := New(Config{
		Dir:           dir,
		BatchSize:     16,
		FlushInterval: time.Hour,
		ChunkRunes:    200,
		OverlapRunes:  20,
	}, newLocalEmbedder(0), nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	t.Cleanup(a.Stop)
	return a
}

func TestAdapter_UpsertQueryRoundTrip(t *testing.T) {
	a := newTestAdapter(t, "")
	ctx := context.Background()

	docs := map[string]string{
		"learning_1": "task retry backoff schedule doubles from ten seconds",
		"learning_2": "websocket hub tracks presence of online matrices",
		"learning_3": "grocery apples bananas weekend errands",
	}
	for id, text := range docs {
		if err := a.Upsert(ctx, CollectionLearnings, id, text, nil); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	a.Flush(ctx)

	results, err := a.Query(ctx, CollectionLearnings, "retry backoff schedule", 2, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "learning_1" {
		t.Errorf("expected learning_1 ranked first, got %s", results[0].ID)
	}
	for _, r := range results {
		if r.Distance < 0 || r.Distance > 2 {
			t.Errorf("distance out of range for %s: %f", r.ID, r.Distance)
		}
	}
	if results[0].Distance > results[1].Distance {
		t.Error("expected results ordered by ascending distance")
	}
}

func TestAdapter_QueryEmptyCollection(t *testing.T) {
	a := newTestAdapter(t, "")
	ctx := context.Background()

	results, err := a.Query(ctx, CollectionLearnings, "anything", 5, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results, got %v", results)
	}

	if results, _ := a.Query(ctx, CollectionLearnings, "anything", 0, Filter{}); results != nil {
		t.Error("expected nil results for k=0")
	}
	if results, _ := a.Query(ctx, CollectionLearnings, "  ", 5, Filter{}); results != nil {
		t.Error("expected nil results for blank query")
	}
}

func TestAdapter_ChunkedDocuments(t *testing.T) {
	a := newTestAdapter(t, "")
	ctx := context.Background()

	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, fmt.Sprintf("debugging note %02d about the flaky websocket", i))
	}
	text := strings.Join(lines, "\n")

	if err := a.Upsert(ctx, CollectionLearnings, "learning_9", text, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	a.Flush(ctx)

	count, err := a.Count(CollectionLearnings)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count < 2 {
		t.Fatalf("expected multiple chunk documents, got %d", count)
	}

	results, err := a.Query(ctx, CollectionLearnings, "flaky websocket debugging", 3, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected chunk hits")
	}
	for _, r := range results {
		if !strings.HasPrefix(r.ID, "learning_9_chunk_") {
			t.Errorf("expected chunk id, got %s", r.ID)
		}
		if ParentID(r.ID) != "learning_9" {
			t.Errorf("expected parent learning_9, got %s", ParentID(r.ID))
		}
		if r.Metadata["parent"] != "learning_9" {
			t.Errorf("expected parent metadata, got %q", r.Metadata["parent"])
		}
	}
}

func TestAdapter_ReupsertReplacesChunks(t *testing.T) {
	a := newTestAdapter(t, "")
	ctx := context.Background()

	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, fmt.Sprintf("long observation %02d about sqlite locking", i))
	}
	if err := a.Upsert(ctx, CollectionLearnings, "learning_4", strings.Join(lines, "\n"), nil); err != nil {
		t.Fatalf("upsert long: %v", err)
	}
	a.Flush(ctx)

	before, _ := a.Count(CollectionLearnings)
	if before < 2 {
		t.Fatalf("expected chunked index, got %d documents", before)
	}

	if err := a.Upsert(ctx, CollectionLearnings, "learning_4", "short replacement", nil); err != nil {
		t.Fatalf("upsert short: %v", err)
	}
	a.Flush(ctx)

	after, _ := a.Count(CollectionLearnings)
	if after != 1 {
		t.Errorf("expected stale chunks replaced by one document, got %d", after)
	}
}

func TestAdapter_FilterScoping(t *testing.T) {
	a := newTestAdapter(t, "")
	ctx := context.Background()

	type doc struct {
		id string
		md map[string]string
	}
	docs := []doc{
		{"learning_1", map[string]string{"project": "p1", "agent_id": "1", "visibility": "private"}},
		{"learning_2", map[string]string{"project": "p1", "agent_id": "2", "visibility": "shared"}},
		{"learning_3", map[string]string{"project": "p2", "agent_id": "2", "visibility": "private"}},
	}
	for _, d := range docs {
		if err := a.Upsert(ctx, CollectionLearnings, d.id, "alpha common content "+d.id, d.md); err != nil {
			t.Fatalf("upsert %s: %v", d.id, err)
		}
	}
	a.Flush(ctx)

	ids := func(results []QueryResult) map[string]bool {
		out := make(map[string]bool)
		for _, r := range results {
			out[r.ID] = true
		}
		return out
	}

	results, err := a.Query(ctx, CollectionLearnings, "alpha common", 3, Filter{
		Equals: map[string]string{"project": "p1"},
	})
	if err != nil {
		t.Fatalf("equals query: %v", err)
	}
	got := ids(results)
	if len(got) != 2 || !got["learning_1"] || !got["learning_2"] {
		t.Errorf("expected p1 docs only, got %v", got)
	}

	results, err = a.Query(ctx, CollectionLearnings, "alpha common", 3, Filter{
		AnyOf: []map[string]string{
			{"agent_id": "1"},
			{"visibility": "shared"},
		},
	})
	if err != nil {
		t.Fatalf("anyof query: %v", err)
	}
	got = ids(results)
	if len(got) != 2 || !got["learning_1"] || !got["learning_2"] {
		t.Errorf("expected owner or shared docs, got %v", got)
	}

	results, err = a.Query(ctx, CollectionLearnings, "alpha common", 3, Filter{
		Equals: map[string]string{"project": "p1"},
		AnyOf:  []map[string]string{{"agent_id": "2"}},
	})
	if err != nil {
		t.Fatalf("combined query: %v", err)
	}
	got = ids(results)
	if len(got) != 1 || !got["learning_2"] {
		t.Errorf("expected only learning_2, got %v", got)
	}
}

func TestAdapter_ResetCollection(t *testing.T) {
	a := newTestAdapter(t, "")
	ctx := context.Background()

	if err := a.Upsert(ctx, CollectionLearnings, "learning_1", "indexed content", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := a.Upsert(ctx, CollectionSessions, "session_1", "session summary", nil); err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	a.Flush(ctx)

	// This one stays queued; reset must discard it.
	if err := a.Upsert(ctx, CollectionLearnings, "learning_2", "queued content", nil); err != nil {
		t.Fatalf("upsert queued: %v", err)
	}

	if err := a.ResetCollection(ctx, CollectionLearnings); err != nil {
		t.Fatalf("reset: %v", err)
	}
	a.Flush(ctx)

	count, _ := a.Count(CollectionLearnings)
	if count != 0 {
		t.Errorf("expected empty learnings collection, got %d", count)
	}
	sessions, _ := a.Count(CollectionSessions)
	if sessions != 1 {
		t.Errorf("expected sessions untouched, got %d", sessions)
	}

	if err := a.Upsert(ctx, CollectionLearnings, "learning_3", "fresh content", nil); err != nil {
		t.Fatalf("upsert after reset: %v", err)
	}
	a.Flush(ctx)
	count, _ = a.Count(CollectionLearnings)
	if count != 1 {
		t.Errorf("expected recreated collection to accept writes, got %d", count)
	}
}

func TestAdapter_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a1 := newTestAdapter(t, dir)
	if err := a1.Upsert(ctx, CollectionLearnings, "learning_1", "durable content about indexes", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	a1.Flush(ctx)
	a1.Stop()

	a2 := newTestAdapter(t, dir)
	count, err := a2.Count(CollectionLearnings)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected persisted document, got %d", count)
	}

	results, err := a2.Query(ctx, CollectionLearnings, "durable indexes", 1, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 || results[0].ID != "learning_1" {
		t.Errorf("expected persisted hit, got %v", results)
	}
}

func TestAdapter_IdenticalTextNearZeroDistance(t *testing.T) {
	a := newTestAdapter(t, "")
	ctx := context.Background()

	text := "exact phrase to match verbatim"
	if err := a.Upsert(ctx, CollectionLearnings, "learning_1", text, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	a.Flush(ctx)

	results, err := a.Query(ctx, CollectionLearnings, text, 1, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Distance > 1e-3 {
		t.Errorf("expected near-zero distance for identical text, got %f", results[0].Distance)
	}
}

func TestAdapter_SkipsBlankText(t *testing.T) {
	a := newTestAdapter(t, "")
	ctx := context.Background()

	if err := a.Upsert(ctx, CollectionLearnings, "learning_1", "  \n  ", nil); err != nil {
		t.Fatalf("upsert blank: %v", err)
	}
	a.Flush(ctx)

	count, _ := a.Count(CollectionLearnings)
	if count != 0 {
		t.Errorf("expected blank text skipped, got %d documents", count)
	}
}

func TestAdapter_UpsertAfterStop(t *testing.T) {
	a := newTestAdapter(t, "")
	a.Stop()

	err := a.Upsert(context.Background(), CollectionLearnings, "learning_1", "text", nil)
	if err == nil {
		t.Error("expected error after stop")
	}
}

func TestAdapter_HealthCheck(t *testing.T) {
	a := newTestAdapter(t, "")
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check: %v", err)
	}
}

func TestParentID(t *testing.T) {
	cases := map[string]string{
		"learning_7_chunk_3":  "learning_7",
		"learning_7_chunk_12": "learning_7",
		"session_123":         "session_123",
		"x_chunk_0":           "x",
		"chunky":              "chunky",
		"a_chunk_":            "a_chunk_",
	}
	for in, want := range cases {
		if got := ParentID(in); got != want {
			t.Errorf("ParentID(%q) = %q, want %q", in, got, want)
		}
	}
}
