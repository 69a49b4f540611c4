package vector

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/matrixfabric/matrixfabric/internal/common/config"
)

func TestNewEmbedder_ProviderSelection(t *testing.T) {
	emb, err := NewEmbedder(config.EmbeddingConfig{Provider: "local"})
	if err != nil {
		t.Fatalf("local provider: %v", err)
	}
	if _, ok := emb.(*localEmbedder); !ok {
		t.Errorf("expected local embedder, got %T", emb)
	}

	emb, err = NewEmbedder(config.EmbeddingConfig{})
	if err != nil {
		t.Fatalf("default provider: %v", err)
	}
	if _, ok := emb.(*localEmbedder); !ok {
		t.Errorf("expected local embedder for empty provider, got %T", emb)
	}

	if _, err := NewEmbedder(config.EmbeddingConfig{Provider: "cloudx"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestLocalEmbedder_Deterministic(t *testing.T) {
	emb := newLocalEmbedder(0)
	ctx := context.Background()

	a, err := emb.Embed(ctx, "retry backoff doubles from ten seconds")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := emb.Embed(ctx, "retry backoff doubles from ten seconds")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}

	if len(a) != localDimensions {
		t.Fatalf("expected %d dimensions, got %d", localDimensions, len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embeddings differ at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestLocalEmbedder_UnitNorm(t *testing.T) {
	emb := newLocalEmbedder(0)

	vec, err := emb.Embed(context.Background(), "sessions record wins issues and next steps")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(sum)-1) > 1e-3 {
		t.Errorf("expected unit norm, got %f", math.Sqrt(sum))
	}
}

func TestLocalEmbedder_SharedVocabularyScoresCloser(t *testing.T) {
	emb := newLocalEmbedder(0)
	ctx := context.Background()

	base, _ := emb.Embed(ctx, "task retry backoff schedule")
	near, _ := emb.Embed(ctx, "retry backoff schedule for tasks")
	far, _ := emb.Embed(ctx, "grocery shopping list for sunday")

	if dot(base, near) <= dot(base, far) {
		t.Errorf("expected shared vocabulary to score closer: near=%f far=%f",
			dot(base, near), dot(base, far))
	}
}

func TestLocalEmbedder_EmptyText(t *testing.T) {
	emb := newLocalEmbedder(0)

	vec, err := emb.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if vec[0] != 1 {
		t.Errorf("expected fixed unit vector for empty text, got %v", vec[0])
	}
}

func TestOpenAIEmbedder_BatchOrderAndAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Input) != 2 {
			t.Errorf("expected 2 inputs, got %d", len(req.Input))
		}

		// Items returned out of order; the client must place them by index.
		resp := map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0, 1}, "index": 1},
				{"embedding": []float32{1, 0}, "index": 0},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	emb, err := newOpenAIEmbedder(config.EmbeddingConfig{
		Provider: ProviderOpenAI,
		BaseURL:  srv.URL,
		APIKey:   "sk-test",
	})
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}

	out, err := emb.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("embed batch: %v", err)
	}
	if out[0][0] != 1 || out[1][1] != 1 {
		t.Errorf("embeddings not reordered by index: %v", out)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
}

func TestOpenAIEmbedder_CachesRepeatedTexts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		resp := map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0.5, 0.5}, "index": 0},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	emb, err := newOpenAIEmbedder(config.EmbeddingConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}

	ctx := context.Background()
	if _, err := emb.Embed(ctx, "same text"); err != nil {
		t.Fatalf("first embed: %v", err)
	}
	if _, err := emb.Embed(ctx, "same text"); err != nil {
		t.Fatalf("second embed: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 API call, got %d", got)
	}
}

func TestOpenAIEmbedder_RetriesTransientFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusInternalServerError)
			return
		}
		resp := map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{1}, "index": 0},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	emb, err := newOpenAIEmbedder(config.EmbeddingConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}

	if _, err := emb.Embed(context.Background(), "flaky"); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected 2 API calls, got %d", got)
	}
}

func TestOpenAIEmbedder_BatchLimit(t *testing.T) {
	emb, err := newOpenAIEmbedder(config.EmbeddingConfig{BaseURL: "http://127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}

	texts := make([]string, apiBatchLimit+1)
	for i := range texts {
		texts[i] = "t"
	}
	if _, err := emb.EmbedBatch(context.Background(), texts); err == nil {
		t.Error("expected batch limit error")
	}
	if _, err := emb.EmbedBatch(context.Background(), nil); err == nil {
		t.Error("expected error for empty batch")
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
