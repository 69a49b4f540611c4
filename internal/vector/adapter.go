// Package vector encapsulates the embedding function and the ANN store
// behind one adapter. No other component talks to either directly: writes
// go through a batching queue, reads map ANN similarity to the distance
// contract used by retrieval.
package vector

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/logger"
)

// Collections of the fabric.
const (
	CollectionLearnings = "learnings"
	CollectionSessions  = "sessions"
)

// Config holds adapter settings. An empty Dir keeps vectors in memory,
// which tests and throwaway workspaces use.
type Config struct {
	Dir           string
	BatchSize     int
	FlushInterval time.Duration
	ChunkRunes    int
	OverlapRunes  int
}

// Filter scopes a query over document metadata. Every Equals pair must
// match; when AnyOf is non-empty at least one of its clauses must fully
// match. Visibility rules express as AnyOf: owner id or a shared level.
type Filter struct {
	Equals map[string]string
	AnyOf  []map[string]string
}

// QueryResult is one ranked hit. Distance is 1 minus cosine similarity,
// so 0 means identical direction and 2 means opposite.
type QueryResult struct {
	ID       string
	Distance float64
	Metadata map[string]string
}

// Adapter owns the chromem collections and the write queue in front of
// them.
type Adapter struct {
	db       *chromem.DB
	embedder Embedder
	chunker  *Chunker
	queue    *writeQueue
	log      *logger.Logger
	closed   atomic.Bool

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// New opens the persistent vector database and starts the write queue.
func New(cfg Config, embedder Embedder, log *logger.Logger) (*Adapter, error) {
	if log == nil {
		log = logger.Default()
	}

	var db *chromem.DB
	if cfg.Dir != "" {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Dir, false)
		if err != nil {
			return nil, fmt.Errorf("open vector database: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	a := &Adapter{
		db:          db,
		embedder:    embedder,
		chunker:     NewChunker(cfg.ChunkRunes, cfg.OverlapRunes),
		log:         log.WithComponent("vector"),
		collections: make(map[string]*chromem.Collection),
	}
	a.queue = newWriteQueue(cfg.BatchSize, cfg.FlushInterval, a.flushBatch)
	a.queue.Start()
	return a, nil
}

// Upsert queues text for embedding and indexing. Large texts are split;
// chunk documents take ids of the form <id>_chunk_<n> and every document
// carries its parent id in metadata. The write happens on the next queue
// flush; failures are logged and left for reindex, they never block the
// caller.
func (a *Adapter) Upsert(ctx context.Context, collection, id, text string, metadata map[string]string) error {
	if a.closed.Load() {
		return fmt.Errorf("vector adapter is stopped")
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	chunks := a.chunker.Split(text)
	docs := make([]pendingDoc, len(chunks))
	for i, chunk := range chunks {
		docID := id
		if len(chunks) > 1 {
			docID = fmt.Sprintf("%s_chunk_%d", id, i)
		}
		md := cloneMetadata(metadata)
		md["parent"] = id
		docs[i] = pendingDoc{
			collection: collection,
			parent:     id,
			id:         docID,
			text:       chunk,
			metadata:   md,
		}
	}
	a.queue.Add(docs...)
	return nil
}

// Query embeds the text and returns up to k nearest documents after
// filtering. Chromem only filters by metadata equality and rejects
// result counts above the candidate set, so filtering happens here over
// an over-fetched window instead.
func (a *Adapter) Query(ctx context.Context, collection, text string, k int, filter Filter) ([]QueryResult, error) {
	if k <= 0 || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	col, err := a.collection(collection)
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}

	fetch := k
	if len(filter.Equals) > 0 || len(filter.AnyOf) > 0 {
		fetch = k * 4
		if fetch < 32 {
			fetch = 32
		}
	}
	if fetch > count {
		fetch = count
	}

	results, err := col.Query(ctx, text, fetch, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}

	out := make([]QueryResult, 0, k)
	for _, r := range results {
		if !matchesFilter(r.Metadata, filter) {
			continue
		}
		out = append(out, QueryResult{
			ID:       r.ID,
			Distance: 1 - float64(r.Similarity),
			Metadata: r.Metadata,
		})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// ResetCollection drops a collection and recreates it empty, discarding
// queued writes for it.
func (a *Adapter) ResetCollection(ctx context.Context, collection string) error {
	a.queue.Drop(collection)

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.db.ListCollections()[collection]; ok {
		if err := a.db.DeleteCollection(collection); err != nil {
			return fmt.Errorf("delete collection %s: %w", collection, err)
		}
	}
	col, err := a.db.GetOrCreateCollection(collection, nil, a.embeddingFunc())
	if err != nil {
		return fmt.Errorf("recreate collection %s: %w", collection, err)
	}
	a.collections[collection] = col
	return nil
}

// HealthCheck verifies the embedding path end to end. The embedder cache
// makes repeated probes free.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if _, err := a.embedder.Embed(ctx, "ping"); err != nil {
		return fmt.Errorf("embedder unreachable: %w", err)
	}
	return nil
}

// Count returns the number of indexed documents in a collection.
func (a *Adapter) Count(collection string) (int, error) {
	col, err := a.collection(collection)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// QueueDepth reports documents waiting for the next flush.
func (a *Adapter) QueueDepth() int {
	return a.queue.Depth()
}

// Flush writes queued documents now instead of waiting for the ticker.
func (a *Adapter) Flush(ctx context.Context) {
	a.queue.Flush(ctx)
}

// Stop drains the queue and stops the flush goroutine. The adapter
// rejects writes afterwards.
func (a *Adapter) Stop() {
	if a.closed.CompareAndSwap(false, true) {
		a.queue.Stop()
	}
}

func (a *Adapter) collection(name string) (*chromem.Collection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if col, ok := a.collections[name]; ok {
		return col, nil
	}
	col, err := a.db.GetOrCreateCollection(name, nil, a.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", name, err)
	}
	a.collections[name] = col
	return col, nil
}

func (a *Adapter) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return a.embedder.Embed(ctx, text)
	}
}

// flushBatch embeds one queue batch per collection and writes it.
func (a *Adapter) flushBatch(ctx context.Context, batch []pendingDoc) {
	byCollection := make(map[string][]pendingDoc)
	for _, doc := range batch {
		byCollection[doc.collection] = append(byCollection[doc.collection], doc)
	}
	for name, docs := range byCollection {
		if err := a.writeDocs(ctx, name, docs); err != nil {
			a.log.Error("flush vector batch",
				zap.String("collection", name),
				zap.Int("count", len(docs)),
				zap.Error(err))
		}
	}
}

func (a *Adapter) writeDocs(ctx context.Context, collection string, docs []pendingDoc) error {
	col, err := a.collection(collection)
	if err != nil {
		return err
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.text
	}
	embeddings := make([][]float32, 0, len(docs))
	for start := 0; start < len(texts); start += apiBatchLimit {
		end := start + apiBatchLimit
		if end > len(texts) {
			end = len(texts)
		}
		part, err := a.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return fmt.Errorf("embed batch: %w", err)
		}
		embeddings = append(embeddings, part...)
	}

	// Re-indexed parents first drop all their previous chunks, so a text
	// that shrank leaves no stale chunk documents behind.
	seen := make(map[string]bool)
	for _, d := range docs {
		if seen[d.parent] {
			continue
		}
		seen[d.parent] = true
		if err := col.Delete(ctx, map[string]string{"parent": d.parent}, nil); err != nil {
			return fmt.Errorf("replace parent %s: %w", d.parent, err)
		}
	}

	out := make([]chromem.Document, len(docs))
	for i, d := range docs {
		out[i] = chromem.Document{
			ID:        d.id,
			Content:   d.text,
			Embedding: embeddings[i],
			Metadata:  d.metadata,
		}
	}
	if err := col.AddDocuments(ctx, out, 1); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

var chunkSuffix = regexp.MustCompile(`_chunk_\d+$`)

// ParentID strips the chunk suffix from a document id, returning the id
// of the entity the chunk belongs to.
func ParentID(id string) string {
	return chunkSuffix.ReplaceAllString(id, "")
}

func matchesFilter(md map[string]string, f Filter) bool {
	for k, v := range f.Equals {
		if md[k] != v {
			return false
		}
	}
	if len(f.AnyOf) == 0 {
		return true
	}
	for _, clause := range f.AnyOf {
		if len(clause) == 0 {
			continue
		}
		matched := true
		for k, v := range clause {
			if md[k] != v {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func cloneMetadata(src map[string]string) map[string]string {
	out := make(map[string]string, len(src)+1)
	for k, v := range src {
		out[k] = v
	}
	return out
}
