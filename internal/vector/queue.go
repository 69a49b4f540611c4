package vector

import (
	"context"
	"sync"
	"time"
)

const (
	defaultFlushInterval = time.Second
	defaultMaxBatch      = 32
)

// pendingDoc is a document waiting for an embedding, queued so one API
// call can embed a whole batch.
type pendingDoc struct {
	collection string
	parent     string
	id         string
	text       string
	metadata   map[string]string
}

// writeQueue accumulates documents and hands them to the flush function
// in batches instead of embedding one write at a time.
type writeQueue struct {
	mu       sync.Mutex
	pending  []pendingDoc
	flushFn  func(ctx context.Context, batch []pendingDoc)
	interval time.Duration
	maxBatch int
	done     chan struct{}
	wg       sync.WaitGroup
}

func newWriteQueue(maxBatch int, interval time.Duration, flushFn func(ctx context.Context, batch []pendingDoc)) *writeQueue {
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &writeQueue{
		flushFn:  flushFn,
		interval: interval,
		maxBatch: maxBatch,
	}
}

// Start begins the periodic flush goroutine.
func (q *writeQueue) Start() {
	q.done = make(chan struct{})
	q.wg.Add(1)
	go q.flushLoop()
}

// Stop drains the queue and stops the flush goroutine.
func (q *writeQueue) Stop() {
	close(q.done)
	q.wg.Wait()
	q.Flush(context.Background())
}

// Add enqueues documents. Reaching maxBatch triggers an immediate flush.
func (q *writeQueue) Add(docs ...pendingDoc) {
	q.mu.Lock()
	q.pending = append(q.pending, docs...)
	shouldFlush := len(q.pending) >= q.maxBatch
	q.mu.Unlock()

	if shouldFlush {
		q.Flush(context.Background())
	}
}

// Depth reports how many documents wait for the next flush.
func (q *writeQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drop discards pending documents for one collection.
func (q *writeQueue) Drop(collection string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.pending[:0]
	for _, doc := range q.pending {
		if doc.collection != collection {
			kept = append(kept, doc)
		}
	}
	q.pending = kept
}

// Flush hands the current batch to the flush function.
func (q *writeQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	q.flushFn(ctx, batch)
}

func (q *writeQueue) flushLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.Flush(context.Background())
		}
	}
}
