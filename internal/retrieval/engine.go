// Package retrieval answers recall requests over the workspace memory. It
// classifies the query, fuses dense vector search with keyword search,
// diversifies the ranking with MMR, and enforces the owner/visibility
// access model on every result.
package retrieval

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matrixfabric/matrixfabric/internal/common/config"
	"github.com/matrixfabric/matrixfabric/internal/common/logger"
	"github.com/matrixfabric/matrixfabric/internal/events"
	"github.com/matrixfabric/matrixfabric/internal/events/bus"
	"github.com/matrixfabric/matrixfabric/internal/store"
	"github.com/matrixfabric/matrixfabric/internal/vector"
)

// Scope identifies the caller for access control and project filtering.
// A nil AgentID is the orchestrator.
type Scope struct {
	AgentID       *int64
	ProjectPath   string
	IncludeShared bool
}

// ScoredLearning is one hybrid search hit with its fused score parts.
type ScoredLearning struct {
	Learning     *store.Learning `json:"learning"`
	Score        float64         `json:"score"`
	VectorScore  float64         `json:"vector_score"`
	KeywordScore float64         `json:"keyword_score"`

	variants int
}

// RecallResult is the outcome of one recall dispatch. Exactly one of the
// payload fields is populated, matching QueryType.
type RecallResult struct {
	QueryType string            `json:"query_type"`
	Session   *store.Session    `json:"session,omitempty"`
	Learning  *store.Learning   `json:"learning,omitempty"`
	Learnings []*ScoredLearning `json:"learnings,omitempty"`
}

// Engine runs recall and hybrid search. It is stateless apart from the
// result cache and safe for concurrent use.
type Engine struct {
	store    *store.Store
	vec      *vector.Adapter
	bus      bus.EventBus
	cfg      config.RetrievalConfig
	expander *Expander
	cache    *resultCache
	source   string
	log      *logger.Logger
}

// New builds an engine. vec may be nil, in which case every search runs on
// the keyword path alone. When a bus is given the cache is cleared on any
// learning mutation so cached rankings never outlive a write.
func New(st *store.Store, vec *vector.Adapter, eventBus bus.EventBus, cfg config.RetrievalConfig, source string, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	e := &Engine{
		store:    st,
		vec:      vec,
		bus:      eventBus,
		cfg:      cfg,
		expander: NewExpander(),
		cache:    newResultCache(cfg.CacheSize, cfg.CacheTTL()),
		source:   source,
		log:      log.WithComponent("retrieval"),
	}
	if eventBus != nil {
		_, err := eventBus.Subscribe(events.SubjectLearning, func(ctx context.Context, ev *bus.Event) error {
			e.cache.Clear()
			return nil
		})
		if err != nil {
			e.log.Warn("subscribe learning events, cache invalidation disabled", zap.Error(err))
		}
	}
	return e
}

// Expander exposes the query expander so startup code can merge operator
// dictionaries into it.
func (e *Engine) Expander() *Expander {
	return e.expander
}

// Recall dispatches a raw query: empty input returns the caller's most
// recent session, exact-id forms fetch one entity, and everything else runs
// a hybrid learning search. Exact fetches skip the project filter so
// cross-project references resolve, but still enforce the access model.
func (e *Engine) Recall(ctx context.Context, query string, limit int, scope Scope) (*RecallResult, error) {
	c := Classify(query)
	result := &RecallResult{QueryType: c.Type}

	switch c.Type {
	case QueryTypeRecent:
		sess, err := e.recentSession(ctx, scope)
		if err != nil {
			return nil, err
		}
		result.Session = sess

	case QueryTypeSession:
		sess, err := e.store.GetSession(ctx, c.SessionID)
		if err != nil {
			return nil, err
		}
		if sess != nil && CanAccess(scope.AgentID, sess.AgentID, sess.Visibility) {
			result.Session = sess
		}

	case QueryTypeLearning:
		l, err := e.store.GetLearning(ctx, c.LearningID)
		if err != nil {
			return nil, err
		}
		if l != nil && CanAccess(scope.AgentID, l.AgentID, l.Visibility) {
			result.Learning = l
		}

	default:
		hits, err := e.SearchLearnings(ctx, query, limit, scope)
		if err != nil {
			return nil, err
		}
		result.Learnings = hits
	}
	return result, nil
}

// recentSession returns the newest session the caller may read within its
// project scope.
func (e *Engine) recentSession(ctx context.Context, scope Scope) (*store.Session, error) {
	sessions, err := e.store.ListSessions(ctx, store.SessionFilter{
		ProjectPath: scope.ProjectPath,
		Limit:       20,
	})
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if CanAccess(scope.AgentID, sess.AgentID, sess.Visibility) {
			return sess, nil
		}
	}
	return nil, nil
}

// SearchLearnings runs the hybrid search pipeline: optional query
// expansion, dense+keyword fusion per variant, category boosting for the
// detected task type, and MMR diversification down to limit results.
// Results are cached per (query, limit, scope) until the TTL elapses or a
// learning is written.
func (e *Engine) SearchLearnings(ctx context.Context, query string, limit int, scope Scope) ([]*ScoredLearning, error) {
	if limit <= 0 {
		limit = 10
	}
	key := cacheKey(query, limit, scope)
	if hits, ok := e.cache.Get(key); ok {
		return hits, nil
	}

	started := time.Now()

	variants := []Variant{{Text: query, Weight: originalWeight}}
	if e.cfg.ExpansionEnabled {
		variants = e.expander.Expand(query, e.cfg.MaxVariants)
	}

	merged := make(map[int64]*ScoredLearning)
	for _, v := range variants {
		hits, err := e.searchOnce(ctx, v.Text, limit, scope)
		if err != nil {
			return nil, err
		}
		for _, hit := range hits {
			hit.Score *= v.Weight
			existing, ok := merged[hit.Learning.ID]
			if !ok {
				hit.variants = 1
				merged[hit.Learning.ID] = hit
				continue
			}
			existing.variants++
			if hit.Score > existing.Score {
				hit.variants = existing.variants
				merged[hit.Learning.ID] = hit
			}
		}
	}

	taskType := DetectTaskType(query)
	fused := make([]*ScoredLearning, 0, len(merged))
	for _, hit := range merged {
		if hit.variants >= 2 {
			hit.Score *= multiVariantBonus
		}
		hit.Score *= CategoryBoost(taskType, hit.Learning.Category)
		fused = append(fused, hit)
	}
	sort.Slice(fused, func(i, j int) bool { return fused[i].Score > fused[j].Score })

	results := rerankMMR(fused, limit)

	e.cache.Put(key, results)
	e.logTelemetry(ctx, query, QueryTypeHybrid, len(results), time.Since(started), scope)
	return results, nil
}

// searchOnce fuses one query variant. The dense and sparse paths run in
// parallel; either path being down degrades the search rather than failing
// it, so with both paths gone the caller gets an empty result and no error.
func (e *Engine) searchOnce(ctx context.Context, query string, limit int, scope Scope) ([]*ScoredLearning, error) {
	fetch := limit * 2

	var dense []vector.QueryResult
	var sparse []*store.LearningHit

	g, gctx := errgroup.WithContext(ctx)
	if e.vec != nil {
		g.Go(func() error {
			results, err := e.vec.Query(gctx, vector.CollectionLearnings, query, fetch, e.vectorFilter(scope))
			if err != nil {
				e.log.Warn("vector search unavailable, degrading to keyword only", zap.Error(err))
				return nil
			}
			dense = results
			return nil
		})
	}
	g.Go(func() error {
		hits, err := e.store.KeywordSearchLearnings(gctx, query, fetch)
		if err != nil {
			e.log.Warn("keyword search failed", zap.Error(err))
			return nil
		}
		sparse = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Dense chunk hits collapse to their parent learning, keeping the best
	// (lowest) distance per parent.
	vectorScores := make(map[int64]float64)
	for _, r := range dense {
		id, ok := vector.LearningIDFromDoc(r.ID)
		if !ok {
			continue
		}
		sim := 1 - r.Distance
		if sim < 0 {
			sim = 0
		}
		if best, seen := vectorScores[id]; !seen || sim > best {
			vectorScores[id] = sim
		}
	}

	keywordScores := make(map[int64]float64)
	rows := make(map[int64]*store.Learning)
	for i, hit := range sparse {
		l := hit.Learning
		keywordScores[l.ID] = 1 - float64(i)/float64(len(sparse))
		rows[l.ID] = &l
	}

	// Dense-only hits still need their store row for scoring and ACL.
	for id := range vectorScores {
		if _, ok := rows[id]; ok {
			continue
		}
		l, err := e.store.GetLearning(ctx, id)
		if err != nil {
			return nil, err
		}
		if l != nil {
			rows[id] = l
		}
	}

	out := make([]*ScoredLearning, 0, len(rows))
	for id, l := range rows {
		if !CanAccess(scope.AgentID, l.AgentID, l.Visibility) || !matchesProject(scope, l.ProjectPath) {
			continue
		}
		vs := vectorScores[id]
		ks := keywordScores[id]
		out = append(out, &ScoredLearning{
			Learning:     l,
			Score:        e.cfg.VectorWeight*vs + e.cfg.KeywordWeight*ks,
			VectorScore:  vs,
			KeywordScore: ks,
		})
	}
	return out, nil
}

// vectorFilter narrows the dense search by entity and, for agent callers,
// to documents they own or that carry a shared visibility.
func (e *Engine) vectorFilter(scope Scope) vector.Filter {
	f := vector.Filter{
		Equals: map[string]string{vector.MetaKeyEntity: vector.EntityLearning},
	}
	if scope.AgentID != nil {
		f.AnyOf = []map[string]string{
			{vector.MetaKeyAgentID: vector.AgentMetadataValue(scope.AgentID)},
			{vector.MetaKeyAgentID: vector.AgentMetadataValue(nil)},
			{vector.MetaKeyVisibility: store.VisibilityShared},
			{vector.MetaKeyVisibility: store.VisibilityPublic},
		}
	}
	return f
}

// logTelemetry records the search in the store and announces it on the
// bus. Telemetry failures are logged and swallowed; they never fail a
// search.
func (e *Engine) logTelemetry(ctx context.Context, query, queryType string, resultCount int, latency time.Duration, scope Scope) {
	record := &store.SearchRecord{
		Query:       query,
		QueryType:   queryType,
		ResultCount: resultCount,
		LatencyMs:   latency.Milliseconds(),
		Source:      e.source,
		AgentID:     scope.AgentID,
	}
	if err := e.store.LogSearch(ctx, record); err != nil {
		e.log.Warn("log search telemetry", zap.Error(err))
	}
	if e.bus != nil {
		ev := bus.NewEvent(events.SearchCompleted, e.source, map[string]interface{}{
			"query":        query,
			"query_type":   queryType,
			"result_count": resultCount,
			"latency_ms":   latency.Milliseconds(),
		})
		if err := e.bus.Publish(ctx, events.SubjectFor(events.SearchCompleted), ev); err != nil {
			e.log.Warn("publish search event", zap.Error(err))
		}
	}
}

// CacheLen reports the number of live cache entries, for health surfaces.
func (e *Engine) CacheLen() int {
	return e.cache.Len()
}
