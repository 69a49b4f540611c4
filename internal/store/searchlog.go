package store

import (
	"context"
	"fmt"
	"time"
)

// SearchStats aggregates retrieval telemetry over a window.
type SearchStats struct {
	Total        int64   `json:"total" db:"total"`
	AvgLatencyMs float64 `json:"avg_latency_ms" db:"avg_latency_ms"`
	AvgResults   float64 `json:"avg_results" db:"avg_results"`
	ZeroResult   int64   `json:"zero_result" db:"zero_result"`
}

// --- Search telemetry operations ---

// LogSearch appends one retrieval telemetry row.
func (s *Store) LogSearch(ctx context.Context, r *SearchRecord) error {
	r.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO search_log (query, query_type, result_count, latency_ms, source, agent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Query, r.QueryType, r.ResultCount, r.LatencyMs, r.Source, r.AgentID, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert search log: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

// RecentSearches returns the latest telemetry rows, newest first.
func (s *Store) RecentSearches(ctx context.Context, limit int) ([]*SearchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []*SearchRecord
	err := s.ro.SelectContext(ctx, &records,
		`SELECT * FROM search_log ORDER BY created_at DESC LIMIT ?`, limit)
	return records, err
}

// SearchStatsSince aggregates telemetry from the cutoff forward. The
// zero-result count feeds the retrieval weight tuner.
func (s *Store) SearchStatsSince(ctx context.Context, since time.Time) (*SearchStats, error) {
	var stats SearchStats
	err := s.ro.GetContext(ctx, &stats, `
		SELECT COUNT(*) AS total,
			COALESCE(AVG(latency_ms), 0) AS avg_latency_ms,
			COALESCE(AVG(result_count), 0) AS avg_results,
			COALESCE(SUM(CASE WHEN result_count = 0 THEN 1 ELSE 0 END), 0) AS zero_result
		FROM search_log WHERE created_at >= ?`,
		since)
	if err != nil {
		return nil, fmt.Errorf("search stats: %w", err)
	}
	return &stats, nil
}
