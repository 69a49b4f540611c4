package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LearningFilter narrows ListLearnings. Zero values mean "no constraint".
type LearningFilter struct {
	Category    string
	Stage       string
	Confidence  string
	ProjectPath string
	AgentID     *int64
	Visibility  string
	Limit       int
	Offset      int
}

// LearningHit is a learning with its keyword search rank. Rank follows
// bm25 semantics: lower is better, zero when ranking is unavailable.
type LearningHit struct {
	Learning
	Rank float64 `db:"rank"`
}

// --- Learning operations ---

// CreateLearning persists a new learning. Confidence and maturity always
// start at the bottom of the ladder regardless of what the caller set.
func (s *Store) CreateLearning(ctx context.Context, l *Learning) error {
	if l.Visibility == "" {
		l.Visibility = VisibilityPrivate
	}
	l.TimesValidated = 0
	l.Confidence = ConfidenceForValidations(0)
	l.MaturityStage = StageForValidations(0)
	now := time.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO learnings (category, title, description, what_happened, lesson, prevention, context, source_url,
			confidence, maturity_stage, times_validated, agent_id, visibility, project_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Category, l.Title, l.Description, l.WhatHappened, l.Lesson, l.Prevention, l.Context, l.SourceURL,
		l.Confidence, l.MaturityStage, l.TimesValidated, l.AgentID, l.Visibility, l.ProjectPath, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert learning: %w", err)
	}
	l.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("learning id: %w", err)
	}
	return nil
}

// GetLearning returns a learning by ID, or nil when unknown.
func (s *Store) GetLearning(ctx context.Context, id int64) (*Learning, error) {
	var l Learning
	err := s.ro.GetContext(ctx, &l, `SELECT * FROM learnings WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &l, err
}

// ListLearnings returns learnings matching the filter. Ordering puts the
// most validated first so mature knowledge surfaces before guesses.
func (s *Store) ListLearnings(ctx context.Context, filter LearningFilter) ([]*Learning, error) {
	query := `SELECT * FROM learnings WHERE 1=1`
	args := []interface{}{}

	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.Stage != "" {
		query += ` AND maturity_stage = ?`
		args = append(args, filter.Stage)
	}
	if filter.Confidence != "" {
		query += ` AND confidence = ?`
		args = append(args, filter.Confidence)
	}
	if filter.ProjectPath != "" {
		query += ` AND project_path = ?`
		args = append(args, filter.ProjectPath)
	}
	if filter.AgentID != nil {
		query += ` AND agent_id = ?`
		args = append(args, *filter.AgentID)
	}
	if filter.Visibility != "" {
		query += ` AND visibility = ?`
		args = append(args, filter.Visibility)
	}

	query += ` ORDER BY times_validated DESC, updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	var learnings []*Learning
	err := s.ro.SelectContext(ctx, &learnings, query, args...)
	return learnings, err
}

// ValidateLearning records one more confirmation of a learning and derives
// the new confidence and maturity stage from the updated count. The whole
// step runs as a single guarded UPDATE so concurrent validators from
// different processes never lose increments.
func (s *Store) ValidateLearning(ctx context.Context, id int64) (*Learning, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE learnings SET
			times_validated = times_validated + 1,
			maturity_stage = CASE
				WHEN times_validated + 1 >= 10 THEN 'wisdom'
				WHEN times_validated + 1 >= 5 THEN 'principle'
				WHEN times_validated + 1 >= 3 THEN 'pattern'
				ELSE 'learning'
			END,
			confidence = CASE
				WHEN times_validated + 1 >= 10 THEN 'proven'
				WHEN times_validated + 1 >= 3 THEN 'high'
				ELSE 'medium'
			END,
			last_validated_at = ?,
			updated_at = ?
		WHERE id = ?`,
		now, now, id)
	if err != nil {
		return nil, fmt.Errorf("validate learning: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("learning not found: %d", id)
	}
	return s.GetLearning(ctx, id)
}

// UpdateLearning rewrites the descriptive fields of a learning. Validation
// counters and the derived stage are only changed through ValidateLearning.
func (s *Store) UpdateLearning(ctx context.Context, l *Learning) error {
	l.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE learnings SET category = ?, title = ?, description = ?, what_happened = ?, lesson = ?,
			prevention = ?, context = ?, source_url = ?, visibility = ?, updated_at = ?
		WHERE id = ?`,
		l.Category, l.Title, l.Description, l.WhatHappened, l.Lesson,
		l.Prevention, l.Context, l.SourceURL, l.Visibility, l.UpdatedAt, l.ID)
	if err != nil {
		return fmt.Errorf("update learning: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("learning not found: %d", l.ID)
	}
	return nil
}

// DeleteLearning removes a learning by ID.
func (s *Store) DeleteLearning(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM learnings WHERE id = ?`, id)
	return err
}

// CountLearnings returns the number of learnings for a project.
func (s *Store) CountLearnings(ctx context.Context, projectPath string) (int64, error) {
	var n int64
	err := s.ro.GetContext(ctx, &n, `SELECT COUNT(*) FROM learnings WHERE project_path = ?`, projectPath)
	return n, err
}

// KeywordSearchLearnings runs a sparse text search over learnings. With
// FTS5 available it ranks with bm25; otherwise it falls back to LIKE
// matching ordered by maturity.
func (s *Store) KeywordSearchLearnings(ctx context.Context, query string, limit int) ([]*LearningHit, error) {
	if limit <= 0 {
		limit = 10
	}
	if s.ftsEnabled {
		match := ftsQuery(query)
		if match == "" {
			return nil, nil
		}
		var hits []*LearningHit
		err := s.ro.SelectContext(ctx, &hits, `
			SELECT l.*, bm25(learnings_fts) AS rank
			FROM learnings_fts
			JOIN learnings l ON l.id = learnings_fts.rowid
			WHERE learnings_fts MATCH ?
			ORDER BY rank
			LIMIT ?`,
			match, limit)
		if err != nil {
			return nil, fmt.Errorf("fts search: %w", err)
		}
		return hits, nil
	}

	pattern := "%" + strings.TrimSpace(query) + "%"
	var hits []*LearningHit
	err := s.ro.SelectContext(ctx, &hits, `
		SELECT *, 0.0 AS rank
		FROM learnings
		WHERE title LIKE ? OR description LIKE ? OR lesson LIKE ?
		ORDER BY times_validated DESC, updated_at DESC
		LIMIT ?`,
		pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("like search: %w", err)
	}
	return hits, nil
}

// ftsQuery renders user text as an FTS5 match expression. Tokens are
// double-quoted prefix terms, OR-joined, so operator characters in user
// input cannot change the query structure and partial words still match.
func ftsQuery(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !isWordRune(r)
	})
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+f+`"*`)
	}
	return strings.Join(quoted, " OR ")
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r == '-':
		return true
	default:
		return r > 127
	}
}
