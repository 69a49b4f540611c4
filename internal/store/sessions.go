package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// sessionIDAttempts bounds the collision retry loop for time-based IDs.
const sessionIDAttempts = 10

// SessionFilter narrows ListSessions. Zero values mean "no constraint".
type SessionFilter struct {
	ProjectPath string
	AgentID     *int64
	Visibility  string
	Tag         string
	Since       *time.Time
	Limit       int
	Offset      int
}

// --- Session operations ---

// CreateSession persists a session. When s.ID is empty a time-based ID is
// allocated; a collision with a concurrent writer in the same millisecond
// retries with the next millisecond value.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.Visibility == "" {
		sess.Visibility = VisibilityPrivate
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.ContextJSON = marshalSessionContext(sess.Context)
	sess.TagsJSON = marshalJSONList(sess.Tags)

	if sess.ID != "" {
		if err := s.validatePreviousSession(ctx, sess.ID, sess.PreviousSessionID); err != nil {
			return err
		}
		return s.insertSession(ctx, sess)
	}

	if err := s.validatePreviousSession(ctx, "", sess.PreviousSessionID); err != nil {
		return err
	}

	base := now.UnixMilli()
	for attempt := 0; attempt < sessionIDAttempts; attempt++ {
		sess.ID = fmt.Sprintf("session_%d", base+int64(attempt))
		err := s.insertSession(ctx, sess)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
	}
	return fmt.Errorf("allocate session id: exhausted %d attempts", sessionIDAttempts)
}

// validatePreviousSession keeps session chains well-formed: a link must
// point at an existing session and never at the row being inserted.
func (s *Store) validatePreviousSession(ctx context.Context, id string, prev *string) error {
	if prev == nil || *prev == "" {
		return nil
	}
	if id != "" && *prev == id {
		return fmt.Errorf("session %s cannot link to itself", id)
	}
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ?)`, *prev)
	if err != nil {
		return fmt.Errorf("check previous session: %w", err)
	}
	if !exists {
		return fmt.Errorf("previous session not found: %s", *prev)
	}
	return nil
}

func (s *Store) insertSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, summary, context, tags, agent_id, visibility, project_path, previous_session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Summary, sess.ContextJSON, sess.TagsJSON, sess.AgentID, sess.Visibility,
		sess.ProjectPath, sess.PreviousSessionID, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID, or nil when unknown.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.ro.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	hydrateSession(&sess)
	return &sess, nil
}

// ListSessions returns sessions matching the filter, newest first.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `SELECT * FROM sessions WHERE 1=1`
	args := []interface{}{}

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
	if filter.Tag != "" {
		query += ` AND tags LIKE ?`
		args = append(args, `%"`+filter.Tag+`"%`)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, *filter.Since)
	}

	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	var sessions []*Session
	if err := s.ro.SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		hydrateSession(sess)
	}
	return sessions, nil
}

// LatestSession returns the most recent session for a project, or nil when
// the project has none.
func (s *Store) LatestSession(ctx context.Context, projectPath string) (*Session, error) {
	var sess Session
	err := s.ro.GetContext(ctx, &sess,
		`SELECT * FROM sessions WHERE project_path = ? ORDER BY created_at DESC LIMIT 1`, projectPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	hydrateSession(&sess)
	return &sess, nil
}

// UpdateSession rewrites the mutable fields of a session.
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()
	sess.ContextJSON = marshalSessionContext(sess.Context)
	sess.TagsJSON = marshalJSONList(sess.Tags)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET summary = ?, context = ?, tags = ?, visibility = ?, updated_at = ?
		WHERE id = ?`,
		sess.Summary, sess.ContextJSON, sess.TagsJSON, sess.Visibility, sess.UpdatedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session not found: %s", sess.ID)
	}
	return nil
}

// DeleteSession removes a session by ID.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// CountSessions returns the number of sessions for a project.
func (s *Store) CountSessions(ctx context.Context, projectPath string) (int64, error) {
	var n int64
	err := s.ro.GetContext(ctx, &n, `SELECT COUNT(*) FROM sessions WHERE project_path = ?`, projectPath)
	return n, err
}

func hydrateSession(sess *Session) {
	sess.Tags = unmarshalJSONList(sess.TagsJSON)
	if sess.ContextJSON != "" && sess.ContextJSON != "{}" {
		var sc SessionContext
		if err := json.Unmarshal([]byte(sess.ContextJSON), &sc); err == nil {
			sess.Context = &sc
		}
	}
}

func marshalSessionContext(sc *SessionContext) string {
	if sc == nil {
		return "{}"
	}
	b, err := json.Marshal(sc)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
