package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// --- Matrix message operations ---

// NextSequenceNumber allocates the next sequence number for a sending
// matrix. One counter per sender covers direct and broadcast messages
// alike, so (from_matrix, sequence_number) stays a total order across
// every message the sender ever produced. Allocation runs in a write
// transaction, so numbers are gap-free and strictly increasing even
// across processes.
func (s *Store) NextSequenceNumber(ctx context.Context, fromMatrix string) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sequence allocation: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextSequenceTx(ctx, tx, fromMatrix)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sequence allocation: %w", err)
	}
	return seq, nil
}

func nextSequenceTx(ctx context.Context, tx *sqlx.Tx, fromMatrix string) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO matrix_sequences (from_matrix, last_sequence)
		VALUES (?, 1)
		ON CONFLICT(from_matrix) DO UPDATE SET last_sequence = last_sequence + 1`,
		fromMatrix)
	if err != nil {
		return 0, fmt.Errorf("advance sequence: %w", err)
	}
	var seq int64
	err = tx.GetContext(ctx, &seq,
		`SELECT last_sequence FROM matrix_sequences WHERE from_matrix = ?`,
		fromMatrix)
	if err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	return seq, nil
}

// EnqueueOutbound persists an outbound message in pending state with its
// sequence number, both in one transaction. A crash between allocation and
// insert therefore cannot burn a number or lose a message.
func (s *Store) EnqueueOutbound(ctx context.Context, m *MatrixMessage) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Type == "" {
		if m.ToMatrix == nil {
			m.Type = MessageTypeBroadcast
		} else {
			m.Type = MessageTypeDirect
		}
	}
	if m.MetadataJSON == "" {
		m.MetadataJSON = "{}"
	}
	if m.MaxRetries == 0 {
		m.MaxRetries = 3
	}
	m.Status = MessageStatusPending
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	m.SequenceNumber, err = nextSequenceTx(ctx, tx, m.FromMatrix)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO matrix_messages (id, from_matrix, to_matrix, content, type, status, metadata,
			sequence_number, retry_count, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.FromMatrix, m.ToMatrix, m.Content, m.Type, m.Status, m.MetadataJSON,
		m.SequenceNumber, m.RetryCount, m.MaxRetries, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert outbound message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

// GetMessage returns a message by ID, or nil when unknown.
func (s *Store) GetMessage(ctx context.Context, id string) (*MatrixMessage, error) {
	var m MatrixMessage
	err := s.ro.GetContext(ctx, &m, `SELECT * FROM matrix_messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &m, err
}

// DueOutbound returns locally-authored pending messages whose retry hold
// (if any) has elapsed, in sequence order.
func (s *Store) DueOutbound(ctx context.Context, fromMatrix string, limit int) ([]*MatrixMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []*MatrixMessage
	err := s.ro.SelectContext(ctx, &msgs, `
		SELECT * FROM matrix_messages
		WHERE from_matrix = ? AND status = ?
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY sequence_number
		LIMIT ?`,
		fromMatrix, MessageStatusPending, time.Now().UTC(), limit)
	return msgs, err
}

// MarkSending is the first phase of a delivery attempt: pending moves to
// sending before any network write. Exactly one sweeper wins the row; a
// false return means another already took it.
func (s *Store) MarkSending(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE matrix_messages SET status = ?, attempted_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		MessageStatusSending, now, now, id, MessageStatusPending)
	if err != nil {
		return false, fmt.Errorf("mark sending: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkSent is the second phase: the frame went out on the wire.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE matrix_messages SET status = ?, sent_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		MessageStatusSent, now, now, id, MessageStatusSending)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark sent %s: not in sending state", id)
	}
	return nil
}

// MarkDelivered records the hub's delivery acknowledgement. The ack may
// arrive before MarkSent commits, so both sending and sent accept it.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE matrix_messages SET status = ?, delivered_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		MessageStatusDelivered, now, now, id, MessageStatusSending, MessageStatusSent)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// RequeueForRetry puts a failed delivery attempt back in the queue with a
// backoff, or fails it terminally once the retry budget is spent.
func (s *Store) RequeueForRetry(ctx context.Context, id, lastError string) (*MatrixMessage, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("message not found: %s", id)
	}

	now := time.Now().UTC()
	if m.RetryCount < m.MaxRetries {
		nextRetry := now.Add(RetryDelay(m.RetryCount))
		_, err = s.db.ExecContext(ctx, `
			UPDATE matrix_messages SET status = ?, retry_count = retry_count + 1, last_error = ?,
				next_retry_at = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			MessageStatusPending, lastError, nextRetry, now, id, MessageStatusSending, MessageStatusSent)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE matrix_messages SET status = ?, last_error = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			MessageStatusFailed, lastError, now, id, MessageStatusSending, MessageStatusSent)
	}
	if err != nil {
		return nil, fmt.Errorf("requeue message: %w", err)
	}
	return s.GetMessage(ctx, id)
}

// ResurrectSending returns crash leftovers to the queue: rows stuck in
// sending belong to a sweep that never finished. Called once at daemon
// startup before the sweeper starts.
func (s *Store) ResurrectSending(ctx context.Context, fromMatrix string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE matrix_messages SET status = ?, updated_at = ?
		WHERE from_matrix = ? AND status = ?`,
		MessageStatusPending, now, fromMatrix, MessageStatusSending)
	if err != nil {
		return 0, fmt.Errorf("resurrect sending: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InsertInbound stores a received message, deduplicating on message ID.
// It reports whether the row was new; a replayed delivery returns false
// with no error.
func (s *Store) InsertInbound(ctx context.Context, m *MatrixMessage) (bool, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Type == "" {
		if m.ToMatrix == nil {
			m.Type = MessageTypeBroadcast
		} else {
			m.Type = MessageTypeDirect
		}
	}
	if m.MetadataJSON == "" {
		m.MetadataJSON = "{}"
	}
	now := time.Now().UTC()
	m.Status = MessageStatusDelivered
	m.DeliveredAt = &now
	m.CreatedAt = now
	m.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO matrix_messages (id, from_matrix, to_matrix, content, type, status, metadata,
			sequence_number, delivered_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.FromMatrix, m.ToMatrix, m.Content, m.Type, m.Status, m.MetadataJSON,
		m.SequenceNumber, m.DeliveredAt, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert inbound message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// UnreadMessages returns delivered messages addressed to this matrix
// (directly or by broadcast) that have not been marked read, in sender
// sequence order.
func (s *Store) UnreadMessages(ctx context.Context, matrixID string, limit int) ([]*MatrixMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var msgs []*MatrixMessage
	err := s.ro.SelectContext(ctx, &msgs, `
		SELECT * FROM matrix_messages
		WHERE from_matrix != ? AND (to_matrix = ? OR to_matrix IS NULL)
		  AND status = ? AND read_at IS NULL
		ORDER BY from_matrix, sequence_number
		LIMIT ?`,
		matrixID, matrixID, MessageStatusDelivered, limit)
	return msgs, err
}

// CountUnread returns how many delivered messages await reading.
func (s *Store) CountUnread(ctx context.Context, matrixID string) (int64, error) {
	var n int64
	err := s.ro.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM matrix_messages
		WHERE from_matrix != ? AND (to_matrix = ? OR to_matrix IS NULL)
		  AND status = ? AND read_at IS NULL`,
		matrixID, matrixID, MessageStatusDelivered)
	return n, err
}

// MarkMessagesRead stamps read_at on the given messages.
func (s *Store) MarkMessagesRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	query, args, err := sqlx.In(
		`UPDATE matrix_messages SET read_at = ?, updated_at = ? WHERE id IN (?)`, now, now, ids)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// MessageHistory returns the conversation with one peer in both
// directions, most recent first. An empty peer returns broadcast traffic.
func (s *Store) MessageHistory(ctx context.Context, matrixID, peer string, limit int) ([]*MatrixMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []*MatrixMessage
	var err error
	if peer == "" {
		err = s.ro.SelectContext(ctx, &msgs, `
			SELECT * FROM matrix_messages
			WHERE to_matrix IS NULL
			ORDER BY created_at DESC
			LIMIT ?`,
			limit)
	} else {
		err = s.ro.SelectContext(ctx, &msgs, `
			SELECT * FROM matrix_messages
			WHERE (from_matrix = ? AND to_matrix = ?) OR (from_matrix = ? AND to_matrix = ?)
			ORDER BY created_at DESC
			LIMIT ?`,
			matrixID, peer, peer, matrixID, limit)
	}
	return msgs, err
}
