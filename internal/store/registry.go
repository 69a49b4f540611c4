package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Matrix registry operations ---

// UpsertMatrix registers a matrix or refreshes its display name and
// metadata. registered_at is only set on first registration.
func (s *Store) UpsertMatrix(ctx context.Context, matrixID, displayName, metadataJSON string) error {
	if metadataJSON == "" {
		metadataJSON = "{}"
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matrix_registry (matrix_id, display_name, status, last_seen, metadata, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(matrix_id) DO UPDATE SET
			display_name = excluded.display_name,
			status = excluded.status,
			last_seen = excluded.last_seen,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		matrixID, displayName, MatrixStatusOnline, now, metadataJSON, now, now)
	if err != nil {
		return fmt.Errorf("upsert matrix %s: %w", matrixID, err)
	}
	return nil
}

// TouchMatrix refreshes a matrix's liveness and status.
func (s *Store) TouchMatrix(ctx context.Context, matrixID, status string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE matrix_registry SET status = ?, last_seen = ?, updated_at = ? WHERE matrix_id = ?`,
		status, now, now, matrixID)
	if err != nil {
		return fmt.Errorf("touch matrix %s: %w", matrixID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("matrix not found: %s", matrixID)
	}
	return nil
}

// GetMatrix returns a registry entry, or nil when unknown.
func (s *Store) GetMatrix(ctx context.Context, matrixID string) (*MatrixEntry, error) {
	var m MatrixEntry
	err := s.ro.GetContext(ctx, &m, `SELECT * FROM matrix_registry WHERE matrix_id = ?`, matrixID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &m, err
}

// ListMatrices returns all registry entries ordered by ID.
func (s *Store) ListMatrices(ctx context.Context) ([]*MatrixEntry, error) {
	var matrices []*MatrixEntry
	err := s.ro.SelectContext(ctx, &matrices, `SELECT * FROM matrix_registry ORDER BY matrix_id`)
	return matrices, err
}

// OnlineMatrices returns the IDs of matrices currently marked online.
func (s *Store) OnlineMatrices(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.ro.SelectContext(ctx, &ids,
		`SELECT matrix_id FROM matrix_registry WHERE status = ? ORDER BY matrix_id`, MatrixStatusOnline)
	return ids, err
}

// SweepStaleMatrices marks online or away matrices whose last_seen is
// older than the cutoff as offline, returning how many changed.
func (s *Store) SweepStaleMatrices(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE matrix_registry SET status = ?, updated_at = ?
		WHERE status IN (?, ?) AND (last_seen IS NULL OR last_seen <= ?)`,
		MatrixStatusOffline, now, MatrixStatusOnline, MatrixStatusAway, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("sweep stale matrices: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
