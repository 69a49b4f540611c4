package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/logger"
	"github.com/matrixfabric/matrixfabric/internal/db"
)

// Store is the embedded store for one workspace database. All fabric
// processes in the workspace share the same file; cross-process safety
// comes from WAL mode, the busy timeout, and guarded claim updates.
type Store struct {
	db         *sqlx.DB
	ro         *sqlx.DB
	pool       *db.Pool
	log        *logger.Logger
	ftsEnabled bool
}

// Open opens (creating if needed) the workspace database at dbPath and
// ensures the schema. Concurrent first-open from several processes is
// serialized with a sidecar init lock file.
func Open(ctx context.Context, dbPath string, busyTimeout time.Duration, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	lock, err := db.AcquireInitLock(ctx, dbPath+".init.lock")
	if err != nil {
		return nil, fmt.Errorf("acquire init lock: %w", err)
	}
	defer lock.Release()

	pool, err := db.OpenPool(dbPath, busyTimeout)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:   pool.Writer(),
		ro:   pool.Reader(),
		pool: pool,
		log:  log.WithComponent("store"),
	}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Writer exposes the single-connection write handle for callers that need
// multi-statement transactions beyond the typed API.
func (s *Store) Writer() *sqlx.DB {
	return s.db
}

// FTSEnabled reports whether the learnings full-text index is available in
// this build of the SQLite driver.
func (s *Store) FTSEnabled() bool {
	return s.ftsEnabled
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, createTablesSQL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if _, err := tx.ExecContext(ctx, createIndexesSQL); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	s.applyMigrations(ctx, tx)

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}

	s.initFTS(ctx)
	return nil
}

// applyMigrations adds columns introduced after the initial schema. Errors
// are swallowed: on an up-to-date database every ALTER fails with
// "duplicate column name".
func (s *Store) applyMigrations(ctx context.Context, tx *sqlx.Tx) {
	for _, stmt := range []string{
		`ALTER TABLE learnings ADD COLUMN source_url TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE unified_tasks ADD COLUMN github_repo TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE unified_tasks ADD COLUMN github_sync_status TEXT NOT NULL DEFAULT 'local_only'`,
		`ALTER TABLE matrix_messages ADD COLUMN read_at TIMESTAMP`,
		`ALTER TABLE matrix_messages ADD COLUMN next_retry_at TIMESTAMP`,
	} {
		_, _ = tx.ExecContext(ctx, stmt)
	}
}

// initFTS probes for the FTS5 module and, when present, creates the
// learnings full-text index and its sync triggers. Driver builds without
// FTS5 fall back to LIKE matching in keyword search.
func (s *Store) initFTS(ctx context.Context) {
	if _, err := s.db.ExecContext(ctx, createFTSSQL); err != nil {
		if isMissingFTS(err) {
			s.log.Warn("FTS5 unavailable, keyword search degrades to LIKE matching",
				zap.String("hint", "build with -tags sqlite_fts5 (the Makefile does)"))
			return
		}
		s.log.Error("create full-text index", zap.Error(err))
		return
	}
	if _, err := s.db.ExecContext(ctx, createFTSTriggersSQL); err != nil {
		s.log.Error("create full-text triggers", zap.Error(err))
		return
	}
	s.ftsEnabled = true
}

func isMissingFTS(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such module: fts5")
}

// marshalJSONList renders a string slice as the TEXT column form, with nil
// and empty both stored as "[]".
func marshalJSONList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalJSONList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}
