package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultBusyTimeout must stay at 5s or above: the daemon, indexer,
	// and hub can share one store file across processes.
	DefaultBusyTimeout = 5 * time.Second

	// WAL allows many readers alongside the single writer.
	readerConns = 4
)

// OpenSQLite opens the write side of the store: one connection, WAL,
// immediate transactions. A busyTimeout of zero selects the default.
func OpenSQLite(dbPath string, busyTimeout time.Duration) (*sql.DB, error) {
	path := absPath(dbPath)
	if err := touchDBFile(path); err != nil {
		return nil, fmt.Errorf("prepare database file: %w", err)
	}

	// _txlock=immediate: write transactions take the reserved lock at
	// BEGIN, so read-then-write sequences (sequence allocation, claim)
	// never fail a lock upgrade mid-transaction.
	dsn := sqliteDSN(path, busyTimeout,
		"_mode=rwc",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_txlock=immediate",
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// OpenSQLiteReader opens the read pool. journal_mode and synchronous are
// database-level settings owned by the writer.
func OpenSQLiteReader(dbPath string, busyTimeout time.Duration) (*sql.DB, error) {
	dsn := sqliteDSN(absPath(dbPath), busyTimeout, "_mode=ro")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open read-only database: %w", err)
	}
	db.SetMaxOpenConns(readerConns)
	db.SetMaxIdleConns(readerConns)
	return db, nil
}

func sqliteDSN(path string, busyTimeout time.Duration, params ...string) string {
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}
	base := []string{
		"_foreign_keys=on",
		fmt.Sprintf("_busy_timeout=%d", int(busyTimeout/time.Millisecond)),
		"_cache=shared",
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(append(base, params...), "&"))
}

// touchDBFile creates the parent directory and an empty database file so
// the read-only pool can open before the first write.
func touchDBFile(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func absPath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
