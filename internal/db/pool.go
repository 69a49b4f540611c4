package db

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Pool provides separate read and write database connections.
//
// With SQLite in WAL mode, this enables concurrent reads while serializing
// writes through a single connection. The writer pool uses MaxOpenConns(1) to
// avoid SQLITE_BUSY on write contention, while the reader pool allows multiple
// concurrent connections for SELECT queries.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// OpenPool opens the workspace store file and returns a configured Pool.
// A busyTimeout of zero selects DefaultBusyTimeout.
func OpenPool(dbPath string, busyTimeout time.Duration) (*Pool, error) {
	writer, err := OpenSQLite(dbPath, busyTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open writer: %w", err)
	}
	reader, err := OpenSQLiteReader(dbPath, busyTimeout)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open reader: %w", err)
	}
	return &Pool{
		writer: sqlx.NewDb(writer, "sqlite3"),
		reader: sqlx.NewDb(reader, "sqlite3"),
	}, nil
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. This is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries. This opens
// multiple read-only connections that can operate concurrently with the
// writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
