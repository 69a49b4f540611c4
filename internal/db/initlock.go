package db

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/matrixfabric/matrixfabric/internal/common/constants"
)

const initLockPollInterval = 100 * time.Millisecond

// InitLock is a file-based mutex guarding schema creation and migrations.
// Co-located processes (daemon, indexer, orchestrator) race to initialize
// the same store file on first start; only the lock holder runs migrations,
// the others wait and find the schema already in place.
type InitLock struct {
	path string
}

// AcquireInitLock blocks until the lock file can be created exclusively or
// the context is done. A lock file older than constants.InitLockStale is
// treated as abandoned by a crashed process, removed, and re-contended.
func AcquireInitLock(ctx context.Context, path string) (*InitLock, error) {
	for {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			// Record the holder for operator inspection; content is advisory.
			_, _ = fmt.Fprintf(file, "pid=%d acquired=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			if cerr := file.Close(); cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("failed to write init lock: %w", cerr)
			}
			return &InitLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create init lock: %w", err)
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				// Holder released between our open and stat; retry now.
				continue
			}
			return nil, fmt.Errorf("failed to stat init lock: %w", statErr)
		}
		if time.Since(info.ModTime()) > constants.InitLockStale {
			// Abandoned lock from a crashed process.
			_ = os.Remove(path)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for init lock %s: %w", path, ctx.Err())
		case <-time.After(initLockPollInterval):
		}
	}
}

// Release removes the lock file. Safe to call once per acquired lock.
func (l *InitLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release init lock: %w", err)
	}
	return nil
}
