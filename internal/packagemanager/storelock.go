package packagemanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StoreLockFile is the advisory lock taken in the store directory for the
// duration of an install.
const StoreLockFile = ".forge.lock"

var errLockHeld = errors.New("store lock held by another process")

const lockPollInterval = 100 * time.Millisecond

// StoreLock is an exclusive inter-process lock on a store directory.
type StoreLock struct {
	path string
	file *os.File
}

// AcquireStoreLock blocks until the lock on storeDir is held or ctx is done.
func AcquireStoreLock(ctx context.Context, storeDir string) (*StoreLock, error) {
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	path := filepath.Join(storeDir, StoreLockFile)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		err := platformLock(f)
		if err == nil {
			return &StoreLock{path: path, file: f}, nil
		}

		if !errors.Is(err, errLockHeld) {
			f.Close()

			return nil, err
		}

		select {
		case <-ctx.Done():
			f.Close()

			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release unlocks and closes the lock file. The file itself stays so that
// waiters never race on a recreated inode.
func (l *StoreLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	platformUnlock(l.file)

	err := l.file.Close()
	l.file = nil

	return err
}
