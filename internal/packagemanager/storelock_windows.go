//go:build windows

package packagemanager

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

func platformLock(f *os.File) error {
	var ol windows.Overlapped

	err := windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &ol)
	if err != nil {
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return errLockHeld
		}

		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	return nil
}

func platformUnlock(f *os.File) {
	var ol windows.Overlapped

	_ = windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, &ol)
}
