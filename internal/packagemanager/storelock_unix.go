//go:build unix

package packagemanager

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func platformLock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return errLockHeld
		}

		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	return nil
}

func platformUnlock(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
