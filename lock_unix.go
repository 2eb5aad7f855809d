//go:build !windows

package fscache

import (
	"os"

	"golang.org/x/sys/unix"
)

// flockTryExclusive attempts a non-blocking exclusive advisory lock on f,
// returning false (not an error) if another holder already has it locked.
func flockTryExclusive(f *os.File) (bool, error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK { //nolint:errorlint // syscall errno comparison
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// flockTryShared attempts a non-blocking shared advisory lock on f, used by
// the probe path so a held exclusive lock is detected without blocking.
func flockTryShared(f *os.File) (bool, error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK { //nolint:errorlint // syscall errno comparison
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// flockUnlock releases any lock held on f by this process.
func flockUnlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
