//go:build windows

package fscache

import (
	"os"

	"golang.org/x/sys/windows"
)

// lockRegionBytes is the size of the zero-byte-offset region locked on the
// anchor file. Windows locks byte ranges rather than whole files by default;
// locking one byte at offset 0 gives the same whole-file exclusion the
// POSIX flock backend provides, since the anchor files are never written to
// beyond their mtime.
const lockRegionBytes = 1

// flockTryExclusive attempts a non-blocking exclusive lock on f.
func flockTryExclusive(f *os.File) (bool, error) {
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(
		windows.Handle(f.Fd()),
		windows.LOCKFILE_FAIL_IMMEDIATELY|windows.LOCKFILE_EXCLUSIVE_LOCK,
		0, lockRegionBytes, 0, ol,
	)
	if err != nil {
		if err == windows.ERROR_LOCK_VIOLATION { //nolint:errorlint // syscall errno comparison
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// flockTryShared attempts a non-blocking shared lock on f.
func flockTryShared(f *os.File) (bool, error) {
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(
		windows.Handle(f.Fd()),
		windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, lockRegionBytes, 0, ol,
	)
	if err != nil {
		if err == windows.ERROR_LOCK_VIOLATION { //nolint:errorlint // syscall errno comparison
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// flockUnlock releases any lock held on f by this process.
func flockUnlock(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, lockRegionBytes, 0, ol)
}
