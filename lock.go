package fscache

import (
	"log/slog"
	"os"
	"time"
)

// Names of the three per-bucket advisory-lock anchor files. Never acquired
// out of the order delete -> write -> rebuild, so no two callers can ever
// deadlock waiting on each other's locks in the opposite order.
const (
	lockFileDelete  = "lock-delete"
	lockFileWrite   = "lock-write"
	lockFileRebuild = "lock-rebuild"
)

// acquireBackoff is the sleep between non-blocking lock retries.
const acquireBackoff = 5 * time.Millisecond

// lockHandle represents ownership of one advisory lock. It is returned only
// by successful acquisitions and must be released on every exit path,
// including error paths, via defer.
type lockHandle struct {
	file *os.File
}

// Release unlocks and closes the underlying anchor file. Idempotent and
// safe to call on a nil handle.
func (h *lockHandle) Release() {
	if h == nil || h.file == nil {
		return
	}
	f := h.file
	h.file = nil
	_ = flockUnlock(f)
	_ = f.Close()
}

// bucketLock implements the three-level lock hierarchy (delete > write >
// rebuild) plus the invalidation-token protocol, entirely through advisory
// locks on fixed-name files inside each bucket directory. There is no
// coordinating daemon: every process that opens the same cache root
// contends on the same anchor files.
type bucketLock struct {
	paths  *pathResolver
	logger *slog.Logger
}

func newBucketLock(paths *pathResolver, logger *slog.Logger) *bucketLock {
	return &bucketLock{paths: paths, logger: logger}
}

// ensureBucketDir creates the bucket directory if absent. Failure here is
// treated by every caller as "abort this operation", not a hard error.
func (b *bucketLock) ensureBucketDir(bucketName string) (string, bool) {
	dir := b.paths.bucketDir(bucketName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		b.logger.Warn("create bucket directory failed", "bucket", bucketName, "error", err)
		return "", false
	}
	return dir, true
}

// acquire retries a non-blocking exclusive lock on the named anchor file
// until it succeeds or timeout elapses.
func (b *bucketLock) acquire(bucketName, lockName string, timeout time.Duration) (*lockHandle, bool) {
	dir, ok := b.ensureBucketDir(bucketName)
	if !ok {
		return nil, false
	}
	path := dir + string(os.PathSeparator) + lockName

	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
		if err != nil {
			b.logger.Warn("open lock file failed", "bucket", bucketName, "lock", lockName, "error", err)
			return nil, false
		}
		locked, err := flockTryExclusive(f)
		if err != nil {
			_ = f.Close()
			b.logger.Warn("flock failed", "bucket", bucketName, "lock", lockName, "error", err)
			return nil, false
		}
		if locked {
			return &lockHandle{file: f}, true
		}
		_ = f.Close()

		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(acquireBackoff)
	}
}

// AcquireDelete blocks-with-timeout for the bucket's delete lock. Holding it
// excludes any Set/Delete/GC from progressing past their delete-check.
func (b *bucketLock) AcquireDelete(bucketName string, timeout time.Duration) (*lockHandle, bool) {
	return b.acquire(bucketName, lockFileDelete, timeout)
}

// AcquireWrite blocks-with-timeout for the bucket's write lock. Holding it
// excludes other writers.
func (b *bucketLock) AcquireWrite(bucketName string, timeout time.Duration) (*lockHandle, bool) {
	return b.acquire(bucketName, lockFileWrite, timeout)
}

// AcquireRebuild blocks-with-timeout for the bucket's rebuild lock. Holding
// it causes readers-on-miss to skip rebuilding and fall back to L1.
func (b *bucketLock) AcquireRebuild(bucketName string, timeout time.Duration) (*lockHandle, bool) {
	return b.acquire(bucketName, lockFileRebuild, timeout)
}

// CheckDelete probes whether the bucket's delete lock is currently held,
// without creating the anchor file if it is absent and without touching its
// mtime. A missing file, or one that vanishes mid-probe, is reported as
// safe: race-tolerance is more important here than precision, since the
// caller re-checks under the write lock anyway.
func (b *bucketLock) CheckDelete(bucketName string) bool {
	path := b.paths.bucketDir(bucketName) + string(os.PathSeparator) + lockFileDelete
	f, err := os.Open(path) //nolint:gosec // path built from sanitized bucket name
	if err != nil {
		return true
	}
	defer func() { _ = f.Close() }()

	locked, err := flockTryShared(f)
	if err != nil {
		return true
	}
	if !locked {
		return false
	}
	_ = flockUnlock(f)
	return true
}

// InvalidationToken returns the modification timestamp of the bucket's
// delete-lock file as a monotone-ish marker of the bucket's last
// invalidation event, or 0 if the bucket has never been invalidated.
func (b *bucketLock) InvalidationToken(bucketName string) int64 {
	path := b.paths.bucketDir(bucketName) + string(os.PathSeparator) + lockFileDelete
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}

// MarkInvalidation updates the delete-lock's mtime to now, creating the
// anchor file if it does not already exist. Called by Delete/Purge/GC to
// advance the invalidation token so any writer that captured an earlier
// token aborts.
func (b *bucketLock) MarkInvalidation(bucketName string) {
	dir, ok := b.ensureBucketDir(bucketName)
	if !ok {
		return
	}
	path := dir + string(os.PathSeparator) + lockFileDelete
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		b.logger.Warn("mark invalidation failed", "bucket", bucketName, "error", err)
		return
	}
	_ = f.Close()

	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		b.logger.Warn("touch delete lock failed", "bucket", bucketName, "error", err)
	}
}
