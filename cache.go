package fscache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// purgePrefix is the magic key prefix that dispatches Delete to the
// destructive purge path instead of the availability-preserving
// invalidate-and-promote path.
const purgePrefix = "__PURGE__"

// wildcardAllKey is the magic key that dispatches Delete to a global wipe.
const wildcardAllKey = "*"

// DeleteKind classifies what a Delete call actually does, so the three
// magic-key forms in the public API are parsed once at the boundary instead
// of being re-checked with string prefixes throughout the engine.
type DeleteKind int

const (
	// DeleteKey invalidates one key, demoting its fresh entry to stale.
	DeleteKey DeleteKind = iota
	// DeleteAll wipes the entire cache root.
	DeleteAll
	// DeletePurge permanently removes one key's fresh and stale entries.
	DeletePurge
)

// DeleteTarget is the parsed form of a Delete call's key argument.
type DeleteTarget struct {
	Kind DeleteKind
	Key  string
}

// ParseDeleteTarget classifies key into the delete command it names.
func ParseDeleteTarget(key string) DeleteTarget {
	if key == wildcardAllKey {
		return DeleteTarget{Kind: DeleteAll}
	}
	if rest, ok := strings.CutPrefix(key, purgePrefix); ok {
		return DeleteTarget{Kind: DeletePurge, Key: rest}
	}
	return DeleteTarget{Kind: DeleteKey, Key: key}
}

// Cache orchestrates the filesystem-backed cache engine: PathResolver,
// bucketLock and entryStore compose here into Get/Set/Delete/Purge, plus
// the double-check token protocol that keeps a concurrent Delete from ever
// letting a stale Set win the race.
type Cache struct {
	cfg   *Config
	paths *pathResolver
	locks *bucketLock
	store *entryStore
	gc    *garbageCollector

	closeOnce sync.Once
}

// New constructs a Cache rooted at the directory named by WithRoot (or the
// Config passed via options). The root directory is created if absent.
func New(opts ...Option) (*Cache, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("fscache: Root is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, fmt.Errorf("fscache: create cache root: %w", err)
	}

	paths := newPathResolver(cfg.Root)
	locks := newBucketLock(paths, cfg.Logger)
	store := newEntryStore(cfg.Codec, cfg.Logger)
	gc := newGarbageCollector(cfg, paths, locks, store)

	return &Cache{cfg: cfg, paths: paths, locks: locks, store: store, gc: gc}, nil
}

// Get retrieves value for key. It never returns an error: every failure
// mode collapses to (nil, false), the same as an honest cache miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	dir := c.paths.dataDir(key)
	if dir == "" {
		return nil, false
	}
	bucketName := c.paths.bucket(key)

	if value, ok := c.tryL2(dir); ok {
		return value, true
	}

	handle, acquired := c.locks.AcquireRebuild(bucketName, c.cfg.RebuildLockTimeout)
	if acquired {
		defer handle.Release()
		select {
		case <-time.After(c.cfg.GetGraceDelay):
		case <-ctx.Done():
		}
		return nil, false
	}

	return c.tryL1(dir)
}

// tryL2 returns the newest non-expired, decodable L2 entry in dir.
func (c *Cache) tryL2(dir string) ([]byte, bool) {
	now := time.Now().Unix()
	for _, name := range c.store.ListL2(dir) {
		if !c.cfg.neverExpires() {
			epoch, err := strconv.ParseInt(name, 10, 64)
			if err != nil {
				continue
			}
			if epoch < now {
				continue
			}
		}
		if value, ok := c.store.Read(dir, name); ok {
			return value, true
		}
	}
	return nil, false
}

// tryL1 returns the newest decodable L1 entry in dir, ignoring expiry: a
// stale backup is served precisely because it is the best available data,
// not because it is still fresh.
func (c *Cache) tryL1(dir string) ([]byte, bool) {
	for _, name := range c.store.ListL1(dir) {
		if value, ok := c.store.Read(dir, name); ok {
			return value, true
		}
	}
	return nil, false
}

// Set stores value under key. If expireSeconds is omitted or non-positive,
// the configured DefaultTTL is used. Set never returns an error: every
// failure — a lock timeout, a race with a concurrent Delete, an I/O error —
// is logged and swallowed, leaving the cache exactly as if Set had not
// been called at all.
func (c *Cache) Set(ctx context.Context, key string, value []byte, expireSeconds ...int) {
	dir := c.paths.dataDir(key)
	if dir == "" {
		return
	}
	bucketName := c.paths.bucket(key)

	tokenBefore := c.locks.InvalidationToken(bucketName)

	if c.cfg.TestMode == TestModeLagSetInit {
		select {
		case <-time.After(lagSetInitDelay):
		case <-ctx.Done():
			return
		}
	}

	if !c.locks.CheckDelete(bucketName) {
		return
	}

	handle, acquired := c.locks.AcquireWrite(bucketName, c.cfg.WriteLockTimeout)
	if !acquired {
		return
	}
	defer handle.Release()

	if !c.locks.CheckDelete(bucketName) {
		return
	}
	if tokenNow := c.locks.InvalidationToken(bucketName); tokenNow != tokenBefore {
		c.cfg.Logger.Debug("set aborted: invalidation raced the write lock", "bucket", bucketName)
		return
	}

	existing := c.store.ListL2(dir)
	if len(existing) >= c.cfg.MaxStaleFiles {
		c.store.PruneOlder(dir, existing, c.cfg.MaxStaleFiles-1)
	}

	ttl := c.cfg.DefaultTTL
	if len(expireSeconds) > 0 && expireSeconds[0] > 0 {
		ttl = time.Duration(expireSeconds[0]) * time.Second
	}
	epoch := time.Now().Add(ttl).Unix()

	c.store.Publish(dir, epoch, value)
}

// Delete dispatches key to the invalidate-and-promote, global-wipe or
// destructive-purge path, per ParseDeleteTarget.
func (c *Cache) Delete(ctx context.Context, key string) {
	target := ParseDeleteTarget(key)
	switch target.Kind {
	case DeleteAll:
		c.deleteAll()
	case DeletePurge:
		c.purgeKey(target.Key)
	default:
		c.deleteKey(target.Key)
	}
}

// Purge permanently removes key's fresh and stale entries, bypassing the
// availability-preserving promotion Delete performs. Equivalent to calling
// Delete with the "__PURGE__" prefix.
func (c *Cache) Purge(_ context.Context, key string) {
	c.purgeKey(key)
}

// deleteAll recursively removes everything under the cache root, taking no
// locks: this is a best-effort global wipe, not a coordinated operation.
func (c *Cache) deleteAll() {
	entries, err := os.ReadDir(c.cfg.Root)
	if err != nil {
		c.cfg.Logger.Warn("global wipe: read cache root failed", "error", err)
		return
	}
	for _, e := range entries {
		p := filepath.Join(c.cfg.Root, e.Name())
		if err := os.RemoveAll(p); err != nil {
			c.cfg.Logger.Warn("global wipe: remove failed", "path", p, "error", err)
		}
	}
}

// deleteKey performs the targeted invalidation sequence: acquire the lock
// triplet in order, mark the invalidation token, then walk the key's
// subtree promoting every directory's newest L2 entry to L1 and pruning
// the rest. Directories are never removed, preserving structure.
func (c *Cache) deleteKey(key string) {
	dir := c.paths.dataDir(key)
	if dir == "" {
		return
	}
	bucketName := c.paths.bucket(key)

	deleteHandle, ok := c.locks.AcquireDelete(bucketName, c.cfg.DeleteLockTimeout)
	if !ok {
		c.cfg.Logger.Warn("delete lock timeout, proceeding best-effort", "bucket", bucketName)
	} else {
		defer deleteHandle.Release()
	}

	c.locks.MarkInvalidation(bucketName)

	writeHandle, ok := c.locks.AcquireWrite(bucketName, c.cfg.DeleteLockTimeout)
	if !ok {
		c.cfg.Logger.Warn("delete: write lock timeout, aborting", "bucket", bucketName)
		return
	}
	defer writeHandle.Release()

	rebuildHandle, ok := c.locks.AcquireRebuild(bucketName, c.cfg.RebuildLockTimeout)
	if ok {
		defer rebuildHandle.Release()
	}

	for _, subdir := range subtreeDirs(dir) {
		c.promoteDirectory(subdir)
	}
}

// promoteDirectory applies the per-directory swap used by both Delete and
// GC's zombie promotion: the newest L2 becomes the sole L1, every other L2
// and pre-existing L1 is discarded; if there was no L2, the newest L1 is
// kept and older ones discarded.
func (c *Cache) promoteDirectory(dir string) {
	l2 := c.store.ListL2(dir)
	l1 := c.store.ListL1(dir)

	if len(l2) > 0 {
		newest := l2[0]
		promoted := ""
		epoch, err := strconv.ParseInt(newest, 10, 64)
		if err == nil {
			c.store.PromoteL2ToL1(dir, newest, epoch)
			promoted = l1Prefix + strconv.FormatInt(epoch, 10)
		}
		c.store.RemoveAll(dir, l2[1:])
		for _, name := range l1 {
			if name != promoted {
				c.store.RemoveAll(dir, []string{name})
			}
		}
		return
	}
	c.store.PruneOlder(dir, l1, 1)
}

// purgeKey performs the same lock protocol as deleteKey, but unlinks every
// payload instead of demoting it, and prunes emptied non-bucket
// directories afterward.
func (c *Cache) purgeKey(key string) {
	dir := c.paths.dataDir(key)
	if dir == "" {
		return
	}
	bucketName := c.paths.bucket(key)

	deleteHandle, ok := c.locks.AcquireDelete(bucketName, c.cfg.DeleteLockTimeout)
	if !ok {
		c.cfg.Logger.Warn("purge: delete lock timeout, proceeding best-effort", "bucket", bucketName)
	} else {
		defer deleteHandle.Release()
	}

	c.locks.MarkInvalidation(bucketName)

	writeHandle, ok := c.locks.AcquireWrite(bucketName, c.cfg.DeleteLockTimeout)
	if !ok {
		c.cfg.Logger.Warn("purge: write lock timeout, aborting", "bucket", bucketName)
		return
	}
	defer writeHandle.Release()

	rebuildHandle, ok := c.locks.AcquireRebuild(bucketName, c.cfg.RebuildLockTimeout)
	if ok {
		defer rebuildHandle.Release()
	}

	dirs := subtreeDirs(dir)
	for _, subdir := range dirs {
		c.store.RemoveAll(subdir, c.store.ListL2(subdir))
		c.store.RemoveAll(subdir, c.store.ListL1(subdir))
	}
	pruneEmptyDirs(dirs, c.paths.bucketDir(bucketName), c.cfg.Logger)
}

// Close releases resources and, subject to the GC gate, runs one
// garbage-collection sweep across the whole cache. Matches the "explicit
// shutdown hook" idiom rather than relying on finalizers.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.gc.Run()
	})
	return err
}
