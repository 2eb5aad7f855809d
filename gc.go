package fscache

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// gcControlFile is the single cache-root-level file that makes garbage
// collection single-flight across every process sharing this cache root.
const gcControlFile = "gc-control"

// garbageCollector performs the time-gated, single-flight, whole-cache
// sweep described in SPEC_FULL.md §4.5. It is invoked once, from Close, not
// on every request.
type garbageCollector struct {
	cfg   *Config
	paths *pathResolver
	locks *bucketLock
	store *entryStore
}

func newGarbageCollector(cfg *Config, paths *pathResolver, locks *bucketLock, store *entryStore) *garbageCollector {
	return &garbageCollector{cfg: cfg, paths: paths, locks: locks, store: store}
}

// Run performs one gated GC attempt. It never returns an error for
// conditions that simply mean "skip this time" (wrong hour, too soon,
// another process already running it); it only returns an error if the
// control file itself cannot be manipulated at all, mirroring Close's
// contract as the one method in this package allowed to surface a failure.
func (g *garbageCollector) Run() error {
	if g.cfg.neverExpires() {
		return nil
	}

	if g.cfg.TestMode != TestModeForceGC {
		hour := time.Now().Hour()
		if !inHourWindow(hour, g.cfg.GCStartHour, g.cfg.GCEndHour) {
			return nil
		}
	}

	controlPath := filepath.Join(g.cfg.Root, gcControlFile)
	f, err := os.OpenFile(controlPath, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("fscache: open gc control file: %w", err)
	}
	defer func() { _ = f.Close() }()

	locked, err := flockTryExclusive(f)
	if err != nil {
		return fmt.Errorf("fscache: lock gc control file: %w", err)
	}
	if !locked {
		// Another process is already collecting.
		return nil
	}
	defer func() { _ = flockUnlock(f) }()

	now := time.Now()
	if g.cfg.TestMode != TestModeForceGC {
		last := readControlEpoch(f)
		if now.Sub(last) < g.cfg.GCInterval {
			return nil
		}
	}

	// Write the new timestamp back immediately, before doing any sweeping,
	// so a GC attempt in the very next interval sees a fresh stamp even if
	// this sweep fails partway through.
	writeControlEpoch(f, now)

	for _, bucketName := range g.buckets() {
		g.sweepBucket(bucketName, now)
	}

	return nil
}

// inHourWindow reports whether hour falls in the inclusive [start, end]
// window, honoring windows that wrap past midnight (start > end).
func inHourWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour <= end
	}
	return hour >= start || hour <= end
}

// readControlEpoch reads the ASCII decimal epoch stored in f, or the zero
// time if the file is empty or unparseable (a corrupted control file
// should never block GC from ever running again).
func readControlEpoch(f *os.File) time.Time {
	if _, err := f.Seek(0, 0); err != nil {
		return time.Time{}
	}
	buf := make([]byte, 32)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(string(buf[:n])), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// writeControlEpoch overwrites f's contents with now's epoch, truncating
// any previous (longer) value.
func writeControlEpoch(f *os.File, now time.Time) {
	if _, err := f.Seek(0, 0); err != nil {
		return
	}
	_ = f.Truncate(0)
	_, _ = f.WriteString(strconv.FormatInt(now.Unix(), 10))
}

// buckets lists the top-level directories under the cache root, each one a
// bucket. The gc-control file itself is not a directory and is skipped.
func (g *garbageCollector) buckets() []string {
	entries, err := os.ReadDir(g.cfg.Root)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

// sweepBucket acquires the bucket's lock triplet, then walks every key
// directory beneath it performing zombie promotion: an expired newest L2
// is demoted to L1 rather than deleted outright, all other L2s are
// unlinked, and all but the newest L1 are unlinked. Optionally prunes
// emptied non-bucket subdirectories once the bucket has grown large.
func (g *garbageCollector) sweepBucket(bucketName string, now time.Time) {
	deleteHandle, ok := g.locks.AcquireDelete(bucketName, g.cfg.DeleteLockTimeout)
	if !ok {
		return
	}
	defer deleteHandle.Release()

	g.locks.MarkInvalidation(bucketName)

	writeHandle, ok := g.locks.AcquireWrite(bucketName, g.cfg.DeleteLockTimeout)
	if !ok {
		return
	}
	defer writeHandle.Release()

	rebuildHandle, ok := g.locks.AcquireRebuild(bucketName, g.cfg.RebuildLockTimeout)
	if ok {
		defer rebuildHandle.Release()
	}

	bucketDir := g.paths.bucketDir(bucketName)
	dirs := subtreeDirs(bucketDir)

	entryCount := 0
	for _, dir := range dirs {
		entryCount += len(g.store.ListL2(dir)) + len(g.store.ListL1(dir))
		g.zombiePromote(dir, now)
	}

	if entryCount > g.cfg.DirPruneThreshold {
		pruneEmptyDirs(dirs, bucketDir, g.cfg.Logger)
	}
}

// zombiePromote applies GC's per-directory policy: a newest L2 that has
// expired is renamed to l1-<epoch> instead of unlinked (a "zombie
// promotion"); a newest L2 that is still fresh is left in place and its
// siblings pruned; all but the newest L1 is discarded either way.
func (g *garbageCollector) zombiePromote(dir string, now time.Time) {
	l2 := g.store.ListL2(dir)
	l1 := g.store.ListL1(dir)

	if len(l2) == 0 {
		g.store.PruneOlder(dir, l1, 1)
		return
	}

	newest := l2[0]
	epoch, err := strconv.ParseInt(newest, 10, 64)
	if err != nil {
		g.store.RemoveAll(dir, l2)
		g.store.PruneOlder(dir, l1, 1)
		return
	}

	if epoch < now.Unix() {
		g.store.PromoteL2ToL1(dir, newest, epoch)
		g.store.RemoveAll(dir, l2[1:])
		promoted := l1Prefix + strconv.FormatInt(epoch, 10)
		for _, name := range l1 {
			if name != promoted {
				g.store.RemoveAll(dir, []string{name})
			}
		}
		return
	}

	g.store.RemoveAll(dir, l2[1:])
	g.store.PruneOlder(dir, l1, 1)
}
