package fscache

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// subtreeDirs returns root and every descendant directory beneath it,
// parent before child (the order filepath.WalkDir visits them in). Used by
// Delete/Purge/GC so a key that is a dot-prefix of other keys ("product.1"
// vs "product.1.meta") has its whole subtree swept, not just its own leaf
// directory. A root that does not exist yet (a cold key) yields a
// single-element slice so callers can no-op gracefully rather than special
// casing a missing directory at every call site.
func subtreeDirs(root string) []string {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// External chaos (a concurrent purge, a third party deleting
			// files): skip what vanished, keep walking what remains.
			return nil //nolint:nilerr // tolerated per external-chaos error policy
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	if len(dirs) == 0 {
		return []string{root}
	}
	return dirs
}

// pruneEmptyDirs removes every now-empty directory in dirs, deepest first,
// stopping at (and never removing) stopAt itself so the bucket directory
// and everything above it survives regardless of how much of the key
// subtree purge emptied out.
func pruneEmptyDirs(dirs []string, stopAt string, logger *slog.Logger) {
	for i := len(dirs) - 1; i >= 0; i-- {
		dir := dirs[i]
		if dir == stopAt || !strings.HasPrefix(dir, stopAt) {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) != 0 {
			continue
		}
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			logger.Debug("prune empty directory failed", "dir", dir, "error", err)
		}
	}
}
