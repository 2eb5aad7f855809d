package fscache

import (
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/fscache/pkg/fscodec"
)

// l1Prefix marks a stale-tier file: "l1-<expiry-epoch>".
const l1Prefix = "l1-"

// entryStore performs the low-level file operations within a single key
// directory: enumerating fresh (L2) and stale (L1) entries, decoding
// payloads, and publishing new ones atomically. It never takes a lock
// itself; every caller already holds whatever bucketLock the operation
// requires.
type entryStore struct {
	codec  fscodec.Codec
	logger *slog.Logger
}

func newEntryStore(codec fscodec.Codec, logger *slog.Logger) *entryStore {
	return &entryStore{codec: codec, logger: logger}
}

// isAllDigits reports whether name is a non-empty run of ASCII digits, the
// filename shape of an L2 entry (a decimal expiry epoch).
func isAllDigits(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// numericSortDescending orders filenames the way integer epochs sort, in
// reverse: longer names first unless lengths match, in which case reverse
// lexicographic order coincides with reverse numeric order. Leaves names
// newest (largest epoch) first.
func numericSortDescending(names []string) {
	sort.Slice(names, func(i, j int) bool {
		a, b := names[i], names[j]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a > b
	})
}

// ListL2 returns the names of fresh entries in dir, newest first. Missing
// directories are reported as empty, not an error: a cold key has no
// directory yet.
func (s *entryStore) ListL2(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if isAllDigits(e.Name()) {
			names = append(names, e.Name())
		}
	}
	numericSortDescending(names)
	return names
}

// ListL1 returns the names of stale entries in dir (prefix "l1-"), newest
// first by the epoch encoded after the prefix.
func (s *entryStore) ListL1(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var epochs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if epoch, ok := strings.CutPrefix(e.Name(), l1Prefix); ok && isAllDigits(epoch) {
			epochs = append(epochs, epoch)
		}
	}
	numericSortDescending(epochs)
	names := make([]string, len(epochs))
	for i, e := range epochs {
		names[i] = l1Prefix + e
	}
	return names
}

// Read decodes the file named name inside dir. Any I/O or decode error is
// reported as a miss (ok == false), never propagated: a corrupt or vanished
// file is not this call's problem to fix, only GC's.
func (s *entryStore) Read(dir, name string) (value []byte, ok bool) {
	raw, err := os.ReadFile(dir + string(os.PathSeparator) + name) //nolint:gosec // dir/name derived from sanitized key + directory listing
	if err != nil {
		return nil, false
	}
	decoded, err := s.codec.Decode(raw)
	if err != nil {
		s.logger.Debug("decode failed, treating as miss", "file", name, "error", err)
		return nil, false
	}
	return decoded, true
}

// Publish atomically writes payload as the L2 entry for epoch and mirrors
// it into an L1 backup, so a subsequent Delete has something to promote
// even before this Set's L2 file would otherwise expire. Returns false if
// the L2 entry could not be published (already logged); a failed L1 mirror
// is logged but still returns true.
func (s *entryStore) Publish(dir string, epoch int64, payload []byte) bool {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		s.logger.Warn("create key directory failed", "dir", dir, "error", err)
		return false
	}

	encoded, err := s.codec.Encode(payload)
	if err != nil {
		s.logger.Warn("encode payload failed", "dir", dir, "error", err)
		return false
	}

	epochName := strconv.FormatInt(epoch, 10)
	finalPath := dir + string(os.PathSeparator) + epochName
	tmpName := "tmp_" + strconv.Itoa(os.Getpid()) + "_" + uuid.NewString()
	tmpPath := dir + string(os.PathSeparator) + tmpName

	if err := os.WriteFile(tmpPath, encoded, 0o640); err != nil { //nolint:gosec // path built from sanitized key + generated temp suffix
		s.logger.Warn("write temp file failed", "dir", dir, "error", err)
		return false
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Debug("cleanup temp file after rename failure", "dir", dir, "error", rmErr)
		}
		s.logger.Warn("publish rename failed", "dir", dir, "error", err)
		return false
	}

	l1Path := dir + string(os.PathSeparator) + l1Prefix + epochName
	if err := copyFile(finalPath, l1Path); err != nil {
		s.logger.Warn("mirror to L1 failed", "dir", dir, "error", err)
	}
	return true
}

// PromoteL2ToL1 renames the file named name inside dir into an L1 entry
// carrying epoch. If the rename fails (for example across a filesystem
// boundary), it falls back to copy-then-remove so the promotion still
// happens; if even that fails, the original is unlinked to avoid leaving a
// duplicate authoritative L2 entry around, accepting data loss over a
// broken invariant.
func (s *entryStore) PromoteL2ToL1(dir, name string, epoch int64) bool {
	src := dir + string(os.PathSeparator) + name
	dst := dir + string(os.PathSeparator) + l1Prefix + strconv.FormatInt(epoch, 10)

	if err := os.Rename(src, dst); err == nil {
		return true
	}

	if err := copyFile(src, dst); err != nil {
		s.logger.Warn("promote copy fallback failed, dropping entry", "dir", dir, "name", name, "error", err)
		if rmErr := os.Remove(src); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Debug("remove after failed promotion", "dir", dir, "error", rmErr)
		}
		return false
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		s.logger.Debug("remove original after promote copy", "dir", dir, "error", err)
	}
	return true
}

// PruneOlder deletes every file in dir named in names except the first
// keepCount (names is assumed newest-first, as returned by ListL2/ListL1).
func (s *entryStore) PruneOlder(dir string, names []string, keepCount int) {
	if keepCount < 0 {
		keepCount = 0
	}
	if keepCount >= len(names) {
		return
	}
	for _, name := range names[keepCount:] {
		path := dir + string(os.PathSeparator) + name
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Debug("prune remove failed", "path", path, "error", err)
		}
	}
}

// RemoveAll deletes every file in dir named in names, ignoring
// already-missing files.
func (s *entryStore) RemoveAll(dir string, names []string) {
	s.PruneOlder(dir, names, 0)
}

// copyFile duplicates src to dst, used when a hardlink or rename would be
// unsafe (a hardlink can fail silently across filesystem/volume boundaries
// in ways a plain copy does not).
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src) //nolint:gosec // src derived from sanitized key + directory listing
	if err != nil {
		return err
	}
	tmp := dst + ".copytmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil { //nolint:gosec // dst derived from sanitized key
		return err
	}
	return os.Rename(tmp, dst)
}
