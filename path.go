package fscache

import (
	"path/filepath"
	"strings"
)

// pathResolver maps dotted cache keys onto directories under a cache root.
// A key such as "product.123.meta" sanitizes to itself, splits into
// segments ["product", "123", "meta"], and resolves to
// "<root>/product/123/meta". The first segment is the bucket: the unit that
// bucketLock locks and that GarbageCollector walks independently.
type pathResolver struct {
	root string
}

func newPathResolver(root string) *pathResolver {
	return &pathResolver{root: root}
}

// isKeyChar reports whether r is one of the characters a sanitized key may
// contain: ASCII letters, digits, dot, underscore, dash.
func isKeyChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '.' || r == '_' || r == '-':
		return true
	default:
		return false
	}
}

// sanitize strips every character outside [A-Za-z0-9._-]. Two keys that
// differ only in stripped characters alias to the same directory; this is
// documented, intentional behavior, not a bug.
func sanitize(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		if isKeyChar(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// segments splits a sanitized key on '.', dropping empty segments produced
// by leading/trailing/doubled dots so callers never see a "" bucket name.
func segments(sanitized string) []string {
	parts := strings.Split(sanitized, ".")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// bucket returns the sanitized key's first segment, or "" if the key
// sanitizes to nothing.
func (p *pathResolver) bucket(key string) string {
	segs := segments(sanitize(key))
	if len(segs) == 0 {
		return ""
	}
	return segs[0]
}

// dataDir returns the directory that holds key's L2/L1 files, or "" if the
// key sanitizes to nothing (callers treat this as a no-op).
func (p *pathResolver) dataDir(key string) string {
	segs := segments(sanitize(key))
	if len(segs) == 0 {
		return ""
	}
	parts := append([]string{p.root}, segs...)
	return filepath.Join(parts...)
}

// bucketDir returns the directory that holds a bucket's lock files.
func (p *pathResolver) bucketDir(bucketName string) string {
	return filepath.Join(p.root, bucketName)
}
