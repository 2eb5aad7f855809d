// Package fscache implements a concurrent, filesystem-backed key/value cache
// intended as a drop-in replacement for a web application's native
// file-cache driver. It serves large key catalogs under heavy, multi-process
// read load from many independent OS processes sharing a directory tree,
// with no coordinating daemon: readers never block, writers detect
// invalidation races via a token, and deletions demote entries to a stale
// backup tier instead of destroying them outright.
package fscache

import (
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/fscache/pkg/fscodec"
)

// neverExpireSentinel is the on-disk-compatible magic default-TTL value that
// disables expiry entirely: Get skips the freshness filter and Close skips
// garbage collection. Preserved as the literal constant from the original
// driver's behavior; callers should prefer WithNeverExpire instead of
// reproducing this value themselves.
const neverExpireSentinel = 3601 * time.Second

// TestMode selects a deterministic behavior override used by the test suite
// and the concurrency-scenario harness to reproduce races that would
// otherwise be timing-dependent.
type TestMode int

const (
	// TestModeNone runs with production timing.
	TestModeNone TestMode = iota
	// TestModeLagSetInit injects a delay inside Set immediately after the
	// invalidation token is captured, widening the window in which a
	// concurrent Delete can race the write.
	TestModeLagSetInit
	// TestModeForceGC bypasses the GC hour window and interval gate so a
	// single Close call is guaranteed to run a collection pass.
	TestModeForceGC
)

// lagSetInitDelay is the sleep injected by TestModeLagSetInit.
const lagSetInitDelay = 3 * time.Second

// Config holds every tunable of the cache engine. Zero value is not usable
// directly; construct one with defaultConfig and Option functions, or via
// New, which does this for you.
type Config struct {
	// Root is the cache root directory. Required.
	Root string

	// DefaultTTL is used when Set is called without an explicit expiry.
	// The sentinel value neverExpireSentinel disables expiry entirely.
	DefaultTTL time.Duration

	// GCInterval is the minimum time between garbage-collection sweeps,
	// enforced across all processes via the gc-control file.
	GCInterval time.Duration
	// GCStartHour and GCEndHour define the inclusive local-hour window
	// during which a GC sweep is allowed to run.
	GCStartHour int
	GCEndHour   int

	// RebuildLockTimeout, WriteLockTimeout and DeleteLockTimeout bound how
	// long an acquire call retries before giving up.
	RebuildLockTimeout time.Duration
	WriteLockTimeout   time.Duration
	DeleteLockTimeout  time.Duration

	// GetGraceDelay is how long a successful rebuild-lock acquisition is
	// held during a Get miss, rate-limiting concurrent rebuilds.
	GetGraceDelay time.Duration

	// MaxStaleFiles is the number of L2 files tolerated in a key directory:
	// when at least this many exist, Set prunes the oldest down to
	// MaxStaleFiles-1 before publishing, so at most MaxStaleFiles remain.
	MaxStaleFiles int

	// DirPruneThreshold is the bucket entry count above which GC may remove
	// emptied non-bucket subdirectories.
	DirPruneThreshold int

	// TestMode selects a deterministic timing override for tests.
	TestMode TestMode

	// Codec encodes and decodes payload bytes on their way to and from
	// disk. Defaults to fscodec.JSON() (no compression).
	Codec fscodec.Codec

	// Logger receives structured log records for swallowed I/O errors and
	// lock-timeout warnings. Defaults to a discard logger.
	Logger *slog.Logger
}

// Option configures a Config.
type Option func(*Config)

// WithRoot sets the cache root directory.
func WithRoot(dir string) Option {
	return func(c *Config) { c.Root = dir }
}

// WithDefaultTTL sets the TTL applied to Set calls with no explicit expiry.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Config) { c.DefaultTTL = d }
}

// WithNeverExpire disables expiry entirely: Get never filters L2 entries by
// age and Close never runs garbage collection. Equivalent to setting
// DefaultTTL to the driver's on-disk sentinel value.
func WithNeverExpire() Option {
	return func(c *Config) { c.DefaultTTL = neverExpireSentinel }
}

// WithGCInterval sets the minimum time between GC sweeps.
func WithGCInterval(d time.Duration) Option {
	return func(c *Config) { c.GCInterval = d }
}

// WithGCWindow sets the inclusive local-hour window during which GC may run.
func WithGCWindow(startHour, endHour int) Option {
	return func(c *Config) {
		c.GCStartHour = startHour
		c.GCEndHour = endHour
	}
}

// WithLockTimeouts overrides the rebuild, write and delete lock acquisition
// timeouts.
func WithLockTimeouts(rebuild, write, del time.Duration) Option {
	return func(c *Config) {
		c.RebuildLockTimeout = rebuild
		c.WriteLockTimeout = write
		c.DeleteLockTimeout = del
	}
}

// WithGetGraceDelay overrides the rebuild-lock hold time used to rate-limit
// concurrent rebuilds on a Get miss.
func WithGetGraceDelay(d time.Duration) Option {
	return func(c *Config) { c.GetGraceDelay = d }
}

// WithMaxStaleFiles overrides how many L2 files Set tolerates before pruning.
func WithMaxStaleFiles(n int) Option {
	return func(c *Config) { c.MaxStaleFiles = n }
}

// WithDirPruneThreshold overrides the bucket size above which GC may remove
// emptied subdirectories.
func WithDirPruneThreshold(n int) Option {
	return func(c *Config) { c.DirPruneThreshold = n }
}

// WithTestMode selects a deterministic timing override for tests.
func WithTestMode(m TestMode) Option {
	return func(c *Config) { c.TestMode = m }
}

// WithCodec selects the payload codec used to encode values on disk.
func WithCodec(codec fscodec.Codec) Option {
	return func(c *Config) { c.Codec = codec }
}

// WithLogger sets the structured logger used for swallowed I/O errors and
// lock-timeout warnings. A nil logger is treated as a discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger == nil {
			logger = discardLogger()
		}
		c.Logger = logger
	}
}

// defaultConfig returns the documented defaults from the on-disk
// compatibility contract.
func defaultConfig() *Config {
	return &Config{
		DefaultTTL:         time.Hour,
		GCInterval:         12 * time.Hour,
		GCStartHour:        0,
		GCEndHour:          6,
		RebuildLockTimeout: 10 * time.Millisecond,
		WriteLockTimeout:   100 * time.Millisecond,
		DeleteLockTimeout:  60 * time.Second,
		GetGraceDelay:      20 * time.Millisecond,
		MaxStaleFiles:      1,
		DirPruneThreshold:  15000,
		TestMode:           TestModeNone,
		Codec:              fscodec.JSON(),
		Logger:             discardLogger(),
	}
}

// neverExpires reports whether expiry is globally disabled for this config.
func (c *Config) neverExpires() bool {
	return c.DefaultTTL == neverExpireSentinel
}
