package fsconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fscache.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "root: /var/cache/app\n")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Root != "/var/cache/app" {
		t.Fatalf("Root = %q, want /var/cache/app", s.Root)
	}
	if s.DefaultTTL.Value() != time.Hour {
		t.Fatalf("DefaultTTL = %v, want 1h", s.DefaultTTL.Value())
	}
	if s.GCStartHour != 0 || s.GCEndHour != 6 {
		t.Fatalf("GC window = [%d,%d], want [0,6]", s.GCStartHour, s.GCEndHour)
	}
	if s.MaxStaleFiles != 1 {
		t.Fatalf("MaxStaleFiles = %d, want 1", s.MaxStaleFiles)
	}
}

func TestLoadOverridesDefaultsAndParsesBareSeconds(t *testing.T) {
	path := writeTempConfig(t, `
root: /tmp/mycache
default_ttl: 300
gc_interval: 30m
gc_start_hour: 2
gc_end_hour: 4
max_stale_files: 3
codec: zstd
`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.DefaultTTL.Value() != 300*time.Second {
		t.Fatalf("DefaultTTL = %v, want 300s", s.DefaultTTL.Value())
	}
	if s.GCInterval.Value() != 30*time.Minute {
		t.Fatalf("GCInterval = %v, want 30m", s.GCInterval.Value())
	}
	if s.MaxStaleFiles != 3 {
		t.Fatalf("MaxStaleFiles = %d, want 3", s.MaxStaleFiles)
	}
	if s.Codec != "zstd" {
		t.Fatalf("Codec = %q, want zstd", s.Codec)
	}
}

func TestOptionsBuildsAWorkingCache(t *testing.T) {
	root := t.TempDir()
	path := writeTempConfig(t, "root: "+root+"\ncodec: s2\nmax_stale_files: 2\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	c, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	c.Set(ctx, "product.1", []byte("widget"))
	value, ok := c.Get(ctx, "product.1")
	if !ok || string(value) != "widget" {
		t.Fatalf("Get after New(path) = (%q, %v), want (widget, true)", value, ok)
	}

	opts, err := cfg.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	if len(opts) == 0 {
		t.Fatal("Options returned no fscache.Option values")
	}
}

func TestOptionsRejectsUnknownCodec(t *testing.T) {
	path := writeTempConfig(t, "root: /tmp/mycache\ncodec: brotli\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := cfg.Options(); err == nil {
		t.Fatal("Options: want error for unrecognized codec, got nil")
	}
}

func TestLoadRejectsMissingRoot(t *testing.T) {
	path := writeTempConfig(t, "default_ttl: 1h\n")

	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for missing root, got nil")
	}
}

func TestLoadRejectsUnparsableFile(t *testing.T) {
	path := writeTempConfig(t, "root: [this is not valid yaml\n")

	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for malformed config, got nil")
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"5m", 5 * time.Minute},
		{"45", 45 * time.Second},
		{"", 0},
	}
	for _, tc := range cases {
		var d Duration
		if err := d.UnmarshalText([]byte(tc.in)); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", tc.in, err)
		}
		if d.Value() != tc.want {
			t.Fatalf("UnmarshalText(%q) = %v, want %v", tc.in, d.Value(), tc.want)
		}
	}
}

func TestDurationUnmarshalTextRejectsGarbage(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Fatal("UnmarshalText: want error for garbage input, got nil")
	}
}

func TestWatchInvokesCallbackOnLoad(t *testing.T) {
	path := writeTempConfig(t, "root: /tmp/watched\n")

	seen := make(chan *Config, 1)
	stop, err := Watch(path, func(s *Config) { seen <- s })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	select {
	case s := <-seen:
		if s.Root != "/tmp/watched" {
			t.Fatalf("Root = %q, want /tmp/watched", s.Root)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch: initial callback never fired")
	}
}

func TestWatchReloadsOnFileRewrite(t *testing.T) {
	path := writeTempConfig(t, "root: /tmp/watched\ngc_start_hour: 1\n")

	seen := make(chan *Config, 4)
	stop, err := Watch(path, func(s *Config) { seen <- s })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch: initial callback never fired")
	}

	if err := os.WriteFile(path, []byte("root: /tmp/watched\ngc_start_hour: 9\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	for {
		select {
		case s := <-seen:
			if s.GCStartHour == 9 {
				return
			}
		case <-time.After(3 * time.Second):
			t.Fatal("Watch: reload after file rewrite never observed")
		}
	}
}

func TestWatchStopClosesWatcher(t *testing.T) {
	path := writeTempConfig(t, "root: /tmp/watched\n")

	stop, err := Watch(path, func(*Config) {})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	stop()
	stop() // must not panic on a second call
}
