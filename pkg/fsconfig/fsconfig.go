// Package fsconfig loads fscache tuning parameters from a YAML/TOML/JSON
// file via Viper (environment variables are not read), for operators who keep this
// cache's settings alongside the rest of their service's configuration
// instead of wiring functional options in code. It optionally watches the
// backing file and pushes live updates of the GC window and lock timeouts
// through a callback, since those are safe to change without restarting
// the process (the lock hierarchy and on-disk layout are not affected by
// them).
package fsconfig

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/codeGROOVE-dev/fscache"
	"github.com/codeGROOVE-dev/fscache/pkg/fscodec"
)

// Duration unmarshals either a Go duration string ("30s", "5m") or a bare
// integer number of seconds, matching the flexible style operators expect
// from hand-edited config files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler so Viper/mapstructure
// can decode either representation.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	return fmt.Errorf("fsconfig: invalid duration %q", raw)
}

// Value returns d as a time.Duration.
func (d Duration) Value() time.Duration { return time.Duration(d) }

// Config mirrors fscache.Config's fields in a form Viper can unmarshal into
// directly (mapstructure tags, a Duration type with UnmarshalText, a bare
// Codec name string), then converts via Options into the real fscache.Option
// slice New consumes.
type Config struct {
	Root               string   `mapstructure:"root"`
	DefaultTTL         Duration `mapstructure:"default_ttl"`
	GCInterval         Duration `mapstructure:"gc_interval"`
	GCStartHour        int      `mapstructure:"gc_start_hour"`
	GCEndHour          int      `mapstructure:"gc_end_hour"`
	RebuildLockTimeout Duration `mapstructure:"rebuild_lock_timeout"`
	WriteLockTimeout   Duration `mapstructure:"write_lock_timeout"`
	DeleteLockTimeout  Duration `mapstructure:"delete_lock_timeout"`
	GetGraceDelay      Duration `mapstructure:"get_grace_delay"`
	MaxStaleFiles      int      `mapstructure:"max_stale_files"`
	DirPruneThreshold  int      `mapstructure:"dir_prune_threshold"`
	Codec              string   `mapstructure:"codec"`
}

// Options converts c into the fscache.Option slice fscache.New consumes,
// resolving the Codec name via fscodec.ByName. An unrecognized codec name
// fails here rather than silently falling back to JSON.
func (c *Config) Options() ([]fscache.Option, error) {
	codec, err := fscodec.ByName(c.Codec)
	if err != nil {
		return nil, fmt.Errorf("fsconfig: %w", err)
	}
	return []fscache.Option{
		fscache.WithRoot(c.Root),
		fscache.WithDefaultTTL(c.DefaultTTL.Value()),
		fscache.WithGCInterval(c.GCInterval.Value()),
		fscache.WithGCWindow(c.GCStartHour, c.GCEndHour),
		fscache.WithLockTimeouts(c.RebuildLockTimeout.Value(), c.WriteLockTimeout.Value(), c.DeleteLockTimeout.Value()),
		fscache.WithGetGraceDelay(c.GetGraceDelay.Value()),
		fscache.WithMaxStaleFiles(c.MaxStaleFiles),
		fscache.WithDirPruneThreshold(c.DirPruneThreshold),
		fscache.WithCodec(codec),
	}, nil
}

// New loads path and constructs an fscache.Cache directly from it, the
// one-call path for operators who keep every setting in the config file
// and never need the functional-options form at all.
func New(path string) (*fscache.Cache, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	return fscache.New(opts...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_ttl", "1h")
	v.SetDefault("gc_interval", "12h")
	v.SetDefault("gc_start_hour", 0)
	v.SetDefault("gc_end_hour", 6)
	v.SetDefault("rebuild_lock_timeout", "10ms")
	v.SetDefault("write_lock_timeout", "100ms")
	v.SetDefault("delete_lock_timeout", "60s")
	v.SetDefault("get_grace_delay", "20ms")
	v.SetDefault("max_stale_files", 1)
	v.SetDefault("dir_prune_threshold", 15000)
	v.SetDefault("codec", "json")
}

// Load reads path (YAML, TOML or JSON, detected by extension) and returns
// the decoded Config with defaults applied for every field the file
// omits.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("fsconfig: read config: %w", err)
	}

	var s Config
	// A bare YAML/TOML integer reaches the decoder as a number, not text, so
	// it is converted to whole seconds here instead of via UnmarshalText.
	var integerSecondsHook mapstructure.DecodeHookFuncType = func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(Duration(0)) {
			return data, nil
		}
		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return Duration(time.Duration(reflect.ValueOf(data).Int()) * time.Second), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return Duration(time.Duration(reflect.ValueOf(data).Uint()) * time.Second), nil
		}
		return data, nil
	}
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		integerSecondsHook,
	)
	if err := v.Unmarshal(&s, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("fsconfig: unmarshal config: %w", err)
	}
	if s.Root == "" {
		return nil, fmt.Errorf("fsconfig: %q must set root", path)
	}
	return &s, nil
}

// Watch reads path once via Load, then invokes onChange every time the
// backing file is rewritten. onChange receives the freshly reloaded Config;
// a reload that fails to parse is logged nowhere by this package (callers
// own their own logger) and simply skipped, leaving the previous Config in
// effect. The returned stop function closes the underlying fsnotify.Watcher
// and must be called to avoid leaking its goroutine.
//
// Viper's own WatchConfig exposes no way to stop watching once started, so
// this watches the config file's directory directly with fsnotify (the same
// dependency Viper uses internally), the way editors' atomic
// write-then-rename saves require: a bare watch on the file itself misses
// the replacement, since the original inode is gone after the rename.
func Watch(path string, onChange func(*Config)) (stop func(), err error) {
	initial, err := Load(path)
	if err != nil {
		return nil, err
	}
	onChange(initial)

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("fsconfig: resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsconfig: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("fsconfig: watch config directory: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				reloaded, loadErr := Load(path)
				if loadErr != nil {
					continue
				}
				onChange(reloaded)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	var closeOnce sync.Once
	return func() { closeOnce.Do(func() { _ = watcher.Close() }) }, nil
}
