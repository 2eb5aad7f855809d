package fscache

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

// seedL1 writes a raw stale-tier file directly, bypassing Publish, to set up
// pre-state the way a prior process run would have left it.
func seedL1(t *testing.T, c *Cache, key string, epoch int64, contents string) {
	t.Helper()
	dir := c.paths.dataDir(key)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	encoded, err := c.cfg.Codec.Encode([]byte(contents))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, l1Prefix+strconv.FormatInt(epoch, 10))
	if err := os.WriteFile(path, encoded, 0o640); err != nil {
		t.Fatal(err)
	}
}

// seedL2 writes a raw fresh-tier file directly, bypassing Publish.
func seedL2(t *testing.T, c *Cache, key string, epoch int64, contents string) {
	t.Helper()
	dir := c.paths.dataDir(key)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	encoded, err := c.cfg.Codec.Encode([]byte(contents))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, strconv.FormatInt(epoch, 10))
	if err := os.WriteFile(path, encoded, 0o640); err != nil {
		t.Fatal(err)
	}
}

// TestScenarioThunderingHerdOnStaleBucket mirrors S1: a stale-only key hit
// by a burst of concurrent Get calls should mostly serve the L1 backup,
// with at most a couple of rebuild-lock winners reporting a grace-window
// miss, and the whole burst should finish within a small multiple of the
// grace delay the winner sleeps for.
func TestScenarioThunderingHerdOnStaleBucket(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	seedL1(t, c, "herd", time.Now().Add(-5000*time.Second).Unix(), "STALE_DATA_L1")

	const n = 10
	results := make([]bool, n)
	values := make([][]byte, n)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, ok := c.Get(ctx, "herd")
			results[i] = ok
			values[i] = v
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	hits := 0
	for i, ok := range results {
		if ok {
			hits++
			if string(values[i]) != "STALE_DATA_L1" {
				t.Fatalf("Get %d returned %q, want STALE_DATA_L1", i, values[i])
			}
		}
	}
	if hits < 8 {
		t.Fatalf("hits = %d, want >= 8 of %d", hits, n)
	}
	if elapsed > 200*time.Millisecond {
		t.Fatalf("thundering herd took %v, want under 200ms", elapsed)
	}
}

// TestScenarioDeleteBlocksWrite mirrors S2: a held delete lock must prevent
// any L2 file from ever appearing for that key, and the blocked Set must
// return promptly rather than hanging for the full delete-lock timeout.
func TestScenarioDeleteBlocksWrite(t *testing.T) {
	c := newTestCache(t, WithLockTimeouts(10*time.Millisecond, 100*time.Millisecond, 3*time.Second))
	ctx := context.Background()

	held, ok := c.locks.AcquireDelete("blocked_key", time.Second)
	if !ok {
		t.Fatal("AcquireDelete failed")
	}
	go func() {
		time.Sleep(500 * time.Millisecond)
		held.Release()
	}()

	start := time.Now()
	c.Set(ctx, "blocked_key", []byte("x"))
	elapsed := time.Since(start)

	dir := c.paths.dataDir("blocked_key")
	if l2 := c.store.ListL2(dir); len(l2) != 0 {
		t.Fatalf("ListL2 while delete lock was held = %v, want empty", l2)
	}
	if elapsed > 400*time.Millisecond {
		t.Fatalf("Set blocked for %v while delete lock was held; the delete-lock probe should have aborted it quickly", elapsed)
	}
}

// TestScenarioSniperRace mirrors S3: a Set delayed mid-flight by
// TestModeLagSetInit must lose to a Delete that lands during the delay,
// leaving no L2 file and, if any L1 file exists, one written by the
// delete path rather than by the racing Set.
func TestScenarioSniperRace(t *testing.T) {
	c := newTestCache(t, WithTestMode(TestModeLagSetInit))
	ctx := context.Background()

	setDone := make(chan struct{})
	go func() {
		c.Set(ctx, "race_key", []byte("STALE"))
		close(setDone)
	}()

	time.Sleep(200 * time.Millisecond)
	c.Delete(ctx, "race_key")
	<-setDone

	dir := c.paths.dataDir("race_key")
	if l2 := c.store.ListL2(dir); len(l2) != 0 {
		t.Fatalf("ListL2 after sniper race = %v, want empty", l2)
	}
	for _, name := range c.store.ListL1(dir) {
		if value, ok := c.store.Read(dir, name); ok && string(value) == "STALE" {
			t.Fatalf("L1 entry %q holds the racing Set's payload, want only delete-path output", name)
		}
	}
}

// TestScenarioZombiePromotion mirrors S4: an expired L2 file survives GC as
// an L1 file carrying the same payload, rather than being deleted outright.
func TestScenarioZombiePromotion(t *testing.T) {
	c := newTestCache(t, WithTestMode(TestModeForceGC))
	epoch := time.Now().Add(-3600 * time.Second).Unix()
	seedL2(t, c, "gc_zombie_test", epoch, "I AM A ZOMBIE")

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dir := c.paths.dataDir("gc_zombie_test")
	if _, err := os.Stat(filepath.Join(dir, strconv.FormatInt(epoch, 10))); !os.IsNotExist(err) {
		t.Fatal("expired L2 file should be gone after GC")
	}
	value, ok := c.store.Read(dir, l1Prefix+strconv.FormatInt(epoch, 10))
	if !ok || string(value) != "I AM A ZOMBIE" {
		t.Fatalf("promoted zombie = (%q, %v), want (I AM A ZOMBIE, true)", value, ok)
	}
}

// TestScenarioWarmL2FanOut mirrors S5: a fresh L2 entry read by a burst of
// concurrent Get calls is served to every caller with no misses and no L1
// side effect.
func TestScenarioWarmL2FanOut(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	seedL2(t, c, "warm_l2", time.Now().Add(3600*time.Second).Unix(), "FRESH_L2_DATA")

	const n = 20
	var wg sync.WaitGroup
	results := make([]bool, n)
	values := make([][]byte, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, ok := c.Get(ctx, "warm_l2")
			results[i] = ok
			values[i] = v
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Fatalf("Get %d missed, want a hit for a fresh L2 entry", i)
		}
		if string(values[i]) != "FRESH_L2_DATA" {
			t.Fatalf("Get %d = %q, want FRESH_L2_DATA", i, values[i])
		}
	}
	if l1 := c.store.ListL1(c.paths.dataDir("warm_l2")); len(l1) != 0 {
		t.Fatalf("ListL1 after warm fan-out = %v, want no L1 file created", l1)
	}
}

// TestScenarioColdFanOut mirrors S6: concurrent Get calls against a
// never-populated key all report a miss and create no payload files.
func TestScenarioColdFanOut(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok := c.Get(ctx, "cold_single_key")
			results[i] = ok
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		if ok {
			t.Fatalf("Get %d hit on a never-populated key, want miss", i)
		}
	}
	dir := c.paths.dataDir("cold_single_key")
	if l2 := c.store.ListL2(dir); len(l2) != 0 {
		t.Fatalf("ListL2 after cold fan-out = %v, want no files created", l2)
	}
	if l1 := c.store.ListL1(dir); len(l1) != 0 {
		t.Fatalf("ListL1 after cold fan-out = %v, want no files created", l1)
	}
}
