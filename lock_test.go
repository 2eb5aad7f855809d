package fscache

import (
	"testing"
	"time"
)

func newTestBucketLock(t *testing.T) (*bucketLock, string) {
	t.Helper()
	root := t.TempDir()
	paths := newPathResolver(root)
	return newBucketLock(paths, discardLogger()), root
}

func TestAcquireDeleteExcludesSecondDelete(t *testing.T) {
	locks, _ := newTestBucketLock(t)

	del, ok := locks.AcquireDelete("bucket", time.Second)
	if !ok {
		t.Fatal("AcquireDelete failed")
	}
	defer del.Release()

	if _, ok := locks.AcquireDelete("bucket", 20*time.Millisecond); ok {
		t.Fatal("second AcquireDelete on same bucket should have timed out")
	}
}

func TestAcquireReleaseAllowsReacquire(t *testing.T) {
	locks, _ := newTestBucketLock(t)

	h, ok := locks.AcquireWrite("bucket", time.Second)
	if !ok {
		t.Fatal("AcquireWrite failed")
	}
	h.Release()

	h2, ok := locks.AcquireWrite("bucket", time.Second)
	if !ok {
		t.Fatal("AcquireWrite after release should succeed")
	}
	h2.Release()
}

func TestDifferentBucketsDoNotContend(t *testing.T) {
	locks, _ := newTestBucketLock(t)

	a, ok := locks.AcquireDelete("bucket-a", time.Second)
	if !ok {
		t.Fatal("AcquireDelete bucket-a failed")
	}
	defer a.Release()

	b, ok := locks.AcquireDelete("bucket-b", time.Second)
	if !ok {
		t.Fatal("AcquireDelete bucket-b should not be blocked by bucket-a")
	}
	defer b.Release()
}

func TestCheckDeleteReflectsHeldLock(t *testing.T) {
	locks, _ := newTestBucketLock(t)

	if !locks.CheckDelete("bucket") {
		t.Fatal("CheckDelete on untouched bucket should report safe")
	}

	del, ok := locks.AcquireDelete("bucket", time.Second)
	if !ok {
		t.Fatal("AcquireDelete failed")
	}
	if locks.CheckDelete("bucket") {
		t.Fatal("CheckDelete should report unsafe while delete lock is held")
	}
	del.Release()

	if !locks.CheckDelete("bucket") {
		t.Fatal("CheckDelete should report safe after release")
	}
}

func TestMarkInvalidationAdvancesToken(t *testing.T) {
	locks, _ := newTestBucketLock(t)

	before := locks.InvalidationToken("bucket")
	if before != 0 {
		t.Fatalf("InvalidationToken on untouched bucket = %d, want 0", before)
	}

	locks.MarkInvalidation("bucket")
	after := locks.InvalidationToken("bucket")
	if after == 0 {
		t.Fatal("InvalidationToken after MarkInvalidation should be nonzero")
	}

	time.Sleep(time.Millisecond)
	locks.MarkInvalidation("bucket")
	again := locks.InvalidationToken("bucket")
	if again == after {
		t.Fatal("second MarkInvalidation should advance the token")
	}
}

func TestAcquireOrderDeleteWriteRebuildAllSucceedTogether(t *testing.T) {
	locks, _ := newTestBucketLock(t)

	del, ok := locks.AcquireDelete("bucket", time.Second)
	if !ok {
		t.Fatal("AcquireDelete failed")
	}
	defer del.Release()

	write, ok := locks.AcquireWrite("bucket", time.Second)
	if !ok {
		t.Fatal("AcquireWrite failed while holding delete lock")
	}
	defer write.Release()

	rebuild, ok := locks.AcquireRebuild("bucket", time.Second)
	if !ok {
		t.Fatal("AcquireRebuild failed while holding delete+write locks")
	}
	defer rebuild.Release()
}
