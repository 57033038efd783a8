package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeApplier struct {
	mu      sync.Mutex
	applied map[string]uint64
	lastTS  map[string]int64
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{applied: map[string]uint64{}, lastTS: map[string]int64{}}
}

func (f *fakeApplier) ApplyAccess(ctx context.Context, memoryID string, deltaCount uint64, lastAccessed int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied[memoryID] += deltaCount
	if lastAccessed > f.lastTS[memoryID] {
		f.lastTS[memoryID] = lastAccessed
	}
	return nil
}

func (f *fakeApplier) get(id string) (uint64, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied[id], f.lastTS[id]
}

func TestBatchedFlushThreshold(t *testing.T) {
	applier := newFakeApplier()
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour // disable the ticker for this test
	cfg.FlushSizeThreshold = 3
	tr := New(cfg, applier, nil)
	defer tr.Shutdown()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := tr.RecordAccess(ctx, "m1", int64(1000+i)); err != nil {
			t.Fatalf("record access failed: %v", err)
		}
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if count, _ := applier.get("m1"); count >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	tr.Flush(ctx)

	count, lastTS := applier.get("m1")
	if count < 5 {
		t.Fatalf("expected access_count >= 5, got %d", count)
	}
	if lastTS != 1004 {
		t.Fatalf("expected last_accessed 1004, got %d", lastTS)
	}
}

func TestBlockingModeAppliesSynchronously(t *testing.T) {
	applier := newFakeApplier()
	cfg := DefaultConfig()
	cfg.Mode = ModeBlocking
	tr := New(cfg, applier, nil)
	defer tr.Shutdown()

	if err := tr.RecordAccess(context.Background(), "m1", 42); err != nil {
		t.Fatalf("record access failed: %v", err)
	}
	count, lastTS := applier.get("m1")
	if count != 1 || lastTS != 42 {
		t.Fatalf("expected immediate apply, got count=%d lastTS=%d", count, lastTS)
	}
}

func TestQueueOverflowFallsBackToAsync(t *testing.T) {
	applier := newFakeApplier()
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour
	cfg.QueueCapacity = 1
	tr := New(cfg, applier, nil)
	defer tr.Shutdown()

	ctx := context.Background()
	if err := tr.RecordAccess(ctx, "m1", 1); err != nil {
		t.Fatalf("record access failed: %v", err)
	}
	if err := tr.RecordAccess(ctx, "m2", 2); err != nil {
		t.Fatalf("record access for overflow entry failed: %v", err)
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if count, _ := applier.get("m2"); count >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if count, _ := applier.get("m2"); count < 1 {
		t.Fatal("expected overflowed entry to be applied directly")
	}
}
