package versioning

import (
	"context"
	"fmt"
	"testing"

	"github.com/blakebarnett/locai/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteBackend {
	t.Helper()
	be, err := store.NewSQLiteBackend(0)
	if err != nil {
		t.Fatalf("failed to open backend: %v", err)
	}
	t.Cleanup(func() { _ = be.Close() })
	return be
}

func TestCreateVersionFirstIsFull(t *testing.T) {
	ctx := context.Background()
	be := newTestStore(t)
	v := New(be, DefaultConfig())

	mv, err := v.CreateVersion(ctx, "memory:m1", "hello world", nil, 1000)
	if err != nil {
		t.Fatalf("CreateVersion failed: %v", err)
	}
	if !mv.Content.IsFull {
		t.Fatalf("expected first version to be Full")
	}
}

func TestReconstructWalksDeltaChainToFull(t *testing.T) {
	ctx := context.Background()
	be := newTestStore(t)
	cfg := DefaultConfig()
	cfg.FullVersionWindow = 1 // force every subsequent version to be Delta
	v := New(be, cfg)

	first, err := v.CreateVersion(ctx, "memory:m1", "line one\nline two\n", nil, 1000)
	if err != nil {
		t.Fatalf("CreateVersion 1 failed: %v", err)
	}
	_ = first

	second, err := v.CreateVersion(ctx, "memory:m1", "line one\nline two\nline three\n", nil, 2000)
	if err != nil {
		t.Fatalf("CreateVersion 2 failed: %v", err)
	}
	if second.Content.IsFull {
		t.Fatalf("expected second version to be a Delta against the Full base")
	}

	reconstructed, err := v.Reconstruct(ctx, second.VersionID)
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	if reconstructed != "line one\nline two\nline three\n" {
		t.Fatalf("reconstructed content mismatch: %q", reconstructed)
	}
}

func TestGetAtTimeReturnsVersionBeforeTimestamp(t *testing.T) {
	ctx := context.Background()
	be := newTestStore(t)
	v := New(be, DefaultConfig())

	first, err := v.CreateVersion(ctx, "memory:m1", "v1", nil, 1000)
	if err != nil {
		t.Fatalf("CreateVersion 1 failed: %v", err)
	}
	if _, err := v.CreateVersion(ctx, "memory:m1", "v2", nil, 2000); err != nil {
		t.Fatalf("CreateVersion 2 failed: %v", err)
	}

	at, _, err := v.GetAtTime(ctx, "memory:m1", 1500)
	if err != nil {
		t.Fatalf("GetAtTime failed: %v", err)
	}
	if at.VersionID != first.VersionID {
		t.Fatalf("expected version %s at t=1500, got %s", first.VersionID, at.VersionID)
	}
}

func TestShouldPromoteOnExplicitRequest(t *testing.T) {
	v := New(newTestStore(t), DefaultConfig())
	if !v.ShouldPromote(1, "memory:m1", 1, true) {
		t.Fatalf("explicit promotion request should always promote")
	}
}

func TestShouldPromoteOnChainLength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDeltaChainLength = 3
	v := New(newTestStore(t), cfg)
	if !v.ShouldPromote(4, "memory:m1", 1, false) {
		t.Fatalf("chain length exceeding max should trigger promotion")
	}
	if v.ShouldPromote(2, "memory:m1", 1, false) {
		t.Fatalf("chain length under max should not trigger promotion")
	}
}

func TestCompressRoundTripsThroughReconstruct(t *testing.T) {
	ctx := context.Background()
	be := newTestStore(t)
	v := New(be, DefaultConfig())

	mv, err := v.CreateVersion(ctx, "memory:m1", "some old content", nil, 1000)
	if err != nil {
		t.Fatalf("CreateVersion failed: %v", err)
	}

	// Threshold of 0 days means "now" always exceeds it.
	cfgZero := DefaultConfig()
	cfgZero.CompressionThresholdDays = 0
	vz := New(be, cfgZero)
	n, err := vz.Compress(ctx, "memory:m1", 1000)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 version compressed, got %d", n)
	}

	content, err := vz.Reconstruct(ctx, mv.VersionID)
	if err != nil {
		t.Fatalf("Reconstruct after compress failed: %v", err)
	}
	if content != "some old content" {
		t.Fatalf("reconstructed content after compression mismatch: %q", content)
	}
}

// §4.7: the last FullVersionWindow versions are kept Full; older versions
// are converted to Delta rather than accumulating as Full forever.
func TestCreateVersionDemotesFullsOutsideTheWindow(t *testing.T) {
	ctx := context.Background()
	be := newTestStore(t)
	cfg := DefaultConfig()
	cfg.FullVersionWindow = 2
	v := New(be, cfg)

	var versions []*modelVersionRef
	for i := 1; i <= 6; i++ {
		mv, err := v.CreateVersion(ctx, "memory:m1", versionContent(i), nil, int64(i*1000))
		if err != nil {
			t.Fatalf("CreateVersion %d failed: %v", i, err)
		}
		versions = append(versions, &modelVersionRef{id: mv.VersionID, content: versionContent(i)})
	}

	rows, err := be.ListVersions(ctx, "memory:m1")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}

	fullCount := 0
	for _, r := range rows {
		if r.IsFull {
			fullCount++
		}
	}
	if fullCount > cfg.FullVersionWindow {
		t.Fatalf("expected at most %d Full versions, got %d", cfg.FullVersionWindow, fullCount)
	}

	oldest := versions[0]
	reconstructed, err := v.Reconstruct(ctx, oldest.id)
	if err != nil {
		t.Fatalf("Reconstruct(oldest) failed: %v", err)
	}
	if reconstructed != oldest.content {
		t.Fatalf("expected oldest version content %q after demotion, got %q", oldest.content, reconstructed)
	}
}

type modelVersionRef struct {
	id      string
	content string
}

func versionContent(i int) string {
	return fmt.Sprintf("v%d", i)
}

func TestValidateDetectsDanglingBase(t *testing.T) {
	ctx := context.Background()
	be := newTestStore(t)
	v := New(be, DefaultConfig())

	if err := be.PutVersion(ctx, &store.MemoryVersionRow{
		VersionID:     "ver:orphan",
		MemoryID:      "memory:m1",
		CreatedAt:     1000,
		IsFull:        false,
		BaseVersionID: "ver:does-not-exist",
		HunksJSON:     "[]",
	}); err != nil {
		t.Fatalf("PutVersion failed: %v", err)
	}

	report, err := v.Validate(ctx, "memory:m1")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(report.DanglingBases) != 1 {
		t.Fatalf("expected 1 dangling base, got %d: %v", len(report.DanglingBases), report.DanglingBases)
	}
}
