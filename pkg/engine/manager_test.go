package engine

import (
	"context"
	"testing"
	"time"

	"github.com/blakebarnett/locai/internal/store"
	"github.com/blakebarnett/locai/pkg/batch"
	"github.com/blakebarnett/locai/pkg/model"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	backend, err := store.NewSQLiteBackend(0)
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	m, err := New(backend, Config{}, nil)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestCreateAndGetMemory(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	mem, err := m.CreateMemory(ctx, CreateMemoryRequest{
		Content: "quantum computing basics", MemoryType: model.MemoryType{Kind: model.MemoryTypeFact},
	})
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}

	got, err := m.GetMemory(ctx, mem.ID)
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got.Content != mem.Content {
		t.Fatalf("content mismatch: got %q want %q", got.Content, mem.Content)
	}
	// Lifecycle tracking defaults to batched mode: the first read's access is
	// stored when the queue is flushed, and a later read returns it.
	m.lifecycle.Flush(ctx)
	got, err = m.GetMemory(ctx, mem.ID)
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got.AccessCount != 1 {
		t.Fatalf("expected access count 1 after one read, got %d", got.AccessCount)
	}
}

// S1: BM25 ranking across a small corpus.
func TestSearchWithScoringRanksByRelevance(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	mustCreate := func(content string) string {
		mem, err := m.CreateMemory(ctx, CreateMemoryRequest{Content: content, MemoryType: model.MemoryType{Kind: model.MemoryTypeFact}})
		if err != nil {
			t.Fatalf("CreateMemory failed: %v", err)
		}
		return mem.ID
	}
	a := mustCreate("quantum computing basics")
	_ = mustCreate("classical computing")
	c := mustCreate("quantum entanglement")

	results, err := m.SearchWithScoring(ctx, "quantum", nil, 10, store.ListFilter{}, nil)
	if err != nil {
		t.Fatalf("SearchWithScoring failed: %v", err)
	}
	if len(results) < 2 {
		t.Fatalf("expected at least 2 matches, got %d", len(results))
	}
	if results[0].ID != a {
		t.Fatalf("expected %s to rank first, got %s", a, results[0].ID)
	}
	found := false
	for _, r := range results {
		if r.ID == c {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s to be present in results", c)
	}
}

// S3: symmetric relationship type materializes both directions and is
// queryable from either endpoint.
func TestSymmetricRelationshipIsBidirectional(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.CreateEntity(ctx, "person", "Alice", nil)
	if err != nil {
		t.Fatalf("CreateEntity a failed: %v", err)
	}
	b, err := m.CreateEntity(ctx, "person", "Bob", nil)
	if err != nil {
		t.Fatalf("CreateEntity b failed: %v", err)
	}

	if err := m.RegisterRelationshipType(model.RelationshipTypeDef{Name: "best_friends", Symmetric: true}); err != nil {
		t.Fatalf("RegisterRelationshipType failed: %v", err)
	}

	if _, err := m.CreateRelationship(ctx, a.ID, b.ID, "best_friends", nil, EnforceConstraints); err != nil {
		t.Fatalf("CreateRelationship failed: %v", err)
	}

	fromA, err := m.Related(ctx, a.ID, "best_friends")
	if err != nil {
		t.Fatalf("Related(a) failed: %v", err)
	}
	if len(fromA) != 1 || fromA[0] != b.ID {
		t.Fatalf("expected related(a) == [b], got %v", fromA)
	}

	fromB, err := m.Related(ctx, b.ID, "best_friends")
	if err != nil {
		t.Fatalf("Related(b) failed: %v", err)
	}
	if len(fromB) != 1 || fromB[0] != a.ID {
		t.Fatalf("expected related(b) == [a], got %v", fromB)
	}
}

// §4.3 last bullet: an unregistered relationship type is rejected by
// default, but a caller that opts into Permissive mode can still create
// it, with the usage still counted in the registry's metrics.
func TestCreateRelationshipRejectsUnknownTypeByDefault(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.CreateEntity(ctx, "person", "Alice", nil)
	if err != nil {
		t.Fatalf("CreateEntity a failed: %v", err)
	}
	b, err := m.CreateEntity(ctx, "person", "Bob", nil)
	if err != nil {
		t.Fatalf("CreateEntity b failed: %v", err)
	}

	if _, err := m.CreateRelationship(ctx, a.ID, b.ID, "unregistered_type", nil, EnforceConstraints); err == nil {
		t.Fatal("expected an unregistered relationship type to be rejected by default")
	}

	if _, err := m.CreateRelationship(ctx, a.ID, b.ID, "unregistered_type", nil, Permissive); err != nil {
		t.Fatalf("expected permissive mode to allow an unregistered type, got %v", err)
	}
	metrics, ok := m.RelationshipTypeMetrics("unregistered_type")
	if !ok || metrics.Creations != 1 {
		t.Fatalf("expected the permissive create to still be recorded in metrics, got %+v (ok=%v)", metrics, ok)
	}
}

// S4: time travel across three versions of the same memory.
func TestVersionTimeTravel(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	mem, err := m.CreateMemory(ctx, CreateMemoryRequest{Content: "v1", MemoryType: model.MemoryType{Kind: model.MemoryTypeFact}})
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}
	t0 := time.Now().UnixMilli()

	time.Sleep(2 * time.Millisecond)
	two := "v2"
	if _, err := m.UpdateMemory(ctx, mem.ID, UpdateMemoryRequest{Content: &two}); err != nil {
		t.Fatalf("update to v2 failed: %v", err)
	}
	t1 := time.Now().UnixMilli()

	time.Sleep(2 * time.Millisecond)
	three := "v3"
	if _, err := m.UpdateMemory(ctx, mem.ID, UpdateMemoryRequest{Content: &three}); err != nil {
		t.Fatalf("update to v3 failed: %v", err)
	}
	t2 := time.Now().UnixMilli()

	atT0, _, err := m.GetMemoryAtTime(ctx, mem.ID, t0)
	if err != nil {
		t.Fatalf("GetMemoryAtTime(t0) failed: %v", err)
	}
	content, err := m.GetMemoryVersion(ctx, atT0.VersionID)
	if err != nil {
		t.Fatalf("GetMemoryVersion(t0) failed: %v", err)
	}
	if content != "v1" {
		t.Fatalf("expected v1 at t0, got %q", content)
	}

	atT1, _, err := m.GetMemoryAtTime(ctx, mem.ID, t1)
	if err != nil {
		t.Fatalf("GetMemoryAtTime(t1) failed: %v", err)
	}
	content, err = m.GetMemoryVersion(ctx, atT1.VersionID)
	if err != nil {
		t.Fatalf("GetMemoryVersion(t1) failed: %v", err)
	}
	if content != "v2" {
		t.Fatalf("expected v2 at t1, got %q", content)
	}

	atT2, _, err := m.GetMemoryAtTime(ctx, mem.ID, t2+3_600_000)
	if err != nil {
		t.Fatalf("GetMemoryAtTime(t2+1h) failed: %v", err)
	}
	content, err = m.GetMemoryVersion(ctx, atT2.VersionID)
	if err != nil {
		t.Fatalf("GetMemoryVersion(t2) failed: %v", err)
	}
	if content != "v3" {
		t.Fatalf("expected v3 at t2+1h, got %q", content)
	}
}

// S6: a before_deleted hook vetoing deletion of a protected memory.
func TestHookVetoPreventsDeletion(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	mem, err := m.CreateMemory(ctx, CreateMemoryRequest{
		Content: "protected secret", MemoryType: model.MemoryType{Kind: model.MemoryTypeFact}, Tags: []string{"protected"},
	})
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}

	m.RegisterHook(model.HookRegistration{
		ID: "guard", Events: []model.HookEvent{model.EventBeforeDeleted}, CanVeto: true,
		Implementation: model.HookImplementation{Callback: func(ctx context.Context, evt model.Event) (bool, error) {
			tags, _ := evt.Before["tags"].([]any)
			for _, tg := range tags {
				if tg == "protected" {
					return true, nil
				}
			}
			return false, nil
		}},
	})

	err = m.DeleteMemory(ctx, mem.ID)
	if err == nil {
		t.Fatal("expected deletion to be vetoed")
	}

	got, err := m.GetMemory(ctx, mem.ID)
	if err != nil {
		t.Fatalf("expected memory to still exist after veto, GetMemory failed: %v", err)
	}
	if got.ID != mem.ID {
		t.Fatalf("expected to retrieve the same memory after veto")
	}
}

// S5: a transactional batch rolls back entirely on the first failure.
func TestTransactionalBatchRollsBackOnFirstFailure(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	ops := []batch.Operation{
		{Kind: batch.OpCreateMemory, Memory: &store.MemoryRow{ID: "memory:x", Content: "x", CreatedAt: now, UpdatedAt: now}},
		{Kind: batch.OpUpdateMetadata, MemoryID: "memory:ghost", MetadataPatch: map[string]any{"a": 1}},
		{Kind: batch.OpCreateMemory, Memory: &store.MemoryRow{ID: "memory:z", Content: "z", CreatedAt: now, UpdatedAt: now}},
	}

	result, err := m.ExecuteBatch(ctx, ops, batch.ModeTransactional)
	if err == nil {
		t.Fatal("expected the batch to fail and roll back")
	}
	if !result.Aborted {
		t.Fatal("expected result.Aborted to be true")
	}

	if _, err := m.GetMemory(ctx, "memory:x"); err == nil {
		t.Fatal("expected memory:x to have been rolled back")
	}
	if _, err := m.GetMemory(ctx, "memory:z"); err == nil {
		t.Fatal("expected memory:z to have been rolled back")
	}
}

func TestSnapshotRestoreOverwriteRoundTrips(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	mem, err := m.CreateMemory(ctx, CreateMemoryRequest{Content: "original", MemoryType: model.MemoryType{Kind: model.MemoryTypeFact}})
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}

	snap, err := m.CreateSnapshot(ctx, []string{mem.ID}, nil)
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}

	mutated := "mutated"
	if _, err := m.UpdateMemory(ctx, mem.ID, UpdateMemoryRequest{Content: &mutated}); err != nil {
		t.Fatalf("UpdateMemory failed: %v", err)
	}

	if _, err := m.RestoreSnapshot(ctx, snap.SnapshotID, RestoreOverwrite); err != nil {
		t.Fatalf("RestoreSnapshot failed: %v", err)
	}

	restored, err := m.GetMemory(ctx, mem.ID)
	if err != nil {
		t.Fatalf("GetMemory after restore failed: %v", err)
	}
	if restored.Content != "original" {
		t.Fatalf("expected content to be restored to 'original', got %q", restored.Content)
	}
}

func TestRelationshipTypeRegistryEnforcesNameShape(t *testing.T) {
	m := newTestManager(t)
	err := m.RegisterRelationshipType(model.RelationshipTypeDef{Name: "Not-Valid"})
	if err == nil {
		t.Fatal("expected an error registering an invalid type name")
	}
}
