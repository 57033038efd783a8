package batch

import (
	"context"
	"testing"

	"github.com/blakebarnett/locai/internal/store"
	"github.com/blakebarnett/locai/pkg/engineerr"
)

func newTestBackend(t *testing.T) *store.SQLiteBackend {
	t.Helper()
	be, err := store.NewSQLiteBackend(0)
	if err != nil {
		t.Fatalf("failed to open backend: %v", err)
	}
	t.Cleanup(func() { _ = be.Close() })
	return be
}

func TestSequentialBatchAppliesIndependently(t *testing.T) {
	be := newTestBackend(t)
	ex := New(be, DefaultConfig())

	ops := []Operation{
		{Kind: OpCreateMemory, Memory: &store.MemoryRow{ID: "memory:a", Content: "a", MemoryType: "fact"}},
		{Kind: OpDeleteMemory, MemoryID: "memory:does-not-exist"},
		{Kind: OpCreateMemory, Memory: &store.MemoryRow{ID: "memory:b", Content: "b", MemoryType: "fact"}},
	}

	result, err := ex.Execute(context.Background(), ops, ModeSequential)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(result.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(result.Results))
	}
	if result.Results[0].Err != nil || result.Results[2].Err != nil {
		t.Fatalf("expected successful creates, got errs: %v, %v", result.Results[0].Err, result.Results[2].Err)
	}

	count, err := be.CountMemories(context.Background())
	if err != nil {
		t.Fatalf("CountMemories failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 memories created despite one failing op, got %d", count)
	}
}

func TestTransactionalBatchRollsBackOnFirstFailure(t *testing.T) {
	be := newTestBackend(t)
	ex := New(be, DefaultConfig())

	ops := []Operation{
		{Kind: OpCreateMemory, Memory: &store.MemoryRow{ID: "memory:a", Content: "a", MemoryType: "fact"}},
		{Kind: OpDeleteMemory, MemoryID: "memory:does-not-exist"}, // DeleteMemory does not error on missing row
		{Kind: OpUpdateMetadata, MemoryID: "memory:ghost", MetadataPatch: map[string]any{"k": "v"}},
	}

	result, err := ex.Execute(context.Background(), ops, ModeTransactional)
	if err == nil {
		t.Fatalf("expected transactional batch to fail on missing memory")
	}
	if !result.Aborted {
		t.Fatalf("expected Aborted=true on failure")
	}

	count, err := be.CountMemories(context.Background())
	if err != nil {
		t.Fatalf("CountMemories failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback to leave no memories, got %d", count)
	}
}

func TestBatchTooLargeRejected(t *testing.T) {
	be := newTestBackend(t)
	ex := New(be, Config{MaxOperations: 2})

	ops := []Operation{
		{Kind: OpCreateMemory, Memory: &store.MemoryRow{ID: "memory:a"}},
		{Kind: OpCreateMemory, Memory: &store.MemoryRow{ID: "memory:b"}},
		{Kind: OpCreateMemory, Memory: &store.MemoryRow{ID: "memory:c"}},
	}

	_, err := ex.Execute(context.Background(), ops, ModeSequential)
	if !engineerr.Is(err, engineerr.BatchTooLarge) {
		t.Fatalf("expected BatchTooLarge, got %v", err)
	}
}

func TestUpdateMetadataMergesIntoExistingProperties(t *testing.T) {
	be := newTestBackend(t)
	ctx := context.Background()
	if err := be.UpsertMemory(ctx, &store.MemoryRow{
		ID: "memory:a", Content: "a", MemoryType: "fact", PropertiesJSON: `{"x":1}`,
	}); err != nil {
		t.Fatalf("UpsertMemory setup failed: %v", err)
	}

	ex := New(be, DefaultConfig())
	ops := []Operation{
		{Kind: OpUpdateMetadata, MemoryID: "memory:a", MetadataPatch: map[string]any{"y": 2}},
	}
	result, err := ex.Execute(ctx, ops, ModeSequential)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Results[0].Err != nil {
		t.Fatalf("unexpected op error: %v", result.Results[0].Err)
	}

	row, err := be.GetMemory(ctx, "memory:a")
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if row.PropertiesJSON == "" {
		t.Fatalf("expected merged properties to be persisted")
	}
}
