package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCRUD(t *testing.T) {
	s, err := NewSQLiteBackend(0)
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	now := time.Now().UnixMilli()
	m := &MemoryRow{
		ID:         "memory:1",
		Content:    "quantum computing basics",
		MemoryType: "fact",
		Priority:   1,
		Tags:       []string{"physics", "cs"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.UpsertMemory(ctx, m); err != nil {
		t.Fatalf("failed to upsert memory: %v", err)
	}

	got, err := s.GetMemory(ctx, "memory:1")
	if err != nil {
		t.Fatalf("failed to get memory: %v", err)
	}
	if got == nil {
		t.Fatal("expected memory, got nil")
	}
	if got.Content != m.Content {
		t.Fatalf("content mismatch: got %q want %q", got.Content, m.Content)
	}
	if len(got.Tags) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(got.Tags))
	}

	if err := s.DeleteMemory(ctx, "memory:1"); err != nil {
		t.Fatalf("failed to delete memory: %v", err)
	}
	got, err = s.GetMemory(ctx, "memory:1")
	if err != nil {
		t.Fatalf("get after delete failed: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil after delete")
	}
}

func TestBM25SearchRanking(t *testing.T) {
	// Grounds scenario S1 from the engine's testable-properties scenarios.
	s, err := NewSQLiteBackend(0)
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	now := time.Now().UnixMilli()
	memories := []*MemoryRow{
		{ID: "A", Content: "quantum computing basics", MemoryType: "fact", CreatedAt: now, UpdatedAt: now},
		{ID: "B", Content: "classical computing", MemoryType: "fact", CreatedAt: now, UpdatedAt: now},
		{ID: "C", Content: "quantum entanglement", MemoryType: "fact", CreatedAt: now, UpdatedAt: now},
	}
	for _, m := range memories {
		if err := s.UpsertMemory(ctx, m); err != nil {
			t.Fatalf("failed to upsert %s: %v", m.ID, err)
		}
	}

	results, err := s.BM25Search(ctx, "quantum", 10, ListFilter{})
	if err != nil {
		t.Fatalf("bm25 search failed: %v", err)
	}
	if len(results) < 2 {
		t.Fatalf("expected at least 2 results, got %d", len(results))
	}
	if results[0].ID != "A" && results[0].ID != "C" {
		t.Fatalf("expected top result to mention quantum, got %s", results[0].ID)
	}
}

func TestVersionTimeTravel(t *testing.T) {
	s, err := NewSQLiteBackend(0)
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	t0 := int64(1000)
	t1 := int64(2000)
	t2 := int64(3000)

	versions := []*MemoryVersionRow{
		{VersionID: "ver:1", MemoryID: "memory:m", CreatedAt: t0, IsFull: true, Content: "v1"},
		{VersionID: "ver:2", MemoryID: "memory:m", CreatedAt: t1, IsFull: true, Content: "v2", ParentVersionID: "ver:1"},
		{VersionID: "ver:3", MemoryID: "memory:m", CreatedAt: t2, IsFull: true, Content: "v3", ParentVersionID: "ver:2"},
	}
	for _, v := range versions {
		if err := s.PutVersion(ctx, v); err != nil {
			t.Fatalf("failed to put version %s: %v", v.VersionID, err)
		}
	}

	v, err := s.LatestVersionBefore(ctx, "memory:m", t0+1)
	if err != nil {
		t.Fatalf("latest-before failed: %v", err)
	}
	if v == nil || v.Content != "v1" {
		t.Fatalf("expected v1 at t0+1, got %+v", v)
	}

	v, err = s.LatestVersionBefore(ctx, "memory:m", t2+3_600_000)
	if err != nil {
		t.Fatalf("latest-before failed: %v", err)
	}
	if v == nil || v.Content != "v3" {
		t.Fatalf("expected v3 an hour after t2, got %+v", v)
	}
}

func TestExportImport(t *testing.T) {
	s, err := NewSQLiteBackend(0)
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	now := time.Now().UnixMilli()
	if err := s.UpsertMemory(ctx, &MemoryRow{ID: "memory:1", Content: "hello", MemoryType: "fact", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("failed to upsert memory: %v", err)
	}
	if err := s.UpsertEntity(ctx, &EntityRow{ID: "entity:1", EntityType: "person", Name: "Ada", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("failed to upsert entity: %v", err)
	}

	data, err := s.Export(ctx)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("exported data is empty")
	}

	s2, err := NewSQLiteBackend(0)
	if err != nil {
		t.Fatalf("failed to create second backend: %v", err)
	}
	defer s2.Close()

	if err := s2.Import(ctx, data); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	got, err := s2.GetMemory(ctx, "memory:1")
	if err != nil {
		t.Fatalf("get after import failed: %v", err)
	}
	if got == nil || got.Content != "hello" {
		t.Fatalf("expected imported memory, got %+v", got)
	}
}

func TestTransactionRollback(t *testing.T) {
	s, err := NewSQLiteBackend(0)
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	now := time.Now().UnixMilli()

	txErr := s.WithTransaction(ctx, func(tx Backend) error {
		if err := tx.UpsertMemory(ctx, &MemoryRow{ID: "memory:x", Content: "x", MemoryType: "fact", CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return errRollbackSentinel
	})
	if txErr == nil {
		t.Fatal("expected rollback error")
	}

	got, err := s.GetMemory(ctx, "memory:x")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Fatal("expected memory:x to be rolled back")
	}
}

var errRollbackSentinel = &rollbackError{}

type rollbackError struct{}

func (e *rollbackError) Error() string { return "forced rollback" }
