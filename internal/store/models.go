// Package store provides the storage backend contract (§6.1) and a SQLite
// reference binding: durable CRUD for memories, entities, and relationships,
// a relationship-type table, a temporal memory-version chain, and snapshots.
package store

import "context"

// ListFilter is the predicate set §4.1 list() accepts: type, tag subset,
// priority range, created_at interval, source, and a full-text substring,
// composed into one parameterized query by ListMemories. BM25Search applies
// only the memory type and the created_at interval.
type ListFilter struct {
	MemoryType   string
	Tags         []string
	MinPriority  *int
	MaxPriority  *int
	CreatedAfter *int64
	CreatedBefore *int64
	Source       string
	TextContains string
}

// Page is offset-based pagination.
type Page struct {
	Offset int
	Limit  int
}

// ScoredResult pairs a memory id with a ranking score (BM25 or blended).
type ScoredResult struct {
	ID    string
	Score float64
}

// VectorResult pairs a memory id with a cosine distance.
type VectorResult struct {
	ID       string
	Distance float64
}

// ChangeEvent is a row-level change notification from the backend, the
// source feed for the Live Event Router (§4.10).
type ChangeEvent struct {
	Table      string // "memories" | "entities" | "relationships"
	Op         string // "insert" | "update" | "delete"
	ResourceID string
	OccurredAt int64
}

// GraphMetrics summarizes the current graph shape.
type GraphMetrics struct {
	MemoryCount       int
	EntityCount       int
	RelationshipCount int
}

// Backend is the storage contract consumed by the engine core (§6.1). It
// never exposes a concrete store type to callers above internal/store.
type Backend interface {
	HealthCheck(ctx context.Context) bool
	Clear(ctx context.Context) error

	// Memory CRUD + list
	UpsertMemory(ctx context.Context, m *MemoryRow) error
	GetMemory(ctx context.Context, id string) (*MemoryRow, error)
	DeleteMemory(ctx context.Context, id string) error
	ListMemories(ctx context.Context, filter ListFilter, page Page) ([]*MemoryRow, error)
	CountMemories(ctx context.Context) (int, error)

	// Entity CRUD + list
	UpsertEntity(ctx context.Context, e *EntityRow) error
	GetEntity(ctx context.Context, id string) (*EntityRow, error)
	DeleteEntity(ctx context.Context, id string) error
	ListEntities(ctx context.Context, entityType string) ([]*EntityRow, error)
	CountEntities(ctx context.Context) (int, error)

	// Relationship CRUD + list
	UpsertRelationship(ctx context.Context, r *RelationshipRow) error
	GetRelationship(ctx context.Context, id string) (*RelationshipRow, error)
	DeleteRelationship(ctx context.Context, id string) error
	ListRelationshipsFor(ctx context.Context, nodeID string, relType string) ([]*RelationshipRow, error)
	DeleteRelationshipsReferencing(ctx context.Context, nodeID string) error
	CountRelationships(ctx context.Context) (int, error)

	// Relationship-type persistence (registry is the in-process cache)
	UpsertRelationshipType(ctx context.Context, t *RelationshipTypeRow) error
	GetRelationshipType(ctx context.Context, name string) (*RelationshipTypeRow, error)
	ListRelationshipTypes(ctx context.Context) ([]*RelationshipTypeRow, error)
	DeleteRelationshipType(ctx context.Context, name string) error

	// Full-text search
	BM25Search(ctx context.Context, query string, limit int, filter ListFilter) ([]ScoredResult, error)

	// Vector search (optional capability; nil/error indicates unsupported)
	VectorSearch(ctx context.Context, queryVec []float32, k int) ([]VectorResult, error)

	// Graph traversal
	Neighbors(ctx context.Context, id string, depth int, typeFilter string, direction string) ([]string, error)
	GraphMetrics(ctx context.Context) (GraphMetrics, error)

	// Versioning primitives
	PutVersion(ctx context.Context, v *MemoryVersionRow) error
	GetVersion(ctx context.Context, versionID string) (*MemoryVersionRow, error)
	ListVersions(ctx context.Context, memoryID string) ([]*MemoryVersionRow, error)
	DeleteVersion(ctx context.Context, versionID string) error
	LatestVersionBefore(ctx context.Context, memoryID string, ts int64) (*MemoryVersionRow, error)

	// Snapshots
	PutSnapshot(ctx context.Context, s *SnapshotRow) error
	GetSnapshot(ctx context.Context, snapshotID string) (*SnapshotRow, error)
	ListSnapshots(ctx context.Context) ([]*SnapshotRow, error)

	// Batch / transaction capability probe
	SupportsTransactions() bool
	WithTransaction(ctx context.Context, fn func(tx Backend) error) error

	// Export/Import (whole-database serialization)
	Export(ctx context.Context) ([]byte, error)
	Import(ctx context.Context, data []byte) error

	Close() error
}

// MemoryRow is the storage-layer row shape for a model.Memory.
type MemoryRow struct {
	ID              string
	Content         string
	MemoryType      string
	Priority        int
	Tags            []string
	Source          string
	PropertiesJSON  string
	CreatedAt       int64
	UpdatedAt       int64
	LastAccessed    *int64
	AccessCount     uint64
	ExpiresAt       *int64
	Embedding       []float32
	RelatedMemories []string
}

// EntityRow is the storage-layer row shape for a model.Entity.
type EntityRow struct {
	ID             string
	EntityType     string
	Name           string
	PropertiesJSON string
	CreatedAt      int64
	UpdatedAt      int64
}

// RelationshipRow is the storage-layer row shape for a model.Relationship.
type RelationshipRow struct {
	ID               string
	SourceID         string
	TargetID         string
	RelationshipType string
	PropertiesJSON   string
	CreatedAt        int64
	UpdatedAt        int64
}

// RelationshipTypeRow is the storage-layer row shape for a model.RelationshipTypeDef.
type RelationshipTypeRow struct {
	Name               string
	Inverse            string
	Symmetric          bool
	Transitive         bool
	MetadataSchemaJSON string
	CreatedAt          int64
	UpdatedAt          int64
}

// MemoryVersionRow is the storage-layer row shape for a model.MemoryVersion.
type MemoryVersionRow struct {
	VersionID           string
	MemoryID            string
	CreatedAt           int64
	ParentVersionID     string
	IsFull              bool
	Content             string // populated when IsFull
	MetadataSnapshotJSON string
	BaseVersionID       string // populated when !IsFull
	HunksJSON           string // populated when !IsFull
	IsCompressed        bool
	CompressedData       []byte
}

// SnapshotRow is the storage-layer row shape for a model.Snapshot.
type SnapshotRow struct {
	SnapshotID     string
	CreatedAt      int64
	VersionMapJSON string
	MetadataJSON   string
}
