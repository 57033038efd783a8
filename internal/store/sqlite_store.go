package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

// dbConn is the subset of *sql.DB / *sql.Tx every query method needs, so a
// transaction-bound backend can share all the same CRUD code as the
// connection-bound one.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteBackend is the reference storage binding (§6.1): a SQLite database
// holding memories, entities, relationships, relationship-type definitions,
// memory versions and snapshots, plus an FTS5 shadow index for BM25 search
// and an optional vec0 virtual table for vector search.
type SQLiteBackend struct {
	mu           sync.RWMutex
	rawDB        *sql.DB // nil for a transaction-bound backend; owns Close/Ping/BeginTx
	db           dbConn
	embeddingDim int // 0 disables the vector index
}

const baseSchema = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    memory_type TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 1,
    tags TEXT,
    source TEXT,
    properties TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    last_accessed INTEGER,
    access_count INTEGER NOT NULL DEFAULT 0,
    expires_at INTEGER,
    embedding TEXT,
    related_memories TEXT
);
CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type);
CREATE INDEX IF NOT EXISTS idx_memories_source ON memories(source);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
    content,
    memory_id UNINDEXED,
    tokenize = 'porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS memories_fts_ai AFTER INSERT ON memories BEGIN
    INSERT INTO memories_fts(rowid, content, memory_id) VALUES (new.rowid, new.content, new.id);
END;
CREATE TRIGGER IF NOT EXISTS memories_fts_ad AFTER DELETE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, content, memory_id) VALUES('delete', old.rowid, old.content, old.id);
END;
CREATE TRIGGER IF NOT EXISTS memories_fts_au AFTER UPDATE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, content, memory_id) VALUES('delete', old.rowid, old.content, old.id);
    INSERT INTO memories_fts(rowid, content, memory_id) VALUES (new.rowid, new.content, new.id);
END;

CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    name TEXT,
    properties TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);
CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name);

CREATE TABLE IF NOT EXISTS relationships (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    relationship_type TEXT NOT NULL,
    properties TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rel_source ON relationships(source_id);
CREATE INDEX IF NOT EXISTS idx_rel_target ON relationships(target_id);
CREATE INDEX IF NOT EXISTS idx_rel_type ON relationships(relationship_type);

CREATE TABLE IF NOT EXISTS relationship_types (
    name TEXT PRIMARY KEY,
    inverse TEXT,
    symmetric INTEGER DEFAULT 0,
    transitive INTEGER DEFAULT 0,
    metadata_schema TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_versions (
    version_id TEXT PRIMARY KEY,
    memory_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    parent_version_id TEXT,
    is_full INTEGER NOT NULL,
    content TEXT,
    metadata_snapshot TEXT,
    base_version_id TEXT,
    hunks TEXT,
    is_compressed INTEGER DEFAULT 0,
    compressed_data BLOB
);
CREATE INDEX IF NOT EXISTS idx_versions_memory ON memory_versions(memory_id, created_at);

CREATE TABLE IF NOT EXISTS snapshots (
    snapshot_id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    version_map TEXT NOT NULL,
    metadata TEXT
);
`

// NewSQLiteBackend opens an in-memory SQLite backend. embeddingDim, if > 0,
// additionally provisions a vec0 virtual table of that fixed width.
func NewSQLiteBackend(embeddingDim int) (*SQLiteBackend, error) {
	return NewSQLiteBackendWithDSN(":memory:", embeddingDim)
}

// NewSQLiteBackendWithDSN opens a backend with a specific data source name.
func NewSQLiteBackendWithDSN(dsn string, embeddingDim int) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	if _, err := db.Exec(baseSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to create schema: %w", err)
	}

	b := &SQLiteBackend{rawDB: db, db: db, embeddingDim: embeddingDim}
	if embeddingDim > 0 {
		stmt := fmt.Sprintf(
			`CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(memory_id TEXT PRIMARY KEY, embedding FLOAT[%d] distance_metric=cosine)`,
			embeddingDim,
		)
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: failed to create vector index: %w", err)
		}
	}

	return b, nil
}

func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rawDB != nil {
		return s.rawDB.Close()
	}
	return nil
}

func (s *SQLiteBackend) HealthCheck(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rawDB == nil {
		return true
	}
	return s.rawDB.PingContext(ctx) == nil
}

func (s *SQLiteBackend) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tables := []string{"memories", "entities", "relationships", "relationship_types",
		"memory_versions", "snapshots"}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("store: failed to clear %s: %w", t, err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinCSV(items []string) string {
	return strings.Join(items, ",")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// =============================================================================
// Memory CRUD
// =============================================================================

func (s *SQLiteBackend) UpsertMemory(ctx context.Context, m *MemoryRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	embeddingJSON, err := json.Marshal(m.Embedding)
	if err != nil {
		return fmt.Errorf("store: failed to marshal embedding: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, content, memory_type, priority, tags, source, properties,
			created_at, updated_at, last_accessed, access_count, expires_at, embedding, related_memories)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content=excluded.content, memory_type=excluded.memory_type, priority=excluded.priority,
			tags=excluded.tags, source=excluded.source, properties=excluded.properties,
			updated_at=excluded.updated_at, last_accessed=excluded.last_accessed,
			access_count=excluded.access_count, expires_at=excluded.expires_at,
			embedding=excluded.embedding, related_memories=excluded.related_memories
	`, m.ID, m.Content, m.MemoryType, m.Priority, joinCSV(m.Tags), m.Source, m.PropertiesJSON,
		m.CreatedAt, m.UpdatedAt, m.LastAccessed, m.AccessCount, m.ExpiresAt,
		string(embeddingJSON), joinCSV(m.RelatedMemories))
	if err != nil {
		return fmt.Errorf("store: failed to upsert memory %s: %w", m.ID, err)
	}

	if s.embeddingDim > 0 && len(m.Embedding) == s.embeddingDim {
		if err := s.upsertVector(ctx, m.ID, m.Embedding); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteBackend) upsertVector(ctx context.Context, id string, vec []float32) error {
	floats := make([]string, len(vec))
	for i, f := range vec {
		floats[i] = fmt.Sprintf("%f", f)
	}
	vecJSON := "[" + strings.Join(floats, ",") + "]"
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_vectors(memory_id, embedding) VALUES (?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET embedding=excluded.embedding
	`, id, vecJSON)
	if err != nil {
		return fmt.Errorf("store: failed to upsert vector for %s: %w", id, err)
	}
	return nil
}

func scanMemoryRow(row interface{ Scan(...any) error }) (*MemoryRow, error) {
	var m MemoryRow
	var tags, relatedMemories, embedding sql.NullString
	var source, properties sql.NullString
	var lastAccessed, expiresAt sql.NullInt64

	err := row.Scan(
		&m.ID, &m.Content, &m.MemoryType, &m.Priority, &tags, &source, &properties,
		&m.CreatedAt, &m.UpdatedAt, &lastAccessed, &m.AccessCount, &expiresAt,
		&embedding, &relatedMemories,
	)
	if err != nil {
		return nil, err
	}

	m.Tags = splitCSV(tags.String)
	m.RelatedMemories = splitCSV(relatedMemories.String)
	if source.Valid {
		m.Source = source.String
	}
	if properties.Valid {
		m.PropertiesJSON = properties.String
	}
	if lastAccessed.Valid {
		v := lastAccessed.Int64
		m.LastAccessed = &v
	}
	if expiresAt.Valid {
		v := expiresAt.Int64
		m.ExpiresAt = &v
	}
	if embedding.Valid && embedding.String != "" && embedding.String != "null" {
		if err := json.Unmarshal([]byte(embedding.String), &m.Embedding); err != nil {
			return nil, fmt.Errorf("store: failed to unmarshal embedding: %w", err)
		}
	}
	return &m, nil
}

const memorySelectCols = `id, content, memory_type, priority, tags, source, properties,
	created_at, updated_at, last_accessed, access_count, expires_at, embedding, related_memories`

func (s *SQLiteBackend) GetMemory(ctx context.Context, id string) (*MemoryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+memorySelectCols+" FROM memories WHERE id = ?", id)
	m, err := scanMemoryRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to get memory %s: %w", id, err)
	}
	return m, nil
}

func (s *SQLiteBackend) DeleteMemory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: failed to delete memory %s: %w", id, err)
	}
	if s.embeddingDim > 0 {
		s.db.ExecContext(ctx, "DELETE FROM memory_vectors WHERE memory_id = ?", id)
	}
	return nil
}

func (s *SQLiteBackend) ListMemories(ctx context.Context, filter ListFilter, page Page) ([]*MemoryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any

	if filter.MemoryType != "" {
		where = append(where, "memory_type = ?")
		args = append(args, filter.MemoryType)
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.MinPriority != nil {
		where = append(where, "priority >= ?")
		args = append(args, *filter.MinPriority)
	}
	if filter.MaxPriority != nil {
		where = append(where, "priority <= ?")
		args = append(args, *filter.MaxPriority)
	}
	if filter.CreatedAfter != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *filter.CreatedBefore)
	}
	if filter.TextContains != "" {
		where = append(where, "content LIKE ?")
		args = append(args, "%"+filter.TextContains+"%")
	}
	for _, tag := range filter.Tags {
		where = append(where, "(',' || tags || ',') LIKE ?")
		args = append(args, "%,"+tag+",%")
	}

	query := "SELECT " + memorySelectCols + " FROM memories"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if page.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, page.Limit, page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list memories: %w", err)
	}
	defer rows.Close()

	var out []*MemoryRow
	for rows.Next() {
		m, err := scanMemoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan memory row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) CountMemories(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n)
	return n, err
}

// =============================================================================
// Entity CRUD
// =============================================================================

func (s *SQLiteBackend) UpsertEntity(ctx context.Context, e *EntityRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, entity_type, name, properties, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_type=excluded.entity_type, name=excluded.name,
			properties=excluded.properties, updated_at=excluded.updated_at
	`, e.ID, e.EntityType, e.Name, e.PropertiesJSON, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: failed to upsert entity %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteBackend) GetEntity(ctx context.Context, id string) (*EntityRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e EntityRow
	var name, properties sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, name, properties, created_at, updated_at FROM entities WHERE id = ?
	`, id).Scan(&e.ID, &e.EntityType, &name, &properties, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to get entity %s: %w", id, err)
	}
	e.Name = name.String
	e.PropertiesJSON = properties.String
	return &e, nil
}

func (s *SQLiteBackend) DeleteEntity(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: failed to delete entity %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteBackend) ListEntities(ctx context.Context, entityType string) ([]*EntityRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, entity_type, name, properties, created_at, updated_at FROM entities"
	var args []any
	if entityType != "" {
		query += " WHERE entity_type = ?"
		args = append(args, entityType)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list entities: %w", err)
	}
	defer rows.Close()

	var out []*EntityRow
	for rows.Next() {
		var e EntityRow
		var name, properties sql.NullString
		if err := rows.Scan(&e.ID, &e.EntityType, &name, &properties, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Name = name.String
		e.PropertiesJSON = properties.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) CountEntities(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities").Scan(&n)
	return n, err
}

// =============================================================================
// Relationship CRUD
// =============================================================================

func (s *SQLiteBackend) UpsertRelationship(ctx context.Context, r *RelationshipRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relationships (id, source_id, target_id, relationship_type, properties, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_id=excluded.source_id, target_id=excluded.target_id,
			relationship_type=excluded.relationship_type, properties=excluded.properties,
			updated_at=excluded.updated_at
	`, r.ID, r.SourceID, r.TargetID, r.RelationshipType, r.PropertiesJSON, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: failed to upsert relationship %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteBackend) GetRelationship(ctx context.Context, id string) (*RelationshipRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var r RelationshipRow
	var properties sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, target_id, relationship_type, properties, created_at, updated_at
		FROM relationships WHERE id = ?
	`, id).Scan(&r.ID, &r.SourceID, &r.TargetID, &r.RelationshipType, &properties, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to get relationship %s: %w", id, err)
	}
	r.PropertiesJSON = properties.String
	return &r, nil
}

func (s *SQLiteBackend) DeleteRelationship(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM relationships WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: failed to delete relationship %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteBackend) ListRelationshipsFor(ctx context.Context, nodeID string, relType string) ([]*RelationshipRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, source_id, target_id, relationship_type, properties, created_at, updated_at
		FROM relationships WHERE (source_id = ? OR target_id = ?)`
	args := []any{nodeID, nodeID}
	if relType != "" {
		query += " AND relationship_type = ?"
		args = append(args, relType)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list relationships for %s: %w", nodeID, err)
	}
	defer rows.Close()

	var out []*RelationshipRow
	for rows.Next() {
		var r RelationshipRow
		var properties sql.NullString
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.RelationshipType, &properties, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.PropertiesJSON = properties.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) DeleteRelationshipsReferencing(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM relationships WHERE source_id = ? OR target_id = ?", nodeID, nodeID)
	if err != nil {
		return fmt.Errorf("store: failed to cascade-delete relationships for %s: %w", nodeID, err)
	}
	return nil
}

func (s *SQLiteBackend) CountRelationships(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM relationships").Scan(&n)
	return n, err
}

// =============================================================================
// Relationship-type persistence
// =============================================================================

func (s *SQLiteBackend) UpsertRelationshipType(ctx context.Context, t *RelationshipTypeRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relationship_types (name, inverse, symmetric, transitive, metadata_schema, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			inverse=excluded.inverse, symmetric=excluded.symmetric, transitive=excluded.transitive,
			metadata_schema=excluded.metadata_schema, updated_at=excluded.updated_at
	`, t.Name, t.Inverse, boolToInt(t.Symmetric), boolToInt(t.Transitive), t.MetadataSchemaJSON, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: failed to upsert relationship type %s: %w", t.Name, err)
	}
	return nil
}

func (s *SQLiteBackend) GetRelationshipType(ctx context.Context, name string) (*RelationshipTypeRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var t RelationshipTypeRow
	var inverse, schema sql.NullString
	var symmetric, transitive int
	err := s.db.QueryRowContext(ctx, `
		SELECT name, inverse, symmetric, transitive, metadata_schema, created_at, updated_at
		FROM relationship_types WHERE name = ?
	`, name).Scan(&t.Name, &inverse, &symmetric, &transitive, &schema, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to get relationship type %s: %w", name, err)
	}
	t.Inverse = inverse.String
	t.MetadataSchemaJSON = schema.String
	t.Symmetric = symmetric != 0
	t.Transitive = transitive != 0
	return &t, nil
}

func (s *SQLiteBackend) ListRelationshipTypes(ctx context.Context) ([]*RelationshipTypeRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, inverse, symmetric, transitive, metadata_schema, created_at, updated_at FROM relationship_types
	`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list relationship types: %w", err)
	}
	defer rows.Close()

	var out []*RelationshipTypeRow
	for rows.Next() {
		var t RelationshipTypeRow
		var inverse, schema sql.NullString
		var symmetric, transitive int
		if err := rows.Scan(&t.Name, &inverse, &symmetric, &transitive, &schema, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Inverse = inverse.String
		t.MetadataSchemaJSON = schema.String
		t.Symmetric = symmetric != 0
		t.Transitive = transitive != 0
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) DeleteRelationshipType(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM relationship_types WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("store: failed to delete relationship type %s: %w", name, err)
	}
	return nil
}

// =============================================================================
// Full-text and vector search
// =============================================================================

func (s *SQLiteBackend) BM25Search(ctx context.Context, query string, limit int, filter ListFilter) ([]ScoredResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	sqlQuery := `
		SELECT m.id, bm25(memories_fts) AS score
		FROM memories_fts
		JOIN memories m ON m.id = memories_fts.memory_id
		WHERE memories_fts MATCH ?
	`
	args := []any{query}
	if filter.MemoryType != "" {
		sqlQuery += " AND m.memory_type = ?"
		args = append(args, filter.MemoryType)
	}
	if filter.CreatedAfter != nil {
		sqlQuery += " AND m.created_at >= ?"
		args = append(args, *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		sqlQuery += " AND m.created_at <= ?"
		args = append(args, *filter.CreatedBefore)
	}
	sqlQuery += " ORDER BY score LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("store: bm25 search failed: %w", err)
	}
	defer rows.Close()

	var out []ScoredResult
	for rows.Next() {
		var r ScoredResult
		var rawScore float64
		if err := rows.Scan(&r.ID, &rawScore); err != nil {
			return nil, err
		}
		// bm25() returns lower-is-better; invert so higher is more relevant.
		r.Score = -rawScore
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) VectorSearch(ctx context.Context, queryVec []float32, k int) ([]VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.embeddingDim == 0 {
		return nil, fmt.Errorf("store: vector search unsupported: %w", errCapability)
	}
	if len(queryVec) != s.embeddingDim {
		return nil, fmt.Errorf("store: query vector dimension %d does not match index dimension %d",
			len(queryVec), s.embeddingDim)
	}
	if k <= 0 {
		k = 10
	}

	floats := make([]string, len(queryVec))
	for i, f := range queryVec {
		floats[i] = fmt.Sprintf("%f", f)
	}
	vecJSON := "[" + strings.Join(floats, ",") + "]"

	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, distance FROM memory_vectors
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, vecJSON, k)
	if err != nil {
		return nil, fmt.Errorf("store: vector search failed: %w", err)
	}
	defer rows.Close()

	var out []VectorResult
	for rows.Next() {
		var v VectorResult
		if err := rows.Scan(&v.ID, &v.Distance); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

var errCapability = fmt.Errorf("embedding dimension not configured")

// =============================================================================
// Graph traversal
// =============================================================================

func (s *SQLiteBackend) Neighbors(ctx context.Context, id string, depth int, typeFilter string, direction string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if depth <= 0 {
		depth = 1
	}
	frontier := map[string]bool{id: true}
	visited := map[string]bool{id: true}

	for d := 0; d < depth; d++ {
		next := map[string]bool{}
		for node := range frontier {
			var query string
			var args []any
			switch direction {
			case "outgoing":
				query = "SELECT target_id AS other FROM relationships WHERE source_id = ?"
				args = []any{node}
			case "incoming":
				query = "SELECT source_id AS other FROM relationships WHERE target_id = ?"
				args = []any{node}
			default:
				query = `SELECT target_id AS other FROM relationships WHERE source_id = ?
					UNION SELECT source_id AS other FROM relationships WHERE target_id = ?`
				args = []any{node, node}
			}
			if typeFilter != "" {
				query = "SELECT other FROM (" + query + ") WHERE other IN " +
					"(SELECT target_id FROM relationships WHERE relationship_type = ? " +
					"UNION SELECT source_id FROM relationships WHERE relationship_type = ?)"
				args = append(args, typeFilter, typeFilter)
			}
			rows, err := s.db.QueryContext(ctx, query, args...)
			if err != nil {
				return nil, fmt.Errorf("store: neighbors query failed: %w", err)
			}
			for rows.Next() {
				var other string
				if err := rows.Scan(&other); err != nil {
					rows.Close()
					return nil, err
				}
				if !visited[other] {
					next[other] = true
					visited[other] = true
				}
			}
			rows.Close()
		}
		frontier = next
	}

	out := make([]string, 0, len(visited)-1)
	for n := range visited {
		if n != id {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *SQLiteBackend) GraphMetrics(ctx context.Context) (GraphMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var m GraphMetrics
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&m.MemoryCount); err != nil {
		return m, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities").Scan(&m.EntityCount); err != nil {
		return m, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM relationships").Scan(&m.RelationshipCount); err != nil {
		return m, err
	}
	return m, nil
}

// =============================================================================
// Versioning primitives
// =============================================================================

func (s *SQLiteBackend) PutVersion(ctx context.Context, v *MemoryVersionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_versions (version_id, memory_id, created_at, parent_version_id, is_full,
			content, metadata_snapshot, base_version_id, hunks, is_compressed, compressed_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(version_id) DO UPDATE SET
			content=excluded.content, metadata_snapshot=excluded.metadata_snapshot,
			is_full=excluded.is_full, base_version_id=excluded.base_version_id, hunks=excluded.hunks,
			is_compressed=excluded.is_compressed, compressed_data=excluded.compressed_data
	`, v.VersionID, v.MemoryID, v.CreatedAt, nullableString(v.ParentVersionID), boolToInt(v.IsFull),
		nullableString(v.Content), nullableString(v.MetadataSnapshotJSON), nullableString(v.BaseVersionID),
		nullableString(v.HunksJSON), boolToInt(v.IsCompressed), v.CompressedData)
	if err != nil {
		return fmt.Errorf("store: failed to put version %s: %w", v.VersionID, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanVersionRow(row interface{ Scan(...any) error }) (*MemoryVersionRow, error) {
	var v MemoryVersionRow
	var parent, content, metaSnap, base, hunks sql.NullString
	var isFull, isCompressed int
	err := row.Scan(&v.VersionID, &v.MemoryID, &v.CreatedAt, &parent, &isFull,
		&content, &metaSnap, &base, &hunks, &isCompressed, &v.CompressedData)
	if err != nil {
		return nil, err
	}
	v.ParentVersionID = parent.String
	v.Content = content.String
	v.MetadataSnapshotJSON = metaSnap.String
	v.BaseVersionID = base.String
	v.HunksJSON = hunks.String
	v.IsFull = isFull != 0
	v.IsCompressed = isCompressed != 0
	return &v, nil
}

const versionSelectCols = `version_id, memory_id, created_at, parent_version_id, is_full,
	content, metadata_snapshot, base_version_id, hunks, is_compressed, compressed_data`

func (s *SQLiteBackend) GetVersion(ctx context.Context, versionID string) (*MemoryVersionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, "SELECT "+versionSelectCols+" FROM memory_versions WHERE version_id = ?", versionID)
	v, err := scanVersionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to get version %s: %w", versionID, err)
	}
	return v, nil
}

func (s *SQLiteBackend) ListVersions(ctx context.Context, memoryID string) ([]*MemoryVersionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+versionSelectCols+" FROM memory_versions WHERE memory_id = ? ORDER BY created_at DESC", memoryID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list versions for %s: %w", memoryID, err)
	}
	defer rows.Close()
	var out []*MemoryVersionRow
	for rows.Next() {
		v, err := scanVersionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) DeleteVersion(ctx context.Context, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM memory_versions WHERE version_id = ?", versionID)
	if err != nil {
		return fmt.Errorf("store: failed to delete version %s: %w", versionID, err)
	}
	return nil
}

func (s *SQLiteBackend) LatestVersionBefore(ctx context.Context, memoryID string, ts int64) (*MemoryVersionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		"SELECT "+versionSelectCols+` FROM memory_versions
		 WHERE memory_id = ? AND created_at <= ? ORDER BY created_at DESC LIMIT 1`, memoryID, ts)
	v, err := scanVersionRow(row)
	if err == sql.ErrNoRows {
		// fall back to the earliest version with a marker the caller can detect
		// (nil here; the versioning store's GetAtTime substitutes the earliest
		// version itself).
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to get version at time for %s: %w", memoryID, err)
	}
	return v, nil
}

// =============================================================================
// Snapshots
// =============================================================================

func (s *SQLiteBackend) PutSnapshot(ctx context.Context, sn *SnapshotRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (snapshot_id, created_at, version_map, metadata) VALUES (?, ?, ?, ?)
	`, sn.SnapshotID, sn.CreatedAt, sn.VersionMapJSON, sn.MetadataJSON)
	if err != nil {
		return fmt.Errorf("store: failed to put snapshot %s: %w", sn.SnapshotID, err)
	}
	return nil
}

func (s *SQLiteBackend) GetSnapshot(ctx context.Context, snapshotID string) (*SnapshotRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sn SnapshotRow
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot_id, created_at, version_map, metadata FROM snapshots WHERE snapshot_id = ?
	`, snapshotID).Scan(&sn.SnapshotID, &sn.CreatedAt, &sn.VersionMapJSON, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to get snapshot %s: %w", snapshotID, err)
	}
	sn.MetadataJSON = metadata.String
	return &sn, nil
}

func (s *SQLiteBackend) ListSnapshots(ctx context.Context) ([]*SnapshotRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, "SELECT snapshot_id, created_at, version_map, metadata FROM snapshots ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("store: failed to list snapshots: %w", err)
	}
	defer rows.Close()
	var out []*SnapshotRow
	for rows.Next() {
		var sn SnapshotRow
		var metadata sql.NullString
		if err := rows.Scan(&sn.SnapshotID, &sn.CreatedAt, &sn.VersionMapJSON, &metadata); err != nil {
			return nil, err
		}
		sn.MetadataJSON = metadata.String
		out = append(out, &sn)
	}
	return out, rows.Err()
}

// =============================================================================
// Transactions
// =============================================================================

func (s *SQLiteBackend) SupportsTransactions() bool { return s.rawDB != nil }

// WithTransaction runs fn against a backend bound to a single *sql.Tx; fn's
// mutations commit only if fn returns nil, satisfying the Batch Executor's
// transactional mode (§4.6).
func (s *SQLiteBackend) WithTransaction(ctx context.Context, fn func(tx Backend) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rawDB == nil {
		return fmt.Errorf("store: nested transactions are not supported: %w", errCapability)
	}

	sqlTx, err := s.rawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}

	txBackend := &SQLiteBackend{db: sqlTx, embeddingDim: s.embeddingDim}

	if err := fn(txBackend); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// Export / Import
// =============================================================================

type exportedState struct {
	Memories           []*MemoryRow           `json:"memories"`
	Entities           []*EntityRow           `json:"entities"`
	Relationships      []*RelationshipRow     `json:"relationships"`
	RelationshipTypes  []*RelationshipTypeRow `json:"relationship_types"`
	Versions           []*MemoryVersionRow    `json:"versions"`
	Snapshots          []*SnapshotRow         `json:"snapshots"`
}

func (s *SQLiteBackend) Export(ctx context.Context) ([]byte, error) {
	mems, err := s.ListMemories(ctx, ListFilter{}, Page{})
	if err != nil {
		return nil, err
	}
	ents, err := s.ListEntities(ctx, "")
	if err != nil {
		return nil, err
	}
	types, err := s.ListRelationshipTypes(ctx)
	if err != nil {
		return nil, err
	}
	snaps, err := s.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	relRows, err := s.db.QueryContext(ctx, `SELECT id, source_id, target_id, relationship_type, properties, created_at, updated_at FROM relationships`)
	var rels []*RelationshipRow
	if err == nil {
		for relRows.Next() {
			var r RelationshipRow
			var properties sql.NullString
			if err := relRows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.RelationshipType, &properties, &r.CreatedAt, &r.UpdatedAt); err == nil {
				r.PropertiesJSON = properties.String
				rels = append(rels, &r)
			}
		}
		relRows.Close()
	}
	verRows, err := s.db.QueryContext(ctx, "SELECT "+versionSelectCols+" FROM memory_versions")
	var vers []*MemoryVersionRow
	if err == nil {
		for verRows.Next() {
			v, err := scanVersionRow(verRows)
			if err == nil {
				vers = append(vers, v)
			}
		}
		verRows.Close()
	}
	s.mu.RUnlock()

	state := exportedState{
		Memories:          mems,
		Entities:          ents,
		Relationships:     rels,
		RelationshipTypes: types,
		Versions:          vers,
		Snapshots:         snaps,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("store: failed to marshal export: %w", err)
	}
	return data, nil
}

func (s *SQLiteBackend) Import(ctx context.Context, data []byte) error {
	var state exportedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("store: failed to unmarshal import: %w", err)
	}
	if err := s.Clear(ctx); err != nil {
		return err
	}
	for _, m := range state.Memories {
		if err := s.UpsertMemory(ctx, m); err != nil {
			return err
		}
	}
	for _, e := range state.Entities {
		if err := s.UpsertEntity(ctx, e); err != nil {
			return err
		}
	}
	for _, r := range state.Relationships {
		if err := s.UpsertRelationship(ctx, r); err != nil {
			return err
		}
	}
	for _, t := range state.RelationshipTypes {
		if err := s.UpsertRelationshipType(ctx, t); err != nil {
			return err
		}
	}
	for _, v := range state.Versions {
		if err := s.PutVersion(ctx, v); err != nil {
			return err
		}
	}
	for _, sn := range state.Snapshots {
		if err := s.PutSnapshot(ctx, sn); err != nil {
			return err
		}
	}
	return nil
}
