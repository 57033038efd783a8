// Package engine wires every Locai subsystem into a single composition
// root: storage, the relationship-type registry, lifecycle tracking,
// hooks, scoring, versioning, batch execution, entity extraction, and the
// live event router. Grounded on GoKitt's cmd/wasm/main.go global-state
// wiring pattern -- construct every subsystem once at startup, hold it as
// a field, expose thin methods -- generalized here into an ordinary
// exported struct instead of package-level globals behind syscall/js.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blakebarnett/locai/internal/store"
	"github.com/blakebarnett/locai/pkg/batch"
	"github.com/blakebarnett/locai/pkg/embedding"
	"github.com/blakebarnett/locai/pkg/engineerr"
	"github.com/blakebarnett/locai/pkg/events"
	"github.com/blakebarnett/locai/pkg/extraction"
	"github.com/blakebarnett/locai/pkg/hooks"
	"github.com/blakebarnett/locai/pkg/lifecycle"
	"github.com/blakebarnett/locai/pkg/model"
	"github.com/blakebarnett/locai/pkg/pool"
	"github.com/blakebarnett/locai/pkg/registry"
	"github.com/blakebarnett/locai/pkg/scoring"
	"github.com/blakebarnett/locai/pkg/versioning"
)

// Config configures every subsystem a Manager wires together. Zero values
// fall back to each subsystem's own documented defaults.
type Config struct {
	Lifecycle  lifecycle.Config
	Events     events.Config
	Versioning versioning.Config
	Batch      batch.Config
	Scoring    scoring.Config
	Embedding  embedding.Config
	Logger     *slog.Logger
}

// Manager is the engine-facing API of spec.md §6.2: one struct, one entry
// point, composed over a storage Backend. It owns every piece of global
// mutable state spec.md §9 allows: the registry, the lifecycle queue, the
// reconstruction cache, and the hook registry.
type Manager struct {
	backend store.Backend

	registry   *registry.TypeRegistry
	lifecycle  *lifecycle.Tracker
	hooks      *hooks.Dispatcher
	versions   *versioning.Store
	batch      *batch.Executor
	router     *events.Router
	extraction *extraction.Pipeline // optional: nil until SetExtractionPipeline is called

	scoringCfg   scoring.Config
	embeddingCfg embedding.Config

	log *slog.Logger
}

// New constructs a Manager over backend, seeding the relationship-type
// registry with the built-in set and starting the lifecycle flush loop.
func New(backend store.Backend, cfg Config, sender hooks.WebhookSender) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	scoringCfg := cfg.Scoring
	if scoringCfg == (scoring.Config{}) {
		scoringCfg = scoring.DefaultConfig()
	}
	if err := scoringCfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid scoring config: %w", err)
	}

	versioningCfg := cfg.Versioning
	if versioningCfg == (versioning.Config{}) {
		versioningCfg = versioning.DefaultConfig()
	}
	if cfg.Events.NodeID == "" {
		cfg.Events.NodeID = uuid.New().String()
	}

	typeRegistry := registry.New()
	if err := typeRegistry.Seed(time.Now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("engine: failed to seed relationship-type registry: %w", err)
	}

	m := &Manager{
		backend:      backend,
		registry:     typeRegistry,
		hooks:        hooks.New(cfg.Logger, sender),
		versions:     versioning.New(backend, versioningCfg),
		batch:        batch.New(backend, cfg.Batch),
		router:       events.New(cfg.Events, cfg.Logger),
		scoringCfg:   scoringCfg.Normalized(),
		embeddingCfg: cfg.Embedding,
		log:          cfg.Logger.With("component", "engine"),
	}
	m.lifecycle = lifecycle.New(cfg.Lifecycle, lifecycleApplier{m: m}, m.logFlushFailure)
	return m, nil
}

// SetExtractionPipeline wires an entity-extraction pipeline for
// ExtractEntities; extraction is optional and Manager works without one.
func (m *Manager) SetExtractionPipeline(p *extraction.Pipeline) {
	m.extraction = p
}

// Close flushes pending lifecycle updates and releases the backend.
func (m *Manager) Close() error {
	m.lifecycle.Shutdown()
	m.router.Shutdown()
	return m.backend.Close()
}

func (m *Manager) logFlushFailure(ids []string, err error) {
	m.log.Warn("lifecycle flush failed", "memory_ids", ids, "error", err)
}

// lifecycleApplier adapts Manager to lifecycle.Applier without exposing the
// backend directly to the tracker.
type lifecycleApplier struct{ m *Manager }

func (a lifecycleApplier) ApplyAccess(ctx context.Context, memoryID string, deltaCount uint64, lastAccessed int64) error {
	row, err := a.m.backend.GetMemory(ctx, memoryID)
	if err != nil {
		return err
	}
	if row == nil {
		return nil // memory deleted before the flush landed; not an error per §4.4
	}
	row.AccessCount += deltaCount
	row.LastAccessed = &lastAccessed
	return a.m.backend.UpsertMemory(ctx, row)
}

// =============================================================================
// Memory
// =============================================================================

// CreateMemoryRequest is the validated input to CreateMemory.
type CreateMemoryRequest struct {
	Content    string
	MemoryType model.MemoryType
	Priority   model.Priority
	Tags       []string
	Source     string
	Properties map[string]any
	ExpiresAt  *int64
	Embedding  []float32
}

// CreateMemory validates, stores, and dispatches created hooks/events for a
// new memory.
func (m *Manager) CreateMemory(ctx context.Context, req CreateMemoryRequest) (*model.Memory, error) {
	if req.Content == "" {
		return nil, engineerr.New(engineerr.InvalidArgument, "memory content must not be empty", nil)
	}

	vec, err := m.validateEmbedding(req.Embedding)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	row := &store.MemoryRow{
		ID:         model.MemoryIDPrefix + uuid.New().String(),
		Content:    req.Content,
		MemoryType: req.MemoryType.String(),
		Priority:   int(req.Priority),
		Tags:       req.Tags,
		Source:     req.Source,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  req.ExpiresAt,
		Embedding:  vec,
	}
	if err := encodeProperties(row, req.Properties); err != nil {
		return nil, err
	}

	if err := m.backend.UpsertMemory(ctx, row); err != nil {
		return nil, fmt.Errorf("engine: failed to create memory: %w", err)
	}
	if _, err := m.versions.CreateVersion(ctx, row.ID, req.Content, req.Properties, now); err != nil {
		m.log.Warn("failed to create initial version", "memory_id", row.ID, "error", err)
	}

	mem := memoryFromRow(row)
	m.fireEvent(ctx, model.EventCreated, "memory", row.ID, nil, memoryAfterMap(mem))
	return mem, nil
}

// GetMemory retrieves a memory by id, recording a lifecycle access on
// success. A non-veto hook/lifecycle failure never fails the read (§7).
func (m *Manager) GetMemory(ctx context.Context, id string) (*model.Memory, error) {
	row, err := m.backend.GetMemory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to get memory %s: %w", id, err)
	}
	if row == nil {
		return nil, engineerr.New(engineerr.NotFound, "memory not found", map[string]any{"id": id})
	}

	now := time.Now().UnixMilli()
	if err := m.lifecycle.RecordAccess(ctx, id, now); err != nil {
		m.log.Warn("lifecycle record access failed", "memory_id", id, "error", err)
	}
	m.versions.RecordAccess(id, time.Now())

	mem := memoryFromRow(row)
	m.fireEvent(ctx, model.EventAccessed, "memory", id, nil, memoryAfterMap(mem))
	return mem, nil
}

// UpdateMemoryRequest carries a partial update; nil fields are left
// unchanged.
type UpdateMemoryRequest struct {
	Content    *string
	Priority   *model.Priority
	Tags       []string
	Properties map[string]any
	ExpiresAt  *int64
	Embedding  []float32
}

// UpdateMemory applies a partial update, recording a new version when
// content changes and dispatching updated hooks/events.
func (m *Manager) UpdateMemory(ctx context.Context, id string, req UpdateMemoryRequest) (*model.Memory, error) {
	row, err := m.backend.GetMemory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to get memory %s: %w", id, err)
	}
	if row == nil {
		return nil, engineerr.New(engineerr.NotFound, "memory not found", map[string]any{"id": id})
	}
	before := memoryAfterMap(memoryFromRow(row))

	contentChanged := false
	if req.Content != nil && *req.Content != row.Content {
		row.Content = *req.Content
		contentChanged = true
	}
	if req.Priority != nil {
		row.Priority = int(*req.Priority)
	}
	if req.Tags != nil {
		row.Tags = req.Tags
	}
	if req.ExpiresAt != nil {
		row.ExpiresAt = req.ExpiresAt
	}
	if req.Embedding != nil {
		vec, err := m.validateEmbedding(req.Embedding)
		if err != nil {
			return nil, err
		}
		row.Embedding = vec
	}
	if req.Properties != nil {
		if err := encodeProperties(row, req.Properties); err != nil {
			return nil, err
		}
	}

	now := time.Now().UnixMilli()
	row.UpdatedAt = now
	if err := m.backend.UpsertMemory(ctx, row); err != nil {
		return nil, fmt.Errorf("engine: failed to update memory %s: %w", id, err)
	}
	if contentChanged {
		if _, err := m.versions.CreateVersion(ctx, id, row.Content, req.Properties, now); err != nil {
			m.log.Warn("failed to create version on update", "memory_id", id, "error", err)
		}
	}

	mem := memoryFromRow(row)
	m.fireEvent(ctx, model.EventUpdated, "memory", id, before, memoryAfterMap(mem))
	return mem, nil
}

// DeleteMemory dispatches before_deleted hooks first; a veto aborts the
// delete and returns VetoedByHook, leaving the memory intact (§7, S6).
func (m *Manager) DeleteMemory(ctx context.Context, id string) error {
	row, err := m.backend.GetMemory(ctx, id)
	if err != nil {
		return fmt.Errorf("engine: failed to get memory %s: %w", id, err)
	}
	if row == nil {
		return nil // idempotent delete, matches internal/store's semantics
	}
	before := memoryAfterMap(memoryFromRow(row))

	if err := m.hooks.Dispatch(ctx, model.Event{
		Kind: model.EventBeforeDeleted, ResourceKind: "memory", ResourceID: id,
		Before: before, OccurredAt: time.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	if err := m.backend.DeleteMemory(ctx, id); err != nil {
		return fmt.Errorf("engine: failed to delete memory %s: %w", id, err)
	}
	if err := m.backend.DeleteRelationshipsReferencing(ctx, id); err != nil {
		m.log.Warn("failed to clean up relationships after memory delete", "memory_id", id, "error", err)
	}
	m.router.Publish(ctx, model.Event{Kind: model.EventBeforeDeleted, ResourceKind: "memory", ResourceID: id, Before: before, OccurredAt: time.Now().UnixMilli()})
	return nil
}

// ListMemories lists memories matching filter, paginated.
func (m *Manager) ListMemories(ctx context.Context, filter store.ListFilter, page store.Page) ([]*model.Memory, error) {
	rows, err := m.backend.ListMemories(ctx, filter, page)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to list memories: %w", err)
	}
	out := make([]*model.Memory, len(rows))
	for i, r := range rows {
		out[i] = memoryFromRow(r)
	}
	return out, nil
}

// Search runs a plain BM25 search, unscored.
func (m *Manager) Search(ctx context.Context, query string, limit int, filter store.ListFilter) ([]store.ScoredResult, error) {
	return m.backend.BM25Search(ctx, query, limit, filter)
}

// SearchWithScoring implements the §4.2 query pipeline: BM25 + optional
// vector candidates merged, scored, and sorted with a deterministic tie
// break (testable property 5).
func (m *Manager) SearchWithScoring(ctx context.Context, query string, queryVec []float32, limit int, filter store.ListFilter, cfg *scoring.Config) ([]scoring.Scored, error) {
	effective := m.scoringCfg
	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("engine: invalid scoring config: %w", err)
		}
		effective = cfg.Normalized()
	}

	bm25, err := m.backend.BM25Search(ctx, query, limit*4, filter)
	if err != nil {
		return nil, fmt.Errorf("engine: bm25 search failed: %w", err)
	}

	var vec []store.VectorResult
	if len(queryVec) > 0 {
		// Vector search is an optional backend capability (§6.1); a backend
		// without it falls back to BM25-only scoring rather than failing
		// the whole query.
		vec, err = m.backend.VectorSearch(ctx, queryVec, limit*4)
		if err != nil {
			m.log.Warn("vector search unavailable, falling back to bm25-only scoring", "error", err)
			vec = nil
		}
	}

	merged := scoring.MergeCandidates(bm25, vec)
	now := time.Now().UnixMilli()
	candidates := make([]scoring.Candidate, 0, len(merged))
	for id, c := range merged {
		row, err := m.backend.GetMemory(ctx, id)
		if err != nil || row == nil {
			continue
		}
		c.AgeHours = float64(now-row.CreatedAt) / 3_600_000
		c.AccessCount = row.AccessCount
		c.PriorityValue = row.Priority
		c.CreatedAt = row.CreatedAt
		candidates = append(candidates, *c)
	}

	scored := scoring.RankAndSort(candidates, effective)
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// RelationshipsOfMemory lists every relationship touching memoryID.
func (m *Manager) RelationshipsOfMemory(ctx context.Context, memoryID string, relType string) ([]*model.Relationship, error) {
	return m.relationshipsFor(ctx, memoryID, relType)
}

// =============================================================================
// Entity
// =============================================================================

// CreateEntity creates a new entity.
func (m *Manager) CreateEntity(ctx context.Context, entityType, name string, properties map[string]any) (*model.Entity, error) {
	now := time.Now().UnixMilli()
	row := &store.EntityRow{
		ID:         model.EntityIDPrefix + uuid.New().String(),
		EntityType: entityType,
		Name:       name,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	propJSON, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to marshal entity properties: %w", err)
	}
	row.PropertiesJSON = string(propJSON)

	if err := m.backend.UpsertEntity(ctx, row); err != nil {
		return nil, fmt.Errorf("engine: failed to create entity: %w", err)
	}
	ent := entityFromRow(row)
	m.fireEvent(ctx, model.EventCreated, "entity", row.ID, nil, entityAfterMap(ent))
	return ent, nil
}

// GetEntity retrieves an entity by id.
func (m *Manager) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	row, err := m.backend.GetEntity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to get entity %s: %w", id, err)
	}
	if row == nil {
		return nil, engineerr.New(engineerr.NotFound, "entity not found", map[string]any{"id": id})
	}
	return entityFromRow(row), nil
}

// UpdateEntity applies a partial update to an existing entity.
func (m *Manager) UpdateEntity(ctx context.Context, id string, name *string, properties map[string]any) (*model.Entity, error) {
	row, err := m.backend.GetEntity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to get entity %s: %w", id, err)
	}
	if row == nil {
		return nil, engineerr.New(engineerr.NotFound, "entity not found", map[string]any{"id": id})
	}
	before := entityAfterMap(entityFromRow(row))

	if name != nil {
		row.Name = *name
	}
	if properties != nil {
		propJSON, err := json.Marshal(properties)
		if err != nil {
			return nil, fmt.Errorf("engine: failed to marshal entity properties: %w", err)
		}
		row.PropertiesJSON = string(propJSON)
	}
	row.UpdatedAt = time.Now().UnixMilli()

	if err := m.backend.UpsertEntity(ctx, row); err != nil {
		return nil, fmt.Errorf("engine: failed to update entity %s: %w", id, err)
	}
	ent := entityFromRow(row)
	m.fireEvent(ctx, model.EventUpdated, "entity", id, before, entityAfterMap(ent))
	return ent, nil
}

// DeleteEntity deletes an entity, vetoable by a before_deleted hook.
func (m *Manager) DeleteEntity(ctx context.Context, id string) error {
	row, err := m.backend.GetEntity(ctx, id)
	if err != nil {
		return fmt.Errorf("engine: failed to get entity %s: %w", id, err)
	}
	if row == nil {
		return nil
	}
	before := entityAfterMap(entityFromRow(row))

	if err := m.hooks.Dispatch(ctx, model.Event{
		Kind: model.EventBeforeDeleted, ResourceKind: "entity", ResourceID: id,
		Before: before, OccurredAt: time.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	if err := m.backend.DeleteEntity(ctx, id); err != nil {
		return fmt.Errorf("engine: failed to delete entity %s: %w", id, err)
	}
	if err := m.backend.DeleteRelationshipsReferencing(ctx, id); err != nil {
		m.log.Warn("failed to clean up relationships after entity delete", "entity_id", id, "error", err)
	}
	m.router.Publish(ctx, model.Event{Kind: model.EventBeforeDeleted, ResourceKind: "entity", ResourceID: id, Before: before, OccurredAt: time.Now().UnixMilli()})
	return nil
}

// ListEntities lists entities, optionally filtered by type.
func (m *Manager) ListEntities(ctx context.Context, entityType string) ([]*model.Entity, error) {
	rows, err := m.backend.ListEntities(ctx, entityType)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to list entities: %w", err)
	}
	out := make([]*model.Entity, len(rows))
	for i, r := range rows {
		out[i] = entityFromRow(r)
	}
	return out, nil
}

// MemoriesOfEntity lists memories related to an entity by any relationship.
func (m *Manager) MemoriesOfEntity(ctx context.Context, entityID string) ([]*model.Memory, error) {
	ids, err := m.backend.Neighbors(ctx, entityID, 1, "", "both")
	if err != nil {
		return nil, fmt.Errorf("engine: failed to list neighbors of %s: %w", entityID, err)
	}
	var out []*model.Memory
	for _, id := range ids {
		row, err := m.backend.GetMemory(ctx, id)
		if err != nil {
			return nil, err
		}
		if row != nil {
			out = append(out, memoryFromRow(row))
		}
	}
	return out, nil
}

// RelationshipsOfEntity lists every relationship touching entityID.
func (m *Manager) RelationshipsOfEntity(ctx context.Context, entityID string, relType string) ([]*model.Relationship, error) {
	return m.relationshipsFor(ctx, entityID, relType)
}

func (m *Manager) relationshipsFor(ctx context.Context, nodeID, relType string) ([]*model.Relationship, error) {
	rows, err := m.backend.ListRelationshipsFor(ctx, nodeID, relType)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to list relationships for %s: %w", nodeID, err)
	}
	out := make([]*model.Relationship, len(rows))
	for i, r := range rows {
		out[i] = relationshipFromRow(r)
	}
	return out, nil
}

// =============================================================================
// Relationship
// =============================================================================

// RelationshipMode selects how CreateRelationship treats an unregistered
// relType. EnforceConstraints (the zero value) is the default: unknown
// types are rejected. Permissive bypasses that rejection -- but never
// the source/target existence check -- per §4.3's last bullet.
type RelationshipMode string

const (
	EnforceConstraints RelationshipMode = ""
	Permissive         RelationshipMode = "permissive"
)

// CreateRelationship creates a typed edge, enforcing the relationship-type
// registry's constraints (§4.3) and materializing the inverse edge at
// write time when the type is symmetric (Open Question 2's resolution).
// An unregistered relType is rejected unless mode is Permissive, in which
// case the edge is still created and the type's usage is still counted in
// the registry's metrics (via a synthetic unregistered-type entry) so
// §4.3's "still recorded in metrics" requirement holds either way.
func (m *Manager) CreateRelationship(ctx context.Context, sourceID, targetID, relType string, properties map[string]any, mode RelationshipMode) (*model.Relationship, error) {
	if err := m.checkNodeExists(ctx, sourceID); err != nil {
		return nil, err
	}
	if err := m.checkNodeExists(ctx, targetID); err != nil {
		return nil, err
	}

	def, known := m.registry.Get(relType)
	if !known {
		if mode != Permissive {
			return nil, engineerr.New(engineerr.ValidationError, "unknown relationship type", map[string]any{"type": relType})
		}
		m.log.Warn("relationship created with unregistered type in permissive mode", "type", relType)
	} else if err := validateAgainstSchema(properties, def.MetadataSchema); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	propJSON, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to marshal relationship properties: %w", err)
	}

	row := &store.RelationshipRow{
		ID: model.RelationshipIDPrefix + uuid.New().String(), SourceID: sourceID, TargetID: targetID,
		RelationshipType: relType, PropertiesJSON: string(propJSON), CreatedAt: now, UpdatedAt: now,
	}
	if err := m.backend.UpsertRelationship(ctx, row); err != nil {
		return nil, fmt.Errorf("engine: failed to create relationship: %w", err)
	}
	m.registry.RecordCreation(relType)

	if known && def.Symmetric && sourceID != targetID {
		inverse := &store.RelationshipRow{
			ID: model.RelationshipIDPrefix + uuid.New().String(), SourceID: targetID, TargetID: sourceID,
			RelationshipType: relType, PropertiesJSON: string(propJSON), CreatedAt: now, UpdatedAt: now,
		}
		if err := m.backend.UpsertRelationship(ctx, inverse); err != nil {
			return nil, fmt.Errorf("engine: failed to create inverse relationship: %w", err)
		}
		m.registry.RecordCreation(relType)
	}

	rel := relationshipFromRow(row)
	m.fireEvent(ctx, model.EventCreated, "relationship", row.ID, nil, relationshipAfterMap(rel))
	return rel, nil
}

func (m *Manager) checkNodeExists(ctx context.Context, id string) error {
	if strings.HasPrefix(id, model.EntityIDPrefix) {
		row, err := m.backend.GetEntity(ctx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return engineerr.New(engineerr.ReferentialIntegrity, "relationship references unknown entity", map[string]any{"id": id})
		}
		return nil
	}
	row, err := m.backend.GetMemory(ctx, id)
	if err != nil {
		return err
	}
	if row == nil {
		return engineerr.New(engineerr.ReferentialIntegrity, "relationship references unknown memory", map[string]any{"id": id})
	}
	return nil
}

func validateAgainstSchema(properties map[string]any, schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	for key, spec := range schema {
		required, _ := spec.(bool)
		if required {
			if _, ok := properties[key]; !ok {
				return engineerr.New(engineerr.ValidationError, "relationship metadata missing required field", map[string]any{"field": key})
			}
		}
	}
	return nil
}

// GetRelationship retrieves a relationship by id.
func (m *Manager) GetRelationship(ctx context.Context, id string) (*model.Relationship, error) {
	row, err := m.backend.GetRelationship(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to get relationship %s: %w", id, err)
	}
	if row == nil {
		return nil, engineerr.New(engineerr.NotFound, "relationship not found", map[string]any{"id": id})
	}
	return relationshipFromRow(row), nil
}

// UpdateRelationship replaces a relationship's properties.
func (m *Manager) UpdateRelationship(ctx context.Context, id string, properties map[string]any) (*model.Relationship, error) {
	row, err := m.backend.GetRelationship(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to get relationship %s: %w", id, err)
	}
	if row == nil {
		return nil, engineerr.New(engineerr.NotFound, "relationship not found", map[string]any{"id": id})
	}
	before := relationshipAfterMap(relationshipFromRow(row))

	propJSON, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to marshal relationship properties: %w", err)
	}
	row.PropertiesJSON = string(propJSON)
	row.UpdatedAt = time.Now().UnixMilli()

	if err := m.backend.UpsertRelationship(ctx, row); err != nil {
		return nil, fmt.Errorf("engine: failed to update relationship %s: %w", id, err)
	}
	rel := relationshipFromRow(row)
	m.fireEvent(ctx, model.EventUpdated, "relationship", id, before, relationshipAfterMap(rel))
	return rel, nil
}

// DeleteRelationship removes a relationship, vetoable by a before_deleted
// hook, also removing the materialized inverse edge for symmetric types.
func (m *Manager) DeleteRelationship(ctx context.Context, id string) error {
	row, err := m.backend.GetRelationship(ctx, id)
	if err != nil {
		return fmt.Errorf("engine: failed to get relationship %s: %w", id, err)
	}
	if row == nil {
		return nil
	}
	before := relationshipAfterMap(relationshipFromRow(row))

	if err := m.hooks.Dispatch(ctx, model.Event{
		Kind: model.EventBeforeDeleted, ResourceKind: "relationship", ResourceID: id,
		Before: before, OccurredAt: time.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	if err := m.backend.DeleteRelationship(ctx, id); err != nil {
		return fmt.Errorf("engine: failed to delete relationship %s: %w", id, err)
	}
	m.registry.RecordDeletion(row.RelationshipType)

	if def, ok := m.registry.Get(row.RelationshipType); ok && def.Symmetric {
		m.deleteSymmetricInverse(ctx, row)
	}

	m.router.Publish(ctx, model.Event{Kind: model.EventBeforeDeleted, ResourceKind: "relationship", ResourceID: id, Before: before, OccurredAt: time.Now().UnixMilli()})
	return nil
}

func (m *Manager) deleteSymmetricInverse(ctx context.Context, row *store.RelationshipRow) {
	inverses, err := m.backend.ListRelationshipsFor(ctx, row.TargetID, row.RelationshipType)
	if err != nil {
		m.log.Warn("failed to look up symmetric inverse", "relationship_id", row.ID, "error", err)
		return
	}
	for _, inv := range inverses {
		if inv.SourceID == row.TargetID && inv.TargetID == row.SourceID {
			if err := m.backend.DeleteRelationship(ctx, inv.ID); err != nil {
				m.log.Warn("failed to delete symmetric inverse", "relationship_id", inv.ID, "error", err)
				continue
			}
			m.registry.RecordDeletion(inv.RelationshipType)
		}
	}
}

// ListRelationships lists relationships touching nodeID, optionally
// filtered by type.
func (m *Manager) ListRelationships(ctx context.Context, nodeID, relType string) ([]*model.Relationship, error) {
	return m.relationshipsFor(ctx, nodeID, relType)
}

// Related returns the ids related to nodeID by relType, implementing S3's
// bidirectional symmetric read.
func (m *Manager) Related(ctx context.Context, nodeID, relType string) ([]string, error) {
	rows, err := m.backend.ListRelationshipsFor(ctx, nodeID, relType)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to list related for %s: %w", nodeID, err)
	}

	scratch := pool.GetStringSlice()
	for _, r := range rows {
		other := r.SourceID
		if r.SourceID == nodeID {
			other = r.TargetID
		}
		// A symmetric type stores both a forward and an inverse edge, so the
		// same neighbour can appear twice.
		dup := false
		for _, s := range scratch {
			if s == other {
				dup = true
				break
			}
		}
		if !dup {
			scratch = append(scratch, other)
		}
	}
	var out []string
	if len(scratch) > 0 {
		out = make([]string, len(scratch))
		copy(out, scratch)
	}
	pool.PutStringSlice(scratch)
	return out, nil
}

// =============================================================================
// RelationshipType registry
// =============================================================================

// RegisterRelationshipType registers a new relationship type.
func (m *Manager) RegisterRelationshipType(def model.RelationshipTypeDef) error {
	now := time.Now().UnixMilli()
	def.CreatedAt, def.UpdatedAt = now, now
	return m.registry.Register(def)
}

// GetRelationshipType looks up a registered type.
func (m *Manager) GetRelationshipType(name string) (model.RelationshipTypeDef, bool) {
	return m.registry.Get(name)
}

// UpdateRelationshipType replaces a type's definition.
func (m *Manager) UpdateRelationshipType(def model.RelationshipTypeDef) error {
	return m.registry.Update(def)
}

// DeleteRelationshipType removes a type, refused while edges reference it.
func (m *Manager) DeleteRelationshipType(name string) error {
	return m.registry.Delete(name)
}

// ListRelationshipTypes lists every registered type.
func (m *Manager) ListRelationshipTypes() []model.RelationshipTypeDef {
	return m.registry.List()
}

// RelationshipTypeMetrics returns usage counters for a type.
func (m *Manager) RelationshipTypeMetrics(name string) (registry.Metrics, bool) {
	return m.registry.Metrics(name)
}

// SeedRelationshipTypes reloads the built-in starter set.
func (m *Manager) SeedRelationshipTypes() error {
	return m.registry.Seed(time.Now().UnixMilli())
}

// =============================================================================
// Versioning
// =============================================================================

// CreateMemoryVersion appends a new version for an existing memory without
// changing its current content (used by callers building explicit version
// history independent of UpdateMemory).
func (m *Manager) CreateMemoryVersion(ctx context.Context, memoryID, content string, metadata map[string]any) (*model.MemoryVersion, error) {
	return m.versions.CreateVersion(ctx, memoryID, content, metadata, time.Now().UnixMilli())
}

// GetMemoryVersion reconstructs a version's content.
func (m *Manager) GetMemoryVersion(ctx context.Context, versionID string) (string, error) {
	return m.versions.Reconstruct(ctx, versionID)
}

// GetMemoryAtTime implements time travel (§4.7, S4).
func (m *Manager) GetMemoryAtTime(ctx context.Context, memoryID string, t int64) (*model.MemoryVersion, bool, error) {
	return m.versions.GetAtTime(ctx, memoryID, t)
}

// ListMemoryVersions lists a memory's version chain (newest first).
func (m *Manager) ListMemoryVersions(ctx context.Context, memoryID string) ([]*model.MemoryVersion, error) {
	rows, err := m.backend.ListVersions(ctx, memoryID)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to list versions for %s: %w", memoryID, err)
	}
	out := make([]*model.MemoryVersion, 0, len(rows))
	for _, r := range rows {
		v, err := versioning.RowToModel(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// DiffVersions materialises two versions and returns their structured
// line-level hunks.
func (m *Manager) DiffVersions(ctx context.Context, versionA, versionB string) ([]model.Hunk, error) {
	a, err := m.versions.Reconstruct(ctx, versionA)
	if err != nil {
		return nil, err
	}
	b, err := m.versions.Reconstruct(ctx, versionB)
	if err != nil {
		return nil, err
	}
	return versioning.Diff(a, b), nil
}

// DeleteMemoryVersion deletes a single version from the chain.
func (m *Manager) DeleteMemoryVersion(ctx context.Context, versionID string) error {
	return m.backend.DeleteVersion(ctx, versionID)
}

// PromoteMemoryVersion promotes a Delta version to Full in place.
func (m *Manager) PromoteMemoryVersion(ctx context.Context, versionID string) error {
	return m.versions.Promote(ctx, versionID)
}

// CompactMemoryVersions compresses versions of memoryID older than the
// configured threshold, returning the count compressed.
func (m *Manager) CompactMemoryVersions(ctx context.Context, memoryID string) (int, error) {
	return m.versions.Compress(ctx, memoryID, time.Now().UnixMilli())
}

// VersionStats reports the current chain length and Full/Delta split for a
// memory's version history.
type VersionStats struct {
	Total      int
	FullCount  int
	DeltaCount int
}

// MemoryVersionStats computes chain statistics for a memory.
func (m *Manager) MemoryVersionStats(ctx context.Context, memoryID string) (VersionStats, error) {
	rows, err := m.backend.ListVersions(ctx, memoryID)
	if err != nil {
		return VersionStats{}, fmt.Errorf("engine: failed to list versions for %s: %w", memoryID, err)
	}
	stats := VersionStats{Total: len(rows)}
	for _, r := range rows {
		if r.IsFull {
			stats.FullCount++
		} else {
			stats.DeltaCount++
		}
	}
	return stats, nil
}

// ValidateMemoryVersions scans memoryID's version chain for structural
// problems.
func (m *Manager) ValidateMemoryVersions(ctx context.Context, memoryID string) (*versioning.ValidationReport, error) {
	return m.versions.Validate(ctx, memoryID)
}

// RepairMemoryVersions attempts to repair a previously reported validation
// problem.
func (m *Manager) RepairMemoryVersions(ctx context.Context, report *versioning.ValidationReport) *versioning.ValidationReport {
	return m.versions.Repair(ctx, report)
}

// =============================================================================
// Snapshot
// =============================================================================

// CreateSnapshot captures the current version id of every memory named in
// memoryIDs (or every memory when memoryIDs is empty), per §4.7.
func (m *Manager) CreateSnapshot(ctx context.Context, memoryIDs []string, metadata map[string]any) (*model.Snapshot, error) {
	ids := memoryIDs
	if len(ids) == 0 {
		allRows, err := m.backend.ListMemories(ctx, store.ListFilter{}, store.Page{Limit: -1})
		if err != nil {
			return nil, fmt.Errorf("engine: failed to list memories for snapshot: %w", err)
		}
		ids = make([]string, len(allRows))
		for i, r := range allRows {
			ids[i] = r.ID
		}
	}

	versionMap := make(map[string]string, len(ids))
	for _, id := range ids {
		versions, err := m.backend.ListVersions(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("engine: failed to list versions for %s: %w", id, err)
		}
		if len(versions) == 0 {
			continue
		}
		versionMap[id] = versions[0].VersionID // ListVersions orders created_at DESC
	}

	versionMapJSON, err := json.Marshal(versionMap)
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}

	row := &store.SnapshotRow{
		SnapshotID:     model.SnapshotIDPrefix + uuid.New().String(),
		CreatedAt:      time.Now().UnixMilli(),
		VersionMapJSON: string(versionMapJSON),
		MetadataJSON:   string(metaJSON),
	}
	if err := m.backend.PutSnapshot(ctx, row); err != nil {
		return nil, fmt.Errorf("engine: failed to persist snapshot: %w", err)
	}
	return snapshotFromRow(row)
}

// GetSnapshot retrieves a snapshot by id.
func (m *Manager) GetSnapshot(ctx context.Context, snapshotID string) (*model.Snapshot, error) {
	row, err := m.backend.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to get snapshot %s: %w", snapshotID, err)
	}
	if row == nil {
		return nil, engineerr.New(engineerr.NotFound, "snapshot not found", map[string]any{"id": snapshotID})
	}
	return snapshotFromRow(row)
}

// ListSnapshots lists every snapshot.
func (m *Manager) ListSnapshots(ctx context.Context) ([]*model.Snapshot, error) {
	rows, err := m.backend.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to list snapshots: %w", err)
	}
	out := make([]*model.Snapshot, 0, len(rows))
	for _, r := range rows {
		s, err := snapshotFromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// RestoreMode selects how RestoreSnapshot applies snapshot state.
type RestoreMode string

const (
	RestoreOverwrite      RestoreMode = "overwrite"
	RestoreSkipExisting   RestoreMode = "skip_existing"
	RestoreCreateVersions RestoreMode = "create_versions"
)

// RestoreSnapshot applies snapshot's captured version state to current
// memories under one of the three §4.7 modes. Testable property 4: after
// RestoreOverwrite, state is observationally equal to the snapshot's
// captured state for every memory it names.
func (m *Manager) RestoreSnapshot(ctx context.Context, snapshotID string, mode RestoreMode) (int, error) {
	row, err := m.backend.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return 0, fmt.Errorf("engine: failed to get snapshot %s: %w", snapshotID, err)
	}
	if row == nil {
		return 0, engineerr.New(engineerr.NotFound, "snapshot not found", map[string]any{"id": snapshotID})
	}
	var versionMap map[string]string
	if err := json.Unmarshal([]byte(row.VersionMapJSON), &versionMap); err != nil {
		return 0, fmt.Errorf("engine: failed to unmarshal snapshot version map: %w", err)
	}

	restored := 0
	now := time.Now().UnixMilli()
	for memoryID, versionID := range versionMap {
		memRow, err := m.backend.GetMemory(ctx, memoryID)
		if err != nil {
			return restored, err
		}
		if memRow != nil && mode == RestoreSkipExisting {
			continue
		}

		content, err := m.versions.Reconstruct(ctx, versionID)
		if err != nil {
			m.log.Warn("failed to reconstruct snapshot version during restore", "version_id", versionID, "error", err)
			continue
		}

		if memRow == nil {
			memRow = &store.MemoryRow{ID: memoryID, CreatedAt: now}
		}
		memRow.Content = content
		memRow.UpdatedAt = now
		if err := m.backend.UpsertMemory(ctx, memRow); err != nil {
			return restored, fmt.Errorf("engine: failed to restore memory %s: %w", memoryID, err)
		}
		if mode == RestoreCreateVersions {
			if _, err := m.versions.CreateVersion(ctx, memoryID, content, nil, now); err != nil {
				m.log.Warn("failed to append version during restore", "memory_id", memoryID, "error", err)
			}
		}
		restored++
	}
	return restored, nil
}

// SearchSnapshots is a thin pass-through for callers that want to search
// the set of captured snapshots by metadata (linear scan: snapshots are not
// expected to number in the thousands).
func (m *Manager) SearchSnapshots(ctx context.Context, predicate func(*model.Snapshot) bool) ([]*model.Snapshot, error) {
	all, err := m.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.Snapshot
	for _, s := range all {
		if predicate == nil || predicate(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetMemoryFromSnapshot reconstructs a single memory's content as it was
// captured in snapshotID, without mutating current state.
func (m *Manager) GetMemoryFromSnapshot(ctx context.Context, snapshotID, memoryID string) (string, error) {
	snap, err := m.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return "", err
	}
	versionID, ok := snap.VersionMap[memoryID]
	if !ok {
		return "", engineerr.New(engineerr.NotFound, "memory not present in snapshot", map[string]any{"memory_id": memoryID, "snapshot_id": snapshotID})
	}
	return m.versions.Reconstruct(ctx, versionID)
}

// =============================================================================
// Batch
// =============================================================================

// ExecuteBatch runs a batch of operations in the given mode.
func (m *Manager) ExecuteBatch(ctx context.Context, ops []batch.Operation, mode batch.Mode) (*batch.BatchResult, error) {
	return m.batch.Execute(ctx, ops, mode)
}

// =============================================================================
// Hooks
// =============================================================================

// RegisterHook registers a lifecycle hook.
func (m *Manager) RegisterHook(reg model.HookRegistration) {
	reg.RegisteredAt = time.Now().UnixMilli()
	m.hooks.Register(reg)
}

// UnregisterHook removes a hook by id.
func (m *Manager) UnregisterHook(id string) {
	m.hooks.Unregister(id)
}

// ListHooks lists every registered hook.
func (m *Manager) ListHooks() []model.HookRegistration {
	return m.hooks.List()
}

// =============================================================================
// Events
// =============================================================================

// Subscribe registers a live-event subscription matching filter.
func (m *Manager) Subscribe(id string, filter events.Filter) events.Subscription {
	return m.router.Subscribe(id, filter)
}

// Unsubscribe removes a subscription.
func (m *Manager) Unsubscribe(id string) {
	m.router.Unsubscribe(id)
}

// fireEvent dispatches non-veto hooks (created/accessed/updated never veto;
// only before_deleted can) and publishes to the live router.
func (m *Manager) fireEvent(ctx context.Context, kind model.HookEvent, resourceKind, resourceID string, before, after map[string]any) {
	evt := model.Event{Kind: kind, ResourceKind: resourceKind, ResourceID: resourceID, Before: before, After: after, OccurredAt: time.Now().UnixMilli()}
	if err := m.hooks.Dispatch(ctx, evt); err != nil {
		m.log.Warn("hook dispatch failed", "resource_kind", resourceKind, "resource_id", resourceID, "error", err)
	}
	m.router.Publish(ctx, evt)
}

// =============================================================================
// Entity extraction
// =============================================================================

// ExtractEntities runs the wired extraction pipeline over text, or returns
// an empty result if none was configured via SetExtractionPipeline.
func (m *Manager) ExtractEntities(ctx context.Context, text string) ([]extraction.Candidate, error) {
	if m.extraction == nil {
		return nil, nil
	}
	return m.extraction.Run(ctx, text)
}

// =============================================================================
// Embedding
// =============================================================================

func (m *Manager) validateEmbedding(vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	return embedding.Validate(vec, m.embeddingCfg)
}

// =============================================================================
// model <-> store row conversions
// =============================================================================

func encodeProperties(row *store.MemoryRow, properties map[string]any) error {
	data, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("engine: failed to marshal memory properties: %w", err)
	}
	row.PropertiesJSON = string(data)
	return nil
}

func memoryFromRow(row *store.MemoryRow) *model.Memory {
	var props map[string]any
	if row.PropertiesJSON != "" {
		_ = json.Unmarshal([]byte(row.PropertiesJSON), &props)
	}
	mt, err := model.NewMemoryType(row.MemoryType)
	if err != nil {
		mt = model.CustomMemoryType(row.MemoryType)
	}
	return &model.Memory{
		ID: row.ID, Content: row.Content, MemoryType: mt, Priority: model.Priority(row.Priority),
		Tags: row.Tags, Source: row.Source, Properties: props, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
		LastAccessed: row.LastAccessed, AccessCount: row.AccessCount, ExpiresAt: row.ExpiresAt,
		Embedding: row.Embedding, RelatedMemories: row.RelatedMemories,
	}
}

func entityFromRow(row *store.EntityRow) *model.Entity {
	var props map[string]any
	if row.PropertiesJSON != "" {
		_ = json.Unmarshal([]byte(row.PropertiesJSON), &props)
	}
	return &model.Entity{
		ID: row.ID, EntityType: row.EntityType, Name: row.Name, Properties: props,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
}

func relationshipFromRow(row *store.RelationshipRow) *model.Relationship {
	var props map[string]any
	if row.PropertiesJSON != "" {
		_ = json.Unmarshal([]byte(row.PropertiesJSON), &props)
	}
	return &model.Relationship{
		ID: row.ID, SourceID: row.SourceID, TargetID: row.TargetID, RelationshipType: row.RelationshipType,
		Properties: props, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
}

func snapshotFromRow(row *store.SnapshotRow) (*model.Snapshot, error) {
	var versionMap map[string]string
	if row.VersionMapJSON != "" {
		if err := json.Unmarshal([]byte(row.VersionMapJSON), &versionMap); err != nil {
			return nil, err
		}
	}
	var meta map[string]any
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &meta); err != nil {
			return nil, err
		}
	}
	return &model.Snapshot{SnapshotID: row.SnapshotID, CreatedAt: row.CreatedAt, VersionMap: versionMap, Metadata: meta}, nil
}

func memoryAfterMap(mem *model.Memory) map[string]any {
	data, _ := json.Marshal(mem)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

func entityAfterMap(ent *model.Entity) map[string]any {
	data, _ := json.Marshal(ent)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

func relationshipAfterMap(rel *model.Relationship) map[string]any {
	data, _ := json.Marshal(rel)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}
