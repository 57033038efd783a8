// Package model defines the core data types of the Locai engine: memories,
// entities, relationships, relationship-type definitions, memory versions,
// and snapshots, along with the invariants described for each.
package model

import (
	"context"
	"fmt"
)

// MemoryType categorizes the kind of observation a Memory captures. Custom
// allows callers to extend the set without a schema migration.
type MemoryType struct {
	Kind   string // one of the builtin kinds, or "custom"
	Custom string // populated when Kind == "custom"
}

const (
	MemoryTypeFact         = "fact"
	MemoryTypeEpisodic     = "episodic"
	MemoryTypeSemantic     = "semantic"
	MemoryTypeProcedural   = "procedural"
	MemoryTypeConversation = "conversation"
	MemoryTypeObservation  = "observation"
	MemoryTypeCustomKind   = "custom"
)

// NewMemoryType builds a builtin memory type, validating against the known set.
func NewMemoryType(kind string) (MemoryType, error) {
	switch kind {
	case MemoryTypeFact, MemoryTypeEpisodic, MemoryTypeSemantic, MemoryTypeProcedural,
		MemoryTypeConversation, MemoryTypeObservation:
		return MemoryType{Kind: kind}, nil
	default:
		return MemoryType{}, fmt.Errorf("model: unknown memory type %q", kind)
	}
}

// CustomMemoryType builds an escape-hatch memory type.
func CustomMemoryType(name string) MemoryType {
	return MemoryType{Kind: MemoryTypeCustomKind, Custom: name}
}

// String renders the wire form of a memory type (lower_snake_case per §6.3).
func (t MemoryType) String() string {
	if t.Kind == MemoryTypeCustomKind {
		return t.Custom
	}
	return t.Kind
}

// Priority is a four-level importance band mapped to 0-3.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String renders the wire form of a priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority parses the wire form of a priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("model: unknown priority %q", s)
	}
}

// Memory is a single stored unit of agent memory.
type Memory struct {
	ID              string         `json:"id"`
	Content         string         `json:"content"`
	MemoryType      MemoryType     `json:"memory_type"`
	Priority        Priority       `json:"priority"`
	Tags            []string       `json:"tags"`
	Source          string         `json:"source,omitempty"`
	Properties      map[string]any `json:"properties,omitempty"`
	CreatedAt       int64          `json:"created_at"`
	UpdatedAt       int64          `json:"updated_at"`
	LastAccessed    *int64         `json:"last_accessed,omitempty"`
	AccessCount     uint64         `json:"access_count"`
	ExpiresAt       *int64         `json:"expires_at,omitempty"`
	Embedding       []float32      `json:"embedding,omitempty"`
	RelatedMemories []string       `json:"related_memories,omitempty"`
}

// MemoryIDPrefix namespaces memory ids so they are disjoint from entity ids.
const MemoryIDPrefix = "memory:"

// EntityIDPrefix namespaces entity ids so they are disjoint from memory ids.
const EntityIDPrefix = "entity:"

// RelationshipIDPrefix namespaces relationship ids.
const RelationshipIDPrefix = "rel:"

// VersionIDPrefix namespaces memory-version ids.
const VersionIDPrefix = "ver:"

// SnapshotIDPrefix namespaces snapshot ids.
const SnapshotIDPrefix = "snap:"

// Entity is a named thing referenced by memories and relationships.
type Entity struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	Name       string         `json:"name,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Relationship is a typed, directed edge between two memories/entities.
type Relationship struct {
	ID               string         `json:"id"`
	SourceID         string         `json:"source_id"`
	TargetID         string         `json:"target_id"`
	RelationshipType string         `json:"relationship_type"`
	Properties       map[string]any `json:"properties,omitempty"`
	CreatedAt        int64          `json:"created_at"`
	UpdatedAt        int64          `json:"updated_at"`
}

// RelationshipTypeDef describes a registered relationship type.
type RelationshipTypeDef struct {
	Name           string         `json:"name"`
	Inverse        string         `json:"inverse,omitempty"`
	Symmetric      bool           `json:"symmetric"`
	Transitive     bool           `json:"transitive"`
	MetadataSchema map[string]any `json:"metadata_schema,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// VersionContent is a tagged union: exactly one of Full/Delta is populated.
type VersionContent struct {
	IsFull bool `json:"is_full"`

	// Full
	Content          string         `json:"content,omitempty"`
	MetadataSnapshot map[string]any `json:"metadata_snapshot,omitempty"`

	// Delta
	BaseVersionID string `json:"base_version_id,omitempty"`
	Hunks         []Hunk `json:"hunks,omitempty"`
}

// Hunk is a single line-oriented diff hunk (Myers-style).
type Hunk struct {
	Op   string `json:"op"` // "equal" | "insert" | "delete"
	Text string `json:"text"`
}

// MemoryVersion is one entry in a memory's version chain.
type MemoryVersion struct {
	VersionID       string         `json:"version_id"`
	MemoryID        string         `json:"memory_id"`
	CreatedAt       int64          `json:"created_at"`
	ParentVersionID string         `json:"parent_version_id,omitempty"`
	Content         VersionContent `json:"content"`
	IsCompressed    bool           `json:"is_compressed"`
}

// Snapshot is an immutable point-in-time bookmark of version ids.
type Snapshot struct {
	SnapshotID string            `json:"snapshot_id"`
	CreatedAt  int64             `json:"created_at"`
	VersionMap map[string]string `json:"version_map"` // memory_id -> version_id
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// HookEvent enumerates the lifecycle points a hook may subscribe to.
type HookEvent string

const (
	EventCreated       HookEvent = "created"
	EventAccessed      HookEvent = "accessed"
	EventUpdated       HookEvent = "updated"
	EventBeforeDeleted HookEvent = "before_deleted"
)

// HookImplementation is either an in-process callable or a webhook descriptor.
type HookImplementation struct {
	Callback func(ctx context.Context, evt Event) (veto bool, err error)
	Webhook  *WebhookDescriptor
}

// WebhookDescriptor configures HTTP delivery of hook events.
type WebhookDescriptor struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"` // default POST
	Headers        map[string]string `json:"headers,omitempty"`
	SigningSecret  string            `json:"signing_secret,omitempty"`
	MaxAttempts    int               `json:"max_attempts,omitempty"`
	BackoffBaseMS  int               `json:"backoff_base_ms,omitempty"`
	SynchronousOK  bool              `json:"synchronous_ok,omitempty"`
}

// HookRegistration is a registered hook.
type HookRegistration struct {
	ID             string             `json:"id"`
	Events         []HookEvent        `json:"events"`
	Priority       int                `json:"priority"` // 0-100
	Timeout        int64              `json:"timeout_ms"`
	CanVeto        bool               `json:"can_veto"`
	Implementation HookImplementation `json:"-"`
	RegisteredAt   int64              `json:"registered_at"`
}

// Event is the payload delivered to hooks and subscribers.
type Event struct {
	NodeID       string         `json:"node_id"`
	Kind         HookEvent      `json:"kind"`
	ResourceKind string         `json:"resource_kind"` // "memory" | "entity" | "relationship"
	ResourceID   string         `json:"resource_id"`
	Before       map[string]any `json:"before,omitempty"`
	After        map[string]any `json:"after,omitempty"`
	OccurredAt   int64          `json:"occurred_at"`
}
