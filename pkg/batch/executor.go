// Package batch implements the Batch Executor (§4.6): a bounded set of
// typed operations applied either sequentially (best-effort, independent
// failures) or transactionally (atomic, first failure aborts the whole
// batch). Execute's typed switch over operation kind, one result per
// call, is grounded on GoKitt's pkg/batch.Service.Complete/CompleteWithTools
// provider-keyed dispatch, generalized here from LLM-provider selection to
// storage-operation selection.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blakebarnett/locai/internal/store"
	"github.com/blakebarnett/locai/pkg/engineerr"
)

// OpKind enumerates the operation kinds a batch may contain.
type OpKind string

const (
	OpCreateMemory       OpKind = "create_memory"
	OpUpdateMemory       OpKind = "update_memory"
	OpDeleteMemory       OpKind = "delete_memory"
	OpCreateRelationship OpKind = "create_relationship"
	OpUpdateRelationship OpKind = "update_relationship"
	OpDeleteRelationship OpKind = "delete_relationship"
	OpUpdateMetadata     OpKind = "update_metadata"
)

// Operation is one unit of work in a batch. Exactly the fields relevant to
// Kind are populated; callers (the engine facade) are responsible for
// building rows from validated model-level requests before submission.
type Operation struct {
	Kind OpKind

	Memory   *store.MemoryRow // CreateMemory / UpdateMemory
	MemoryID string           // DeleteMemory / UpdateMetadata target

	Relationship   *store.RelationshipRow // CreateRelationship / UpdateRelationship
	RelationshipID string                 // DeleteRelationship

	MetadataPatch map[string]any // UpdateMetadata: properties merged into the existing memory
}

// Mode selects how a batch is applied.
type Mode string

const (
	// ModeSequential applies operations independently; a failing operation
	// does not prevent later operations from running.
	ModeSequential Mode = "sequential"
	// ModeTransactional applies all operations inside a single storage
	// transaction; the first failure rolls back the entire batch.
	ModeTransactional Mode = "transactional"
)

// OpResult is the outcome of a single operation, reported in submission
// order regardless of mode.
type OpResult struct {
	Index int
	Kind  OpKind
	ID    string
	Err   error
}

// BatchResult is the outcome of an entire batch.
type BatchResult struct {
	TransactionID string // populated only for ModeTransactional
	Results       []OpResult
	Aborted       bool // true when a transactional batch rolled back
}

// Config bounds batch size and wall-clock time (§4.6 defaults: <=1000 ops,
// <=30s, both operator-configurable).
type Config struct {
	MaxOperations int
	MaxWallTime   time.Duration
}

// DefaultConfig returns the spec's documented limits.
func DefaultConfig() Config {
	return Config{MaxOperations: 1000, MaxWallTime: 30 * time.Second}
}

// Executor applies batches of operations against a storage Backend.
type Executor struct {
	backend store.Backend
	cfg     Config
}

// New creates an Executor bound to backend with the given limits.
func New(backend store.Backend, cfg Config) *Executor {
	if cfg.MaxOperations <= 0 {
		cfg.MaxOperations = 1000
	}
	if cfg.MaxWallTime <= 0 {
		cfg.MaxWallTime = 30 * time.Second
	}
	return &Executor{backend: backend, cfg: cfg}
}

// Execute applies ops under mode, honoring the configured size and
// wall-time limits.
func (e *Executor) Execute(ctx context.Context, ops []Operation, mode Mode) (*BatchResult, error) {
	if len(ops) > e.cfg.MaxOperations {
		return nil, engineerr.New(engineerr.BatchTooLarge, "batch exceeds maximum operation count", map[string]any{
			"submitted": len(ops),
			"max":       e.cfg.MaxOperations,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.MaxWallTime)
	defer cancel()

	if mode == ModeTransactional {
		return e.executeTransactional(ctx, ops)
	}
	return &BatchResult{Results: e.applyAll(ctx, e.backend, ops)}, nil
}

func (e *Executor) executeTransactional(ctx context.Context, ops []Operation) (*BatchResult, error) {
	if !e.backend.SupportsTransactions() {
		return nil, engineerr.New(engineerr.CapabilityError, "backend does not support transactional batches", nil)
	}

	txnID := uuid.New().String()
	var results []OpResult
	err := e.backend.WithTransaction(ctx, func(tx store.Backend) error {
		results = e.applyAll(ctx, tx, ops)
		for _, r := range results {
			if r.Err != nil {
				return fmt.Errorf("batch: operation %d (%s) failed: %w", r.Index, r.Kind, r.Err)
			}
		}
		return nil
	})

	if err != nil {
		return &BatchResult{TransactionID: txnID, Results: results, Aborted: true}, err
	}
	return &BatchResult{TransactionID: txnID, Results: results}, nil
}

func (e *Executor) applyAll(ctx context.Context, b store.Backend, ops []Operation) []OpResult {
	results := make([]OpResult, len(ops))
	for i, op := range ops {
		select {
		case <-ctx.Done():
			results[i] = OpResult{Index: i, Kind: op.Kind, Err: engineerr.New(engineerr.BatchTimeout, "batch wall-time limit exceeded", nil)}
			continue
		default:
		}
		id, err := e.applyOne(ctx, b, op)
		results[i] = OpResult{Index: i, Kind: op.Kind, ID: id, Err: err}
	}
	return results
}

func (e *Executor) applyOne(ctx context.Context, b store.Backend, op Operation) (string, error) {
	switch op.Kind {
	case OpCreateMemory, OpUpdateMemory:
		if op.Memory == nil {
			return "", engineerr.New(engineerr.InvalidArgument, "memory payload required", nil)
		}
		if err := b.UpsertMemory(ctx, op.Memory); err != nil {
			return "", err
		}
		return op.Memory.ID, nil

	case OpDeleteMemory:
		if err := b.DeleteMemory(ctx, op.MemoryID); err != nil {
			return "", err
		}
		if err := b.DeleteRelationshipsReferencing(ctx, op.MemoryID); err != nil {
			return "", err
		}
		return op.MemoryID, nil

	case OpCreateRelationship, OpUpdateRelationship:
		if op.Relationship == nil {
			return "", engineerr.New(engineerr.InvalidArgument, "relationship payload required", nil)
		}
		if err := b.UpsertRelationship(ctx, op.Relationship); err != nil {
			return "", err
		}
		return op.Relationship.ID, nil

	case OpDeleteRelationship:
		if err := b.DeleteRelationship(ctx, op.RelationshipID); err != nil {
			return "", err
		}
		return op.RelationshipID, nil

	case OpUpdateMetadata:
		return e.applyMetadataPatch(ctx, b, op)

	default:
		return "", engineerr.New(engineerr.InvalidArgument, fmt.Sprintf("unknown batch operation kind %q", op.Kind), nil)
	}
}

func (e *Executor) applyMetadataPatch(ctx context.Context, b store.Backend, op Operation) (string, error) {
	row, err := b.GetMemory(ctx, op.MemoryID)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", engineerr.New(engineerr.NotFound, "memory not found", map[string]any{"memory_id": op.MemoryID})
	}

	merged := make(map[string]any)
	if row.PropertiesJSON != "" {
		if err := json.Unmarshal([]byte(row.PropertiesJSON), &merged); err != nil {
			return "", fmt.Errorf("batch: failed to unmarshal existing properties for %s: %w", op.MemoryID, err)
		}
	}
	for k, v := range op.MetadataPatch {
		merged[k] = v
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("batch: failed to marshal merged properties for %s: %w", op.MemoryID, err)
	}
	row.PropertiesJSON = string(encoded)

	if err := b.UpsertMemory(ctx, row); err != nil {
		return "", err
	}
	return row.ID, nil
}
