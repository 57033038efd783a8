// Package registry implements the relationship-type registry (§4.3): a
// thread-safe in-process map of registered relationship types, their
// symmetric/transitive flags and metadata schemas, with usage metrics.
// Shaped after GoKitt's pkg/scanner/discovery.CandidateRegistry: a
// mutex-guarded map keyed by name, with an increment-and-check state
// machine for metrics and a two-tier name-validity check.
package registry

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/derekparker/trie/v3"

	"github.com/blakebarnett/locai/pkg/model"
)

var nameShape = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Metrics tracks per-type usage counters.
type Metrics struct {
	Creations    int
	Deletions    int
	CurrentCount int
}

// entry pairs a type definition with its live metrics.
type entry struct {
	def     model.RelationshipTypeDef
	metrics Metrics
}

// TypeRegistry is the in-process relationship-type registry.
type TypeRegistry struct {
	mu      sync.RWMutex
	types   map[string]*entry
	seedSet *trie.Trie
}

// New creates an empty registry.
func New() *TypeRegistry {
	return &TypeRegistry{
		types:   make(map[string]*entry),
		seedSet: trie.New(),
	}
}

// builtinSeedTypes is the "legacy enum treated as a seed set" per spec.md §9's
// open-question resolution: only the dynamic registry is exposed, and these
// are loaded through Register like any other type.
var builtinSeedTypes = []model.RelationshipTypeDef{
	{Name: "related_to"},
	{Name: "mentions"},
	{Name: "derived_from"},
	{Name: "caused_by"},
	{Name: "friends_with", Symmetric: true, Inverse: "friends_with"},
	{Name: "part_of", Inverse: "has_part"},
	{Name: "has_part", Inverse: "part_of"},
	{Name: "depends_on"},
	{Name: "references"},
}

// Seed loads the built-in starter set of common relationship types.
func (r *TypeRegistry) Seed(now int64) error {
	for _, def := range builtinSeedTypes {
		d := def
		d.CreatedAt = now
		d.UpdatedAt = now
		if err := r.Register(d); err != nil && !isAlreadyExists(err) {
			return err
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	type kindErr interface{ Code() string }
	if ke, ok := err.(kindErr); ok {
		return ke.Code() == "ALREADY_EXISTS"
	}
	return false
}

// Register adds a new relationship type definition.
func (r *TypeRegistry) Register(def model.RelationshipTypeDef) error {
	if !nameShape.MatchString(def.Name) {
		return fmt.Errorf("registry: invalid type name %q: must be lower_snake_case", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[def.Name]; exists {
		return &alreadyExistsError{name: def.Name}
	}

	r.types[def.Name] = &entry{def: def}
	r.seedSet.Add(def.Name, struct{}{})
	return nil
}

type alreadyExistsError struct{ name string }

func (e *alreadyExistsError) Error() string {
	return fmt.Sprintf("registry: relationship type %q already registered", e.name)
}
func (e *alreadyExistsError) Code() string { return "ALREADY_EXISTS" }

// Update replaces the fields of an existing type.
func (r *TypeRegistry) Update(def model.RelationshipTypeDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.types[def.Name]
	if !ok {
		return fmt.Errorf("registry: relationship type %q not found", def.Name)
	}
	createdAt := e.def.CreatedAt
	e.def = def
	e.def.CreatedAt = createdAt
	return nil
}

// Delete removes a type. It returns an error while edges of that type exist
// (its CurrentCount metric is above zero), per §4.3's referential-integrity
// rule.
func (r *TypeRegistry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.types[name]
	if !ok {
		return fmt.Errorf("registry: relationship type %q not found", name)
	}
	if e.metrics.CurrentCount > 0 {
		return fmt.Errorf("registry: cannot delete %q: %d edges of this type exist", name, e.metrics.CurrentCount)
	}
	delete(r.types, name)
	return nil
}

// Get returns the definition for name, or ok=false if unregistered.
func (r *TypeRegistry) Get(name string) (model.RelationshipTypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.types[name]
	if !ok {
		return model.RelationshipTypeDef{}, false
	}
	return e.def, true
}

// List returns every registered type definition.
func (r *TypeRegistry) List() []model.RelationshipTypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.RelationshipTypeDef, 0, len(r.types))
	for _, e := range r.types {
		out = append(out, e.def)
	}
	return out
}

// Metrics returns the usage counters for a type.
func (r *TypeRegistry) Metrics(name string) (Metrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.types[name]
	if !ok {
		return Metrics{}, false
	}
	return e.metrics, true
}

// RecordCreation increments the creation and current counters for a type,
// recorded in metrics even in permissive mode for unknown types (per §4.3).
func (r *TypeRegistry) RecordCreation(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.types[name]
	if !ok {
		e = &entry{def: model.RelationshipTypeDef{Name: name}}
		r.types[name] = e
	}
	e.metrics.Creations++
	e.metrics.CurrentCount++
}

// RecordDeletion decrements the current counter and increments deletions.
func (r *TypeRegistry) RecordDeletion(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.types[name]
	if !ok {
		return
	}
	e.metrics.Deletions++
	if e.metrics.CurrentCount > 0 {
		e.metrics.CurrentCount--
	}
}

// NameIsKnown reports whether name was registered via a fast prefix check
// against the seed-set trie before falling back to the authoritative map
// lookup — mirrors GoKitt's stopword double-check shape in
// pkg/scanner/discovery/registry.go's AddToken.
func (r *TypeRegistry) NameIsKnown(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.seedSet.Find(name); ok {
		return true
	}
	_, ok := r.types[name]
	return ok
}
