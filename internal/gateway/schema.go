package gateway

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry maps event kinds to compiled CUE payload schemas.
// A kind must be registered before the gateway will accept it;
// registration normally happens once at daemon startup.
//
// Thread-safety: registration and validation may run concurrently.
type SchemaRegistry struct {
	mu      sync.RWMutex
	cuectx  *cue.Context
	schemas map[string]cue.Value
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		cuectx:  cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
}

// RegisterKind compiles src as the payload schema for kind. Fails on
// CUE syntax errors and on re-registration of an existing kind.
func (r *SchemaRegistry) RegisterKind(kind, src string) error {
	if kind == "" {
		return fmt.Errorf("schema: empty kind")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schemas[kind]; exists {
		return fmt.Errorf("schema: kind %q already registered", kind)
	}

	v := r.cuectx.CompileString(src)
	if err := v.Err(); err != nil {
		return fmt.Errorf("schema: compile %q: %w", kind, err)
	}

	r.schemas[kind] = v
	return nil
}

// Has reports whether kind is registered.
func (r *SchemaRegistry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[kind]
	return ok
}

// Kinds returns the registered kinds, sorted.
func (r *SchemaRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Validate checks a canonical JSON payload against the schema for
// kind. JSON is valid CUE, so the payload compiles directly and
// unifies with the schema; Concrete rejects payloads that leave
// schema-required fields unfilled.
func (r *SchemaRegistry) Validate(kind string, canonicalJSON []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema: kind %q not registered", kind)
	}

	data := r.cuectx.CompileBytes(canonicalJSON)
	if err := data.Err(); err != nil {
		return fmt.Errorf("schema: payload for %q: %w", kind, err)
	}

	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema: %q: %w", kind, err)
	}
	return nil
}
