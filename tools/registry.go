package tools

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry maps tool id to Definition. A *Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]Definition
	schemas map[string]*jsonschema.Schema
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition), schemas: make(map[string]*jsonschema.Schema)}
}

// Register validates def.InputSchema and stores def under def.ID. Fails with
// ErrIDTaken if the id is already registered, or ErrMalformedSchema if the
// schema does not compile.
func (r *Registry) Register(def Definition) error {
	if def.ID == "" {
		return ErrMalformedSchema
	}
	compiled, err := compileSchema(def.ID, def.InputSchema)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists {
		return ErrIDTaken
	}
	r.defs[def.ID] = def
	r.schemas[def.ID] = compiled
	return nil
}

// Unregister removes a tool definition. It is a no-op if the id is unknown.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs, id)
	delete(r.schemas, id)
}

// Resolve returns the definition registered under id.
func (r *Registry) Resolve(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

func (r *Registry) schemaFor(id string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[id]
	return s, ok
}

// List returns every registered tool id.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	return ids
}

func compileSchema(id string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, ErrMalformedSchema
	}
	c := jsonschema.NewCompiler()
	res := "tool://" + id + "/input-schema.json"
	if err := c.AddResource(res, doc); err != nil {
		return nil, ErrMalformedSchema
	}
	schema, err := c.Compile(res)
	if err != nil {
		return nil, ErrMalformedSchema
	}
	return schema, nil
}
