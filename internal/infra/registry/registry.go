package registry

import (
	"fmt"

	"econd/internal/domain"
)

// Registry is the read-only catalog of server definitions. Loaded once at
// startup; a malformed definition is fatal there, never at runtime.
type Registry struct {
	defs  []domain.ServerDefinition
	index map[string]int
}

func New(defs []domain.ServerDefinition) (*Registry, error) {
	index := make(map[string]int, len(defs))
	for i, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("servers[%d]: id is required", i)
		}
		if _, dup := index[def.ID]; dup {
			return nil, fmt.Errorf("servers[%d]: duplicate id %q", i, def.ID)
		}
		index[def.ID] = i
	}
	return &Registry{defs: defs, index: index}, nil
}

// All returns definitions in declaration order.
func (r *Registry) All() []domain.ServerDefinition {
	out := make([]domain.ServerDefinition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Find returns the definition for an id.
func (r *Registry) Find(id string) (domain.ServerDefinition, error) {
	i, ok := r.index[id]
	if !ok {
		return domain.ServerDefinition{}, fmt.Errorf("%w: %s", domain.ErrUnknownServer, id)
	}
	return r.defs[i], nil
}

// FindByCapability returns definitions carrying a capability tag, in
// declaration order.
func (r *Registry) FindByCapability(tag string) []domain.ServerDefinition {
	var out []domain.ServerDefinition
	for _, def := range r.defs {
		if def.HasCapability(tag) {
			out = append(out, def)
		}
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.defs)
}
