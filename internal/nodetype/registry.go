package nodetype

import (
	"fmt"
	"sync"
)

// Registry holds the NodeTypes known to this process, keyed by name.
// Exactly one node type is normally registered per node process, but the
// registry allows a single binary to host more than one for testing.
type Registry struct {
	mu    sync.RWMutex
	types map[string]NodeType
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]NodeType)}
}

// Register validates and adds a NodeType. It errors if the name is
// already registered or the NodeType fails its own invariants.
func (r *Registry) Register(nt NodeType) error {
	if err := nt.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[nt.Name]; exists {
		return fmt.Errorf("node type %q already registered", nt.Name)
	}
	r.types[nt.Name] = nt
	return nil
}

// Get looks up a registered NodeType by name.
func (r *Registry) Get(name string) (NodeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nt, ok := r.types[name]
	return nt, ok
}

// Names lists every registered node type name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}
