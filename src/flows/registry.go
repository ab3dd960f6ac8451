package flows

import (
	"fmt"
	"sync"
)

// NodeFactory builds a node from the manager's current state. Factories are
// pure: all domain data they need comes from the state map or their closure
// parameters.
type NodeFactory func(m *Manager) *Node

// Registry is an arena of node factories keyed by name. Handlers hold the key
// of their successor and resolve it at dispatch time, so the handler/node
// graph has no cyclic ownership.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]NodeFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]NodeFactory)}
}

// Register associates a node name with its factory. Registering the same name
// twice replaces the factory.
func (r *Registry) Register(name string, factory NodeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Build constructs the named node against the given manager.
func (r *Registry) Build(name string, m *Manager) (*Node, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no node registered under %q", name)
	}
	node := factory(m)
	if node == nil {
		return nil, fmt.Errorf("factory for %q returned no node", name)
	}
	return node, nil
}

// Names lists the registered node names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
