package resource

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when no resource has the requested name.
	ErrNotFound = errors.New("resource: not found")

	// ErrDuplicate is returned when registering a name twice.
	ErrDuplicate = errors.New("resource: already registered")

	// ErrInvalidValue is returned when an update cannot be decoded or fails validation.
	ErrInvalidValue = errors.New("resource: invalid value")
)

// Registry looks resources up by dotted name.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]Node)}
}

// Register adds n under n.Name().
func (r *Registry) Register(n Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[n.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, n.Name())
	}
	r.nodes[n.Name()] = n
	return nil
}

// Get returns the resource registered under name.
func (r *Registry) Get(name string) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return n, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the committed value of every resource keyed by name.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.nodes))
	for name, n := range r.nodes {
		out[name] = n.Snapshot()
	}
	return out
}
