package client

import "sync"

// Registry maps provider ids to sources in registration order
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
	order   []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds a source, replacing any source with the same id
func (r *Registry) Register(source Source) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := source.ID()
	if _, exists := r.sources[id]; !exists {
		r.order = append(r.order, id)
	}
	r.sources[id] = source
}

// Get returns the source for id
func (r *Registry) Get(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	source, ok := r.sources[id]
	return source, ok
}

// All returns every registered source
func (r *Registry) All() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]Source, 0, len(r.order))
	for _, id := range r.order {
		sources = append(sources, r.sources[id])
	}
	return sources
}

// IDs returns every registered provider id
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
