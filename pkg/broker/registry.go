package broker

import (
	"sync"
)

// MemoryRegistry is the process-wide Registry. The zero value is not usable;
// call NewRegistry.
type MemoryRegistry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRegistry creates an empty registry.
func NewRegistry() *MemoryRegistry {
	return &MemoryRegistry{sinks: make(map[string]Sink)}
}

func (r *MemoryRegistry) Insert(identity string, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sinks[identity]; exists {
		return &CollisionError{Identity: identity}
	}
	r.sinks[identity] = sink
	return nil
}

func (r *MemoryRegistry) Lookup(identity string) (Sink, bool) {
	r.mu.RLock()
	sink, ok := r.sinks[identity]
	r.mu.RUnlock()
	return sink, ok
}

func (r *MemoryRegistry) Remove(identity string) {
	r.mu.Lock()
	delete(r.sinks, identity)
	r.mu.Unlock()
}

// Len returns the number of registered agents.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Identities returns a snapshot of the registered identities.
func (r *MemoryRegistry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.sinks))
	for identity := range r.sinks {
		out = append(out, identity)
	}
	return out
}
