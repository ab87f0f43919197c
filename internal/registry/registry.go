package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/anneal-io/anneal/internal/resource"
)

// Registry maps resource kinds to their handlers. Registration normally
// happens at startup; lookups are concurrent during a run.
type Registry struct {
	mu       sync.RWMutex
	handlers map[resource.Kind]resource.Handler
}

func New() *Registry {
	return &Registry{
		handlers: make(map[resource.Kind]resource.Handler),
	}
}

// Register binds a handler to a kind. Registering the same kind twice
// is an error; kinds select exactly one handler for life.
func (r *Registry) Register(kind resource.Kind, h resource.Handler) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("nil handler for kind %s", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("kind already registered: %s", kind)
	}
	r.handlers[kind] = h
	return nil
}

// MustRegister is Register for startup wiring, panicking on error.
func (r *Registry) MustRegister(kind resource.Kind, h resource.Handler) {
	if err := r.Register(kind, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler registered for a kind.
func (r *Registry) Lookup(kind resource.Kind) (resource.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for kind: %s", kind)
	}
	return h, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []resource.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]resource.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
