package interceptors

import (
	"fmt"
	"sort"
)

// Factory creates the interceptor registered under a name.
type Factory func() (Interceptor, error)

// Registry maps configuration names to interceptor factories. It is filled
// at startup and consumed by Build.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Names are unique.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("interceptor name and factory are required")
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("interceptor %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Names lists the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build resolves an ordered list of names into an immutable chain.
func (r *Registry) Build(direction Direction, names []string) (*Chain, error) {
	list := make([]Interceptor, 0, len(names))
	for _, name := range names {
		factory, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown interceptor %q", name)
		}
		interceptor, err := factory()
		if err != nil {
			return nil, fmt.Errorf("failed to create interceptor %q: %w", name, err)
		}
		list = append(list, interceptor)
	}
	return NewChain(direction, list...), nil
}
