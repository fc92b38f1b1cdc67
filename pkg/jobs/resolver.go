package jobs

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Resolver produces a fresh instance of the component registered under name.
type Resolver interface {
	Make(ctx context.Context, name string) (any, error)
}

// Factory builds one target instance. It is invoked on every resolution.
type Factory func() (any, error)

// Registry is the default Resolver: an explicit map from stable tag to Factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register binds factory to name, replacing any previous binding.
func (r *Registry) Register(name string, factory Factory) error {
	if r == nil {
		return jobsError(ErrInvalidArgument, "registry is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return jobsError(ErrInvalidArgument, "target name is required")
	}
	if factory == nil {
		return jobsError(ErrInvalidArgument, "factory is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = map[string]Factory{}
	}
	r.factories[name] = factory
	return nil
}

// RegisterInstance binds name to a factory that always returns instance.
func (r *Registry) RegisterInstance(name string, instance any) error {
	if instance == nil {
		return jobsError(ErrInvalidArgument, "instance is required")
	}
	return r.Register(name, func() (any, error) { return instance, nil })
}

// MustRegister is Register that panics, for wiring at program start.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Make resolves name. Unknown names wrap ErrNotFound.
func (r *Registry) Make(_ context.Context, name string) (any, error) {
	if r == nil {
		return nil, jobsError(ErrNotFound, "registry is nil")
	}
	name = strings.TrimSpace(name)

	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, Errorf(ErrNotFound, "no target registered as %q", name)
	}

	instance, err := factory()
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, Errorf(ErrNotFound, "factory for %q returned nil", name)
	}
	return instance, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.TrimSpace(name)]
	return ok
}

// Names lists the registered tags in lexical order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
