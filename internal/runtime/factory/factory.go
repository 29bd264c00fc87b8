// Package factory maps service names to lazily constructed singletons.
// Services register a constructor from init; callers obtain instances by name
// and never construct services directly.
package factory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/drblury/holdflow/internal/runtime"
	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
)

// Instance is what a constructor returns. *runtime.BaseService satisfies it,
// as does any service embedding it.
type Instance interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// Constructor builds a service. It may resolve other services through r.Get;
// cycles are reported as ErrCircularDependency.
type Constructor func(ctx context.Context, r *Registry) (Instance, error)

type entry struct {
	ctor Constructor

	mu       sync.Mutex
	instance Instance
}

// Registry is a thread-safe name to constructor map holding one instance per
// name once resolved.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	deps    runtime.Dependencies
}

// NewRegistry returns an empty registry whose constructors receive deps.
func NewRegistry(deps runtime.Dependencies) *Registry {
	return &Registry{entries: make(map[string]*entry), deps: deps}
}

// Dependencies returns the collaborators handed to constructors.
func (r *Registry) Dependencies() runtime.Dependencies {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deps
}

// SetDependencies replaces the collaborators used by constructors that have
// not run yet.
func (r *Registry) SetDependencies(deps runtime.Dependencies) {
	r.mu.Lock()
	r.deps = deps
	r.mu.Unlock()
}

func (r *Registry) logger() loggingpkg.ServiceLogger {
	if deps := r.Dependencies(); deps.Logger != nil {
		return deps.Logger
	}
	return loggingpkg.Discard()
}

// Register adds a constructor. Registering a taken name fails unless override
// is set. An override forgets the previous instance without shutting it down.
func (r *Registry) Register(name string, ctor Constructor, override bool) error {
	if name == "" {
		return errspkg.ErrServiceNameRequired
	}
	if ctor == nil {
		return errspkg.ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists && !override {
		return fmt.Errorf("%w: %s", errspkg.ErrServiceAlreadyRegistered, name)
	}
	r.entries[name] = &entry{ctor: ctor}
	return nil
}

// MustRegister is Register for init functions; it panics on a duplicate.
func (r *Registry) MustRegister(name string, ctor Constructor) {
	if err := r.Register(name, ctor, false); err != nil {
		panic(err)
	}
}

// IsRegistered reports whether name has a constructor.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names lists registered services in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (available: %s)", errspkg.ErrServiceNotFound, name, strings.Join(r.Names(), ", "))
	}
	return e, nil
}

// Get returns the singleton for name, constructing it on first use.
func (r *Registry) Get(ctx context.Context, name string) (Instance, error) {
	if err := checkCycle(ctx, name); err != nil {
		return nil, err
	}
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.instance != nil {
		return e.instance, nil
	}

	instance, err := e.ctor(withConstructing(ctx, name), r)
	if err != nil {
		return nil, fmt.Errorf("create service %s: %w", name, err)
	}
	e.instance = instance
	r.logger().Info("service_created", loggingpkg.LogFields{"service": name})
	return instance, nil
}

// Fork returns a registry with the same constructors and no instances whose
// constructors receive deps.
func (r *Registry) Fork(deps runtime.Dependencies) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	forked := NewRegistry(deps)
	for name, e := range r.entries {
		forked.entries[name] = &entry{ctor: e.ctor}
	}
	return forked
}

// Instances returns the constructed singletons keyed by name.
func (r *Registry) Instances() map[string]Instance {
	r.mu.RLock()
	entries := make(map[string]*entry, len(r.entries))
	for name, e := range r.entries {
		entries[name] = e
	}
	r.mu.RUnlock()

	out := make(map[string]Instance)
	for name, e := range entries {
		e.mu.Lock()
		if e.instance != nil {
			out[name] = e.instance
		}
		e.mu.Unlock()
	}
	return out
}

// Create always builds a new instance that the registry does not track.
func (r *Registry) Create(ctx context.Context, name string) (Instance, error) {
	if err := checkCycle(ctx, name); err != nil {
		return nil, err
	}
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	instance, err := e.ctor(withConstructing(ctx, name), r)
	if err != nil {
		return nil, fmt.Errorf("create service %s: %w", name, err)
	}
	return instance, nil
}

// ShutdownAll shuts every constructed instance down and forgets it.
// Registrations stay in place.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		e, err := r.lookup(name)
		if err != nil {
			continue
		}
		e.mu.Lock()
		instance := e.instance
		e.instance = nil
		e.mu.Unlock()
		if instance == nil {
			continue
		}
		if err := instance.Shutdown(ctx); err != nil {
			r.logger().Error("shutdown_failed", err, loggingpkg.LogFields{"service": name})
			errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Clear shuts instances down and ignores shutdown errors. Intended for tests.
func (r *Registry) Clear(ctx context.Context) {
	_ = r.ShutdownAll(ctx)
}

// Unregister removes a registration after shutting its instance down.
func (r *Registry) Unregister(ctx context.Context, name string) {
	r.mu.Lock()
	e, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.instance != nil {
		_ = e.instance.Shutdown(ctx)
		e.instance = nil
	}
}

type constructingKey struct{}

func constructing(ctx context.Context) []string {
	chain, _ := ctx.Value(constructingKey{}).([]string)
	return chain
}

func withConstructing(ctx context.Context, name string) context.Context {
	chain := constructing(ctx)
	next := make([]string, len(chain), len(chain)+1)
	copy(next, chain)
	return context.WithValue(ctx, constructingKey{}, append(next, name))
}

func checkCycle(ctx context.Context, name string) error {
	chain := constructing(ctx)
	if slices.Contains(chain, name) {
		return fmt.Errorf("%w: %s -> %s", errspkg.ErrCircularDependency, strings.Join(chain, " -> "), name)
	}
	return nil
}

var defaultRegistry = NewRegistry(runtime.Dependencies{})

// Default returns the process-wide registry used by init registrations.
func Default() *Registry { return defaultRegistry }

// MustRegister registers on the default registry.
func MustRegister(name string, ctor Constructor) { defaultRegistry.MustRegister(name, ctor) }

// Get resolves name on the default registry.
func Get(ctx context.Context, name string) (Instance, error) { return defaultRegistry.Get(ctx, name) }

// IsRegistered checks the default registry.
func IsRegistered(name string) bool { return defaultRegistry.IsRegistered(name) }
