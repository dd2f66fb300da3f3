// Package registry provides the lazy dependency-injection container that
// wires the vox runtime together. Services are registered by name with a
// factory and an explicit dependency list, constructed at most once on
// first use, and torn down in reverse dependency order.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Lifecycle is the state of a registered service.
type Lifecycle string

const (
	LifecycleRegistered   Lifecycle = "registered"
	LifecycleInitializing Lifecycle = "initializing"
	LifecycleInitialized  Lifecycle = "initialized"
	LifecycleError        Lifecycle = "error"
)

// Factory constructs a service. The Resolver resolves the service's
// declared dependencies; resolving an undeclared name still works but
// bypasses InitializeAll ordering, so declare everything you use.
type Factory func(res *Resolver) (any, error)

// Destroyer is implemented by services that need teardown. Destroy is
// called once, in reverse dependency order, during Registry.Destroy.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// Info describes a registered service.
type Info struct {
	Name         string
	Lifecycle    Lifecycle
	Dependencies []string
	CreatedAt    time.Time
	Err          error
}

// InitResult is the per-service outcome of InitializeAll.
type InitResult struct {
	Name     string
	Success  bool
	Err      error
	Duration time.Duration
}

// CircularDependencyError reports a dependency chain that returned to a
// service still being constructed. Path holds the full cycle, first and
// last element equal.
type CircularDependencyError struct {
	Path []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Path, " -> "))
}

// InitializationError wraps an error thrown by a service factory.
type InitializationError struct {
	Name string
	Err  error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize service %q: %v", e.Name, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

type entry struct {
	factory      Factory
	dependencies []string
	instance     any
	lifecycle    Lifecycle
	createdAt    time.Time
	err          error
	done         chan struct{} // closed when construction settles
}

// Options configure a Registry.
type Options struct {
	// Strict turns re-registration of an existing name into an error
	// instead of a logged overwrite.
	Strict bool
	Logger *slog.Logger
}

// Registry is the container. All methods are safe for concurrent use;
// concurrent Gets of one not-yet-constructed service run its factory
// exactly once.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string // registration order, for deterministic iteration
	opts    Options
	logger  *slog.Logger
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		opts:    opts,
		logger:  logger,
	}
}

// Resolver is handed to factories so that dependency resolution carries
// the construction chain, which is how cycles are detected.
type Resolver struct {
	r     *Registry
	chain []string
}

// Get resolves a dependency from within a factory.
func (res *Resolver) Get(name string) (any, error) {
	return res.r.get(res.chain, name)
}

// Register stores a factory under name with its explicit dependency
// list. Re-registering a name overwrites the previous entry with a
// warning, or fails when the registry is strict.
func (r *Registry) Register(name string, factory Factory, dependencies ...string) error {
	if name == "" {
		return fmt.Errorf("register service: empty name")
	}
	if factory == nil {
		return fmt.Errorf("register service %q: nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		if r.opts.Strict {
			return fmt.Errorf("register service %q: already registered", name)
		}
		r.logger.Warn("service re-registered, previous entry discarded", "service", name)
	} else {
		r.order = append(r.order, name)
	}
	r.entries[name] = &entry{
		factory:      factory,
		dependencies: slices.Clone(dependencies),
		lifecycle:    LifecycleRegistered,
	}
	return nil
}

// RegisterInstance stores a pre-built instance; its lifecycle is
// immediately initialized.
func (r *Registry) RegisterInstance(name string, instance any) error {
	if name == "" {
		return fmt.Errorf("register instance: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		if r.opts.Strict {
			return fmt.Errorf("register instance %q: already registered", name)
		}
		r.logger.Warn("service re-registered, previous entry discarded", "service", name)
	} else {
		r.order = append(r.order, name)
	}
	done := make(chan struct{})
	close(done)
	r.entries[name] = &entry{
		instance:  instance,
		lifecycle: LifecycleInitialized,
		createdAt: time.Now(),
		done:      done,
	}
	return nil
}

// Get returns the named service, constructing it on first use.
//
// Cycle detection is per construction chain: a cycle whose edges are
// split across goroutines that race to construct its members blocks on
// each other instead of erroring. InitializeAll validates the whole
// dependency graph up front, so declared cycles never reach that state;
// it only arises from concurrent first Gets on an unvalidated graph.
func (r *Registry) Get(name string) (any, error) {
	return r.get(nil, name)
}

func (r *Registry) get(chain []string, name string) (any, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("service %q not registered", name)
	}

	switch e.lifecycle {
	case LifecycleInitialized:
		r.mu.Unlock()
		return e.instance, nil
	case LifecycleError:
		r.mu.Unlock()
		return nil, e.err
	case LifecycleInitializing:
		// A cycle shows up as the same name reappearing in this
		// goroutine's construction chain. A different goroutine
		// constructing the service is not a cycle; wait for it.
		if i := slices.Index(chain, name); i >= 0 {
			path := append(slices.Clone(chain[i:]), name)
			r.mu.Unlock()
			return nil, &CircularDependencyError{Path: path}
		}
		done := e.done
		r.mu.Unlock()
		<-done
		return r.get(chain, name)
	}

	// First construction. Release the lock while the factory runs so
	// that unrelated services can be resolved concurrently.
	e.lifecycle = LifecycleInitializing
	e.done = make(chan struct{})
	r.mu.Unlock()

	instance, err := e.factory(&Resolver{r: r, chain: append(slices.Clone(chain), name)})

	r.mu.Lock()
	if err != nil {
		var cycleErr *CircularDependencyError
		if errors.As(err, &cycleErr) {
			e.err = err
		} else {
			e.err = &InitializationError{Name: name, Err: err}
		}
		e.lifecycle = LifecycleError
	} else {
		e.instance = instance
		e.lifecycle = LifecycleInitialized
		e.createdAt = time.Now()
	}
	close(e.done)
	result, resultErr := e.instance, e.err
	r.mu.Unlock()
	return result, resultErr
}

// Has reports whether a name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	return ok
}

// List returns all registered names, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info returns metadata for one service.
func (r *Registry) Info(name string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Info{}, false
	}
	return Info{
		Name:         name,
		Lifecycle:    e.lifecycle,
		Dependencies: slices.Clone(e.dependencies),
		CreatedAt:    e.createdAt,
		Err:          e.err,
	}, true
}

// InitializeAll constructs every registered service in dependency order.
// A cycle or a failing factory fails that entry's result without
// aborting the rest of the batch.
func (r *Registry) InitializeAll(ctx context.Context) []InitResult {
	order, cycleErrs := r.topoOrder()

	results := make([]InitResult, 0, len(order)+len(cycleErrs))
	for _, name := range order {
		if ctx.Err() != nil {
			results = append(results, InitResult{Name: name, Err: ctx.Err()})
			continue
		}
		start := time.Now()
		_, err := r.Get(name)
		res := InitResult{Name: name, Success: err == nil, Err: err, Duration: time.Since(start)}
		if err != nil {
			r.logger.Error("service initialization failed", "service", name, "error", err)
		}
		results = append(results, res)
	}
	for name, err := range cycleErrs {
		r.logger.Error("service initialization failed", "service", name, "error", err)
		results = append(results, InitResult{Name: name, Err: err})
	}
	return results
}

// topoOrder sorts registered names so every service follows its declared
// dependencies (DFS with visiting/visited sets). Services on a cycle, or
// depending on an unregistered name, are reported separately.
func (r *Registry) topoOrder() ([]string, map[string]error) {
	r.mu.Lock()
	names := slices.Clone(r.order)
	deps := make(map[string][]string, len(names))
	for name, e := range r.entries {
		deps[name] = slices.Clone(e.dependencies)
	}
	r.mu.Unlock()

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(names))
	failed := make(map[string]error)
	var order []string

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case visited:
			return failed[name]
		case visiting:
			i := slices.Index(path, name)
			return &CircularDependencyError{Path: append(slices.Clone(path[i:]), name)}
		}
		state[name] = visiting
		path = append(path, name)
		for _, dep := range deps[name] {
			var err error
			if _, ok := deps[dep]; !ok {
				err = fmt.Errorf("service %q depends on unregistered service %q", name, dep)
			} else {
				err = visit(dep, path)
			}
			if err != nil {
				state[name] = visited
				failed[name] = err
				return err
			}
		}
		state[name] = visited
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if state[name] == unvisited {
			visit(name, nil)
		}
	}
	return order, failed
}

// Destroy tears down constructed services in reverse dependency order.
// A failing Destroy hook is logged and does not block the rest.
func (r *Registry) Destroy(ctx context.Context) {
	order, _ := r.topoOrder()
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		r.mu.Lock()
		e := r.entries[name]
		var instance any
		if e != nil && e.lifecycle == LifecycleInitialized {
			instance = e.instance
			e.instance = nil
			e.lifecycle = LifecycleRegistered
			e.done = nil
		}
		r.mu.Unlock()
		d, ok := instance.(Destroyer)
		if !ok {
			continue
		}
		if err := d.Destroy(ctx); err != nil {
			r.logger.Error("service destroy failed", "service", name, "error", err)
		}
	}
}
