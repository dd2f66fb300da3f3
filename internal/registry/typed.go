package registry

import "fmt"

// GetAs resolves a service and asserts its concrete type.
func GetAs[T any](r *Registry, name string) (T, error) {
	var zero T
	v, err := r.Get(name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("service %q is %T, not %T", name, v, zero)
	}
	return t, nil
}

// ResolveAs is GetAs for use inside a factory, preserving the
// construction chain for cycle detection.
func ResolveAs[T any](res *Resolver, name string) (T, error) {
	var zero T
	v, err := res.Get(name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("service %q is %T, not %T", name, v, zero)
	}
	return t, nil
}
