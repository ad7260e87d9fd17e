// Package task implements the provisioning engine's task graph: an
// immutable registry of named, dependency-ordered units of work and the
// layered scheduler that runs them.
package task

import (
	"context"
	"fmt"
)

// Body is the work a Task performs against a bound runtime context. The
// concrete context type is supplied by the caller as `any` and type-asserted
// inside the body closure, keeping this package free of a dependency on
// internal/runctx (which itself depends on internal/remotehost).
type Body func(ctx context.Context, rc any) error

// Task is an immutable named unit of work with zero or more dependencies.
// Tasks never mutate shared state directly; they act on whatever runtime
// context their Body closure captured.
type Task struct {
	Name        string
	Deps        []string
	Description string
	Body        Body
}

// Registry holds a name-unique, insertion-ordered set of tasks. Cycles are
// not rejected at registration time — dependency cycles can only be detected
// once the full graph is known, during scheduling (see RunGraph).
type Registry struct {
	order []string
	tasks map[string]Task
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register adds a task to the registry. It returns an error if a task with
// the same name is already registered.
func (r *Registry) Register(t Task) error {
	if t.Name == "" {
		return fmt.Errorf("task: name must not be empty")
	}
	if _, exists := r.tasks[t.Name]; exists {
		return fmt.Errorf("task: duplicate task name %q", t.Name)
	}
	r.tasks[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// MustRegister is Register, panicking on error. Intended for package-level
// registry construction where a duplicate name is a programming error.
func (r *Registry) MustRegister(t Task) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the named task and whether it was found.
func (r *Registry) Get(name string) (Task, bool) {
	t, ok := r.tasks[name]
	return t, ok
}

// Names returns all registered task names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	return len(r.tasks)
}

// Subset returns a new Registry containing only the named tasks and their
// transitive dependencies, preserving each task's original Deps. An unknown
// name or an unknown dependency is an error.
func (r *Registry) Subset(names ...string) (*Registry, error) {
	out := NewRegistry()
	seen := make(map[string]bool)

	var include func(name string) error
	include = func(name string) error {
		if seen[name] {
			return nil
		}
		seen[name] = true
		t, ok := r.tasks[name]
		if !ok {
			return fmt.Errorf("task: unknown task %q", name)
		}
		for _, d := range t.Deps {
			if err := include(d); err != nil {
				return err
			}
		}
		return out.Register(t)
	}

	for _, n := range names {
		if err := include(n); err != nil {
			return nil, err
		}
	}
	return out, nil
}
