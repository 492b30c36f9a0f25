// Package factory implements the static subsystem-construction registry.
// A type tag (the string a scenario config names in its subsystems
// block) maps to a constructor closure that produces a
// subsystem.HookFactory; unknown tags fail with ErrUnknownType.
package factory

import (
	"fmt"

	"github.com/smartcity/citysim/internal/subsystem"
)

// Spec describes one subsystem to build at Kernel.Bootstrap time: ID is
// the Context/metrics key, Type selects the registered constructor,
// ThreadName is the human-readable name carried into logs, and Params is
// the constructor's opaque, type-specific configuration (seed, fleet
// size, and so on).
type Spec struct {
	ID         string
	Type       string
	ThreadName string
	Params     map[string]any
}

// Constructor builds a subsystem.HookFactory from a Spec's Params. It is
// called once per Bootstrap, so any internal state it captures (RNGs,
// counters) starts fresh on every Reset-driven rebuild.
type Constructor func(params map[string]any) subsystem.HookFactory

// ErrUnknownType is returned by Build when spec.Type names no registered
// constructor.
type ErrUnknownType struct {
	Type string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("factory: unknown subsystem type %q", e.Type)
}

// Registry is a static, string-keyed table of subsystem constructors. The
// zero value is usable; Register adds entries before Bootstrap calls
// Build.
type Registry struct {
	ctors map[string]Constructor
}

// NewRegistry returns an empty Registry ready for Register calls.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register binds typeTag to ctor, overwriting any previous binding for the
// same tag. Subsystem packages call this from an init-time RegisterAll
// helper rather than an init() func, so registration order is explicit and
// test-controllable.
func (r *Registry) Register(typeTag string, ctor Constructor) {
	if r.ctors == nil {
		r.ctors = make(map[string]Constructor)
	}
	r.ctors[typeTag] = ctor
}

// Build resolves spec.Type to its constructor and invokes it with
// spec.Params. If spec.Type is empty, it falls back to spec.ID.
func (r *Registry) Build(spec Spec) (subsystem.HookFactory, error) {
	typeTag := spec.Type
	if typeTag == "" {
		typeTag = spec.ID
	}
	ctor, ok := r.ctors[typeTag]
	if !ok {
		return nil, &ErrUnknownType{Type: typeTag}
	}
	return ctor(spec.Params), nil
}

// Known reports whether typeTag has a registered constructor.
func (r *Registry) Known(typeTag string) bool {
	_, ok := r.ctors[typeTag]
	return ok
}
