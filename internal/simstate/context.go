// Package simstate implements the simulation's shared-state plane: a
// single guarded store that subsystems publish metrics into and read
// control values out of. Named simstate rather than context to avoid
// colliding with the standard library's context package — call sites use
// both side by side (simstate.Context, context.Context) without aliasing.
package simstate

import "sync"

// MetricsSnapshot is an immutable-by-convention bag of scalar metric values
// a subsystem publishes once per tick. Values are expected to be one of
// int64, float64, bool or string; callers own the defensive copying
// discipline enforced by Context.
type MetricsSnapshot map[string]any

// Clone returns a shallow copy of the snapshot, safe to hand to a caller
// that must not observe later mutation of the original.
func (m MetricsSnapshot) Clone() MetricsSnapshot {
	if m == nil {
		return nil
	}
	out := make(MetricsSnapshot, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type entry struct {
	tick    int64
	metrics MetricsSnapshot
}

// Context is the guarded store of per-subsystem latest metrics and the
// live control surface. All reads and writes take defensive copies so
// callers can never observe, or cause, a mutation of state they don't own.
//
// Nothing calls back into Context while already holding its lock, so a
// plain sync.RWMutex suffices.
type Context struct {
	mu       sync.RWMutex
	latest   map[string]entry
	controls map[string]any
}

// New builds a Context with the given initial control values. The map is
// copied; later mutation of defaults by the caller has no effect.
func New(defaults map[string]any) *Context {
	c := &Context{
		latest:   make(map[string]entry),
		controls: make(map[string]any, len(defaults)),
	}
	for k, v := range defaults {
		c.controls[k] = v
	}
	return c
}

// Update records subsystem id's metrics for the given tick. A defensive
// copy of metrics is stored.
func (c *Context) Update(id string, tick int64, metrics MetricsSnapshot) {
	snap := metrics.Clone()
	c.mu.Lock()
	c.latest[id] = entry{tick: tick, metrics: snap}
	c.mu.Unlock()
}

// GetLatest returns the most recently published tick and metrics for
// subsystem id. ok is false if the subsystem has never published.
func (c *Context) GetLatest(id string) (tick int64, metrics MetricsSnapshot, ok bool) {
	c.mu.RLock()
	e, found := c.latest[id]
	c.mu.RUnlock()
	if !found {
		return 0, nil, false
	}
	return e.tick, e.metrics.Clone(), true
}

// Snapshot returns a defensive copy of every subsystem's latest published
// metrics, keyed by subsystem id.
func (c *Context) Snapshot() map[string]MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]MetricsSnapshot, len(c.latest))
	for id, e := range c.latest {
		out[id] = e.metrics.Clone()
	}
	return out
}

// ClearLatest discards every subsystem's published metrics, used by
// Kernel.Reset to return to a blank slate without touching controls.
func (c *Context) ClearLatest() {
	c.mu.Lock()
	c.latest = make(map[string]entry)
	c.mu.Unlock()
}

// UpdateControls merges partial into the live control surface.
func (c *Context) UpdateControls(partial map[string]any) {
	c.mu.Lock()
	for k, v := range partial {
		c.controls[k] = v
	}
	c.mu.Unlock()
}

// GetControl returns the current value for key, or def if unset.
func (c *Context) GetControl(key string, def any) any {
	c.mu.RLock()
	v, ok := c.controls[key]
	c.mu.RUnlock()
	if !ok {
		return def
	}
	return v
}

// Controls returns a defensive copy of the entire control surface.
func (c *Context) Controls() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.controls))
	for k, v := range c.controls {
		out[k] = v
	}
	return out
}
