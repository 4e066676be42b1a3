// Package stats provides live gauges for connection accounting.
//
// Gauges are addressed by an ordered path of string segments, e.g.
// [label "tls" "connections"]. Reading a path that was never written
// returns 0; absent and zero are equivalent.
package stats

import (
	"strings"
	"sync"
	"sync/atomic"
)

// pathSeparator joins path segments into a registry key. A NUL byte cannot
// appear in a segment coming from a label or literal, so a segment
// containing a printable separator (e.g. "a/tls") can never collide with a
// different path ("a", "tls").
const pathSeparator = "\x00"

// ConnectionsPath returns the gauge path for live secured connections under
// the given accounting label.
func ConnectionsPath(label string) []string {
	return []string{label, "tls", "connections"}
}

// Gauge is a non-negative live counter. Mutations are atomic and safe under
// arbitrary concurrent callers.
type Gauge struct {
	value atomic.Int64
}

// Increment adds one to the gauge.
func (g *Gauge) Increment() int64 {
	return g.value.Add(1)
}

// Decrement subtracts one from the gauge, clamping at zero.
func (g *Gauge) Decrement() int64 {
	for {
		cur := g.value.Load()
		if cur <= 0 {
			return 0
		}
		if g.value.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

// Value returns the current gauge value. The value may be stale immediately
// after return; this is a live gauge, not a transaction.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// Registry maps gauge paths to gauges. One gauge instance exists per
// distinct path for the lifetime of the registry.
//
// Registries are explicit and injectable: construct one per process (or per
// test scenario) and pass it by reference. There is no package-level
// singleton.
type Registry struct {
	mu     sync.RWMutex
	gauges map[string]*Gauge
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		gauges: make(map[string]*Gauge),
	}
}

// Gauge returns the gauge at the given path, creating it if necessary.
func (r *Registry) Gauge(path ...string) *Gauge {
	key := strings.Join(path, pathSeparator)

	r.mu.RLock()
	g, ok := r.gauges[key]
	r.mu.RUnlock()
	if ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g = &Gauge{}
	r.gauges[key] = g
	return g
}

// Increment adds one to the gauge at path.
func (r *Registry) Increment(path ...string) {
	r.Gauge(path...).Increment()
}

// Decrement subtracts one from the gauge at path, clamping at zero.
func (r *Registry) Decrement(path ...string) {
	r.Gauge(path...).Decrement()
}

// Read returns the current value of the gauge at path, or 0 if the gauge
// was never written.
func (r *Registry) Read(path ...string) int64 {
	key := strings.Join(path, pathSeparator)

	r.mu.RLock()
	g, ok := r.gauges[key]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return g.Value()
}

// Compile-time interface satisfaction check.
var _ Sink = (*Registry)(nil)
