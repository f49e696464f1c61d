// Package cell implements double-buffered agent state.
//
// A Cell holds a committed value, readable by every worker during a tick, and a
// pending value that only the owning agent writes. Registry.Flip publishes the
// pending values; it must only run while no worker is executing.
package cell

type flipper interface {
	flip()
}

// Registry tracks the cells owned by one agent and which of them were written
// since the last flip. It is single-writer: the owning worker during a tick, or
// the scheduler between ticks.
type Registry struct {
	cells []flipper
	dirty []flipper
}

func NewRegistry() *Registry { return &Registry{} }

// Len reports how many cells are registered.
func (r *Registry) Len() int { return len(r.cells) }

// Dirty reports how many cells hold an unpublished write.
func (r *Registry) Dirty() int { return len(r.dirty) }

// Flip commits every dirty cell and returns how many were committed.
func (r *Registry) Flip() int {
	n := len(r.dirty)
	for i, c := range r.dirty {
		c.flip()
		r.dirty[i] = nil
	}
	r.dirty = r.dirty[:0]
	return n
}

func (r *Registry) markDirty(c flipper) { r.dirty = append(r.dirty, c) }

// Cell is a value with snapshot-consistent semantics across a tick boundary.
type Cell[T any] struct {
	reg       *Registry
	committed T
	pending   T
	dirty     bool
}

// New registers a cell with initial committed value v.
func New[T any](reg *Registry, v T) *Cell[T] {
	c := &Cell[T]{reg: reg, committed: v, pending: v}
	if reg != nil {
		reg.cells = append(reg.cells, c)
	}
	return c
}

// Get returns the value committed at the start of the current tick.
func (c *Cell[T]) Get() T { return c.committed }

// Pending returns the value staged for the next flip (or the committed value
// if nothing was staged). Only the owner may call it during a tick.
func (c *Cell[T]) Pending() T { return c.pending }

// Set stages v. Repeated sets within a tick overwrite each other.
func (c *Cell[T]) Set(v T) {
	c.pending = v
	if c.dirty {
		return
	}
	c.dirty = true
	if c.reg != nil {
		c.reg.markDirty(c)
	}
}

func (c *Cell[T]) flip() {
	c.committed = c.pending
	c.dirty = false
}
