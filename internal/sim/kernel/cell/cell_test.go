package cell

import "testing"

func TestCell_SetVisibleOnlyAfterFlip(t *testing.T) {
	reg := NewRegistry()
	c := New(reg, 10)

	c.Set(11)
	if got := c.Get(); got != 10 {
		t.Fatalf("get before flip: got %d want 10", got)
	}
	if got := c.Pending(); got != 11 {
		t.Fatalf("pending: got %d want 11", got)
	}
	if n := reg.Flip(); n != 1 {
		t.Fatalf("flip committed %d cells, want 1", n)
	}
	if got := c.Get(); got != 11 {
		t.Fatalf("get after flip: got %d want 11", got)
	}
}

func TestCell_LastWriteWins(t *testing.T) {
	reg := NewRegistry()
	c := New(reg, "a")
	c.Set("b")
	c.Set("c")
	c.Set("d")
	if reg.Dirty() != 1 {
		t.Fatalf("dirty=%d want 1", reg.Dirty())
	}
	if c.Get() != "a" {
		t.Fatalf("intermediate value leaked: %q", c.Get())
	}
	reg.Flip()
	if c.Get() != "d" {
		t.Fatalf("got %q want d", c.Get())
	}
}

func TestRegistry_FlipWithoutWritesKeepsValues(t *testing.T) {
	reg := NewRegistry()
	a := New(reg, 1)
	b := New(reg, 2)
	if reg.Len() != 2 {
		t.Fatalf("len=%d want 2", reg.Len())
	}
	b.Set(3)
	reg.Flip()
	if n := reg.Flip(); n != 0 {
		t.Fatalf("second flip committed %d cells", n)
	}
	if a.Get() != 1 || b.Get() != 3 {
		t.Fatalf("got a=%d b=%d", a.Get(), b.Get())
	}
	// A cell written after a flip is tracked again.
	a.Set(5)
	if reg.Dirty() != 1 {
		t.Fatalf("dirty=%d want 1", reg.Dirty())
	}
}

func TestCell_NilRegistry(t *testing.T) {
	c := New[int](nil, 4)
	c.Set(9)
	if c.Get() != 4 {
		t.Fatalf("unregistered cell must not publish on its own")
	}
}
