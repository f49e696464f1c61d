package kernel

import (
	"io"
	"testing"
	"time"

	"mobsim.ai/internal/sim/kernel/cell"
)

// probe is a scriptable role used across the kernel tests. Its hooks run on
// whichever goroutine drives the phase; its slices are read by the test only
// between ticks.
type probe struct {
	BaseRole
	kind  string
	value *cell.Cell[int]

	onInit     func(ctx *Context, p *probe) error
	onUpdate   func(ctx *Context, p *probe) error
	onFinalize func(ctx *Context, p *probe) error
	onMessage  func(ctx *Context, p *probe, m Message)

	inits   []uint64
	updates []uint64
	handled []uint64
	seen    []int
}

func (p *probe) Kind() string {
	if p.kind == "" {
		return "probe"
	}
	return p.kind
}

func (p *probe) Bind(self *Agent) { p.value = cell.New(self.Cells(), 0) }

func (p *probe) Initialize(ctx *Context) error {
	p.inits = append(p.inits, ctx.Tick().Frame)
	if p.onInit != nil {
		return p.onInit(ctx, p)
	}
	return nil
}

func (p *probe) Update(ctx *Context) error {
	p.updates = append(p.updates, ctx.Tick().Frame)
	if p.onUpdate != nil {
		return p.onUpdate(ctx, p)
	}
	return nil
}

func (p *probe) Finalize(ctx *Context) error {
	if p.onFinalize != nil {
		return p.onFinalize(ctx, p)
	}
	return nil
}

func (p *probe) HandleMessage(ctx *Context, m Message) {
	p.handled = append(p.handled, ctx.Tick().Frame)
	if p.onMessage != nil {
		p.onMessage(ctx, p, m)
	}
}

func (p *probe) Digest(w io.Writer) { DigestU64(w, uint64(p.value.Get())) }

func newTestGroup(t *testing.T, workers int) *WorkGroup {
	t.Helper()
	g, err := New(Env{TickMs: 1000, Seed: 7}, Config{Workers: workers, BarrierTimeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(g.Stop)
	return g
}

func spawn(t *testing.T, g *WorkGroup, spec Spec) {
	t.Helper()
	if err := g.Spawn(spec); err != nil {
		t.Fatalf("spawn: %v", err)
	}
}

func mustStart(t *testing.T, g *WorkGroup) {
	t.Helper()
	if err := g.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func mustStep(t *testing.T, g *WorkGroup) TickLogEntry {
	t.Helper()
	e, err := g.Step()
	if err != nil {
		t.Fatalf("step %d: %v", g.Frame(), err)
	}
	return e
}

func equalFrames(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
