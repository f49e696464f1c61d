package kernel

import (
	"errors"
	"fmt"
	"math/rand"

	"mobsim.ai/internal/sim/kernel/msgbus"
	"mobsim.ai/internal/sim/network"
)

// Phase names the step an agent is being driven through.
type Phase string

const (
	PhaseInitialize Phase = "initialize"
	PhaseUpdate     Phase = "update"
	PhaseFinalize   Phase = "finalize"
	PhaseDispatch   Phase = "dispatch"
)

type creation struct {
	parent ID
	seq    uint64
	spec   Spec
}

type roleSwap struct {
	id   ID
	role Role
}

type granChange struct {
	id     ID
	gran   uint32
	offset uint32
}

type migration struct {
	id ID
	to int
}

// deferred collects structural requests until the next flip. Each worker owns
// one, so requests made during a tick never touch shared containers.
type deferred struct {
	removals   []ID
	creations  []creation
	swaps      []roleSwap
	grans      []granChange
	migrations []migration
	records    []Record
	faults     []Fault
	scheduled  int
}

func (d *deferred) reset() {
	clear(d.removals)
	clear(d.creations)
	clear(d.swaps)
	clear(d.grans)
	clear(d.migrations)
	clear(d.records)
	clear(d.faults)
	d.removals = d.removals[:0]
	d.creations = d.creations[:0]
	d.swaps = d.swaps[:0]
	d.grans = d.grans[:0]
	d.migrations = d.migrations[:0]
	d.records = d.records[:0]
	d.faults = d.faults[:0]
	d.scheduled = 0
}

func (d *deferred) absorb(o *deferred) {
	d.removals = append(d.removals, o.removals...)
	d.creations = append(d.creations, o.creations...)
	d.swaps = append(d.swaps, o.swaps...)
	d.grans = append(d.grans, o.grans...)
	d.migrations = append(d.migrations, o.migrations...)
	d.records = append(d.records, o.records...)
	d.faults = append(d.faults, o.faults...)
	d.scheduled += o.scheduled
}

// Context is handed to every role callback. It is only valid for the duration
// of the call.
type Context struct {
	g     *WorkGroup
	out   *deferred
	lane  *msgbus.Lane
	self  *Agent
	tick  Tick
	phase Phase
}

func (c *Context) Tick() Tick                { return c.tick }
func (c *Context) Phase() Phase              { return c.phase }
func (c *Context) Self() *Agent              { return c.self }
func (c *Context) Env() Env                  { return c.g.env }
func (c *Context) Network() *network.Network { return c.g.env.Network }

// Rand returns the agent's deterministic random source.
func (c *Context) Rand() *rand.Rand { return c.self.rand(c.g.env.Seed) }

// Lookup finds another live agent. Only its cells (and roles' exported cells)
// may be read; they hold the values committed at the previous flip.
func (c *Context) Lookup(id ID) (*Agent, bool) { return c.g.lookup(id) }

func (c *Context) structural() error {
	switch c.phase {
	case PhaseInitialize, PhaseUpdate, PhaseDispatch:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPhase, c.phase)
}

// Post queues a message for dst. It is delivered after the current tick's
// barrier, so dst sees its effects from the next tick on.
func (c *Context) Post(dst ID, typ msgbus.Type, payload any) error {
	if err := c.structural(); err != nil {
		return err
	}
	m := msgbus.Message{
		Type:    typ,
		Src:     c.self.id,
		Dst:     dst,
		Frame:   c.tick.Frame,
		Seq:     c.self.nextMsgSeq(),
		Payload: payload,
	}
	if c.lane != nil {
		c.lane.Post(m)
	} else {
		c.g.bus.Post(m)
	}
	return nil
}

// RequestRemoval marks the agent ToBeRemoved. It keeps running through
// Finalize this tick and disappears at the next flip.
func (c *Context) RequestRemoval() {
	a := c.self
	if a.removing || a.removed {
		return
	}
	a.removing = true
	a.life.Set(ToBeRemoved)
	c.out.removals = append(c.out.removals, a.id)
}

// RequestCreation asks for a new agent. The scheduler allocates it at the next
// flip; it is first scheduled on the following tick at the earliest.
func (c *Context) RequestCreation(spec Spec) error {
	if err := c.structural(); err != nil {
		return err
	}
	if spec.Role == nil {
		return errors.New("kernel: creation spec without role")
	}
	c.out.creations = append(c.out.creations, creation{parent: c.self.id, seq: c.self.nextReqSeq(), spec: spec})
	return nil
}

// ReplaceRole swaps the agent's behaviour at the next flip. The new role is
// initialized on the agent's next scheduled tick.
func (c *Context) ReplaceRole(r Role) error {
	if err := c.structural(); err != nil {
		return err
	}
	if r == nil {
		return errors.New("kernel: nil role")
	}
	c.out.swaps = append(c.out.swaps, roleSwap{id: c.self.id, role: r})
	return nil
}

// SetGranularity changes how often the agent is scheduled, from the next flip.
func (c *Context) SetGranularity(g, offset uint32) error {
	if err := c.structural(); err != nil {
		return err
	}
	c.out.grans = append(c.out.grans, granChange{id: c.self.id, gran: g, offset: offset})
	return nil
}

// Emit appends a line to this tick's output. Only allowed during Finalize.
func (c *Context) Emit(kind string, data any) error {
	if c.phase != PhaseFinalize {
		return fmt.Errorf("%w: emit during %s", ErrPhase, c.phase)
	}
	c.out.records = append(c.out.records, Record{Agent: c.self.id, Kind: kind, Data: data})
	return nil
}
