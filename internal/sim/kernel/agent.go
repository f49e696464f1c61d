package kernel

import (
	"math/rand"

	"mobsim.ai/internal/sim/kernel/cell"
	"mobsim.ai/internal/sim/network"
)

// State is an agent's lifecycle stage.
type State int32

const (
	Pending State = iota
	Active
	ToBeRemoved
	Removed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case ToBeRemoved:
		return "to_be_removed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Spec describes an agent to create. Creation is always deferred to a flip;
// the scheduler allocates the ID and picks the owning worker.
type Spec struct {
	Role Role
	// Granularity schedules the agent every Granularity ticks, on ticks where
	// frame % Granularity == Offset. Zero means every tick.
	Granularity uint32
	Offset      uint32
	// StartFrame keeps the agent pending until this frame.
	StartFrame uint64
	Pos        network.Location
	Flags      uint32
}

// Agent is one simulated entity. Fields other agents may read are cells; all
// other state belongs to whichever goroutine currently drives the agent (its
// worker during a tick, the scheduler between ticks).
type Agent struct {
	id     ID
	parent ID
	role   Role

	cells *cell.Registry
	life  *cell.Cell[State]

	Pos   *cell.Cell[network.Location]
	Flags *cell.Cell[uint32]

	worker      int
	gran        uint32
	offset      uint32
	start       uint64
	initialized bool
	removing    bool
	removed     bool

	msgSeq uint64
	reqSeq uint64
	rng    *rand.Rand
}

func newAgent(id, parent ID, spec Spec) *Agent {
	reg := cell.NewRegistry()
	a := &Agent{
		id:     id,
		parent: parent,
		cells:  reg,
		life:   cell.New(reg, Pending),
		Pos:    cell.New(reg, spec.Pos),
		Flags:  cell.New(reg, spec.Flags),
		start:  spec.StartFrame,
	}
	a.setGranularity(spec.Granularity, spec.Offset)
	a.attach(spec.Role)
	return a
}

func (a *Agent) ID() ID { return a.id }

// Parent is the agent that requested this one's creation (0 for external spawns).
func (a *Agent) Parent() ID { return a.parent }

// Role returns the current behaviour. Other agents may inspect it to read the
// cells it exposes; they must never call its phase methods.
func (a *Agent) Role() Role { return a.role }

func (a *Agent) Kind() string {
	if a.role == nil {
		return ""
	}
	return a.role.Kind()
}

// State returns the lifecycle stage committed at the last flip.
func (a *Agent) State() State { return a.life.Get() }

// Cells is the registry roles use to declare their own double-buffered fields.
func (a *Agent) Cells() *cell.Registry { return a.cells }

// Granularity returns the agent's tick multiple and offset.
func (a *Agent) Granularity() (uint32, uint32) { return a.gran, a.offset }

// StartFrame returns the first frame the agent may be scheduled on.
func (a *Agent) StartFrame() uint64 { return a.start }

// Worker returns the index of the owning worker.
func (a *Agent) Worker() int { return a.worker }

// Due reports whether the agent is scheduled on frame.
func (a *Agent) Due(frame uint64) bool {
	if frame < a.start {
		return false
	}
	return frame%uint64(a.gran) == uint64(a.offset)
}

// weight is the agent's expected updates per tick, used for load balancing.
func (a *Agent) weight() float64 { return 1 / float64(a.gran) }

func (a *Agent) setGranularity(g, offset uint32) {
	if g == 0 {
		g = 1
	}
	a.gran = g
	a.offset = offset % g
}

func (a *Agent) attach(r Role) {
	a.role = r
	a.initialized = false
	if b, ok := r.(Binder); ok {
		b.Bind(a)
	}
}

func (a *Agent) nextMsgSeq() uint64 {
	a.msgSeq++
	return a.msgSeq
}

func (a *Agent) nextReqSeq() uint64 {
	a.reqSeq++
	return a.reqSeq
}

// rand returns the agent's private generator, seeded from the run seed and
// the agent id so draws do not depend on which worker runs the agent.
func (a *Agent) rand(seed int64) *rand.Rand {
	if a.rng == nil {
		a.rng = rand.New(rand.NewSource(int64(splitmix(uint64(seed) ^ uint64(a.id)*0x9e3779b97f4a7c15))))
	}
	return a.rng
}

func splitmix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
