package kernel

import (
	"io"

	"mobsim.ai/internal/sim/kernel/msgbus"
)

// Message is the unit exchanged between agents.
type Message = msgbus.Message

// Role is the behaviour attached to an agent. Phase methods run on the owning
// worker; HandleMessage runs on the scheduler during dispatch. A returned
// error, or a panic, removes the agent without affecting anyone else.
type Role interface {
	Kind() string
	// Initialize runs once, on the agent's first scheduled tick.
	Initialize(ctx *Context) error
	// Update computes the next state from committed state.
	Update(ctx *Context) error
	// Finalize emits output for the tick. It sees this tick's committed values
	// and must not stage writes other agents depend on.
	Finalize(ctx *Context) error
	// HandleMessage is invoked once per delivered message, after every worker
	// finished the tick the message was posted in and before the flip.
	HandleMessage(ctx *Context, m Message)
}

// Binder is implemented by roles that declare cells on their agent. Bind runs
// single-threaded when the role is attached, before any other agent can see it.
type Binder interface {
	Bind(self *Agent)
}

// Digester is implemented by roles whose committed state should contribute to
// the per-tick state digest.
type Digester interface {
	Digest(w io.Writer)
}

// BaseRole supplies no-op phase methods for embedding.
type BaseRole struct{}

func (BaseRole) Initialize(*Context) error       { return nil }
func (BaseRole) Update(*Context) error           { return nil }
func (BaseRole) Finalize(*Context) error         { return nil }
func (BaseRole) HandleMessage(*Context, Message) {}

// Record is one line of finalize output.
type Record struct {
	Agent ID     `json:"agent"`
	Kind  string `json:"kind"`
	Data  any    `json:"data,omitempty"`
}
