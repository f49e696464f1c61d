package kernel

import (
	"fmt"
	"sync/atomic"

	"mobsim.ai/internal/sim/kernel/msgbus"
)

// Worker drives a disjoint partition of the population. Its agent list and
// request buffers are only touched by its own goroutine during a tick and by
// the scheduler while the worker is parked at a barrier.
type Worker struct {
	id     int
	g      *WorkGroup
	agents []*Agent
	lane   *msgbus.Lane
	out    deferred
	ctx    Context

	processed atomic.Uint64
	faults    atomic.Uint64

	// beforeTick runs outside the per-agent fault boundary; tests use it to
	// simulate a worker crash.
	beforeTick func(Tick)
}

func newWorker(id int, g *WorkGroup) *Worker {
	w := &Worker{id: id, g: g, lane: g.bus.Lane(id)}
	return w
}

func (w *Worker) ID() int { return w.id }

// Len is the number of owned agents. Only valid between ticks.
func (w *Worker) Len() int { return len(w.agents) }

func (w *Worker) run() {
	clean := false
	defer w.g.workersDone.Done()
	defer func() {
		if r := recover(); r != nil {
			w.g.workerFault(w.id, fmt.Errorf("%w: worker %d: panic: %v", ErrWorkerFault, w.id, r))
			return
		}
		// runtime.Goexit from a role unwinds without a panic.
		if !clean {
			w.g.workerFault(w.id, fmt.Errorf("%w: worker %d exited unexpectedly", ErrWorkerFault, w.id))
		}
	}()
	for {
		if err := w.g.entry.Wait(); err != nil {
			clean = true
			return
		}
		if w.g.stopping.Load() {
			clean = true
			return
		}
		t := w.g.current
		if w.beforeTick != nil {
			w.beforeTick(t)
		}
		w.tick(t)
		if err := w.g.exit.Wait(); err != nil {
			clean = true
			return
		}
	}
}

// tick runs every due agent through its phases in insertion order.
func (w *Worker) tick(t Tick) {
	for _, a := range w.agents {
		if a.removing || !a.Due(t.Frame) {
			continue
		}
		w.out.scheduled++
		w.step(a, t)
	}
}

func (w *Worker) step(a *Agent, t Tick) {
	ctx := &w.ctx
	*ctx = Context{g: w.g, out: &w.out, lane: w.lane, self: a, tick: t}
	w.processed.Add(1)

	if !a.initialized {
		a.initialized = true
		if a.life.Get() == Pending {
			a.life.Set(Active)
		}
		if err := call(ctx, PhaseInitialize, a.role.Initialize); err != nil {
			w.fail(a, t, PhaseInitialize, err)
			return
		}
	}
	if err := call(ctx, PhaseUpdate, a.role.Update); err != nil {
		w.fail(a, t, PhaseUpdate, err)
		return
	}
	if err := call(ctx, PhaseFinalize, a.role.Finalize); err != nil {
		w.fail(a, t, PhaseFinalize, err)
	}
}

func (w *Worker) fail(a *Agent, t Tick, phase Phase, err error) {
	w.faults.Add(1)
	w.out.faults = append(w.out.faults, Fault{Agent: a.id, Kind: a.Kind(), Phase: phase, Frame: t.Frame, Err: err.Error()})
	w.ctx.phase = phase
	w.ctx.RequestRemoval()
}

// call runs one phase method, converting a panic into an error.
func call(ctx *Context, phase Phase, fn func(*Context) error) (err error) {
	ctx.phase = phase
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
