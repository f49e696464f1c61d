package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"mobsim.ai/internal/sim/kernel/barrier"
	"mobsim.ai/internal/sim/kernel/msgbus"
)

// TickSink receives one entry per completed tick, in frame order, from the
// scheduler goroutine.
type TickSink interface {
	WriteTick(entry TickLogEntry) error
}

// WorkGroup owns the workers and the population and runs the tick cycle.
// Step, Run, Start and Stop must be called from a single goroutine. Spawn,
// Remove, Migrate and Post may be called from anywhere.
type WorkGroup struct {
	env Env
	cfg Config
	log *log.Logger

	bus     *msgbus.Bus
	workers []*Worker

	entry *barrier.Barrier
	exit  *barrier.Barrier

	state       atomic.Int32
	started     bool
	stopping    atomic.Bool
	workersDone sync.WaitGroup

	frame   uint64
	current Tick
	// frameNow mirrors frame for readers outside the scheduler goroutine.
	frameNow atomic.Uint64

	agents map[ID]*Agent
	order  []*Agent
	nextID uint64

	extMu  sync.Mutex
	ext    deferred
	extSeq uint64

	// Requests made by message handlers; applied at the same flip.
	dispatchOut deferred
	dispatchCtx Context
	scratch     deferred
	// Changes applied outside a flip (external requests), reported with the
	// next tick.
	carry TickLogEntry

	sinks []TickSink

	faultMu   sync.Mutex
	workerErr error

	statsMu sync.Mutex
	stats   Stats
}

// New validates the configuration and builds an idle work group.
func New(env Env, cfg Config) (*WorkGroup, error) {
	if err := validate(env, cfg); err != nil {
		return nil, &RunError{Class: ClassConfig, Err: err}
	}
	g := &WorkGroup{
		env:    env,
		cfg:    cfg,
		log:    log.New(io.Discard, "", 0),
		bus:    msgbus.New(cfg.Workers),
		entry:  barrier.New(cfg.Workers + 1),
		exit:   barrier.New(cfg.Workers + 1),
		agents: map[ID]*Agent{},
	}
	g.workers = make([]*Worker, cfg.Workers)
	for i := range g.workers {
		g.workers[i] = newWorker(i, g)
	}
	return g, nil
}

func (g *WorkGroup) SetLogger(l *log.Logger) {
	if l == nil {
		l = log.New(io.Discard, "", 0)
	}
	g.log = l
}

// AddSink registers an output sink. Call before Start.
func (g *WorkGroup) AddSink(s TickSink) { g.sinks = append(g.sinks, s) }

func (g *WorkGroup) Env() Env              { return g.env }
func (g *WorkGroup) Config() Config        { return g.cfg }
func (g *WorkGroup) State() GroupState     { return GroupState(g.state.Load()) }
func (g *WorkGroup) setState(s GroupState) { g.state.Store(int32(s)) }

// Frame returns the next frame to be run. Safe from any goroutine.
func (g *WorkGroup) Frame() uint64 { return g.frameNow.Load() }

// TickAt maps a frame to its tick.
func (g *WorkGroup) TickAt(frame uint64) Tick {
	return Tick{Frame: frame, Ms: frame * uint64(g.env.TickMs)}
}

// Lookup returns a live agent. Outside role callbacks it must only be called
// between ticks.
func (g *WorkGroup) Lookup(id ID) (*Agent, bool) { return g.lookup(id) }

func (g *WorkGroup) lookup(id ID) (*Agent, bool) {
	a := g.agents[id]
	if a == nil || a.removed {
		return nil, false
	}
	return a, true
}

// Population returns the number of live agents. Only valid between ticks.
func (g *WorkGroup) Population() int { return len(g.order) }

// Agents returns the live agents in id order. Only valid between ticks.
func (g *WorkGroup) Agents() []*Agent { return append([]*Agent(nil), g.order...) }

// Workers exposes the pool, mainly for inspection in tests and status pages.
func (g *WorkGroup) Workers() []*Worker { return g.workers }

// Spawn queues an agent created by a collaborator outside the simulation
// (a population loader). It joins at the next safe point.
func (g *WorkGroup) Spawn(spec Spec) error {
	if spec.Role == nil {
		return errors.New("kernel: spawn without role")
	}
	g.extMu.Lock()
	g.extSeq++
	g.ext.creations = append(g.ext.creations, creation{seq: g.extSeq, spec: spec})
	g.extMu.Unlock()
	return nil
}

// Remove queues an external removal request.
func (g *WorkGroup) Remove(id ID) {
	g.extMu.Lock()
	g.ext.removals = append(g.ext.removals, id)
	g.extMu.Unlock()
}

// Migrate queues a hand-off of agent id to worker `to`.
func (g *WorkGroup) Migrate(id ID, to int) error {
	if to < 0 || to >= len(g.workers) {
		return fmt.Errorf("kernel: migrate %s: no worker %d", id, to)
	}
	g.extMu.Lock()
	g.ext.migrations = append(g.ext.migrations, migration{id: id, to: to})
	g.extMu.Unlock()
	return nil
}

// Post sends a message from outside the population (source 0).
func (g *WorkGroup) Post(dst ID, typ msgbus.Type, payload any) {
	g.extMu.Lock()
	g.extSeq++
	seq := g.extSeq
	g.extMu.Unlock()
	g.bus.Post(msgbus.Message{Type: typ, Dst: dst, Frame: g.frameNow.Load(), Seq: seq, Payload: payload})
}

// Start launches the workers and admits the initial population.
func (g *WorkGroup) Start() error {
	if g.started {
		return nil
	}
	if g.State() == StateStopped {
		return ErrStopped
	}
	g.started = true
	g.bus.Reset()
	g.workersDone.Add(len(g.workers))
	for _, w := range g.workers {
		go w.run()
	}
	g.applyExternal(g.TickAt(g.frame))
	g.log.Printf("work group started: workers=%d tick_ms=%d population=%d", len(g.workers), g.env.TickMs, len(g.order))
	g.publishStats(nil)
	return nil
}

// Step runs exactly one tick and returns its log entry.
func (g *WorkGroup) Step() (TickLogEntry, error) {
	switch {
	case g.State() == StateStopped:
		return TickLogEntry{}, ErrStopped
	case !g.started:
		return TickLogEntry{}, ErrNotStarted
	}

	t := g.TickAt(g.frame)
	g.applyExternal(t)

	// beginTick
	g.current = t
	g.setState(StateTickRunning)
	if err := g.entry.Wait(); err != nil {
		return TickLogEntry{}, g.abort(t, err)
	}

	// barrier
	g.setState(StateTickBarrier)
	if err := g.exit.WaitTimeout(g.cfg.BarrierTimeout); err != nil {
		return TickLogEntry{}, g.abort(t, err)
	}

	// dispatch, then flip
	g.setState(StateTickFlip)
	ms := g.dispatch(t)
	entry := g.flip(t)
	entry.Messages = ms
	entry.absorbCarry(&g.carry)
	entry.Digest = g.digest()
	g.frame++
	g.frameNow.Store(g.frame)

	for _, f := range entry.Faults {
		g.log.Printf("agent fault: agent=%s kind=%s phase=%s frame=%d err=%s", f.Agent, f.Kind, f.Phase, f.Frame, f.Err)
	}
	g.publishStats(&entry)
	for _, s := range g.sinks {
		if err := s.WriteTick(entry); err != nil {
			g.log.Printf("tick sink: frame=%d: %v", t.Frame, err)
		}
	}
	return entry, nil
}

// Run steps until frame end (exclusive) or until ctx is cancelled. Cancellation
// takes effect between ticks: the tick in progress always completes.
func (g *WorkGroup) Run(ctx context.Context, end uint64) error {
	if err := g.Start(); err != nil {
		return err
	}
	defer g.Stop()
	for g.frame < end {
		if err := ctx.Err(); err != nil {
			g.log.Printf("run cancelled before frame %d", g.frame)
			return err
		}
		if _, err := g.Step(); err != nil {
			return err
		}
	}
	g.log.Printf("run complete: frames=%d population=%d", g.frame, len(g.order))
	return nil
}

// Stop parks the scheduler for good and waits for healthy workers to exit.
func (g *WorkGroup) Stop() {
	if g.State() == StateStopped {
		return
	}
	if !g.started {
		g.setState(StateStopped)
		return
	}
	g.stopping.Store(true)
	if g.entry.Err() == nil {
		if err := g.entry.Wait(); err == nil {
			g.workersDone.Wait()
		}
	}
	g.setState(StateStopped)
}

// Err returns the worker fault that broke the run, if any.
func (g *WorkGroup) Err() error {
	g.faultMu.Lock()
	defer g.faultMu.Unlock()
	return g.workerErr
}

func (g *WorkGroup) workerFault(id int, err error) {
	g.faultMu.Lock()
	if g.workerErr == nil {
		g.workerErr = err
	}
	g.faultMu.Unlock()
	g.log.Printf("worker %d fault: %v", id, err)
	g.entry.Break(err)
	g.exit.Break(err)
}

func (g *WorkGroup) abort(t Tick, err error) error {
	g.setState(StateStopped)
	g.entry.Break(err)
	g.exit.Break(err)
	if werr := g.Err(); werr != nil {
		err = werr
	} else if errors.Is(err, barrier.ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrWorkerFault, err)
	}
	g.log.Printf("run aborted at frame %d: %v", t.Frame, err)
	return &RunError{Frame: t.Frame, Class: ClassWorker, Err: err}
}

// dispatch delivers every message queued during the tick. Handlers run here,
// single-threaded, against pre-flip committed state.
func (g *WorkGroup) dispatch(t Tick) msgbus.DispatchStats {
	return g.bus.Dispatch(func(m msgbus.Message) bool {
		a, ok := g.lookup(m.Dst)
		if !ok {
			return false
		}
		ctx := &g.dispatchCtx
		*ctx = Context{g: g, out: &g.dispatchOut, self: a, tick: t, phase: PhaseDispatch}
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.dispatchOut.faults = append(g.dispatchOut.faults, Fault{Agent: a.id, Kind: a.Kind(), Phase: PhaseDispatch, Frame: t.Frame, Err: fmt.Sprintf("panic: %v", r)})
					ctx.RequestRemoval()
				}
			}()
			a.role.HandleMessage(ctx, m)
		}()
		return true
	})
}
