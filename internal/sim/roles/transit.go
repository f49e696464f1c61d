package roles

import (
	"errors"
	"fmt"
	"io"

	"mobsim.ai/internal/sim/kernel"
	"mobsim.ai/internal/sim/kernel/cell"
	"mobsim.ai/internal/sim/network"
)

var errUnknownStop = errors.New("unknown stop")

// WaitActivity is a person waiting at Stop for a bus towards Dest. It
// registers with the stop agent and, once called to board, becomes a
// Passenger.
type WaitActivity struct {
	kernel.BaseRole
	Stop network.StopID
	Dest network.StopID
	Dir  *Directory

	waited  int
	boarded kernel.ID
}

func (w *WaitActivity) Kind() string { return KindWaitActivity }

func (w *WaitActivity) Initialize(ctx *kernel.Context) error {
	loc, ok := ctx.Network().StopLocation(w.Stop)
	if !ok {
		return fmt.Errorf("wait at %d: %w", w.Stop, errUnknownStop)
	}
	stop, ok := w.Dir.Stop(w.Stop)
	if !ok {
		return fmt.Errorf("wait at %d: no stop agent", w.Stop)
	}
	ctx.Self().Pos.Set(loc)
	return ctx.Post(stop, MsgWaitRegister, WaitRegister{Dest: w.Dest})
}

func (w *WaitActivity) Update(ctx *kernel.Context) error {
	w.waited++
	return nil
}

func (w *WaitActivity) HandleMessage(ctx *kernel.Context, m kernel.Message) {
	if m.Type != MsgBoard || w.boarded != 0 {
		return
	}
	b := m.Payload.(Boarding)
	w.boarded = b.Bus
	if err := ctx.ReplaceRole(&Passenger{Bus: b.Bus, Origin: w.Stop, Dest: w.Dest, Waited: w.waited}); err != nil {
		return
	}
	_ = ctx.Post(b.Bus, MsgBoarded, nil)
}

func (w *WaitActivity) Digest(out io.Writer) {
	kernel.DigestU64(out, uint64(w.Stop)<<32|uint64(w.Dest))
	kernel.DigestU64(out, uint64(w.boarded))
}

// Ride is emitted when a passenger boards and when it alights.
type Ride struct {
	Bus    kernel.ID      `json:"bus"`
	Origin network.StopID `json:"origin"`
	Dest   network.StopID `json:"dest"`
	Waited int            `json:"waited_ticks"`
	Rode   int            `json:"rode_ticks,omitempty"`
}

// Passenger rides Bus, mirroring its committed position, until the bus is
// reported at Dest.
type Passenger struct {
	kernel.BaseRole
	Bus    kernel.ID
	Origin network.StopID
	Dest   network.StopID
	Waited int

	rode     int
	started  bool
	alighted bool
	stranded bool
}

func (p *Passenger) Kind() string { return KindPassenger }

func (p *Passenger) Update(ctx *kernel.Context) error {
	bus, ok := ctx.Lookup(p.Bus)
	if !ok {
		p.stranded = true
		ctx.RequestRemoval()
		return nil
	}
	bd, ok := bus.Role().(*BusDriver)
	if !ok {
		return fmt.Errorf("passenger: %s is a %s, not a bus", p.Bus, bus.Kind())
	}
	p.rode++
	ctx.Self().Pos.Set(bus.Pos.Get())
	if bd.AtStop.Get() == p.Dest {
		p.alighted = true
		ctx.RequestRemoval()
		return ctx.Post(p.Bus, MsgAlight, nil)
	}
	return nil
}

func (p *Passenger) Finalize(ctx *kernel.Context) error {
	r := Ride{Bus: p.Bus, Origin: p.Origin, Dest: p.Dest, Waited: p.Waited}
	if !p.started {
		p.started = true
		if err := ctx.Emit("boarded", r); err != nil {
			return err
		}
	}
	switch {
	case p.alighted:
		r.Rode = p.rode
		return ctx.Emit("alighted", r)
	case p.stranded:
		return ctx.Emit("stranded", r)
	}
	return nil
}

func (p *Passenger) Digest(w io.Writer) {
	kernel.DigestU64(w, uint64(p.Bus))
	kernel.DigestU64(w, uint64(p.rode))
}

// BusArrival is emitted each time a bus reaches a stop.
type BusArrival struct {
	Stop network.StopID `json:"stop"`
	Load int            `json:"load"`
}

// BusDriver loops over Route, dwelling DwellTicks updates at every stop and
// announcing itself to the stop agent. Load and AtStop are readable by
// passengers.
type BusDriver struct {
	kernel.BaseRole
	Route      []network.StopID
	Start      int
	Capacity   int
	DwellTicks int
	Dir        *Directory

	Load   *cell.Cell[int]
	AtStop *cell.Cell[network.StopID]

	cur     int
	dwell   int
	leg     []network.LinkID
	idx     int
	off     float64
	target  float64
	arrived bool
}

func (b *BusDriver) Kind() string { return KindBusDriver }

func (b *BusDriver) Bind(self *kernel.Agent) {
	b.Load = cell.New(self.Cells(), 0)
	b.AtStop = cell.New(self.Cells(), network.StopID(0))
}

func (b *BusDriver) Initialize(ctx *kernel.Context) error {
	if len(b.Route) < 2 {
		return fmt.Errorf("bus: route needs two stops, got %d", len(b.Route))
	}
	if b.DwellTicks < 1 {
		b.DwellTicks = 1
	}
	b.cur = b.Start % len(b.Route)
	loc, ok := ctx.Network().StopLocation(b.Route[b.cur])
	if !ok {
		return fmt.Errorf("bus: stop %d: %w", b.Route[b.cur], errUnknownStop)
	}
	ctx.Self().Pos.Set(loc)
	return b.arrive(ctx)
}

func (b *BusDriver) arrive(ctx *kernel.Context) error {
	stop := b.Route[b.cur]
	b.arrived = true
	b.dwell = b.DwellTicks
	b.AtStop.Set(stop)
	agent, ok := b.Dir.Stop(stop)
	if !ok {
		return nil
	}
	return ctx.Post(agent, MsgBusArrival, Arrival{Stop: stop, Free: b.Capacity - b.Load.Pending()})
}

func (b *BusDriver) depart(ctx *kernel.Context) error {
	net := ctx.Network()
	from := ctx.Self().Pos.Pending()
	b.cur = (b.cur + 1) % len(b.Route)
	to, ok := net.StopLocation(b.Route[b.cur])
	if !ok {
		return fmt.Errorf("bus: stop %d: %w", b.Route[b.cur], errUnknownStop)
	}
	leg, err := legTo(net, from, to)
	if err != nil {
		return fmt.Errorf("bus: leg to stop %d: %w", b.Route[b.cur], err)
	}
	b.leg, b.idx, b.off, b.target = leg, 0, from.Offset, to.Offset
	b.AtStop.Set(0)
	return nil
}

func (b *BusDriver) Update(ctx *kernel.Context) error {
	if b.dwell > 0 {
		b.dwell--
		if b.dwell == 0 {
			return b.depart(ctx)
		}
		return nil
	}
	if travel(ctx.Network(), b.leg, &b.idx, &b.off, stepSeconds(ctx), b.target) {
		ctx.Self().Pos.Set(network.Location{Link: b.leg[b.idx], Offset: b.off})
		return b.arrive(ctx)
	}
	ctx.Self().Pos.Set(network.Location{Link: b.leg[b.idx], Offset: b.off})
	return nil
}

func (b *BusDriver) Finalize(ctx *kernel.Context) error {
	if !b.arrived {
		return nil
	}
	b.arrived = false
	return ctx.Emit("bus_arrival", BusArrival{Stop: b.Route[b.cur], Load: b.Load.Pending()})
}

func (b *BusDriver) HandleMessage(ctx *kernel.Context, m kernel.Message) {
	switch m.Type {
	case MsgBoarded:
		b.Load.Set(b.Load.Pending() + 1)
	case MsgAlight:
		if n := b.Load.Pending(); n > 0 {
			b.Load.Set(n - 1)
		}
	}
}

func (b *BusDriver) Digest(w io.Writer) {
	kernel.DigestU64(w, uint64(b.cur))
	kernel.DigestU64(w, uint64(b.Load.Get()))
	kernel.DigestU64(w, uint64(b.AtStop.Get()))
}

// StopReport is emitted by a stop after buses called at it.
type StopReport struct {
	Stop     network.StopID `json:"stop"`
	Arrivals int            `json:"arrivals"`
	Boarded  int            `json:"boarded"`
	Waiting  int            `json:"waiting"`
}

// BusStop queues waiting persons and calls them to board when a bus with
// free seats arrives. Waiting exposes the queue length.
type BusStop struct {
	kernel.BaseRole
	Stop network.StopID
	Dir  *Directory

	Waiting *cell.Cell[int]

	queue    []kernel.ID
	arrivals int
	boarded  int
}

func (s *BusStop) Kind() string { return KindBusStop }

func (s *BusStop) Bind(self *kernel.Agent) {
	s.Waiting = cell.New(self.Cells(), 0)
	s.Dir.registerStop(s.Stop, self.ID())
}

func (s *BusStop) Initialize(ctx *kernel.Context) error {
	loc, ok := ctx.Network().StopLocation(s.Stop)
	if !ok {
		return fmt.Errorf("stop %d: %w", s.Stop, errUnknownStop)
	}
	ctx.Self().Pos.Set(loc)
	return nil
}

func (s *BusStop) Update(ctx *kernel.Context) error {
	s.Waiting.Set(len(s.queue))
	return nil
}

func (s *BusStop) Finalize(ctx *kernel.Context) error {
	if s.arrivals == 0 {
		return nil
	}
	r := StopReport{Stop: s.Stop, Arrivals: s.arrivals, Boarded: s.boarded, Waiting: len(s.queue)}
	s.arrivals, s.boarded = 0, 0
	return ctx.Emit("stop", r)
}

func (s *BusStop) HandleMessage(ctx *kernel.Context, m kernel.Message) {
	switch m.Type {
	case MsgWaitRegister:
		s.queue = append(s.queue, m.Src)
	case MsgBusArrival:
		a := m.Payload.(Arrival)
		s.arrivals++
		n := min(max(a.Free, 0), len(s.queue))
		for _, p := range s.queue[:n] {
			_ = ctx.Post(p, MsgBoard, Boarding{Bus: m.Src})
		}
		s.queue = append(s.queue[:0], s.queue[n:]...)
		s.boarded += n
	}
}

func (s *BusStop) Digest(w io.Writer) {
	kernel.DigestU64(w, uint64(s.Stop))
	kernel.DigestU64(w, uint64(len(s.queue)))
}
