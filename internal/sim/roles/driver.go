package roles

import (
	"fmt"
	"io"

	"mobsim.ai/internal/sim/kernel"
	"mobsim.ai/internal/sim/network"
)

// Trip is emitted when a driver reaches its destination.
type Trip struct {
	Origin   network.NodeID `json:"origin"`
	Dest     network.NodeID `json:"dest"`
	DepartMs uint64         `json:"depart_ms"`
	ArriveMs uint64         `json:"arrive_ms"`
	Links    int            `json:"links"`
}

// Driver follows the shortest path from Origin to Dest at free speed and
// leaves the simulation on arrival.
type Driver struct {
	kernel.BaseRole
	Origin network.NodeID
	Dest   network.NodeID

	path     []network.LinkID
	idx      int
	off      float64
	departMs uint64
	arrived  bool
	reported bool
}

func (d *Driver) Kind() string { return KindDriver }

func (d *Driver) Initialize(ctx *kernel.Context) error {
	path, err := ctx.Network().ShortestPath(d.Origin, d.Dest)
	if err != nil {
		return fmt.Errorf("driver %d->%d: %w", d.Origin, d.Dest, err)
	}
	d.path = path
	d.departMs = ctx.Tick().Ms
	if len(path) == 0 {
		d.arrived = true
		return nil
	}
	ctx.Self().Pos.Set(network.Location{Link: path[0]})
	return nil
}

func (d *Driver) Update(ctx *kernel.Context) error {
	if !d.arrived {
		last, _ := ctx.Network().Link(d.path[len(d.path)-1])
		d.arrived = travel(ctx.Network(), d.path, &d.idx, &d.off, stepSeconds(ctx), last.Length)
		ctx.Self().Pos.Set(network.Location{Link: d.path[d.idx], Offset: d.off})
	}
	if d.arrived {
		ctx.RequestRemoval()
	}
	return nil
}

func (d *Driver) Finalize(ctx *kernel.Context) error {
	if !d.arrived || d.reported {
		return nil
	}
	d.reported = true
	return ctx.Emit("trip", Trip{
		Origin:   d.Origin,
		Dest:     d.Dest,
		DepartMs: d.departMs,
		ArriveMs: ctx.Tick().Ms,
		Links:    len(d.path),
	})
}

func (d *Driver) Digest(w io.Writer) {
	kernel.DigestU64(w, uint64(d.Origin)<<32|uint64(d.Dest))
	kernel.DigestU64(w, uint64(d.idx))
	kernel.DigestF64(w, d.off)
}
