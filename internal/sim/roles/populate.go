package roles

import (
	"fmt"
	"math/rand"

	"mobsim.ai/internal/sim/kernel"
	"mobsim.ai/internal/sim/network"
	"mobsim.ai/internal/sim/tuning"
)

// Populate queues the initial population described by t on g. Agents join at
// the next safe point (Start). The returned directory is shared by the
// transit and market roles.
func Populate(g *kernel.WorkGroup, env kernel.Env, t tuning.Tuning) (*Directory, error) {
	net := env.Network
	if net == nil {
		return nil, fmt.Errorf("populate: %w: no network", kernel.ErrConfig)
	}
	p := t.Population
	gr := t.Granularity
	rng := rand.New(rand.NewSource(env.Seed))
	dir := NewDirectory()
	nodes := net.Nodes()
	stops := net.Stops()

	if (p.Buses > 0 || p.Passengers > 0) && len(stops) < 2 {
		return nil, fmt.Errorf("populate: %w: transit needs at least two stops, network has %d", kernel.ErrConfig, len(stops))
	}
	if p.Drivers > 0 && len(nodes) < 2 {
		return nil, fmt.Errorf("populate: %w: drivers need at least two nodes", kernel.ErrConfig)
	}

	var specs []kernel.Spec
	add := func(r kernel.Role, gran uint32, pos network.Location) {
		specs = append(specs, kernel.Spec{Role: r, Granularity: gran, Pos: pos})
	}

	if p.Buses > 0 || p.Passengers > 0 {
		for _, s := range stops {
			loc, _ := net.StopLocation(s)
			add(&BusStop{Stop: s, Dir: dir}, gr.StopTicks, loc)
		}
	}
	for i := 0; i < p.Buses; i++ {
		add(&BusDriver{
			Route:      stops,
			Start:      i * len(stops) / p.Buses,
			Capacity:   p.BusCapacity,
			DwellTicks: 2,
			Dir:        dir,
		}, gr.BusTicks, network.Location{})
	}
	for i := 0; i < p.Passengers; i++ {
		from, to := randomPair(rng.Intn, stops)
		loc, _ := net.StopLocation(from)
		add(&WaitActivity{Stop: from, Dest: to, Dir: dir}, gr.PersonTicks, loc)
	}
	for i := 0; i < p.Drivers; i++ {
		o, d := randomPair(rng.Intn, nodes)
		add(&Driver{Origin: o, Dest: d}, gr.PersonTicks, network.Location{})
	}
	for i := 0; i < p.Sellers; i++ {
		asking := 300 + float64(rng.Intn(200))
		add(&Seller{Units: 1 + rng.Intn(3), Asking: asking, Floor: asking * 0.7, Decay: 0.02, Dir: dir}, gr.MarketTicks, network.Location{})
	}
	for i := 0; i < p.Bidders; i++ {
		add(&Bidder{WTP: 200 + float64(rng.Intn(400)), MaxTries: 5, Patience: 4 * uint64(max(gr.MarketTicks, 1)), Dir: dir}, gr.MarketTicks, network.Location{})
	}
	if p.GeneratorEveryTicks > 0 && p.GeneratorBatch > 0 && len(nodes) >= 2 {
		add(&Generator{Batch: p.GeneratorBatch, DriverGranularity: gr.PersonTicks}, uint32(p.GeneratorEveryTicks), network.Location{})
	}

	for _, s := range specs {
		if err := g.Spawn(s); err != nil {
			return nil, fmt.Errorf("populate: %w", err)
		}
	}
	return dir, nil
}
