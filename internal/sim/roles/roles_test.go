package roles

import (
	"testing"

	"mobsim.ai/internal/sim/kernel"
	"mobsim.ai/internal/sim/network"
	"mobsim.ai/internal/sim/tuning"
)

func newGroup(t *testing.T, net *network.Network, workers int) *kernel.WorkGroup {
	t.Helper()
	g, err := kernel.New(kernel.Env{Network: net, Seed: 11, TickMs: 1000}, kernel.Config{Workers: workers})
	if err != nil {
		t.Fatalf("kernel: %v", err)
	}
	t.Cleanup(g.Stop)
	return g
}

func runFrames(t *testing.T, g *kernel.WorkGroup, n int) []kernel.TickLogEntry {
	t.Helper()
	if err := g.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	var out []kernel.TickLogEntry
	for i := 0; i < n; i++ {
		e, err := g.Step()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func recordsOf(entries []kernel.TickLogEntry, kind string) []kernel.Record {
	var out []kernel.Record
	for _, e := range entries {
		for _, r := range e.Records {
			if r.Kind == kind {
				out = append(out, r)
			}
		}
	}
	return out
}

func lineNetwork(t *testing.T) *network.Network {
	t.Helper()
	var b network.Builder
	b.AddNode(network.Node{ID: 1}).AddNode(network.Node{ID: 2, X: 100}).AddNode(network.Node{ID: 3, X: 200})
	b.AddLink(network.Link{ID: 1, From: 1, To: 2, Length: 100, FreeSpeed: 10})
	b.AddLink(network.Link{ID: 2, From: 2, To: 3, Length: 100, FreeSpeed: 10})
	net, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return net
}

func TestDriver_ReachesDestinationAndLeaves(t *testing.T) {
	net := lineNetwork(t)
	g := newGroup(t, net, 2)
	if err := g.Spawn(kernel.Spec{Role: &Driver{Origin: 1, Dest: 3}}); err != nil {
		t.Fatal(err)
	}
	if err := g.Spawn(kernel.Spec{Role: &Driver{Origin: 3, Dest: 1}}); err != nil {
		t.Fatal(err)
	}

	entries := runFrames(t, g, 25)
	trips := recordsOf(entries, "trip")
	if len(trips) != 1 {
		t.Fatalf("trips=%+v", trips)
	}
	trip := trips[0].Data.(Trip)
	// 200m at 10m/s, one second per tick: arrives during the 20th update.
	if trip.ArriveMs != 19_000 || trip.Links != 2 {
		t.Fatalf("trip=%+v", trip)
	}
	if len(entries[0].Faults) != 1 || entries[0].Faults[0].Agent != 2 {
		t.Fatalf("driver without a path was not reported: %+v", entries[0].Faults)
	}
	if g.Population() != 0 {
		t.Fatalf("population=%d want 0", g.Population())
	}
}

func TestDriver_PositionOnlyMovesForward(t *testing.T) {
	net := lineNetwork(t)
	g := newGroup(t, net, 1)
	if err := g.Spawn(kernel.Spec{Role: &Driver{Origin: 1, Dest: 3}, Granularity: 2}); err != nil {
		t.Fatal(err)
	}
	if err := g.Start(); err != nil {
		t.Fatal(err)
	}
	prev := -1.0
	for i := 0; i < 12; i++ {
		if _, err := g.Step(); err != nil {
			t.Fatal(err)
		}
		a, ok := g.Lookup(1)
		if !ok {
			break
		}
		p := a.Pos.Get()
		d := float64(p.Link-1)*100 + p.Offset
		if d < prev {
			t.Fatalf("frame %d: moved back %v -> %v", i, prev, d)
		}
		prev = d
	}
	if prev != 120 {
		t.Fatalf("distance after 12 ticks at granularity 2 = %v want 120", prev)
	}
}

func TestTransit_PersonBoardsRidesAndAlights(t *testing.T) {
	net, err := network.Grid(3, 3, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	g := newGroup(t, net, 3)
	dir := NewDirectory()
	stops := net.Stops()
	for _, s := range stops {
		if err := g.Spawn(kernel.Spec{Role: &BusStop{Stop: s, Dir: dir}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.Spawn(kernel.Spec{Role: &BusDriver{Route: stops, Capacity: 5, DwellTicks: 2, Dir: dir}}); err != nil {
		t.Fatal(err)
	}
	if err := g.Spawn(kernel.Spec{Role: &WaitActivity{Stop: stops[1], Dest: stops[3], Dir: dir}}); err != nil {
		t.Fatal(err)
	}
	person := kernel.ID(len(stops) + 2)

	entries := runFrames(t, g, 60)

	boarded := recordsOf(entries, "boarded")
	alighted := recordsOf(entries, "alighted")
	if len(boarded) != 1 || len(alighted) != 1 {
		t.Fatalf("boarded=%+v alighted=%+v", boarded, alighted)
	}
	if boarded[0].Agent != person || alighted[0].Agent != person {
		t.Fatalf("records from the wrong agent: %+v %+v", boarded[0], alighted[0])
	}
	ride := alighted[0].Data.(Ride)
	if ride.Origin != stops[1] || ride.Dest != stops[3] || ride.Rode == 0 {
		t.Fatalf("ride=%+v", ride)
	}

	swapped := false
	for _, e := range entries {
		for _, s := range e.Swapped {
			if s.Agent == person && s.From == KindWaitActivity && s.To == KindPassenger {
				swapped = true
			}
		}
	}
	if !swapped {
		t.Fatalf("person never became a passenger")
	}
	if _, ok := g.Lookup(person); ok {
		t.Fatalf("passenger still present after alighting")
	}
	bus, _ := g.Lookup(kernel.ID(len(stops) + 1))
	if n := bus.Role().(*BusDriver).Load.Get(); n != 0 {
		t.Fatalf("bus load=%d after the only passenger left", n)
	}
	if len(recordsOf(entries, "stop")) == 0 {
		t.Fatalf("stops never reported a call")
	}
}

func TestBusStop_BoardingBoundedByFreeSeats(t *testing.T) {
	net, err := network.Grid(2, 2, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	g := newGroup(t, net, 2)
	dir := NewDirectory()
	stops := net.Stops()
	for _, s := range stops {
		if err := g.Spawn(kernel.Spec{Role: &BusStop{Stop: s, Dir: dir}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.Spawn(kernel.Spec{Role: &BusDriver{Route: stops, Start: 1, Capacity: 2, DwellTicks: 3, Dir: dir}}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := g.Spawn(kernel.Spec{Role: &WaitActivity{Stop: stops[2], Dest: stops[0], Dir: dir}}); err != nil {
			t.Fatal(err)
		}
	}

	entries := runFrames(t, g, 20)
	if n := len(recordsOf(entries, "boarded")); n != 2 {
		t.Fatalf("boarded=%d want 2", n)
	}
	stop, _ := dir.Stop(stops[2])
	a, _ := g.Lookup(stop)
	if w := a.Role().(*BusStop).Waiting.Get(); w != 3 {
		t.Fatalf("still waiting=%d want 3", w)
	}
}

func TestMarket_BestBidWins(t *testing.T) {
	g := newGroup(t, lineNetwork(t), 2)
	dir := NewDirectory()
	seller := &Seller{Units: 1, Asking: 100, Dir: dir}
	low := &Bidder{WTP: 150, MaxTries: 5, Dir: dir}
	high := &Bidder{WTP: 300, MaxTries: 5, Dir: dir}
	for _, r := range []kernel.Role{seller, low, high} {
		if err := g.Spawn(kernel.Spec{Role: r}); err != nil {
			t.Fatal(err)
		}
	}

	entries := runFrames(t, g, 10)
	purchases := recordsOf(entries, "purchase")
	if len(purchases) != 1 || purchases[0].Agent != 3 {
		t.Fatalf("purchases=%+v", purchases)
	}
	if p := purchases[0].Data.(Purchase); p.Price != 180 || p.Seller != 1 {
		t.Fatalf("purchase=%+v", p)
	}
	sales := recordsOf(entries, "sale")
	if len(sales) != 1 || sales[0].Data.(Sale).Bidder != 3 {
		t.Fatalf("sales=%+v", sales)
	}
	if seller.Available.Get() != 0 {
		t.Fatalf("available=%d", seller.Available.Get())
	}
	if _, ok := g.Lookup(3); ok {
		t.Fatalf("winning bidder still in the market")
	}
	if _, ok := g.Lookup(2); !ok {
		t.Fatalf("losing bidder left the market")
	}
}

func TestMarket_AskingPriceDecays(t *testing.T) {
	g := newGroup(t, lineNetwork(t), 1)
	s := &Seller{Units: 2, Asking: 100, Floor: 95, Decay: 0.01, Dir: NewDirectory()}
	if err := g.Spawn(kernel.Spec{Role: s}); err != nil {
		t.Fatal(err)
	}
	runFrames(t, g, 10)
	if s.Asking != 95 {
		t.Fatalf("asking=%v want floor 95", s.Asking)
	}
}

func TestGenerator_CreatesDriversAtItsRate(t *testing.T) {
	net, err := network.Grid(3, 3, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	g := newGroup(t, net, 2)
	if err := g.Spawn(kernel.Spec{Role: &Generator{Batch: 2}, Granularity: 5}); err != nil {
		t.Fatal(err)
	}
	entries := runFrames(t, g, 11)
	var frames []uint64
	for _, e := range entries {
		for _, c := range e.Created {
			if c.Parent == 1 {
				if c.Kind != KindDriver {
					t.Fatalf("created %+v", c)
				}
				frames = append(frames, e.Frame)
			}
		}
	}
	want := []uint64{0, 0, 5, 5, 10, 10}
	if len(frames) != len(want) {
		t.Fatalf("creation frames=%v want %v", frames, want)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Fatalf("creation frames=%v want %v", frames, want)
		}
	}
}

func smallTuning() tuning.Tuning {
	tu := tuning.Defaults()
	tu.Network = tuning.Network{GridW: 4, GridH: 4, SpacingM: 100, FreeSpeed: 10}
	tu.Population = tuning.Population{
		Drivers:             30,
		Passengers:          12,
		Buses:               2,
		BusCapacity:         4,
		Bidders:             8,
		Sellers:             2,
		GeneratorEveryTicks: 7,
		GeneratorBatch:      3,
	}
	tu.Granularity = tuning.Granularity{PersonTicks: 1, BusTicks: 1, StopTicks: 2, MarketTicks: 3}
	return tu
}

func TestPopulate_DeterministicAcrossWorkers(t *testing.T) {
	tu := smallTuning()
	net, err := tu.LoadNetwork("")
	if err != nil {
		t.Fatal(err)
	}

	run := func(workers int) []kernel.TickLogEntry {
		tu := tu
		tu.Workers.Count = workers
		env, cfg := tu.Kernel(net)
		cfg.RebalanceEvery = 5
		g, err := kernel.New(env, cfg)
		if err != nil {
			t.Fatalf("kernel: %v", err)
		}
		t.Cleanup(g.Stop)
		if _, err := Populate(g, env, tu); err != nil {
			t.Fatalf("populate: %v", err)
		}
		return runFrames(t, g, 80)
	}

	a := run(1)
	b := run(4)
	stops := len(net.Stops())
	want := stops + 2 + 12 + 30 + 2 + 8 + 1
	initial := 0
	for _, c := range a[0].Created {
		if c.Parent == 0 {
			initial++
		}
	}
	if initial != want {
		t.Fatalf("initial population=%d want %d", initial, want)
	}
	for i := range a {
		if a[i].Digest != b[i].Digest {
			t.Fatalf("frame %d: digests differ between 1 and 4 workers", i)
		}
		if len(a[i].Records) != len(b[i].Records) {
			t.Fatalf("frame %d: record counts differ", i)
		}
	}
	if len(recordsOf(a, "trip")) == 0 || len(recordsOf(a, "bus_arrival")) == 0 {
		t.Fatalf("nothing happened in 80 ticks")
	}
}

func TestPopulate_RejectsTransitWithoutStops(t *testing.T) {
	net := lineNetwork(t)
	g := newGroup(t, net, 1)
	tu := smallTuning()
	if _, err := Populate(g, kernel.Env{Network: net, TickMs: 1000}, tu); err == nil {
		t.Fatalf("accepted buses on a network without stops")
	}
}
