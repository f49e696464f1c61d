package kernel

import "sort"

// applyExternal admits requests made by collaborators outside the tick cycle.
// Runs on the scheduler while every worker is parked.
func (g *WorkGroup) applyExternal(t Tick) {
	g.extMu.Lock()
	d := g.ext
	g.ext = deferred{}
	g.extMu.Unlock()
	g.apply(t, &d, &g.carry, false)
}

// flip is the single-threaded commit point between two ticks.
func (g *WorkGroup) flip(t Tick) TickLogEntry {
	d := &g.scratch
	d.reset()
	for _, w := range g.workers {
		d.absorb(&w.out)
		w.out.reset()
	}
	d.absorb(&g.dispatchOut)
	g.dispatchOut.reset()

	for _, a := range g.order {
		a.cells.Flip()
	}

	e := TickLogEntry{
		Frame:     t.Frame,
		Ms:        t.Ms,
		Scheduled: d.scheduled,
	}
	if len(d.records) > 0 {
		e.Records = append([]Record(nil), d.records...)
		sort.SliceStable(e.Records, func(i, j int) bool { return e.Records[i].Agent < e.Records[j].Agent })
	}
	if len(d.faults) > 0 {
		e.Faults = append([]Fault(nil), d.faults...)
		sort.SliceStable(e.Faults, func(i, j int) bool { return e.Faults[i].Agent < e.Faults[j].Agent })
	}

	rebalance := g.cfg.RebalanceEvery > 0 && (t.Frame+1)%g.cfg.RebalanceEvery == 0
	g.apply(t, d, &e, rebalance)
	e.Population = len(g.order)
	return e
}

// apply performs structural changes in a fixed order: removals, role swaps,
// granularity changes, creations, migrations. Request order is normalized by
// agent id so the outcome does not depend on how agents were partitioned.
func (g *WorkGroup) apply(t Tick, d *deferred, e *TickLogEntry, rebalance bool) {
	if len(d.removals) > 0 {
		g.applyRemovals(d.removals, e)
	}

	if len(d.swaps) > 0 {
		sort.SliceStable(d.swaps, func(i, j int) bool { return d.swaps[i].id < d.swaps[j].id })
		for _, s := range d.swaps {
			a, ok := g.lookup(s.id)
			if !ok {
				continue
			}
			from := a.Kind()
			a.attach(s.role)
			e.Swapped = append(e.Swapped, RoleChange{Agent: a.id, From: from, To: a.Kind()})
		}
	}

	for _, c := range d.grans {
		if a, ok := g.lookup(c.id); ok {
			a.setGranularity(c.gran, c.offset)
		}
	}

	if len(d.creations) > 0 {
		sort.SliceStable(d.creations, func(i, j int) bool {
			x, y := d.creations[i], d.creations[j]
			if x.parent != y.parent {
				return x.parent < y.parent
			}
			return x.seq < y.seq
		})
		loads := g.loads()
		for _, c := range d.creations {
			g.nextID++
			a := newAgent(ID(g.nextID), c.parent, c.spec)
			if a.start < t.Frame+1 && c.parent != 0 {
				// Created mid-run: never scheduled in the tick that asked for it.
				a.start = t.Frame + 1
			}
			to := argmin(loads)
			loads[to] += a.weight()
			a.worker = to
			g.workers[to].agents = append(g.workers[to].agents, a)
			g.agents[a.id] = a
			g.order = append(g.order, a)
			e.Created = append(e.Created, Created{Agent: a.id, Parent: c.parent, Kind: a.Kind(), Worker: to})
		}
	}

	for _, m := range d.migrations {
		if a, ok := g.lookup(m.id); ok && a.worker != m.to {
			g.move(a, m.to, e)
		}
	}
	if rebalance {
		g.rebalance(e)
	}
}

func (g *WorkGroup) applyRemovals(ids []ID, e *TickLogEntry) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	n := 0
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			continue
		}
		a, ok := g.lookup(id)
		if !ok {
			continue
		}
		a.removing = true
		a.removed = true
		a.life.Set(Removed)
		a.cells.Flip()
		delete(g.agents, id)
		e.Removed = append(e.Removed, id)
		n++
	}
	if n == 0 {
		return
	}
	for _, w := range g.workers {
		w.agents = compact(w.agents)
	}
	g.order = compact(g.order)
}

func compact(as []*Agent) []*Agent {
	out := as[:0]
	for _, a := range as {
		if !a.removed {
			out = append(out, a)
		}
	}
	clear(as[len(out):])
	return out
}

func (g *WorkGroup) loads() []float64 {
	loads := make([]float64, len(g.workers))
	for i, w := range g.workers {
		for _, a := range w.agents {
			loads[i] += a.weight()
		}
	}
	return loads
}

func argmin(xs []float64) int {
	best := 0
	for i := 1; i < len(xs); i++ {
		if xs[i] < xs[best] {
			best = i
		}
	}
	return best
}

func argmax(xs []float64) int {
	best := 0
	for i := 1; i < len(xs); i++ {
		if xs[i] > xs[best] {
			best = i
		}
	}
	return best
}

// move hands a over to worker `to`. It keeps insertion order on both sides.
func (g *WorkGroup) move(a *Agent, to int, e *TickLogEntry) {
	from := g.workers[a.worker]
	for i, x := range from.agents {
		if x == a {
			copy(from.agents[i:], from.agents[i+1:])
			from.agents[len(from.agents)-1] = nil
			from.agents = from.agents[:len(from.agents)-1]
			break
		}
	}
	dst := g.workers[to]
	dst.agents = append(dst.agents, a)
	e.Migrated = append(e.Migrated, Migration{Agent: a.id, From: a.worker, To: to})
	a.worker = to
}

// rebalance moves the newest agents off the busiest worker while that narrows
// the gap to the idlest one beyond the configured threshold.
func (g *WorkGroup) rebalance(e *TickLogEntry) {
	if len(g.workers) < 2 {
		return
	}
	loads := g.loads()
	for iter := 0; iter < len(g.order); iter++ {
		hi, lo := argmax(loads), argmin(loads)
		gap := loads[hi] - loads[lo]
		if hi == lo || gap <= g.cfg.RebalanceThreshold {
			return
		}
		src := g.workers[hi].agents
		var pick *Agent
		for i := len(src) - 1; i >= 0; i-- {
			if src[i].weight() < gap {
				pick = src[i]
				break
			}
		}
		if pick == nil {
			return
		}
		loads[hi] -= pick.weight()
		loads[lo] += pick.weight()
		g.move(pick, lo, e)
	}
}
