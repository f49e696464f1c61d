package kernel

import "mobsim.ai/internal/sim/kernel/msgbus"

type WorkerStats struct {
	ID        int     `json:"id"`
	Agents    int     `json:"agents"`
	Load      float64 `json:"load"`
	Processed uint64  `json:"processed"`
	Faults    uint64  `json:"faults"`
}

// Stats is a point-in-time summary safe to read from any goroutine.
type Stats struct {
	Frame      uint64               `json:"frame"`
	Ms         uint64               `json:"ms"`
	State      string               `json:"state"`
	Population int                  `json:"population"`
	Scheduled  int                  `json:"scheduled"`
	Workers    []WorkerStats        `json:"workers"`
	Messages   msgbus.DispatchStats `json:"messages"`
	Digest     string               `json:"digest,omitempty"`

	TotalCreated   uint64 `json:"total_created"`
	TotalRemoved   uint64 `json:"total_removed"`
	TotalMigrated  uint64 `json:"total_migrated"`
	TotalFaults    uint64 `json:"total_faults"`
	TotalDelivered uint64 `json:"total_delivered"`
	TotalDropped   uint64 `json:"total_dropped"`
}

// Stats returns the summary published after the last completed tick.
func (g *WorkGroup) Stats() Stats {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	s := g.stats
	s.State = g.State().String()
	s.Workers = append([]WorkerStats(nil), g.stats.Workers...)
	return s
}

// publishStats runs on the scheduler between ticks. e is nil at start.
func (g *WorkGroup) publishStats(e *TickLogEntry) {
	ws := make([]WorkerStats, len(g.workers))
	for i, w := range g.workers {
		var load float64
		for _, a := range w.agents {
			load += a.weight()
		}
		ws[i] = WorkerStats{ID: i, Agents: len(w.agents), Load: load, Processed: w.processed.Load(), Faults: w.faults.Load()}
	}

	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	s := &g.stats
	s.Frame = g.frame
	s.Ms = g.frame * uint64(g.env.TickMs)
	s.Population = len(g.order)
	s.Workers = ws
	if e == nil {
		return
	}
	s.Scheduled = e.Scheduled
	s.Messages = e.Messages
	s.Digest = e.Digest
	s.TotalCreated += uint64(len(e.Created))
	s.TotalRemoved += uint64(len(e.Removed))
	s.TotalMigrated += uint64(len(e.Migrated))
	s.TotalFaults += uint64(len(e.Faults))
	s.TotalDelivered += uint64(e.Messages.Delivered)
	s.TotalDropped += uint64(e.Messages.Dropped)
}
