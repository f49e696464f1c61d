package main

import (
	"fmt"
	"io"

	"mobsim.ai/internal/persistence/indexdb"
	"mobsim.ai/internal/sim/kernel"
)

// writeMetrics renders st (and idx when indexing is on) in the Prometheus
// text exposition format.
func writeMetrics(w io.Writer, runID string, st kernel.Stats, idx *indexdb.SQLiteIndex) {
	gauge := func(name, help string) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	}
	counter := func(name, help string) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
	}

	gauge("mobsim_frame", "Next frame to run.")
	fmt.Fprintf(w, "mobsim_frame{run=%q} %d\n", runID, st.Frame)
	gauge("mobsim_population", "Live agents after the last flip.")
	fmt.Fprintf(w, "mobsim_population{run=%q} %d\n", runID, st.Population)
	gauge("mobsim_scheduled", "Agents driven in the last tick.")
	fmt.Fprintf(w, "mobsim_scheduled{run=%q} %d\n", runID, st.Scheduled)

	gauge("mobsim_worker_agents", "Agents owned per worker.")
	for _, ws := range st.Workers {
		fmt.Fprintf(w, "mobsim_worker_agents{run=%q,worker=\"%d\"} %d\n", runID, ws.ID, ws.Agents)
	}
	gauge("mobsim_worker_load", "Expected updates per tick per worker.")
	for _, ws := range st.Workers {
		fmt.Fprintf(w, "mobsim_worker_load{run=%q,worker=\"%d\"} %.3f\n", runID, ws.ID, ws.Load)
	}
	counter("mobsim_worker_processed_total", "Agent steps run per worker.")
	for _, ws := range st.Workers {
		fmt.Fprintf(w, "mobsim_worker_processed_total{run=%q,worker=\"%d\"} %d\n", runID, ws.ID, ws.Processed)
	}

	counter("mobsim_agents_total", "Population changes applied at flip.")
	fmt.Fprintf(w, "mobsim_agents_total{run=%q,change=%q} %d\n", runID, "created", st.TotalCreated)
	fmt.Fprintf(w, "mobsim_agents_total{run=%q,change=%q} %d\n", runID, "removed", st.TotalRemoved)
	fmt.Fprintf(w, "mobsim_agents_total{run=%q,change=%q} %d\n", runID, "migrated", st.TotalMigrated)
	counter("mobsim_agent_faults_total", "Contained agent faults.")
	fmt.Fprintf(w, "mobsim_agent_faults_total{run=%q} %d\n", runID, st.TotalFaults)
	counter("mobsim_messages_total", "Messages dispatched.")
	fmt.Fprintf(w, "mobsim_messages_total{run=%q,outcome=%q} %d\n", runID, "delivered", st.TotalDelivered)
	fmt.Fprintf(w, "mobsim_messages_total{run=%q,outcome=%q} %d\n", runID, "dropped", st.TotalDropped)

	if idx == nil {
		return
	}
	s := idx.Stats()
	gauge("mobsim_index_queue_depth", "Pending index writes.")
	fmt.Fprintf(w, "mobsim_index_queue_depth{run=%q} %d\n", runID, s.QueueDepth)
	counter("mobsim_index_ticks_total", "Index writes by outcome.")
	fmt.Fprintf(w, "mobsim_index_ticks_total{run=%q,outcome=%q} %d\n", runID, "written", s.WrittenTotal)
	fmt.Fprintf(w, "mobsim_index_ticks_total{run=%q,outcome=%q} %d\n", runID, "dropped", s.DropTickTotal)
	fmt.Fprintf(w, "mobsim_index_ticks_total{run=%q,outcome=%q} %d\n", runID, "failed", s.FailTotal)
}
