package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"mobsim.ai/internal/persistence/indexdb"
	"mobsim.ai/internal/sim/kernel"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "mobsim base url")
	raw := fs.Bool("raw", false, "print the server response as is")
	_ = fs.Parse(args)

	body, err := fetchState(*baseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "state:", err)
		os.Exit(1)
	}
	if *raw {
		fmt.Println(string(body))
		return
	}
	sum, err := summarizeState(body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "state:", err)
		os.Exit(1)
	}
	printJSON(sum)
}

func fetchState(baseURL string) ([]byte, error) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/admin/v1/state"
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return b, nil
}

// liveState is what /admin/v1/state serves.
type liveState struct {
	RunID     string            `json:"run_id"`
	Observers int               `json:"observers"`
	Kernel    kernel.Stats      `json:"kernel"`
	Index     *indexdb.Stats    `json:"index,omitempty"`
	Snapshots map[string]uint64 `json:"snapshots,omitempty"`
}

type stateSummary struct {
	Run        string            `json:"run"`
	State      string            `json:"state"`
	Frame      uint64            `json:"frame"`
	SimTime    string            `json:"sim_time"`
	Population int               `json:"population"`
	Observers  int               `json:"observers"`
	Digest     string            `json:"digest,omitempty"`
	Workers    []workerLine      `json:"workers"`
	LoadGap    float64           `json:"load_gap"`
	Totals     map[string]uint64 `json:"totals"`
	IndexLag   int               `json:"index_queue,omitempty"`
	IndexDrops uint64            `json:"index_dropped,omitempty"`
	Snapshots  uint64            `json:"snapshots_written,omitempty"`
}

type workerLine struct {
	ID        int     `json:"id"`
	Agents    int     `json:"agents"`
	Load      float64 `json:"load"`
	Processed uint64  `json:"processed"`
	Faults    uint64  `json:"faults,omitempty"`
}

func summarizeState(body []byte) (stateSummary, error) {
	var st liveState
	if err := json.Unmarshal(body, &st); err != nil {
		return stateSummary{}, fmt.Errorf("decode: %w", err)
	}
	k := st.Kernel
	s := stateSummary{
		Run:        st.RunID,
		State:      k.State,
		Frame:      k.Frame,
		SimTime:    (time.Duration(k.Ms) * time.Millisecond).String(),
		Population: k.Population,
		Observers:  st.Observers,
		Digest:     k.Digest,
		Totals: map[string]uint64{
			"created":   k.TotalCreated,
			"removed":   k.TotalRemoved,
			"migrated":  k.TotalMigrated,
			"faults":    k.TotalFaults,
			"delivered": k.TotalDelivered,
			"dropped":   k.TotalDropped,
		},
	}
	for _, w := range k.Workers {
		s.Workers = append(s.Workers, workerLine{ID: w.ID, Agents: w.Agents, Load: w.Load, Processed: w.Processed, Faults: w.Faults})
	}
	if len(k.Workers) > 0 {
		lo, hi := k.Workers[0].Load, k.Workers[0].Load
		for _, w := range k.Workers[1:] {
			lo = min(lo, w.Load)
			hi = max(hi, w.Load)
		}
		s.LoadGap = hi - lo
	}
	if st.Index != nil {
		s.IndexLag = st.Index.QueueDepth
		s.IndexDrops = st.Index.DropTickTotal
	}
	s.Snapshots = st.Snapshots["written"]
	return s, nil
}
