package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"mobsim.ai/internal/persistence/snapshot"
)

type snapshotSummary struct {
	snapshot.Header
	Workers  int            `json:"workers"`
	ByKind   map[string]int `json:"by_kind"`
	ByState  map[string]int `json:"by_state"`
	ByWorker []int          `json:"by_worker"`
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	runID := fs.String("run", "", "run id")
	frame := fs.Int64("frame", -1, "snapshot frame (optional; defaults to latest)")
	kind := fs.String("kind", "", "dump agents of this kind instead of a summary")
	_ = fs.Parse(args)

	if strings.TrimSpace(*runID) == "" {
		fmt.Fprintln(os.Stderr, "missing -run")
		os.Exit(2)
	}
	runDir := filepath.Join(*dataDir, "runs", *runID)

	f := *frame
	if f < 0 {
		frames, err := snapshot.List(runDir)
		if err != nil || len(frames) == 0 {
			fmt.Fprintln(os.Stderr, "no snapshots found under", runDir)
			os.Exit(2)
		}
		f = int64(frames[len(frames)-1])
	}
	snap, err := snapshot.ReadSnapshot(snapshot.PathFor(runDir, uint64(f)))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	if *kind != "" {
		var out []snapshot.AgentV1
		for _, a := range snap.Agents {
			if a.Kind == *kind {
				out = append(out, a)
			}
		}
		if len(out) == 0 {
			fmt.Fprintf(os.Stderr, "no %q agents at frame %d (kinds: %s)\n", *kind, f, strings.Join(kindsOf(snap), ", "))
			os.Exit(1)
		}
		printJSON(out)
		return
	}
	printJSON(summarizeSnapshot(snap))
}

func summarizeSnapshot(snap snapshot.SnapshotV1) snapshotSummary {
	s := snapshotSummary{
		Header:   snap.Header,
		Workers:  snap.Workers,
		ByKind:   map[string]int{},
		ByState:  map[string]int{},
		ByWorker: make([]int, snap.Workers),
	}
	for _, a := range snap.Agents {
		s.ByKind[a.Kind]++
		s.ByState[a.State]++
		if a.Worker >= 0 && a.Worker < len(s.ByWorker) {
			s.ByWorker[a.Worker]++
		}
	}
	return s
}

// kindsOf lists the kinds present in a snapshot, sorted.
func kindsOf(snap snapshot.SnapshotV1) []string {
	seen := map[string]bool{}
	for _, a := range snap.Agents {
		seen[a.Kind] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
