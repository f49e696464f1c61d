package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"mobsim.ai/internal/persistence/log"
	"mobsim.ai/internal/sim/kernel"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "summary":
			summaryCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "runs"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name())
		}
	}
}

type runSummary struct {
	Run        string           `json:"run"`
	Ticks      int              `json:"ticks"`
	FirstFrame uint64           `json:"first_frame"`
	LastFrame  uint64           `json:"last_frame"`
	LastMs     uint64           `json:"last_ms"`
	Population int              `json:"population"`
	Created    int              `json:"created"`
	Removed    int              `json:"removed"`
	Migrated   int              `json:"migrated"`
	Faults     int              `json:"faults"`
	Delivered  int              `json:"delivered"`
	Dropped    int              `json:"dropped"`
	Records    map[string]int   `json:"records"`
	FaultKinds map[string]int   `json:"fault_kinds,omitempty"`
	Digest     string           `json:"digest"`
	Kinds      []kindPopulation `json:"kinds"`
}

type kindPopulation struct {
	Kind string `json:"kind"`
	Live int    `json:"live"`
}

// summaryCmd folds a run's tick log into totals without touching the index.
func summaryCmd(args []string) {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	runID := fs.String("run", "", "run id")
	_ = fs.Parse(args)
	if *runID == "" {
		fmt.Fprintln(os.Stderr, "missing -run")
		os.Exit(2)
	}

	s, err := summarize(filepath.Join(*dataDir, "runs", *runID))
	if err != nil {
		fmt.Fprintln(os.Stderr, "summary:", err)
		os.Exit(1)
	}
	s.Run = *runID
	printJSON(s)
}

func summarize(runDir string) (*runSummary, error) {
	s := &runSummary{Records: map[string]int{}, FaultKinds: map[string]int{}}
	kinds := map[kernel.ID]string{}
	err := log.ReadTicks(runDir, func(e kernel.TickLogEntry) error {
		if s.Ticks == 0 {
			s.FirstFrame = e.Frame
		}
		s.Ticks++
		s.LastFrame, s.LastMs = e.Frame, e.Ms
		s.Population = e.Population
		s.Created += len(e.Created)
		s.Removed += len(e.Removed)
		s.Migrated += len(e.Migrated)
		s.Faults += len(e.Faults)
		s.Delivered += e.Messages.Delivered
		s.Dropped += e.Messages.Dropped
		s.Digest = e.Digest
		for _, c := range e.Created {
			kinds[c.Agent] = c.Kind
		}
		for _, sw := range e.Swapped {
			kinds[sw.Agent] = sw.To
		}
		for _, id := range e.Removed {
			delete(kinds, id)
		}
		for _, r := range e.Records {
			s.Records[r.Kind]++
		}
		for _, f := range e.Faults {
			s.FaultKinds[f.Kind+"/"+string(f.Phase)]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	live := map[string]int{}
	for _, k := range kinds {
		live[k]++
	}
	for k, n := range live {
		s.Kinds = append(s.Kinds, kindPopulation{Kind: k, Live: n})
	}
	sort.Slice(s.Kinds, func(i, j int) bool { return s.Kinds[i].Kind < s.Kinds[j].Kind })
	return s, nil
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "json:", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}
