package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mobsim.ai/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	runID := fs.String("run", "", "run id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	from := fs.Uint64("from", 0, "first frame (ticks)")
	to := fs.Uint64("to", 0, "last frame (ticks; 0 = latest)")
	kind := fs.String("kind", "", "record kind filter (records)")
	agent := fs.Uint64("agent", 0, "agent filter (records)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "ticks"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*runID) == "" {
			fmt.Fprintln(os.Stderr, "missing -run or -db")
			os.Exit(2)
		}
		path = indexdb.RunPath(filepath.Join(*dataDir, "runs", *runID))
	}

	r, err := indexdb.OpenReader(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer r.Close()

	var out any
	switch q {
	case "ticks":
		out, err = r.Ticks(*from, *to, *limit)
	case "records":
		out, err = r.Records(*kind, *agent, *limit)
	case "faults":
		out, err = r.Faults(*limit)
	case "agents":
		out, err = r.Kinds()
	case "meta":
		m := map[string]string{}
		for _, k := range []string{"schema_version", "run_id", "config_digest", "started_at", "config"} {
			v, verr := r.Meta(k)
			if verr != nil {
				err = verr
				break
			}
			m[k] = v
		}
		out = m
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(want ticks|records|faults|agents|meta)")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	printJSON(out)
}
