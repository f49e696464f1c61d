package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	persistlog "mobsim.ai/internal/persistence/log"
	"mobsim.ai/internal/sim/kernel"
	"mobsim.ai/internal/sim/roles"
	"mobsim.ai/internal/sim/tuning"
)

func main() {
	var (
		dataDir = flag.String("data", "./data", "runtime data directory")
		runID   = flag.String("run", "", "run id")
		runDir  = flag.String("dir", "", "run directory (overrides -data/-run)")
		workers = flag.Int("workers", 0, "worker count for the re-run (default: as recorded)")
		toFrame = flag.Uint64("to_frame", 0, "stop after this frame (inclusive, optional)")
	)
	flag.Parse()

	dir := *runDir
	if dir == "" {
		if *runID == "" {
			fmt.Fprintln(os.Stderr, "missing -run or -dir")
			os.Exit(2)
		}
		dir = filepath.Join(*dataDir, "runs", *runID)
	}

	res, err := verify(dir, *workers, *toFrame)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: run=%s checked=%d ticks workers=%d last_digest=%s\n", res.RunID, res.Checked, res.Workers, res.Digest)
}

type result struct {
	RunID   string
	Workers int
	Checked uint64
	Digest  string
}

var errStop = errors.New("stop")

// verify rebuilds the recorded run from its manifest and steps it alongside
// the tick log, comparing every digest.
func verify(dir string, workers int, toFrame uint64) (result, error) {
	m, err := tuning.ReadManifest(dir)
	if err != nil {
		return result{}, err
	}
	tune := m.Tuning
	if workers > 0 {
		tune.Workers.Count = workers
	}
	net, err := tune.LoadNetwork(m.ConfigDir)
	if err != nil {
		return result{}, fmt.Errorf("load network: %w", err)
	}
	env, cfg := tune.Kernel(net)
	g, err := kernel.New(env, cfg)
	if err != nil {
		return result{}, err
	}
	g.SetLogger(log.New(io.Discard, "", 0))
	defer g.Stop()
	if _, err := roles.Populate(g, env, tune); err != nil {
		return result{}, fmt.Errorf("populate: %w", err)
	}
	if err := g.Start(); err != nil {
		return result{}, err
	}

	res := result{RunID: m.RunID, Workers: tune.Workers.Count}
	err = persistlog.ReadTicks(dir, func(want kernel.TickLogEntry) error {
		if toFrame != 0 && want.Frame > toFrame {
			return errStop
		}
		if want.Frame != g.Frame() {
			return fmt.Errorf("frame mismatch: want=%d got=%d", want.Frame, g.Frame())
		}
		got, err := g.Step()
		if err != nil {
			return err
		}
		if got.Digest != want.Digest {
			return fmt.Errorf("digest mismatch at frame %d: got=%s want=%s", got.Frame, got.Digest, want.Digest)
		}
		if got.Population != want.Population || got.Messages != want.Messages {
			return fmt.Errorf("frame %d: population/messages got=%d/%+v want=%d/%+v",
				got.Frame, got.Population, got.Messages, want.Population, want.Messages)
		}
		res.Checked++
		res.Digest = got.Digest
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return res, err
	}
	return res, nil
}
