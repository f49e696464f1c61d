package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	persistlog "mobsim.ai/internal/persistence/log"
	"mobsim.ai/internal/sim/kernel"
	"mobsim.ai/internal/sim/roles"
	"mobsim.ai/internal/sim/tuning"
)

func smallTuning() tuning.Tuning {
	t := tuning.Defaults()
	t.Workers.Count = 3
	t.Run.EndFrame = 40
	t.Rebalance.EveryTicks = 7
	t.Rebalance.Threshold = 0.5
	t.Network.GridW, t.Network.GridH = 3, 3
	t.Population = tuning.Population{
		Drivers: 30, Passengers: 8, Buses: 1, BusCapacity: 4,
		Bidders: 6, Sellers: 2, GeneratorEveryTicks: 10, GeneratorBatch: 2,
	}
	return t
}

// record runs tune and writes its manifest and tick log under dir.
func record(t *testing.T, dir string, tune tuning.Tuning) {
	t.Helper()
	if err := tuning.WriteManifest(dir, tuning.Manifest{RunID: "r1", EndFrame: tune.EndFrame(), Tuning: tune}); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	net, err := tune.LoadNetwork("")
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	env, cfg := tune.Kernel(net)
	g, err := kernel.New(env, cfg)
	if err != nil {
		t.Fatalf("kernel: %v", err)
	}
	if _, err := roles.Populate(g, env, tune); err != nil {
		t.Fatalf("populate: %v", err)
	}
	tl := persistlog.NewTickLogger(dir)
	g.AddSink(tl)
	if err := g.Run(context.Background(), tune.EndFrame()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestVerify_MatchesAcrossWorkerCounts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs", "r1")
	record(t, dir, smallTuning())

	for _, workers := range []int{0, 1, 5} {
		res, err := verify(dir, workers, 0)
		if err != nil {
			t.Fatalf("workers=%d: %v", workers, err)
		}
		if res.Checked != 40 || res.Digest == "" {
			t.Fatalf("workers=%d: %+v", workers, res)
		}
	}

	res, err := verify(dir, 0, 9)
	if err != nil {
		t.Fatalf("partial: %v", err)
	}
	if res.Checked != 10 {
		t.Fatalf("checked=%d want 10", res.Checked)
	}
}

func TestVerify_DetectsDivergence(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs", "r1")
	tune := smallTuning()
	record(t, dir, tune)

	// Same log, different seed: the replay must notice.
	tune.Run.Seed++
	if err := tuning.WriteManifest(dir, tuning.Manifest{RunID: "r1", Tuning: tune}); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	_, err := verify(dir, 0, 0)
	if err == nil || !strings.Contains(err.Error(), "mismatch") {
		t.Fatalf("err=%v want a mismatch", err)
	}
}

func TestVerify_MissingManifest(t *testing.T) {
	if _, err := verify(t.TempDir(), 0, 0); err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerify_ReportsFrameGap(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs", "r1")
	tune := smallTuning()
	if err := tuning.WriteManifest(dir, tuning.Manifest{RunID: "r1", EndFrame: tune.EndFrame(), Tuning: tune}); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	tl := persistlog.NewTickLogger(dir)
	if err := tl.WriteTick(kernel.TickLogEntry{Frame: 3, Ms: 3000, Digest: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err := verify(dir, 0, 0)
	if err == nil || !strings.Contains(err.Error(), "frame mismatch: want=3 got=0") {
		t.Fatalf("err=%v", err)
	}
}
