package tuning

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mobsim.ai/internal/sim/kernel"
)

func TestDefaults_Valid(t *testing.T) {
	d := Defaults()
	if err := d.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if d.EndFrame() != 600 {
		t.Fatalf("end frame=%d", d.EndFrame())
	}
}

func TestParse_OverlaysDefaults(t *testing.T) {
	tu, err := Parse([]byte(`
workers:
  count: 8
run:
  seed: 42
  end_frame: 0
  total_runtime_ms: 10500
  barrier_timeout_ms: 250
rebalance:
  threshold: 1.5
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tu.Workers.Count != 8 || tu.Workers.BaseGranularityMs != 1000 {
		t.Fatalf("workers=%+v", tu.Workers)
	}
	// 10.5s of 1s ticks ends at frame 10, not 11.
	if tu.EndFrame() != 10 {
		t.Fatalf("end frame=%d want 10", tu.EndFrame())
	}
	env, cfg := tu.Kernel(nil)
	if env.Seed != 42 || env.TickMs != 1000 {
		t.Fatalf("env=%+v", env)
	}
	if cfg.Workers != 8 || cfg.BarrierTimeout != 250*time.Millisecond || cfg.RebalanceThreshold != 1.5 || cfg.RebalanceEvery != 60 {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestParse_EmptyIsDefaults(t *testing.T) {
	tu, err := Parse([]byte("  \n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tu != Defaults() {
		t.Fatalf("got %+v", tu)
	}
}

func TestParse_SchemaRejects(t *testing.T) {
	cases := map[string]string{
		"unknown section": "bogus: 1\n",
		"unknown key":     "workers:\n  threads: 3\n",
		"wrong type":      "workers:\n  count: four\n",
		"zero workers":    "workers:\n  count: 0\n",
		"zero tick":       "granularity:\n  bus_ticks: 0\n",
		"negative count":  "population:\n  drivers: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatalf("accepted %q", doc)
			}
		})
	}
}

func TestValidate_ConfigFaults(t *testing.T) {
	tu := Defaults()
	tu.Workers.BaseGranularityMs = 0
	tu.Population.Buses = 0
	err := tu.Validate()
	if !errors.Is(err, kernel.ErrConfig) {
		t.Fatalf("err=%v want ErrConfig", err)
	}
	for _, want := range []string{"base_granularity_ms", "needs at least one bus"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err=%v missing %q", err, want)
		}
	}
}

func TestLoad_FileAndNetwork(t *testing.T) {
	dir := t.TempDir()
	netYAML := `
nodes:
  - {id: 1, x: 0, y: 0}
  - {id: 2, x: 100, y: 0}
links:
  - {id: 1, from: 1, to: 2, length: 100, free_speed: 10}
  - {id: 2, from: 2, to: 1, length: 100, free_speed: 10}
`
	if err := os.WriteFile(filepath.Join(dir, "net.yaml"), []byte(netYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(p, []byte("network:\n  file: net.yaml\npopulation:\n  passengers: 0\n  buses: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tu, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	net, err := tu.LoadNetwork(dir)
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	if len(net.Links()) != 2 {
		t.Fatalf("links=%d", len(net.Links()))
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err=%v", err)
	}
}

func TestManifest_RoundTripAndValidate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs", "r1")
	tu := Defaults()
	tu.Workers.Count = 3
	tu.Network.File = "network.yaml"
	m := Manifest{RunID: "r1", CreatedAt: time.Unix(100, 0).UTC(), ConfigDir: "/cfg", EndFrame: 42, Tuning: tu}
	if err := WriteManifest(dir, m); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadManifest(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.RunID != "r1" || got.EndFrame != 42 || got.ConfigDir != "/cfg" || got.Tuning != tu {
		t.Fatalf("manifest=%+v", got)
	}

	m.Tuning.Workers.Count = 0
	if err := WriteManifest(dir, m); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadManifest(dir); !errors.Is(err, kernel.ErrConfig) {
		t.Fatalf("err=%v want ErrConfig", err)
	}
	if _, err := ReadManifest(t.TempDir()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err=%v want not exist", err)
	}
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not locate go.mod from %s", dir)
		}
		dir = parent
	}
}

func TestLoad_RepoConfigs(t *testing.T) {
	cfgDir := filepath.Join(findRepoRoot(t), "configs")
	tu, err := Load(filepath.Join(cfgDir, "tuning.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.EndFrame() != 3600 || tu.Network.File != "network.yaml" {
		t.Fatalf("tuning=%+v", tu)
	}
	n, err := tu.LoadNetwork(cfgDir)
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	if len(n.Nodes()) != 6 || len(n.Links()) != 14 || len(n.Stops()) != 4 {
		t.Fatalf("network: nodes=%d links=%d stops=%d", len(n.Nodes()), len(n.Links()), len(n.Stops()))
	}
	if _, err := n.ShortestPath(1, 4); err != nil {
		t.Fatalf("path: %v", err)
	}
}
