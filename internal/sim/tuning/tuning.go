// Package tuning loads the run configuration (tuning.yaml). It is read once
// before the first tick and turned into immutable kernel values.
package tuning

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"mobsim.ai/internal/sim/kernel"
	"mobsim.ai/internal/sim/network"
)

//go:embed tuning.schema.json
var schemaJSON string

type Tuning struct {
	Workers     Workers     `yaml:"workers" json:"workers"`
	Run         Run         `yaml:"run" json:"run"`
	Granularity Granularity `yaml:"granularity" json:"granularity"`
	Rebalance   Rebalance   `yaml:"rebalance" json:"rebalance"`
	Network     Network     `yaml:"network" json:"network"`
	Population  Population  `yaml:"population" json:"population"`
	Output      Output      `yaml:"output" json:"output"`
}

type Workers struct {
	Count int `yaml:"count" json:"count"`
	// BaseGranularityMs is the simulated length of one tick.
	BaseGranularityMs int `yaml:"base_granularity_ms" json:"base_granularity_ms"`
}

type Run struct {
	// EndFrame wins over TotalRuntimeMs when both are set.
	EndFrame         uint64 `yaml:"end_frame" json:"end_frame"`
	TotalRuntimeMs   uint64 `yaml:"total_runtime_ms" json:"total_runtime_ms"`
	Seed             int64  `yaml:"seed" json:"seed"`
	BarrierTimeoutMs int    `yaml:"barrier_timeout_ms" json:"barrier_timeout_ms"`
}

// Granularity is the tick multiple per agent family.
type Granularity struct {
	PersonTicks uint32 `yaml:"person_ticks" json:"person_ticks"`
	BusTicks    uint32 `yaml:"bus_ticks" json:"bus_ticks"`
	StopTicks   uint32 `yaml:"stop_ticks" json:"stop_ticks"`
	MarketTicks uint32 `yaml:"market_ticks" json:"market_ticks"`
}

type Rebalance struct {
	EveryTicks uint64  `yaml:"every_ticks" json:"every_ticks"`
	Threshold  float64 `yaml:"threshold" json:"threshold"`
}

// Network picks the road network: a YAML file, or a generated grid when File
// is empty.
type Network struct {
	File      string  `yaml:"file" json:"file"`
	GridW     int     `yaml:"grid_w" json:"grid_w"`
	GridH     int     `yaml:"grid_h" json:"grid_h"`
	SpacingM  float64 `yaml:"spacing_m" json:"spacing_m"`
	FreeSpeed float64 `yaml:"free_speed_mps" json:"free_speed_mps"`
}

type Population struct {
	Drivers             int    `yaml:"drivers" json:"drivers"`
	Passengers          int    `yaml:"passengers" json:"passengers"`
	Buses               int    `yaml:"buses" json:"buses"`
	BusCapacity         int    `yaml:"bus_capacity" json:"bus_capacity"`
	Bidders             int    `yaml:"bidders" json:"bidders"`
	Sellers             int    `yaml:"sellers" json:"sellers"`
	GeneratorEveryTicks uint64 `yaml:"generator_every_ticks" json:"generator_every_ticks"`
	GeneratorBatch      int    `yaml:"generator_batch" json:"generator_batch"`
}

type Output struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
	TickLog bool   `yaml:"tick_log" json:"tick_log"`
	IndexDB bool   `yaml:"index_db" json:"index_db"`
	// SnapshotEveryTicks writes a population snapshot every N ticks (0: off).
	SnapshotEveryTicks uint64 `yaml:"snapshot_every_ticks" json:"snapshot_every_ticks"`
}

func Defaults() Tuning {
	return Tuning{
		Workers: Workers{Count: 4, BaseGranularityMs: 1000},
		Run:     Run{EndFrame: 600, Seed: 1337, BarrierTimeoutMs: 30_000},
		Granularity: Granularity{
			PersonTicks: 1,
			BusTicks:    1,
			StopTicks:   1,
			MarketTicks: 5,
		},
		Rebalance: Rebalance{EveryTicks: 60, Threshold: 4},
		Network:   Network{GridW: 6, GridH: 6, SpacingM: 200, FreeSpeed: 12},
		Population: Population{
			Drivers:             200,
			Passengers:          60,
			Buses:               3,
			BusCapacity:         30,
			Bidders:             20,
			Sellers:             4,
			GeneratorEveryTicks: 30,
			GeneratorBatch:      5,
		},
		Output: Output{DataDir: "./data", TickLog: true, IndexDB: true, SnapshotEveryTicks: 600},
	}
}

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tuning.schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile("tuning.schema.json")
})

func Load(path string) (Tuning, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, err
	}
	t, err := Parse(raw)
	if err != nil {
		return Tuning{}, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Parse overlays raw YAML onto Defaults. The document is checked against the
// embedded schema first, then semantically.
func Parse(raw []byte) (Tuning, error) {
	t := Defaults()
	if len(bytes.TrimSpace(raw)) == 0 {
		return t, nil
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return t, err
	}
	if doc != nil {
		if err := checkSchema(doc); err != nil {
			return t, err
		}
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, err
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

// checkSchema round-trips the YAML tree through JSON so the validator sees
// json.Number values rather than Go ints.
func checkSchema(doc any) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return s.Validate(v)
}

// Validate reports configuration faults. Errors wrap kernel.ErrConfig.
func (t Tuning) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{kernel.ErrConfig}, args...)...))
	}
	if t.Workers.Count <= 0 {
		bad("workers.count must be positive, got %d", t.Workers.Count)
	}
	if t.Workers.BaseGranularityMs <= 0 {
		bad("workers.base_granularity_ms must be positive, got %d", t.Workers.BaseGranularityMs)
	}
	if t.Run.EndFrame == 0 && t.Run.TotalRuntimeMs == 0 {
		bad("run needs end_frame or total_runtime_ms")
	}
	if t.Run.BarrierTimeoutMs < 0 {
		bad("run.barrier_timeout_ms must not be negative")
	}
	if t.Rebalance.Threshold < 0 {
		bad("rebalance.threshold must not be negative")
	}
	if t.Network.File == "" && (t.Network.GridW < 2 || t.Network.GridH < 2) {
		bad("network grid must be at least 2x2, got %dx%d", t.Network.GridW, t.Network.GridH)
	}
	p := t.Population
	if p.Drivers < 0 || p.Passengers < 0 || p.Buses < 0 || p.Bidders < 0 || p.Sellers < 0 || p.GeneratorBatch < 0 {
		bad("population counts must not be negative")
	}
	if p.Passengers > 0 && p.Buses == 0 {
		bad("population.passengers needs at least one bus")
	}
	if p.Buses > 0 && p.BusCapacity <= 0 {
		bad("population.bus_capacity must be positive")
	}
	return errors.Join(errs...)
}

func (t Tuning) TickMs() int { return t.Workers.BaseGranularityMs }

// EndFrame is the exclusive last frame. A runtime that is not a multiple of
// the tick length is truncated, never rounded up.
func (t Tuning) EndFrame() uint64 {
	if t.Run.EndFrame > 0 {
		return t.Run.EndFrame
	}
	if t.Workers.BaseGranularityMs <= 0 {
		return 0
	}
	return t.Run.TotalRuntimeMs / uint64(t.Workers.BaseGranularityMs)
}

// LoadNetwork builds the configured network. Relative files resolve against
// dir (the directory tuning.yaml was loaded from).
func (t Tuning) LoadNetwork(dir string) (*network.Network, error) {
	n := t.Network
	if n.File == "" {
		return network.Grid(n.GridW, n.GridH, n.SpacingM, n.FreeSpeed)
	}
	p := n.File
	if dir != "" && !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	return network.Load(p)
}

// Kernel converts the tuning into the values a kernel.WorkGroup is built from.
func (t Tuning) Kernel(net *network.Network) (kernel.Env, kernel.Config) {
	env := kernel.Env{Network: net, Seed: t.Run.Seed, TickMs: t.Workers.BaseGranularityMs}
	cfg := kernel.Config{
		Workers:            t.Workers.Count,
		BarrierTimeout:     time.Duration(t.Run.BarrierTimeoutMs) * time.Millisecond,
		RebalanceEvery:     t.Rebalance.EveryTicks,
		RebalanceThreshold: t.Rebalance.Threshold,
	}
	return env, cfg
}
