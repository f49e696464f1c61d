package network

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of network.yaml.
type File struct {
	Grid  *GridSpec `yaml:"grid,omitempty"`
	Nodes []Node    `yaml:"nodes"`
	Links []Link    `yaml:"links"`
	Stops []Stop    `yaml:"stops"`
}

// GridSpec asks for a generated lattice instead of explicit elements.
type GridSpec struct {
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	Spacing   float64 `yaml:"spacing"`
	FreeSpeed float64 `yaml:"free_speed"`
}

func Load(path string) (*Network, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Network, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("network.yaml: %w", err)
	}
	if f.Grid != nil {
		if len(f.Nodes) > 0 || len(f.Links) > 0 || len(f.Stops) > 0 {
			return nil, fmt.Errorf("network.yaml: grid cannot be combined with explicit nodes/links/stops")
		}
		g := f.Grid
		if g.Spacing <= 0 {
			g.Spacing = 100
		}
		if g.FreeSpeed <= 0 {
			g.FreeSpeed = 10
		}
		n, err := Grid(g.Width, g.Height, g.Spacing, g.FreeSpeed)
		if err != nil {
			return nil, fmt.Errorf("network.yaml: %w", err)
		}
		return n, nil
	}

	var b Builder
	for _, nd := range f.Nodes {
		b.AddNode(nd)
	}
	for _, l := range f.Links {
		b.AddLink(l)
	}
	for _, s := range f.Stops {
		b.AddStop(s)
	}
	n, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("network.yaml: %w", err)
	}
	return n, nil
}
