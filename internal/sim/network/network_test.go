package network

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestGrid_Shape(t *testing.T) {
	n, err := Grid(3, 2, 100, 10)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	if got := len(n.Nodes()); got != 6 {
		t.Fatalf("nodes=%d want 6", got)
	}
	// 3x2: horizontal pairs 2*2, vertical pairs 3*1 -> 7 pairs, 14 links.
	if got := len(n.Links()); got != 14 {
		t.Fatalf("links=%d want 14", got)
	}
	// Perimeter of a 3x2 grid has 6 edges.
	if got := len(n.Stops()); got != 6 {
		t.Fatalf("stops=%d want 6", got)
	}

	// Consecutive stops chain head-to-tail around the loop.
	stops := n.Stops()
	for i := range stops {
		s, _ := n.Stop(stops[i])
		nx, _ := n.Stop(stops[(i+1)%len(stops)])
		l, _ := n.Link(s.Link)
		nl, _ := n.Link(nx.Link)
		if l.To != nl.From {
			t.Fatalf("stop %d link ends at %d but next stop starts at %d", s.ID, l.To, nl.From)
		}
	}
}

func TestGrid_TooSmall(t *testing.T) {
	if _, err := Grid(1, 4, 10, 1); err == nil {
		t.Fatalf("expected error")
	}
}

func TestShortestPath(t *testing.T) {
	n, err := Grid(4, 4, 50, 10)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	path, err := n.ShortestPath(1, 16)
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if len(path) != 6 {
		t.Fatalf("path len=%d want 6", len(path))
	}
	cur := NodeID(1)
	for _, lid := range path {
		l, ok := n.Link(lid)
		if !ok || l.From != cur {
			t.Fatalf("broken path at link %d", lid)
		}
		cur = l.To
	}
	if cur != 16 {
		t.Fatalf("path ends at %d", cur)
	}

	again, _ := n.ShortestPath(1, 16)
	for i := range path {
		if path[i] != again[i] {
			t.Fatalf("path not stable: %v vs %v", path, again)
		}
	}

	if p, err := n.ShortestPath(5, 5); err != nil || len(p) != 0 {
		t.Fatalf("self path: %v %v", p, err)
	}
}

func TestShortestPath_NoPath(t *testing.T) {
	var b Builder
	b.AddNode(Node{ID: 1}).AddNode(Node{ID: 2}).AddNode(Node{ID: 3})
	b.AddLink(Link{ID: 1, From: 1, To: 2, Length: 1, FreeSpeed: 1})
	n, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := n.ShortestPath(2, 3); !errors.Is(err, ErrNoPath) {
		t.Fatalf("err=%v want ErrNoPath", err)
	}
}

func TestBuild_Validation(t *testing.T) {
	cases := []struct {
		name string
		b    func() *Builder
	}{
		{"dup node", func() *Builder {
			var b Builder
			return b.AddNode(Node{ID: 1}).AddNode(Node{ID: 1})
		}},
		{"dangling link", func() *Builder {
			var b Builder
			return b.AddNode(Node{ID: 1}).AddLink(Link{ID: 1, From: 1, To: 9, Length: 1, FreeSpeed: 1})
		}},
		{"zero length", func() *Builder {
			var b Builder
			return b.AddNode(Node{ID: 1}).AddNode(Node{ID: 2}).AddLink(Link{ID: 1, From: 1, To: 2, FreeSpeed: 1})
		}},
		{"stop off link", func() *Builder {
			var b Builder
			return b.AddNode(Node{ID: 1}).AddNode(Node{ID: 2}).
				AddLink(Link{ID: 1, From: 1, To: 2, Length: 10, FreeSpeed: 1}).
				AddStop(Stop{ID: 1, Link: 1, Offset: 11})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.b().Build(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "network.yaml")
	doc := `
nodes:
  - {id: 1, x: 0, y: 0}
  - {id: 2, x: 100, y: 0}
links:
  - {id: 10, from: 1, to: 2, length: 100, free_speed: 12.5}
  - {id: 11, from: 2, to: 1, length: 100, free_speed: 12.5}
stops:
  - {id: 1, name: Depot, link: 10, offset: 20}
`
	if err := os.WriteFile(p, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	n, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	loc, ok := n.StopLocation(1)
	if !ok || loc.Link != 10 || loc.Offset != 20 {
		t.Fatalf("stop location=%+v ok=%v", loc, ok)
	}
	if out := n.Outgoing(2); len(out) != 1 || out[0] != 11 {
		t.Fatalf("outgoing(2)=%v", out)
	}
}

func TestParse_Grid(t *testing.T) {
	n, err := Parse([]byte("grid: {width: 3, height: 3}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	l, _ := n.Link(1)
	if l.Length != 100 || l.FreeSpeed != 10 {
		t.Fatalf("defaults not applied: %+v", l)
	}
	if _, err := Parse([]byte("grid: {width: 3, height: 3}\nnodes: [{id: 1}]\n")); err == nil {
		t.Fatalf("expected error mixing grid with nodes")
	}
}
