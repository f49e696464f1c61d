// Package network holds the static road/transit graph agents move on. A
// Network is immutable once built and safe for concurrent reads.
package network

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
)

type (
	NodeID uint32
	LinkID uint32
	StopID uint32
)

type Node struct {
	ID NodeID  `yaml:"id" json:"id"`
	X  float64 `yaml:"x" json:"x"`
	Y  float64 `yaml:"y" json:"y"`
}

type Link struct {
	ID        LinkID  `yaml:"id" json:"id"`
	From      NodeID  `yaml:"from" json:"from"`
	To        NodeID  `yaml:"to" json:"to"`
	Length    float64 `yaml:"length" json:"length"`         // meters
	FreeSpeed float64 `yaml:"free_speed" json:"free_speed"` // m/s
}

type Stop struct {
	ID     StopID  `yaml:"id" json:"id"`
	Name   string  `yaml:"name,omitempty" json:"name,omitempty"`
	Link   LinkID  `yaml:"link" json:"link"`
	Offset float64 `yaml:"offset" json:"offset"`
}

// Location is a point on the network: a link and the distance travelled along it.
type Location struct {
	Link   LinkID  `json:"link"`
	Offset float64 `json:"offset"`
}

var ErrNoPath = errors.New("network: no path")

type Network struct {
	nodes map[NodeID]Node
	links map[LinkID]Link
	stops map[StopID]Stop

	out     map[NodeID][]LinkID
	nodeIDs []NodeID
	linkIDs []LinkID
	stopIDs []StopID
}

func (n *Network) Node(id NodeID) (Node, bool) { v, ok := n.nodes[id]; return v, ok }
func (n *Network) Link(id LinkID) (Link, bool) { v, ok := n.links[id]; return v, ok }
func (n *Network) Stop(id StopID) (Stop, bool) { v, ok := n.stops[id]; return v, ok }

func (n *Network) Nodes() []NodeID { return append([]NodeID(nil), n.nodeIDs...) }
func (n *Network) Links() []LinkID { return append([]LinkID(nil), n.linkIDs...) }
func (n *Network) Stops() []StopID { return append([]StopID(nil), n.stopIDs...) }

// Outgoing returns the links leaving id, sorted by link id.
func (n *Network) Outgoing(id NodeID) []LinkID { return append([]LinkID(nil), n.out[id]...) }

// StopLocation returns where stop id sits on the network.
func (n *Network) StopLocation(id StopID) (Location, bool) {
	s, ok := n.stops[id]
	if !ok {
		return Location{}, false
	}
	return Location{Link: s.Link, Offset: s.Offset}, true
}

type pathItem struct {
	node NodeID
	dist float64
}

type pathHeap []*pathItem

func (h pathHeap) Len() int { return len(h) }
func (h pathHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist < h[j].dist
	}
	return h[i].node < h[j].node
}
func (h pathHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pathHeap) Push(x any)   { *h = append(*h, x.(*pathItem)) }
func (h *pathHeap) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

// ShortestPath returns the links of the shortest path by length from one node
// to another. Ties resolve toward lower ids so the result is stable.
func (n *Network) ShortestPath(from, to NodeID) ([]LinkID, error) {
	if _, ok := n.nodes[from]; !ok {
		return nil, fmt.Errorf("network: unknown node %d", from)
	}
	if _, ok := n.nodes[to]; !ok {
		return nil, fmt.Errorf("network: unknown node %d", to)
	}
	if from == to {
		return nil, nil
	}

	dist := map[NodeID]float64{from: 0}
	prev := map[NodeID]LinkID{}
	done := map[NodeID]bool{}

	h := &pathHeap{}
	heap.Push(h, &pathItem{node: from})
	for h.Len() > 0 {
		it := heap.Pop(h).(*pathItem)
		if done[it.node] {
			continue
		}
		done[it.node] = true
		if it.node == to {
			break
		}
		for _, lid := range n.out[it.node] {
			l := n.links[lid]
			if done[l.To] {
				continue
			}
			nd := it.dist + l.Length
			if cur, seen := dist[l.To]; seen {
				if nd > cur {
					continue
				}
				if nd == cur {
					if lid < prev[l.To] {
						prev[l.To] = lid
					}
					continue
				}
			}
			dist[l.To] = nd
			prev[l.To] = lid
			heap.Push(h, &pathItem{node: l.To, dist: nd})
		}
	}
	if !done[to] {
		return nil, fmt.Errorf("%w: %d -> %d", ErrNoPath, from, to)
	}

	var path []LinkID
	for cur := to; cur != from; {
		lid := prev[cur]
		path = append(path, lid)
		cur = n.links[lid].From
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Builder accumulates graph elements; Build validates and freezes them.
type Builder struct {
	nodes []Node
	links []Link
	stops []Stop
}

func (b *Builder) AddNode(n Node) *Builder { b.nodes = append(b.nodes, n); return b }
func (b *Builder) AddLink(l Link) *Builder { b.links = append(b.links, l); return b }
func (b *Builder) AddStop(s Stop) *Builder { b.stops = append(b.stops, s); return b }

func (b *Builder) Build() (*Network, error) {
	n := &Network{
		nodes: make(map[NodeID]Node, len(b.nodes)),
		links: make(map[LinkID]Link, len(b.links)),
		stops: make(map[StopID]Stop, len(b.stops)),
		out:   map[NodeID][]LinkID{},
	}
	for _, nd := range b.nodes {
		if _, dup := n.nodes[nd.ID]; dup {
			return nil, fmt.Errorf("network: duplicate node %d", nd.ID)
		}
		n.nodes[nd.ID] = nd
		n.nodeIDs = append(n.nodeIDs, nd.ID)
	}
	for _, l := range b.links {
		if _, dup := n.links[l.ID]; dup {
			return nil, fmt.Errorf("network: duplicate link %d", l.ID)
		}
		if _, ok := n.nodes[l.From]; !ok {
			return nil, fmt.Errorf("network: link %d: unknown from node %d", l.ID, l.From)
		}
		if _, ok := n.nodes[l.To]; !ok {
			return nil, fmt.Errorf("network: link %d: unknown to node %d", l.ID, l.To)
		}
		if l.Length <= 0 || l.FreeSpeed <= 0 {
			return nil, fmt.Errorf("network: link %d: length and free_speed must be positive", l.ID)
		}
		n.links[l.ID] = l
		n.linkIDs = append(n.linkIDs, l.ID)
		n.out[l.From] = append(n.out[l.From], l.ID)
	}
	for _, s := range b.stops {
		if _, dup := n.stops[s.ID]; dup {
			return nil, fmt.Errorf("network: duplicate stop %d", s.ID)
		}
		l, ok := n.links[s.Link]
		if !ok {
			return nil, fmt.Errorf("network: stop %d: unknown link %d", s.ID, s.Link)
		}
		if s.Offset < 0 || s.Offset > l.Length {
			return nil, fmt.Errorf("network: stop %d: offset %.1f outside link %d", s.ID, s.Offset, s.Link)
		}
		n.stops[s.ID] = s
		n.stopIDs = append(n.stopIDs, s.ID)
	}
	sort.Slice(n.nodeIDs, func(i, j int) bool { return n.nodeIDs[i] < n.nodeIDs[j] })
	sort.Slice(n.linkIDs, func(i, j int) bool { return n.linkIDs[i] < n.linkIDs[j] })
	sort.Slice(n.stopIDs, func(i, j int) bool { return n.stopIDs[i] < n.stopIDs[j] })
	for id := range n.out {
		ls := n.out[id]
		sort.Slice(ls, func(i, j int) bool { return ls[i] < ls[j] })
	}
	return n, nil
}
