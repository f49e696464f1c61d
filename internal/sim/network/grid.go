package network

import "fmt"

// Grid builds a w×h lattice of nodes spaced spacing meters apart with a pair
// of one-way links between neighbours. One stop is placed midway along every
// clockwise perimeter link; stop ids follow the loop order starting at the
// origin, so iterating Stops() walks the perimeter once.
func Grid(w, h int, spacing, freeSpeed float64) (*Network, error) {
	if w < 2 || h < 2 {
		return nil, fmt.Errorf("network: grid must be at least 2x2, got %dx%d", w, h)
	}
	node := func(x, y int) NodeID { return NodeID(y*w + x + 1) }

	var b Builder
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			b.AddNode(Node{ID: node(x, y), X: float64(x) * spacing, Y: float64(y) * spacing})
		}
	}

	linkOf := map[[2]NodeID]LinkID{}
	next := LinkID(1)
	add := func(a, c NodeID) {
		for _, pair := range [][2]NodeID{{a, c}, {c, a}} {
			b.AddLink(Link{ID: next, From: pair[0], To: pair[1], Length: spacing, FreeSpeed: freeSpeed})
			linkOf[pair] = next
			next++
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x+1 < w {
				add(node(x, y), node(x+1, y))
			}
			if y+1 < h {
				add(node(x, y), node(x, y+1))
			}
		}
	}

	var loop [][2]NodeID
	for x := 0; x < w-1; x++ {
		loop = append(loop, [2]NodeID{node(x, 0), node(x+1, 0)})
	}
	for y := 0; y < h-1; y++ {
		loop = append(loop, [2]NodeID{node(w-1, y), node(w-1, y+1)})
	}
	for x := w - 1; x > 0; x-- {
		loop = append(loop, [2]NodeID{node(x, h-1), node(x-1, h-1)})
	}
	for y := h - 1; y > 0; y-- {
		loop = append(loop, [2]NodeID{node(0, y), node(0, y-1)})
	}
	for i, pair := range loop {
		b.AddStop(Stop{
			ID:     StopID(i + 1),
			Name:   fmt.Sprintf("S%d", i+1),
			Link:   linkOf[pair],
			Offset: spacing / 2,
		})
	}
	return b.Build()
}
