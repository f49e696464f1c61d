package roles

import (
	"io"

	"mobsim.ai/internal/sim/kernel"
)

// Generator injects Batch new drivers with random origin and destination each
// time it is scheduled. Its granularity sets the rate.
type Generator struct {
	kernel.BaseRole
	Batch             int
	DriverGranularity uint32

	created int
	last    int
}

func (g *Generator) Kind() string { return KindGenerator }

func (g *Generator) Update(ctx *kernel.Context) error {
	nodes := ctx.Network().Nodes()
	g.last = 0
	if len(nodes) < 2 {
		return nil
	}
	rng := ctx.Rand()
	for i := 0; i < g.Batch; i++ {
		o, d := randomPair(rng.Intn, nodes)
		err := ctx.RequestCreation(kernel.Spec{
			Role:        &Driver{Origin: o, Dest: d},
			Granularity: g.DriverGranularity,
		})
		if err != nil {
			return err
		}
		g.last++
	}
	g.created += g.last
	return nil
}

func (g *Generator) Finalize(ctx *kernel.Context) error {
	if g.last == 0 {
		return nil
	}
	return ctx.Emit("generated", map[string]int{"batch": g.last, "total": g.created})
}

func (g *Generator) Digest(w io.Writer) { kernel.DigestU64(w, uint64(g.created)) }

// randomPair draws two distinct elements.
func randomPair[T any](intn func(int) int, xs []T) (T, T) {
	i := intn(len(xs))
	j := intn(len(xs) - 1)
	if j >= i {
		j++
	}
	return xs[i], xs[j]
}
