package main

import (
	"context"
	"time"

	"mobsim.ai/internal/sim/kernel"
)

// admit starts g, placing the queued population on workers, and returns the
// population that enters the first tick.
func admit(g *kernel.WorkGroup) (int, error) {
	if err := g.Start(); err != nil {
		return 0, err
	}
	return g.Population(), nil
}

// runLoop steps g until end (exclusive). With every > 0 each tick starts no
// earlier than every after the previous one. Cancellation is honoured between
// ticks.
func runLoop(ctx context.Context, g *kernel.WorkGroup, end uint64, every time.Duration) error {
	if every <= 0 {
		return g.Run(ctx, end)
	}
	if err := g.Start(); err != nil {
		return err
	}
	defer g.Stop()

	t := time.NewTicker(every)
	defer t.Stop()
	for g.Frame() < end {
		if _, err := g.Step(); err != nil {
			return err
		}
		if g.Frame() >= end {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
