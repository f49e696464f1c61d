// Package kernel advances a population of agents through synchronized ticks
// on a fixed pool of workers.
//
// Every tick runs in three steps. Workers execute Initialize/Update/Finalize
// for the agents they own, in parallel, reading only committed cell values.
// Once every worker has reached the exit barrier the scheduler dispatches
// queued messages, then flips: staged cell writes are committed, lifecycle
// requests (creation, removal, role swaps, granularity changes) are applied
// and agents may migrate between workers. Nothing a worker does during a tick
// is visible to another agent before that flip.
package kernel

import (
	"fmt"
	"time"

	"mobsim.ai/internal/sim/kernel/msgbus"
	"mobsim.ai/internal/sim/network"
)

// Tick is one simulation step: a frame index and the simulated time it starts at.
type Tick struct {
	Frame uint64 `json:"frame"`
	Ms    uint64 `json:"ms"`
}

func (t Tick) String() string { return fmt.Sprintf("frame=%d ms=%d", t.Frame, t.Ms) }

// ID is a stable agent handle. IDs are never reused within a run.
type ID = msgbus.Addr

// Env is the read-only context shared by every agent for the whole run.
type Env struct {
	Network *network.Network
	Seed    int64
	TickMs  int
}

// Config controls the worker pool.
type Config struct {
	Workers int
	// BarrierTimeout bounds how long the scheduler waits for workers to finish
	// a tick. Zero waits forever.
	BarrierTimeout time.Duration
	// RebalanceEvery moves agents from the busiest to the idlest worker every
	// N ticks. Zero disables rebalancing.
	RebalanceEvery uint64
	// RebalanceThreshold is the load gap (in agent updates per tick) tolerated
	// before agents are moved.
	RebalanceThreshold float64
}

// GroupState is the scheduler's position in the tick cycle.
type GroupState int32

const (
	StateNotStarted GroupState = iota
	StateTickRunning
	StateTickBarrier
	StateTickFlip
	StateStopped
)

func (s GroupState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateTickRunning:
		return "tick_running"
	case StateTickBarrier:
		return "tick_barrier"
	case StateTickFlip:
		return "tick_flip"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func validate(env Env, cfg Config) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive, got %d", ErrConfig, cfg.Workers)
	}
	if env.TickMs <= 0 {
		return fmt.Errorf("%w: tick length must be positive, got %dms", ErrConfig, env.TickMs)
	}
	if cfg.BarrierTimeout < 0 {
		return fmt.Errorf("%w: negative barrier timeout", ErrConfig)
	}
	if cfg.RebalanceThreshold < 0 {
		return fmt.Errorf("%w: negative rebalance threshold", ErrConfig)
	}
	return nil
}
