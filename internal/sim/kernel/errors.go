package kernel

import (
	"errors"
	"fmt"
)

var (
	ErrConfig       = errors.New("kernel: invalid configuration")
	ErrWorkerFault  = errors.New("kernel: worker fault")
	ErrStopped      = errors.New("kernel: work group stopped")
	ErrNotStarted   = errors.New("kernel: work group not started")
	ErrPhase        = errors.New("kernel: operation not allowed in this phase")
	ErrUnknownAgent = errors.New("kernel: unknown agent")
)

// FaultClass says which layer a failure came from.
type FaultClass string

const (
	// ClassAgent faults are contained: the agent is removed, the tick goes on.
	ClassAgent FaultClass = "agent"
	// ClassWorker faults end the run; the barrier can no longer be satisfied.
	ClassWorker FaultClass = "worker"
	// ClassMessage covers undeliverable messages. They are dropped, never fatal.
	ClassMessage FaultClass = "message"
	// ClassConfig faults are raised before the first tick.
	ClassConfig FaultClass = "config"
)

// RunError reports why a run terminated.
type RunError struct {
	Frame uint64
	Class FaultClass
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run aborted at frame %d (%s fault): %v", e.Frame, e.Class, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Fault records a contained agent-level failure.
type Fault struct {
	Agent ID     `json:"agent"`
	Kind  string `json:"kind"`
	Phase Phase  `json:"phase"`
	Frame uint64 `json:"frame"`
	Err   string `json:"err"`
}
