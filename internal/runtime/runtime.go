// Package runtime is a thin adapter over the local container engine. It
// exposes the handful of primitives the sandbox layer needs (create, start,
// stop, remove, status, logs, stdin streaming) and owns process-wide host
// port assignment.
package runtime

import (
	"context"
	"errors"
	"fmt"
)

// State summarizes a container's lifecycle.
type State string

const (
	StateAbsent   State = "absent"
	StateCreating State = "creating"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Spec describes the container to create for a tool server.
type Spec struct {
	Name          string   // engine-visible container name
	Image         string
	Env           []string
	Cmd           []string
	ContainerPort int // port the MCP server listens on inside the container
}

// Handle identifies a created container. A Handle with an empty ID is
// absent. Each Handle is owned by exactly one sandbox client.
type Handle struct {
	ID       string
	Name     string
	HostPort int
	Logs     *LogBuffer
}

// Absent reports whether the handle refers to no container.
func (h *Handle) Absent() bool {
	return h == nil || h.ID == ""
}

// ErrPortExhausted is returned when no free host port could be found within
// the bounded number of candidates. The affected Create call fails
// permanently; callers retry with a fresh call.
var ErrPortExhausted = errors.New("host port candidates exhausted")

// TransportError indicates the engine control socket was unreachable or the
// RPC itself failed. The operation may succeed on retry once the engine is
// back.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("container engine transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RuntimeError indicates the engine rejected the operation (missing image,
// name conflict, invalid spec). Retrying without changing inputs will fail
// again.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("container engine: %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// ContainerRuntime is the contract the sandbox layer programs against.
// All operations are I/O against the local engine control socket.
//
// Idempotency: Start on an already-running handle is a no-op returning the
// current state; Stop and Remove on an absent handle are no-ops.
type ContainerRuntime interface {
	Create(ctx context.Context, spec Spec) (*Handle, error)
	Start(ctx context.Context, h *Handle) (State, error)
	Stop(ctx context.Context, h *Handle) error
	Remove(ctx context.Context, h *Handle) error
	StatusSummary(ctx context.Context, h *Handle) (State, error)
	RecentLogs(ctx context.Context, h *Handle, n int) ([]string, error)
	StreamInto(ctx context.Context, h *Handle, data []byte) error
}
