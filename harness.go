package harness

import (
	"github.com/procio/worker-harness-go/internal/launch"
	"github.com/procio/worker-harness-go/internal/supervise"
)

// Supervisor owns one worker process: message exchange, lifecycle
// notifications, and the exit-or-kill shutdown sequence.
type Supervisor = supervise.Supervisor

// Request is a caller-supplied request. Seq must be a positive integer
// unique among outstanding requests; the harness never rewrites it.
type Request = supervise.Request

// Options configures a Supervisor.
type Options = supervise.Options

// State is the supervisor lifecycle state.
type State = supervise.State

// Lifecycle states.
const (
	StateStarting = supervise.StateStarting
	StateRunning  = supervise.StateRunning
	StateExiting  = supervise.StateExiting
	StateExited   = supervise.StateExited
	StateKilled   = supervise.StateKilled
)

// ExitCommand is the reserved command that asks the worker to terminate.
// It never produces a reply.
const ExitCommand = supervise.ExitCommand

// LaunchSpec describes how to start a worker process. The harness passes
// these values through without interpreting them, except for the single
// flag that selects the native channel transport.
type LaunchSpec = launch.Spec

// IPCFlag is the argument that selects native-channel transport when it
// appears in a LaunchSpec's argument list.
const IPCFlag = launch.IPCFlag

// New creates a supervisor for the given launch spec. The worker is not
// started until Start is called.
func New(spec *LaunchSpec, opts Options) *Supervisor {
	return supervise.New(spec, opts)
}

// LoadLaunchSpec reads a LaunchSpec from a YAML file.
func LoadLaunchSpec(path string) (*LaunchSpec, error) {
	return launch.Load(path)
}
