package harness

import "github.com/procio/worker-harness-go/internal/errors"

// Re-export error types from the internal package.

// HarnessError is the base interface for all harness errors.
type HarnessError = errors.HarnessError

// ProtocolError indicates a malformed frame header or unparsable JSON
// body. It is fatal to the transport; the byte stream cannot be
// resynchronized.
type ProtocolError = errors.ProtocolError

// ServerExitedError indicates an operation against a worker that has
// already exited or been killed.
type ServerExitedError = errors.ServerExitedError

// KillError indicates the termination signal could not be delivered to a
// still-live worker process.
type KillError = errors.KillError

// SpawnError indicates the worker process failed to start.
type SpawnError = errors.SpawnError

// Re-export sentinel errors from the internal package.
var (
	// ErrServerExited indicates a send against a dead worker.
	ErrServerExited = errors.ErrServerExited

	// ErrTransportClosed indicates the transport is no longer usable.
	ErrTransportClosed = errors.ErrTransportClosed

	// ErrNotStarted indicates the supervisor has not been started yet.
	ErrNotStarted = errors.ErrNotStarted

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.ErrAlreadyStarted
)
