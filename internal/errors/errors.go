package errors

import (
	"errors"
	"fmt"
)

// HarnessError is the base interface for all harness errors.
type HarnessError interface {
	error
	IsHarnessError() bool
}

// Compile-time verification that all error types implement HarnessError.
var (
	_ HarnessError = (*ProtocolError)(nil)
	_ HarnessError = (*ServerExitedError)(nil)
	_ HarnessError = (*KillError)(nil)
	_ HarnessError = (*SpawnError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrServerExited indicates a send was attempted against a worker
	// already known to be disconnected, exited, or killed.
	ErrServerExited = errors.New("worker process exited")

	// ErrTransportClosed indicates the transport is no longer usable.
	ErrTransportClosed = errors.New("transport closed")

	// ErrNotStarted indicates the supervisor has not been started yet.
	ErrNotStarted = errors.New("supervisor not started")

	// ErrAlreadyStarted indicates Start was called twice on a supervisor.
	ErrAlreadyStarted = errors.New("supervisor already started")
)

// ProtocolError indicates a malformed frame header or an unparsable JSON
// body on the inbound byte stream. The stream is no longer trustworthy
// after this error; no resynchronization is attempted.
type ProtocolError struct {
	Reason string
	Data   string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}

	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsHarnessError implements HarnessError.
func (e *ProtocolError) IsHarnessError() bool { return true }

// ServerExitedError carries the terminal state of a worker that a send was
// attempted against. It wraps ErrServerExited so callers can use errors.Is.
type ServerExitedError struct {
	ExitCode *int
	Signal   string
}

func (e *ServerExitedError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("worker process exited (signal %s)", e.Signal)
	}

	if e.ExitCode != nil {
		return fmt.Sprintf("worker process exited (code %d)", *e.ExitCode)
	}

	return "worker process exited"
}

func (e *ServerExitedError) Unwrap() error {
	return ErrServerExited
}

// IsHarnessError implements HarnessError.
func (e *ServerExitedError) IsHarnessError() bool { return true }

// KillError indicates the termination signal could not be delivered to a
// still-live worker process.
type KillError struct {
	Pid int
	Err error
}

func (e *KillError) Error() string {
	return fmt.Sprintf("kill worker process (pid %d): %v", e.Pid, e.Err)
}

func (e *KillError) Unwrap() error {
	return e.Err
}

// IsHarnessError implements HarnessError.
func (e *KillError) IsHarnessError() bool { return true }

// SpawnError indicates the worker process failed to start.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker %q: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsHarnessError implements HarnessError.
func (e *SpawnError) IsHarnessError() bool { return true }
