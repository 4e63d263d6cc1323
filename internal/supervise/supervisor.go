// Package supervise owns the worker child process: spawning, message
// exchange, and the shutdown sequence.
//
// A Supervisor wires the process output into a wire.Transport, routes
// decoded messages through a correlate.Correlator, and fans out exit and
// close notifications. The close notification fires only once the process
// has exited and its output streams have fully drained; it is the
// authoritative "fully done" signal.
package supervise

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/procio/worker-harness-go/internal/correlate"
	"github.com/procio/worker-harness-go/internal/errors"
	"github.com/procio/worker-harness-go/internal/launch"
	"github.com/procio/worker-harness-go/internal/wire"
)

// ExitCommand is the reserved command that asks the worker to terminate.
// The worker never replies to it, so sends of this command resolve
// immediately with no response awaited.
const ExitCommand = "exit"

// maxStderrBufferSize caps the retained stderr buffer. The stderr callback
// still receives every line; only retention stops growing.
const maxStderrBufferSize = 10 * 1024 * 1024 // 10MB

// State is the supervisor lifecycle state.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateExiting
	StateExited
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExiting:
		return "exiting"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Request is a caller-supplied request. The supervisor reads only Seq and
// Command; everything else passes through to the worker untouched. Seq is
// chosen by the caller and must be a positive integer unique among
// outstanding requests. The harness never generates or rewrites it.
type Request struct {
	Seq       int64  `json:"seq"`
	Type      string `json:"type,omitempty"`
	Command   string `json:"command"`
	Arguments any    `json:"arguments,omitempty"`
}

// Options configures a Supervisor.
type Options struct {
	// Logger receives debug, info, warn, and error messages. Defaults to
	// a no-op logger.
	Logger *slog.Logger

	// Stderr, when set, receives each line of the worker's stderr.
	Stderr func(string)

	// Transport, when set, replaces process spawning entirely. The
	// supervisor exchanges messages over it and treats stream drain as
	// process exit. Intended for tests and in-process workers.
	Transport wire.Transport
}

// Supervisor manages one worker process for its whole lifetime. A
// Supervisor is single-use: once the worker exits it cannot be restarted.
type Supervisor struct {
	log  *slog.Logger
	id   string
	spec *launch.Spec
	opts Options

	corr *correlate.Correlator
	eg   errgroup.Group

	mu             sync.Mutex
	state          State
	started        bool
	transport      wire.Transport
	cmd            *exec.Cmd
	exitCode       *int
	signal         string
	fatalErr       error
	exitListeners  []func(exitCode *int)
	closeListeners []func(exitCode *int, signal string)
	stderrBuf      strings.Builder

	drained    chan struct{}
	stderrDone chan struct{}
	exited     chan struct{}
	closed     chan struct{}
}

// New creates a supervisor for the given launch spec. The worker is not
// started; call Start.
func New(spec *launch.Spec, opts Options) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	id := ulid.Make().String()

	return &Supervisor{
		log:        log.With("component", "supervisor", "harness_id", id),
		id:         id,
		spec:       spec,
		opts:       opts,
		corr:       correlate.New(log.With("harness_id", id)),
		state:      StateStarting,
		drained:    make(chan struct{}),
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

// ID returns the supervisor's instance id, used to correlate log lines.
func (s *Supervisor) ID() string {
	return s.id
}

// Start spawns the worker process and begins dispatching its messages.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.ErrAlreadyStarted
	}

	if s.opts.Transport != nil {
		s.transport = s.opts.Transport
		close(s.stderrDone)
	} else if err := s.spawn(); err != nil {
		return err
	}

	s.started = true
	s.state = StateRunning

	s.eg.Go(func() error {
		s.dispatchLoop(ctx)

		return nil
	})
	s.eg.Go(func() error {
		s.waitLoop()

		return nil
	})

	s.log.Info("Supervisor started", "state", s.state.String())

	return nil
}

// spawn starts the child process and constructs the matching transport.
// Caller holds s.mu.
func (s *Supervisor) spawn() error {
	if err := s.spec.Validate(); err != nil {
		return err
	}

	//nolint:gosec // G204: launching a caller-specified worker binary is the point
	cmd := exec.Command(s.spec.Path, s.spec.Args...)
	cmd.Dir = s.spec.Dir
	cmd.Env = s.spec.Environment()

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &errors.SpawnError{Path: s.spec.Path, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	useIPC := s.spec.UsesIPC()

	var (
		in         io.Reader
		out        io.Writer
		childFiles []*os.File
	)

	if useIPC {
		// The native channel is a pair of pipes on the child's fd 3
		// (requests in) and fd 4 (messages out), carrying one JSON object
		// per line.
		childIn, parentOut, err := os.Pipe()
		if err != nil {
			return &errors.SpawnError{Path: s.spec.Path, Err: fmt.Errorf("channel pipe: %w", err)}
		}

		parentIn, childOut, err := os.Pipe()
		if err != nil {
			childIn.Close()
			parentOut.Close()

			return &errors.SpawnError{Path: s.spec.Path, Err: fmt.Errorf("channel pipe: %w", err)}
		}

		cmd.ExtraFiles = []*os.File{childIn, childOut}
		childFiles = []*os.File{childIn, childOut}
		in, out = parentIn, parentOut
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return &errors.SpawnError{Path: s.spec.Path, Err: fmt.Errorf("stdin pipe: %w", err)}
		}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return &errors.SpawnError{Path: s.spec.Path, Err: fmt.Errorf("stdout pipe: %w", err)}
		}

		in, out = stdout, stdin
	}

	if err := cmd.Start(); err != nil {
		for _, f := range childFiles {
			f.Close()
		}

		return &errors.SpawnError{Path: s.spec.Path, Err: err}
	}

	// The child owns its ends of the channel now; the parent copies must
	// be closed or the read side never sees EOF.
	for _, f := range childFiles {
		f.Close()
	}

	s.cmd = cmd

	mode := wire.ModeStdio
	if useIPC {
		mode = wire.ModeIPC
	}

	s.transport = wire.New(s.log, mode, in, out)

	go s.scanStderr(stderr)

	s.log.Info("Worker process started",
		"pid", cmd.Process.Pid,
		"path", s.spec.Path,
		"mode", mode.String(),
	)

	return nil
}

// scanStderr drains the worker's stderr, buffering up to the cap and
// invoking the callback per line.
func (s *Supervisor) scanStderr(r io.Reader) {
	defer close(s.stderrDone)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		s.mu.Lock()

		if s.stderrBuf.Len() < maxStderrBufferSize {
			if s.stderrBuf.Len() > 0 {
				s.stderrBuf.WriteString("\n")
			}

			s.stderrBuf.WriteString(line)
		}

		s.mu.Unlock()

		if s.opts.Stderr != nil {
			s.opts.Stderr(line)
		}
	}

	if err := scanner.Err(); err != nil {
		s.log.Debug("Stderr scanner error", "error", err)
	}
}

// dispatchLoop is the single consumer of the transport: it feeds every
// decoded object to the correlator in arrival order. It closes drained
// when the inbound stream has been fully consumed.
func (s *Supervisor) dispatchLoop(ctx context.Context) {
	defer close(s.drained)
	defer s.log.Debug("Dispatch loop stopped")

	msgs, errs := s.transport.Messages(ctx)

	for msgs != nil || errs != nil {
		select {
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil

				continue
			}

			s.corr.Dispatch(msg)

		case err, ok := <-errs:
			if !ok {
				errs = nil

				continue
			}

			if err != nil {
				s.log.Error("Transport failed", "error", err)
				s.setFatalError(err)
				s.corr.Fail(err)
			}
		}
	}
}

// waitLoop reaps the child once its streams have drained, then fires the
// exit and close notifications in order.
func (s *Supervisor) waitLoop() {
	<-s.drained
	<-s.stderrDone

	var (
		exitCode *int
		signal   string
	)

	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd != nil {
		exitCode, signal = reap(cmd)
	}

	s.mu.Lock()
	s.exitCode = exitCode
	s.signal = signal

	if s.state != StateKilled {
		s.state = StateExited
	}

	exitFns := slices.Clone(s.exitListeners)
	s.mu.Unlock()

	s.log.Info("Worker process exited", "exit_code", codeAttr(exitCode), "signal", signal)

	for _, fn := range exitFns {
		fn(exitCode)
	}

	close(s.exited)

	// Pending sends would otherwise hang forever; reject them so callers
	// always get an answer. See Send.
	s.corr.Fail(&errors.ServerExitedError{ExitCode: exitCode, Signal: signal})

	s.mu.Lock()
	closeFns := slices.Clone(s.closeListeners)
	transport := s.transport
	s.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}

	for _, fn := range closeFns {
		fn(exitCode, signal)
	}

	close(s.closed)

	s.log.Debug("Worker fully closed")
}

// reap waits on the child and translates its termination into an exit code
// (nil when terminated by a signal) and a signal name.
func reap(cmd *exec.Cmd) (*int, string) {
	err := cmd.Wait()

	code := 0

	if err != nil {
		var ee *exec.ExitError

		if !stderrors.As(err, &ee) {
			// Wait failed for a non-exit reason (e.g. pipes already
			// closed); fall back to the process state if present.
			if cmd.ProcessState == nil {
				return nil, ""
			}

			ee = &exec.ExitError{ProcessState: cmd.ProcessState}
		}

		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return nil, ws.Signal().String()
		}

		code = ee.ExitCode()
	}

	return &code, ""
}

// Send transmits a request to the worker and returns its correlated
// response. The reserved exit command never produces a reply, so sending
// it resolves immediately with a nil response.
//
// Send applies no timeout of its own; cancel via ctx. If the worker is
// killed or its stream fails while the response is outstanding, Send
// returns ErrServerExited rather than blocking forever.
func (s *Supervisor) Send(ctx context.Context, req Request) (map[string]any, error) {
	s.mu.Lock()

	if !s.started {
		s.mu.Unlock()

		return nil, errors.ErrNotStarted
	}

	if s.state == StateExited || s.state == StateKilled ||
		s.exitCode != nil || s.signal != "" {
		err := &errors.ServerExitedError{ExitCode: s.exitCode, Signal: s.signal}
		s.mu.Unlock()

		return nil, err
	}

	transport := s.transport

	if req.Command == ExitCommand && s.state == StateRunning {
		s.state = StateExiting
	}

	s.mu.Unlock()

	s.log.Debug("Sending request", "seq", req.Seq, "command", req.Command)

	if err := transport.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("send request %d: %w", req.Seq, err)
	}

	if req.Command == ExitCommand {
		return nil, nil
	}

	return s.corr.Await(ctx, req.Seq)
}

// ExitOrKill asks the worker to exit and force-kills it if the close
// notification has not fired within timeout. It returns true when the
// worker closed on its own, false when it had to be killed. The two
// outcomes are raced exclusively: once the timer wins, a late close
// notification no longer changes the result.
func (s *Supervisor) ExitOrKill(ctx context.Context, timeout time.Duration) (bool, error) {
	if _, err := s.Send(ctx, Request{Command: ExitCommand}); err != nil {
		return false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.closed:
		return true, nil

	case <-timer.C:
		s.log.Warn("Worker did not close before deadline, killing", "timeout", timeout)

		if err := s.Kill(); err != nil {
			return false, err
		}

		return false, nil

	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Kill delivers a forceful termination signal and waits for the close
// notification. It returns immediately when the process is already dead,
// since no close notification will fire for a process that never ran.
func (s *Supervisor) Kill() error {
	s.mu.Lock()

	if !s.started {
		s.mu.Unlock()

		return errors.ErrNotStarted
	}

	if s.state == StateKilled {
		// Another caller is already killing; wait for the close.
		s.mu.Unlock()
		<-s.closed

		return nil
	}

	if s.exitCode != nil || s.signal != "" || s.state == StateExited {
		s.mu.Unlock()

		return nil
	}

	s.state = StateKilled
	cmd := s.cmd
	transport := s.transport
	s.mu.Unlock()

	if cmd == nil {
		// Injected transport: closing it drains the stream, which drives
		// the normal close sequence.
		_ = transport.Close()
		<-s.closed

		return nil
	}

	s.log.Info("Killing worker process", "pid", cmd.Process.Pid)

	if err := cmd.Process.Kill(); err != nil {
		if stderrors.Is(err, os.ErrProcessDone) {
			<-s.closed

			return nil
		}

		return &errors.KillError{Pid: cmd.Process.Pid, Err: err}
	}

	<-s.closed

	return nil
}

// OnEvent registers a listener for broadcast events from the worker.
func (s *Supervisor) OnEvent(fn func(msg map[string]any)) {
	s.corr.OnEvent(fn)
}

// OnExit registers a listener fired when the worker process terminates.
// The exit code is nil when the process was terminated by a signal.
func (s *Supervisor) OnExit(fn func(exitCode *int)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.exitListeners = append(s.exitListeners, fn)
}

// OnClose registers a listener fired once the worker has exited and its
// output streams are fully drained, always at or after the exit listeners.
func (s *Supervisor) OnClose(fn func(exitCode *int, signal string)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeListeners = append(s.closeListeners, fn)
}

// Done returns a channel closed when the close notification has fired.
func (s *Supervisor) Done() <-chan struct{} {
	return s.closed
}

// Wait blocks until the close notification has fired and the internal
// goroutines have stopped, then reports the fatal transport error, if any.
func (s *Supervisor) Wait() error {
	<-s.closed

	_ = s.eg.Wait()

	return s.Err()
}

// Pid returns the worker's process id, or 0 when no process was spawned.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}

	return s.cmd.Process.Pid
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// ExitCode returns the worker's exit code, nil before exit or when the
// worker was terminated by a signal.
func (s *Supervisor) ExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.exitCode
}

// Signal returns the name of the terminating signal, if any.
func (s *Supervisor) Signal() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.signal
}

// Stderr returns the worker's buffered stderr output.
func (s *Supervisor) Stderr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stderrBuf.String()
}

// Err returns the fatal transport error, if one occurred.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fatalErr
}

func (s *Supervisor) setFatalError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatalErr == nil {
		s.fatalErr = err
	}
}

func codeAttr(code *int) any {
	if code == nil {
		return nil
	}

	return *code
}
