package supervise

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procio/worker-harness-go/internal/errors"
	"github.com/procio/worker-harness-go/internal/launch"
	"github.com/procio/worker-harness-go/internal/wire"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWorker is an in-process worker behind an injected transport. It
// reads newline-delimited requests and emits length-prefixed frames, like
// a real stdio-mode worker.
type fakeWorker struct {
	t *testing.T

	// Harness side of the streams.
	transport wire.Transport

	// Worker side.
	requests *io.PipeReader
	output   *io.PipeWriter

	mu sync.Mutex
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()

	inR, inW := io.Pipe()   // worker output -> harness
	outR, outW := io.Pipe() // harness requests -> worker

	return &fakeWorker{
		t:         t,
		transport: wire.New(nopLogger(), wire.ModeStdio, inR, outW),
		requests:  outR,
		output:    inW,
	}
}

// emit writes one complete frame to the harness.
func (w *fakeWorker) emit(payload map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	body, err := json.Marshal(payload)
	require.NoError(w.t, err)

	_, err = fmt.Fprintf(w.output, "Content-Length: %d\n%s\n", len(body), body)
	require.NoError(w.t, err)
}

// emitRaw writes raw bytes to the harness, for split-frame scenarios.
func (w *fakeWorker) emitRaw(data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := w.output.Write(data)
	require.NoError(w.t, err)
}

// exit closes the worker's output, draining the harness stream.
func (w *fakeWorker) exit() {
	_ = w.output.Close()
}

// drainRequests consumes harness requests so transport writes never block,
// forwarding each decoded request to fn.
func (w *fakeWorker) drainRequests(fn func(map[string]any)) {
	go func() {
		dec := json.NewDecoder(w.requests)

		for {
			var req map[string]any

			if err := dec.Decode(&req); err != nil {
				return
			}

			if fn != nil {
				fn(req)
			}
		}
	}()
}

func startWithFake(t *testing.T) (*Supervisor, *fakeWorker) {
	t.Helper()

	w := newFakeWorker(t)
	s := New(&launch.Spec{Path: "fake"}, Options{
		Logger:    nopLogger(),
		Transport: w.transport,
	})

	require.NoError(t, s.Start(context.Background()))

	return s, w
}

func TestSend_BeforeStart(t *testing.T) {
	s := New(&launch.Spec{Path: "fake"}, Options{Logger: nopLogger()})

	_, err := s.Send(context.Background(), Request{Seq: 1, Command: "echo"})
	require.ErrorIs(t, err, errors.ErrNotStarted)
}

func TestStart_Twice(t *testing.T) {
	s, w := startWithFake(t)
	defer w.exit()

	require.ErrorIs(t, s.Start(context.Background()), errors.ErrAlreadyStarted)
}

// End-to-end: a request is answered by a single frame split across two
// chunks; Send returns the decoded response object.
func TestSend_ResponseSplitAcrossChunks(t *testing.T) {
	s, w := startWithFake(t)
	w.drainRequests(nil)

	body := []byte(`{"request_seq":1,"body":"ok"}`)
	framed := fmt.Appendf(nil, "Content-Length: %d\n%s\n", len(body), body)

	go func() {
		w.emitRaw(framed[:12])
		time.Sleep(10 * time.Millisecond)
		w.emitRaw(framed[12:])
	}()

	resp, err := s.Send(context.Background(), Request{Seq: 1, Command: "echo"})
	require.NoError(t, err)
	require.Equal(t, "ok", resp["body"])
	require.Equal(t, float64(1), resp["request_seq"])

	w.exit()
	<-s.Done()
}

func TestSend_ExitCommandResolvesImmediately(t *testing.T) {
	s, w := startWithFake(t)

	// The worker never replies to exit; Send must still return right away.
	received := make(chan map[string]any, 1)

	w.drainRequests(func(req map[string]any) {
		received <- req
	})

	resp, err := s.Send(context.Background(), Request{Command: ExitCommand})
	require.NoError(t, err)
	require.Nil(t, resp)

	select {
	case req := <-received:
		require.Equal(t, ExitCommand, req["command"])
	case <-time.After(time.Second):
		t.Fatal("exit command never reached the worker")
	}

	require.Equal(t, StateExiting, s.State())

	w.exit()
	<-s.Done()
}

func TestSend_AfterExitFails(t *testing.T) {
	s, w := startWithFake(t)

	w.exit()
	<-s.Done()

	_, err := s.Send(context.Background(), Request{Seq: 1, Command: "echo"})
	require.ErrorIs(t, err, errors.ErrServerExited)
}

func TestSend_PendingRejectedOnClose(t *testing.T) {
	s, w := startWithFake(t)
	w.drainRequests(nil)

	errCh := make(chan error, 1)

	go func() {
		_, err := s.Send(context.Background(), Request{Seq: 9, Command: "slow"})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	w.exit()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, errors.ErrServerExited)
	case <-time.After(time.Second):
		t.Fatal("pending send survived worker close")
	}
}

func TestOnEvent_BroadcastOrderAndDiscrimination(t *testing.T) {
	s, w := startWithFake(t)
	w.drainRequests(nil)

	var (
		mu     sync.Mutex
		events []string
	)

	s.OnEvent(func(msg map[string]any) {
		mu.Lock()
		defer mu.Unlock()

		events = append(events, msg["event"].(string))
	})

	respCh := make(chan map[string]any, 1)

	go func() {
		resp, err := s.Send(context.Background(), Request{Seq: 7, Command: "build"})
		require.NoError(t, err)

		respCh <- resp
	}()

	time.Sleep(20 * time.Millisecond)

	w.emit(map[string]any{"type": "event", "event": "output"})
	w.emit(map[string]any{
		"type":  "event",
		"event": "requestCompleted",
		"body":  map[string]any{"request_seq": float64(7)},
	})

	select {
	case resp := <-respCh:
		require.Equal(t, "requestCompleted", resp["event"])
	case <-time.After(time.Second):
		t.Fatal("completion notice did not resolve the request")
	}

	mu.Lock()
	require.Equal(t, []string{"output"}, events)
	mu.Unlock()

	w.exit()
	<-s.Done()
}

func TestExitOrKill_GracefulClose(t *testing.T) {
	s, w := startWithFake(t)

	// Worker honors the exit command by closing its output.
	w.drainRequests(func(req map[string]any) {
		if req["command"] == ExitCommand {
			w.exit()
		}
	})

	start := time.Now()

	graceful, err := s.ExitOrKill(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.True(t, graceful)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, StateExited, s.State())
}

func TestExitOrKill_TimeoutKills(t *testing.T) {
	s, w := startWithFake(t)

	// Worker ignores the exit command entirely.
	w.drainRequests(nil)

	graceful, err := s.ExitOrKill(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, graceful)
	require.Equal(t, StateKilled, s.State())

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("close notification never fired after kill")
	}
}

func TestKill_AlreadyClosedIsNoop(t *testing.T) {
	s, w := startWithFake(t)

	w.exit()
	<-s.Done()

	require.NoError(t, s.Kill())
}

func TestNotificationOrder_ExitBeforeClose(t *testing.T) {
	s, w := startWithFake(t)

	var (
		mu    sync.Mutex
		order []string
	)

	s.OnExit(func(*int) {
		mu.Lock()
		defer mu.Unlock()

		order = append(order, "exit")
	})
	s.OnClose(func(*int, string) {
		mu.Lock()
		defer mu.Unlock()

		order = append(order, "close")
	})

	w.exit()
	<-s.Done()

	mu.Lock()
	require.Equal(t, []string{"exit", "close"}, order)
	mu.Unlock()
}
