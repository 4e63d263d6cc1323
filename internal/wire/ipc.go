package wire

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/procio/worker-harness-go/internal/errors"
)

// ipcTransport reads structured objects from a dedicated channel: one JSON
// object per line, no frame headers. This is the native-channel mode for
// workers launched with an inter-process channel instead of stream framing.
type ipcTransport struct {
	log *slog.Logger
	in  io.Reader
	w   *writer

	mu      sync.Mutex
	closing bool
}

func newIPC(log *slog.Logger, in io.Reader, out io.Writer) *ipcTransport {
	log = log.With("component", "transport", "mode", ModeIPC.String())

	return &ipcTransport{
		log: log,
		in:  in,
		w:   &writer{log: log, out: out},
	}
}

// Messages starts the read loop. Each non-empty line on the channel is one
// decoded object; a line that is not valid JSON is a fatal protocol error.
func (t *ipcTransport) Messages(ctx context.Context) (<-chan map[string]any, <-chan error) {
	msgs := make(chan map[string]any)
	errs := make(chan error, 1)

	go func() {
		defer close(msgs)
		defer close(errs)
		defer t.log.Debug("IPC read loop stopped")

		scanner := bufio.NewScanner(t.in)
		scanner.Buffer(make([]byte, maxScanTokenSize), maxScanTokenSize)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var msg map[string]any

			if err := json.Unmarshal(line, &msg); err != nil {
				t.log.Error("Malformed object on channel", "error", err)

				errs <- &errors.ProtocolError{
					Reason: "malformed channel message",
					Data:   string(line),
					Err:    err,
				}

				return
			}

			if !deliver(ctx, msgs, errs, msg) {
				return
			}
		}

		if err := scanner.Err(); err != nil && !t.isClosing() {
			t.log.Error("Read error on worker channel", "error", err)

			errs <- err
		}
	}()

	return msgs, errs
}

func (t *ipcTransport) Send(ctx context.Context, msg any) error {
	return t.w.send(ctx, msg)
}

func (t *ipcTransport) Close() error {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()

	err := t.w.close()

	if cerr := closeStream(t.in); err == nil {
		err = cerr
	}

	return err
}

func (t *ipcTransport) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closing
}
