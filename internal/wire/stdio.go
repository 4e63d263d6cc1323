package wire

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/procio/worker-harness-go/internal/frame"
)

// readBufSize is the chunk size for draining the worker's output stream.
const readBufSize = 64 * 1024

// stdioTransport reads length-prefixed frames from the worker's output
// stream and decodes them with frame.Decoder.
type stdioTransport struct {
	log *slog.Logger
	in  io.Reader
	w   *writer

	mu      sync.Mutex
	closing bool
}

func newStdio(log *slog.Logger, in io.Reader, out io.Writer) *stdioTransport {
	log = log.With("component", "transport", "mode", ModeStdio.String())

	return &stdioTransport{
		log: log,
		in:  in,
		w:   &writer{log: log, out: out},
	}
}

// Messages starts the read loop. Chunks are fed to the frame decoder in
// arrival order, so decoded objects reach the consumer in exactly the
// order their bytes arrived.
func (t *stdioTransport) Messages(ctx context.Context) (<-chan map[string]any, <-chan error) {
	msgs := make(chan map[string]any)
	errs := make(chan error, 1)

	go func() {
		defer close(msgs)
		defer close(errs)
		defer t.log.Debug("Stdio read loop stopped")

		dec := frame.NewDecoder()
		buf := make([]byte, readBufSize)

		for {
			n, readErr := t.in.Read(buf)

			if n > 0 {
				ok := true

				for msg, err := range dec.Feed(buf[:n]) {
					if err != nil {
						// Fatal framing error: the stream is no longer
						// trustworthy, abort the transport.
						t.log.Error("Frame decode failed", "error", err)

						errs <- err

						return
					}

					if ok = deliver(ctx, msgs, errs, msg); !ok {
						break
					}
				}

				if !ok {
					return
				}
			}

			if readErr != nil {
				if readErr != io.EOF && !t.isClosing() {
					t.log.Error("Read error on worker output", "error", readErr)

					errs <- readErr
				}

				return
			}
		}
	}()

	return msgs, errs
}

func (t *stdioTransport) Send(ctx context.Context, msg any) error {
	return t.w.send(ctx, msg)
}

func (t *stdioTransport) Close() error {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()

	err := t.w.close()

	if cerr := closeStream(t.in); err == nil {
		err = cerr
	}

	return err
}

func (t *stdioTransport) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closing
}
