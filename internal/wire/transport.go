// Package wire abstracts over the two delivery mechanisms for worker
// messages: a length-prefixed byte stream decoded by internal/frame, and a
// native inter-process channel carrying one JSON object per line.
//
// The mode is chosen once at construction and is immutable for the
// transport's lifetime. Nothing outside this package branches on mode.
package wire

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// maxScanTokenSize is the maximum buffer size for reading channel-mode
// messages.
const maxScanTokenSize = 1024 * 1024 // 1MB

// Mode selects the inbound delivery mechanism.
type Mode int

const (
	// ModeStdio parses the worker's output as length-prefixed frames.
	ModeStdio Mode = iota

	// ModeIPC reads structured objects from a dedicated channel, one JSON
	// object per line, with no frame headers.
	ModeIPC
)

func (m Mode) String() string {
	switch m {
	case ModeStdio:
		return "stdio"
	case ModeIPC:
		return "ipc"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Transport delivers decoded worker messages and carries outbound requests.
//
// Messages may be called at most once; it starts the read loop. Both
// returned channels are closed when the inbound stream drains or fails.
// Send is safe for concurrent use.
type Transport interface {
	Messages(ctx context.Context) (<-chan map[string]any, <-chan error)
	Send(ctx context.Context, msg any) error
	Close() error
}

// New constructs a transport of the given mode over the worker's inbound
// and outbound streams. This is the only place mode is inspected.
func New(log *slog.Logger, mode Mode, in io.Reader, out io.Writer) Transport {
	switch mode {
	case ModeIPC:
		return newIPC(log, in, out)
	default:
		return newStdio(log, in, out)
	}
}

// deliver pushes one decoded message to the consumer, respecting context
// cancellation.
func deliver(
	ctx context.Context,
	msgs chan<- map[string]any,
	errs chan<- error,
	msg map[string]any,
) bool {
	select {
	case msgs <- msg:
		return true
	case <-ctx.Done():
		errs <- ctx.Err()

		return false
	}
}

// closeStream closes a stream if it supports closing.
func closeStream(s any) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}

	return nil
}
