package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/procio/worker-harness-go/internal/errors"
)

// writeUnblockTimeout bounds how long Send waits for a cancelled write
// goroutine to observe the closed stream before reporting a potential leak.
const writeUnblockTimeout = 1 * time.Second

// writer serializes outbound requests as JSON followed by a newline and
// writes them to the worker's inbound stream. Both transport modes share
// this outbound convention; only the inbound side differs.
type writer struct {
	log    *slog.Logger
	mu     sync.Mutex
	out    io.Writer
	closed bool
}

// send marshals msg and writes it newline-terminated. Safe for concurrent
// use; respects context cancellation even during a blocked write.
func (w *writer) send(ctx context.Context, msg any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrTransportClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	data = append(data, '\n')

	w.log.Debug("Sending request to worker", "data_len", len(data))

	// Write in a goroutine so a blocked pipe write can be abandoned on
	// context cancellation.
	done := make(chan error, 1)

	go func() {
		_, err := w.out.Write(data)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			w.log.Error("Failed to write request to worker", "error", err)

			return fmt.Errorf("write request: %w", err)
		}

		return nil

	case <-ctx.Done():
		w.log.Debug("Context cancelled during write, closing outbound stream")

		_ = closeStream(w.out)
		w.closed = true

		select {
		case <-done:
		case <-time.After(writeUnblockTimeout):
			w.log.Warn("Write goroutine did not exit after stream close, potential leak")
		}

		return ctx.Err()
	}
}

// close shuts the outbound stream. Safe to call multiple times.
func (w *writer) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	return closeStream(w.out)
}
