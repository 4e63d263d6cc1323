// Package correlate routes decoded worker messages either to the event
// listener set or to the caller waiting on the message's sequence number.
//
// Responses may arrive before or after the caller asks to await them, and
// in any order relative to other requests. The correlator holds exactly one
// of {pending waiter, buffered response} per sequence number at any time.
package correlate

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/procio/worker-harness-go/internal/errors"
)

// CompletionEvent is the reserved event name marking an event-shaped
// message that is itself the completion notice for a request. Its sequence
// number lives one level down, inside the body.
const CompletionEvent = "requestCompleted"

// cell is one entry in the correlation table. Exactly one of the two
// fields is set: a registered waiter, or a response that arrived before
// anyone asked for it. Receipt always resolves one into the other.
type cell struct {
	waiter   chan map[string]any
	buffered map[string]any
}

// Correlator classifies and routes messages decoded from the worker.
type Correlator struct {
	log *slog.Logger

	mu        sync.Mutex
	table     map[int64]*cell
	listeners []func(map[string]any)
	failErr   error

	failed chan struct{}
}

// New creates a correlator with no listeners and an empty table.
func New(log *slog.Logger) *Correlator {
	return &Correlator{
		log:    log.With("component", "correlator"),
		table:  make(map[int64]*cell),
		failed: make(chan struct{}),
	}
}

// OnEvent registers a listener for broadcast events. Listeners are invoked
// synchronously, in registration order, for every broadcast event.
func (c *Correlator) OnEvent(fn func(map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listeners = append(c.listeners, fn)
}

// Dispatch routes one decoded message. Events whose name is not the
// reserved completion sentinel are broadcast; everything carrying a
// sequence number resolves or buffers as a response.
func (c *Correlator) Dispatch(msg map[string]any) {
	if typeOf(msg) == "event" {
		if eventName(msg) == CompletionEvent {
			if seq, ok := nestedSeq(msg); ok {
				c.resolve(seq, msg)

				return
			}

			c.log.Warn("Completion event without request_seq, broadcasting")
		}

		c.broadcast(msg)

		return
	}

	if seq, ok := topLevelSeq(msg); ok {
		c.resolve(seq, msg)

		return
	}

	c.log.Debug("Dropping message with no request_seq", "type", typeOf(msg))
}

// Await returns the response for seq. A response buffered before the call
// is returned immediately; otherwise the caller blocks until Dispatch
// delivers a matching message, the context is cancelled, or Fail is
// invoked. At most one Await per seq may be outstanding.
func (c *Correlator) Await(ctx context.Context, seq int64) (map[string]any, error) {
	c.mu.Lock()

	if err := c.failErr; err != nil {
		c.mu.Unlock()

		return nil, err
	}

	if cl, ok := c.table[seq]; ok && cl.buffered != nil {
		delete(c.table, seq)
		c.mu.Unlock()

		return cl.buffered, nil
	}

	ch := make(chan map[string]any, 1)
	c.table[seq] = &cell{waiter: ch}
	c.mu.Unlock()

	select {
	case msg := <-ch:
		return msg, nil

	case <-c.failed:
		c.drop(seq)

		// A resolution may have raced the failure; a delivered response wins.
		select {
		case msg := <-ch:
			return msg, nil
		default:
		}

		return nil, c.failError()

	case <-ctx.Done():
		c.drop(seq)

		select {
		case msg := <-ch:
			return msg, nil
		default:
		}

		return nil, ctx.Err()
	}
}

// Fail rejects every pending and future Await with err. Used when the
// worker is killed or the transport aborts, so callers never hang forever.
// Only the first error is retained.
func (c *Correlator) Fail(err error) {
	if err == nil {
		err = errors.ErrServerExited
	}

	c.mu.Lock()

	if c.failErr == nil {
		c.failErr = err
		close(c.failed)
	}

	c.mu.Unlock()
}

func (c *Correlator) failError() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.failErr
}

// resolve delivers a response to its waiter, or buffers it when no waiter
// is registered yet.
func (c *Correlator) resolve(seq int64, msg map[string]any) {
	c.mu.Lock()

	cl, ok := c.table[seq]

	switch {
	case ok && cl.waiter != nil:
		delete(c.table, seq)
		c.mu.Unlock()

		// Buffered channel owned by exactly one waiter; never blocks.
		cl.waiter <- msg

	case ok:
		c.mu.Unlock()
		c.log.Warn("Duplicate response for sequence, keeping first", "seq", seq)

	default:
		c.table[seq] = &cell{buffered: msg}
		c.mu.Unlock()
	}
}

// drop removes the waiter cell for seq if it is still registered.
func (c *Correlator) drop(seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.table[seq]; ok && cl.waiter != nil {
		delete(c.table, seq)
	}
}

// broadcast delivers an event to every listener in registration order.
func (c *Correlator) broadcast(msg map[string]any) {
	c.mu.Lock()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(msg)
	}
}

func typeOf(msg map[string]any) string {
	s, _ := msg["type"].(string)

	return s
}

func eventName(msg map[string]any) string {
	s, _ := msg["event"].(string)

	return s
}

// topLevelSeq extracts request_seq carried directly on a response object.
func topLevelSeq(msg map[string]any) (int64, bool) {
	return asSeq(msg["request_seq"])
}

// nestedSeq extracts request_seq nested inside a completion event's body.
func nestedSeq(msg map[string]any) (int64, bool) {
	body, ok := msg["body"].(map[string]any)
	if !ok {
		return 0, false
	}

	return asSeq(body["request_seq"])
}

// asSeq converts a decoded JSON value to a sequence number. JSON decoding
// yields float64, but programmatic callers may hand integer types through
// the native channel.
func asSeq(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}
