// Package frame parses a worker's length-prefixed byte stream into
// discrete JSON messages.
//
// Each frame on the wire is an ASCII header line of the form
// "Content-Length: <N>", a line separator, exactly N bytes of UTF-8 JSON,
// and a single trailing line-terminator byte. The trailing terminator is
// always one byte: the worker emits a lone newline after the body even on
// platforms whose native line terminator is two bytes.
package frame

import (
	"bytes"
	"encoding/json"
	"iter"
	"strconv"

	"github.com/procio/worker-harness-go/internal/errors"
)

const headerPrefix = "Content-Length:"

// trailerLen is the length of the terminator after the JSON body.
// Exactly one byte regardless of platform line-ending convention.
const trailerLen = 1

// Decoder incrementally parses a byte stream into complete JSON messages.
//
// A Decoder is fed arbitrary-sized chunks in arrival order and yields
// decoded objects one per complete frame, in order, never partial. It is
// not safe for concurrent use; callers drive it from a single read loop.
type Decoder struct {
	buf []byte

	// Parse state for the frame currently being assembled. bodyLen is -1
	// until a header has been located, bodyStart is -1 until the opening
	// brace of the body has been seen.
	bodyLen   int
	bodyStart int

	// A protocol error is terminal: the stream cannot be resynchronized,
	// so every Feed after the first failure reports the same error.
	err error
}

// NewDecoder returns a Decoder awaiting the first frame header.
func NewDecoder() *Decoder {
	return &Decoder{bodyLen: -1, bodyStart: -1}
}

// Feed appends chunk to the decode buffer and returns an iterator over the
// messages that are now complete. A single chunk may complete zero, one,
// or many frames. The iterator yields a non-nil error exactly once if the
// stream is malformed; after that the decoder is permanently failed.
func (d *Decoder) Feed(chunk []byte) iter.Seq2[map[string]any, error] {
	if d.err == nil {
		d.buf = append(d.buf, chunk...)
	}

	return func(yield func(map[string]any, error) bool) {
		for {
			if d.err != nil {
				yield(nil, d.err)

				return
			}

			msg, complete := d.next()
			if d.err != nil {
				yield(nil, d.err)

				return
			}

			if !complete {
				return
			}

			if !yield(msg, nil) {
				return
			}
		}
	}
}

// next attempts to extract one complete frame from the buffer. It returns
// (nil, false) when more bytes are needed and sets d.err on malformed input.
func (d *Decoder) next() (map[string]any, bool) {
	if d.bodyLen < 0 && !d.findHeader() {
		return nil, false
	}

	if d.bodyStart < 0 && !d.findBodyStart() {
		return nil, false
	}

	frameEnd := d.bodyStart + d.bodyLen + trailerLen
	if len(d.buf) < frameEnd {
		return nil, false
	}

	body := d.buf[d.bodyStart : d.bodyStart+d.bodyLen]

	var msg map[string]any

	if err := json.Unmarshal(body, &msg); err != nil {
		d.err = &errors.ProtocolError{
			Reason: "malformed frame body",
			Data:   string(body),
			Err:    err,
		}

		return nil, false
	}

	// Drop the consumed frame and reset to awaiting-header state.
	d.buf = append(d.buf[:0:0], d.buf[frameEnd:]...)
	d.bodyLen = -1
	d.bodyStart = -1

	return msg, true
}

// findHeader scans the buffer for a complete Content-Length header line and
// records the announced body length. Returns false when the header has not
// fully arrived yet.
func (d *Decoder) findHeader() bool {
	start := bytes.Index(d.buf, []byte(headerPrefix))
	if start < 0 {
		return false
	}

	lineEnd := bytes.IndexByte(d.buf[start:], '\n')
	if lineEnd < 0 {
		return false
	}

	value := d.buf[start+len(headerPrefix) : start+lineEnd]
	value = bytes.TrimRight(value, "\r")
	value = bytes.TrimSpace(value)

	n, err := strconv.Atoi(string(value))
	if err != nil || n < 0 {
		d.err = &errors.ProtocolError{
			Reason: "malformed Content-Length header",
			Data:   string(d.buf[start : start+lineEnd]),
			Err:    err,
		}

		return false
	}

	d.bodyLen = n

	// Discard everything through the end of the header line so the body
	// search below starts right after it.
	d.buf = append(d.buf[:0:0], d.buf[start+lineEnd+1:]...)

	return true
}

// findBodyStart locates the opening brace of the JSON body at or after the
// header's end. Returns false when the body has not started arriving yet.
func (d *Decoder) findBodyStart() bool {
	idx := bytes.IndexByte(d.buf, '{')
	if idx < 0 {
		return false
	}

	d.bodyStart = idx

	return true
}
