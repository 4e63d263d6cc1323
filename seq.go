package harness

import "sync/atomic"

// Sequencer allocates caller-side sequence numbers. It is a convenience
// only: the harness accepts any positive integers as long as they are
// unique among outstanding requests.
type Sequencer struct {
	last atomic.Int64
}

// NewSequencer returns a sequencer whose first Next is 1.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Next returns the next sequence number. Safe for concurrent use.
func (s *Sequencer) Next() int64 {
	return s.last.Add(1)
}
