package sequencer

import "sync/atomic"

// Clock is the monotonic logical clock for sequence assignment.
//
// Every committed envelope is stamped with a strictly increasing seq
// from this clock. Sequences are never reused: after a restart the
// clock resumes from the last committed sequence recovered from the
// log, so rotation never causes renumbering.
//
// Thread-safety: safe for concurrent use, though the single-writer
// design means only the committer goroutine calls Next().
type Clock struct {
	seq atomic.Int64
}

// NewClockAt creates a clock resuming from a known position. start is
// the last sequence already committed; the first Next() returns
// start+1.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and advances the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current position without advancing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
