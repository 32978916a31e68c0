// Package sequencer implements the single-writer core of the daemon.
//
// Many producer goroutines enqueue redacted submissions onto one bounded
// queue; exactly one goroutine (Run) drains it, stamps each submission
// with the next sequence number and the commit timestamp, and appends
// the resulting envelope to the log. Queue arrival order IS the total
// order: no cross-producer coordination, no vector clocks, one
// committer.
//
// Per-producer order is preserved because a producer's submissions reach
// the queue in send order. Cross-producer interleaving is whatever order
// the queue observed - an accepted, documented non-determinism. Tests
// must only assert per-producer ordering and global monotonicity.
package sequencer
